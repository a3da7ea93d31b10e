package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Wyydra/ya/internal/adapter/driven/gateway/ws"
	handler "github.com/Wyydra/ya/internal/adapter/driving/http"
	"github.com/Wyydra/ya/internal/config"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load("server", os.Args[1:])
	if err != nil {
		return err
	}
	l := config.NewLogger(cfg, os.Stdout)
	log.Logger = l

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ice := config.NewICESource(cfg.ICEServers)
	if cfg.ICEServersFile != "" {
		if err := ice.Watch(ctx, cfg.ICEServersFile); err != nil {
			return err
		}
	}

	hub := ws.NewHub()
	go hub.Run()

	h := handler.NewHandler(hub, ice, handler.Options{
		AllowedOrigins:    cfg.AllowedOrigins,
		MaxMessageBytes:   cfg.MaxMessageBytes,
		MessagesPerSecond: cfg.MessagesPerSecond,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h.NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		l.Info().Str("addr", cfg.ListenAddr).Msg("Starting relay")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		hub.Stop()
		return fmt.Errorf("listen: %w", err)
	}
	l.Info().Msg("Shutting down relay...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Error().Err(err).Msg("Relay forced to shutdown")
	}

	// WebSocket connections are hijacked and outlive Shutdown; the hub
	// closes them.
	hub.Stop()
	l.Info().Msg("Relay exited")
	return nil
}
