package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Wyydra/ya/internal/adapter/driven/device/mediadevices"
	"github.com/Wyydra/ya/internal/adapter/driven/media/pion"
	"github.com/Wyydra/ya/internal/adapter/driven/signaling/ws"
	"github.com/Wyydra/ya/internal/adapter/driving/console"
	"github.com/Wyydra/ya/internal/config"
	"github.com/Wyydra/ya/internal/core/domain"
	"github.com/Wyydra/ya/internal/core/service"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load("peer", os.Args[1:])
	if err != nil {
		return err
	}
	// stdout belongs to the console
	l := config.NewLogger(cfg, os.Stderr)
	log.Logger = l

	self, err := domain.ParseParticipantID(cfg.ParticipantID)
	if err != nil {
		return fmt.Errorf("participant id (-id or PARTICIPANT_ID): %w", err)
	}
	name := cfg.DisplayName
	if name == "" {
		name = self.String()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	iceServers, err := ws.FetchICEServers(ctx, nil, cfg.RelayURL)
	if err != nil {
		l.Warn().Err(err).Msg("Could not fetch ICE servers from relay, using configured list")
		iceServers = cfg.ICEServers
	}
	ice := config.NewICESource(iceServers)

	acquirer, err := mediadevices.NewAcquirer()
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	api, err := pion.NewAPI(pion.APIOptions{
		RegisterCodecs: acquirer.RegisterCodecs,
		LoggerFactory:  pion.LoggerFactory{Logger: l},
	})
	if err != nil {
		return fmt.Errorf("webrtc api: %w", err)
	}

	conn, err := ws.NewConn(cfg.RelayURL, self, ws.WithReconnect(cfg.ReconnectAttempts, cfg.ReconnectDelay))
	if err != nil {
		return err
	}

	ui := console.New(nil, os.Stdout)
	svc := service.NewCallService(
		self,
		conn,
		mediadevices.NewProbe(),
		acquirer,
		pion.NewFactory(api, ice.Servers),
		ui,
		service.WithDisplayName(name),
		service.WithRingTimeout(cfg.RingTimeout),
		service.WithGracePeriod(cfg.GracePeriod),
		service.WithLogger(l.With().Str("participant", self.String()).Logger()),
	)
	ui.SetCalls(svc)

	// The relay connection outlives the call loop so the terminal messages
	// Run sends on shutdown reach the relay.
	loopCtx, cancelLoop := context.WithCancel(ctx)
	defer cancelLoop()
	connCtx, cancelConn := context.WithCancel(context.Background())
	defer cancelConn()

	loopDone := make(chan error, 1)
	go func() { loopDone <- svc.Run(loopCtx) }()

	connDone := make(chan error, 1)
	go func() { connDone <- conn.Run(connCtx, svc) }()

	uiDone := make(chan error, 1)
	go func() { uiDone <- ui.Run(loopCtx, os.Stdin) }()

	l.Info().Str("relay", cfg.RelayURL).Str("name", name).Msg("Peer started")

	var runErr error
	connStopped := false
	select {
	case <-ctx.Done():
	case err := <-uiDone:
		runErr = err
	case err := <-connDone:
		connStopped = true
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = fmt.Errorf("relay: %w", err)
		}
	}

	cancelLoop()
	if err := <-loopDone; err != nil {
		l.Error().Err(err).Msg("Call loop stopped with error")
	}
	cancelConn()
	if !connStopped {
		select {
		case <-connDone:
		case <-time.After(2 * time.Second):
		}
	}
	l.Info().Msg("Peer exited")
	return runErr
}
