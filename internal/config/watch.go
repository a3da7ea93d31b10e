package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// ICESource holds the current ICE server list. It is safe for
// concurrent use.
type ICESource struct {
	mu      sync.RWMutex
	servers []webrtc.ICEServer
}

func NewICESource(servers []webrtc.ICEServer) *ICESource {
	return &ICESource{servers: servers}
}

func (s *ICESource) Servers() []webrtc.ICEServer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]webrtc.ICEServer(nil), s.servers...)
}

func (s *ICESource) Set(servers []webrtc.ICEServer) {
	s.mu.Lock()
	s.servers = servers
	s.mu.Unlock()
}

// Reload replaces the server list with the contents of path. On error
// the previous list is kept.
func (s *ICESource) Reload(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	servers, err := ParseICEServersJSON(raw)
	if err != nil {
		return err
	}
	s.Set(servers)
	return nil
}

// Watch loads path into s and keeps reloading it whenever the file is
// written or replaced, until ctx is done. The parent directory is
// watched so editors that rename over the file are picked up.
func (s *ICESource) Watch(ctx context.Context, path string) error {
	if err := s.Reload(path); err != nil {
		return fmt.Errorf("load ice servers: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", path, err)
	}

	go s.watchLoop(ctx, watcher, filepath.Clean(path))
	return nil
}

func (s *ICESource) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, path string) {
	defer watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if err := s.Reload(path); err != nil {
				log.Warn().Err(err).Str("path", path).Msg("ICE server reload failed, keeping previous list")
				continue
			}
			log.Info().Str("path", path).Int("servers", len(s.Servers())).Msg("ICE servers reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("ICE server watcher error")
		}
	}
}
