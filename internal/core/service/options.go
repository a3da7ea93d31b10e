package service

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

const (
	DefaultRingTimeout  = 30 * time.Second
	DefaultGracePeriod  = 2 * time.Second
	defaultTombstoneTTL = 10 * time.Minute
	tickInterval        = time.Second
	eventQueueSize      = 1024
)

type Option func(*CallService)

func WithClock(c clock.Clock) Option {
	return func(s *CallService) {
		s.clock = c
	}
}

func WithRingTimeout(d time.Duration) Option {
	return func(s *CallService) {
		if d > 0 {
			s.ringTimeout = d
		}
	}
}

func WithGracePeriod(d time.Duration) Option {
	return func(s *CallService) {
		if d > 0 {
			s.gracePeriod = d
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *CallService) {
		s.log = l
	}
}

// WithDisplayName sets the name sent as callerName in outgoing requests.
func WithDisplayName(name string) Option {
	return func(s *CallService) {
		s.displayName = name
	}
}
