package service

import (
	"context"

	"github.com/Wyydra/ya/internal/core/domain"
)

// Run processes intents, relay envelopes, timer expiries and transport
// events one at a time until ctx is cancelled. All session state is owned
// by this goroutine.
func (s *CallService) Run(ctx context.Context) error {
	s.ctx = ctx
	defer close(s.done)

	s.log.Info().Msg("Call loop started")
	for {
		select {
		case <-ctx.Done():
			s.ctx = context.WithoutCancel(ctx)
			s.shutdown()
			s.log.Info().Msg("Call loop stopped")
			return nil
		case fn := <-s.events:
			fn()
		}
	}
}

// post queues fn for the loop. It reports false when the loop has exited.
func (s *CallService) post(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- fn:
		return true
	case <-s.done:
		return false
	}
}

// do runs fn on the loop and waits for its result. It must not be called
// from the loop goroutine.
func (s *CallService) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	select {
	case s.events <- func() { errc <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return domain.ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		select {
		case err := <-errc:
			return err
		default:
			return domain.ErrClosed
		}
	}
}

func (s *CallService) shutdown() {
	for _, g := range s.groups {
		if g.state != domain.GroupEnded {
			s.leaveGroup(g, domain.ReasonShutdown)
		}
	}
	for _, l := range s.legs {
		s.sendTerminal(l, domain.CallEnd{Reason: domain.ReasonShutdown})
		s.finish(l, domain.ReasonShutdown)
	}
}
