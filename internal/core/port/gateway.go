package port

import (
	"context"

	"github.com/Wyydra/ya/internal/core/domain"
)

// RealTimeGateway delivers envelopes to the relay. Send returns once the
// envelope is queued; domain.ErrUnreachable means the relay link is down.
type RealTimeGateway interface {
	Send(ctx context.Context, env domain.Envelope) error
}
