package ws

import "github.com/Wyydra/ya/internal/core/domain"

// CloseReason tells a connection why the hub is dropping it.
type CloseReason string

const (
	CloseGone         CloseReason = "gone"
	CloseShutdown     CloseReason = "shutdown"
	CloseSuperseded   CloseReason = "superseded"
	CloseSlowConsumer CloseReason = "send queue full"
)

// Client is one live participant connection as seen by the hub.
type Client interface {
	ID() domain.ParticipantID
	// Send queues env for delivery without blocking the hub.
	Send(env domain.Envelope) error
	Close(reason CloseReason) error
}
