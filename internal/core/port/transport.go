package port

import (
	"context"
	"encoding/json"

	"github.com/Wyydra/ya/internal/core/domain"
)

type TransportConfig struct {
	CallID domain.CallID
	Remote domain.ParticipantID
	// Stream is attached before the first offer or answer; nil means
	// receive only.
	Stream Stream
}

// TransportEvents are invoked from transport goroutines. Implementations in
// the service post them back onto the participant event loop.
type TransportEvents struct {
	OnCandidate   func(candidate json.RawMessage)
	OnRemoteTrack func(kind domain.TrackKind)
	OnLinkState   func(state domain.LinkState)
}

type TransportFactory interface {
	NewTransport(ctx context.Context, cfg TransportConfig, events TransportEvents) (PeerTransport, error)
}

// PeerTransport is one peer-to-peer media leg. Descriptions and candidates
// are opaque to the caller.
type PeerTransport interface {
	// CreateOffer produces an offer and installs it as the local description.
	CreateOffer(opts domain.OfferOptions) (domain.SessionDescription, error)
	// CreateAnswer answers the installed remote offer and installs the
	// answer as the local description.
	CreateAnswer() (domain.SessionDescription, error)
	SetRemoteDescription(sd domain.SessionDescription) error
	// Rollback discards the local offer that has not been answered yet.
	Rollback() error
	AddICECandidate(candidate json.RawMessage) error
	// ReplaceVideoSource swaps the outgoing video in place. It returns
	// domain.ErrRenegotiationRequired when the swap needs a new offer.
	ReplaceVideoSource(s Stream) error
	SetSending(kind domain.TrackKind, enabled bool) error
	Close() error
}
