//go:build !linux

package mediadevices

import (
	"context"
	"fmt"

	"github.com/Wyydra/ya/internal/core/domain"
	"github.com/Wyydra/ya/internal/core/port"
	"github.com/pion/webrtc/v4"
)

// Acquirer has no capture drivers on this platform; every attempt fails
// the way a host without a microphone would.
type Acquirer struct{}

func NewAcquirer() (*Acquirer, error) {
	return &Acquirer{}, nil
}

func (a *Acquirer) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (a *Acquirer) Acquire(ctx context.Context, req domain.MediaRequest) (port.Stream, bool, error) {
	return nil, false, fmt.Errorf("%w: no capture drivers on this platform", domain.ErrNoMicrophone)
}

func (a *Acquirer) AcquireScreen(ctx context.Context) (port.Stream, error) {
	return nil, fmt.Errorf("%w: no screen capture on this platform", domain.ErrNoCamera)
}
