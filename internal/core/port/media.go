package port

import (
	"context"

	"github.com/Wyydra/ya/internal/core/domain"
)

type DeviceProbe interface {
	Probe(ctx context.Context) (domain.Capabilities, error)
}

// Stream is a set of local capture tracks. Close releases the hardware and
// is safe to call more than once.
type Stream interface {
	HasAudio() bool
	HasVideo() bool
	Close() error
}

type MediaAcquirer interface {
	// Acquire captures the requested tracks. When both audio and video are
	// requested and only video fails, it returns an audio stream with
	// videoFailed set. Errors wrap domain.ErrNoMicrophone,
	// domain.ErrPermissionDenied or domain.ErrDeviceBusy.
	Acquire(ctx context.Context, req domain.MediaRequest) (stream Stream, videoFailed bool, err error)
	AcquireScreen(ctx context.Context) (Stream, error)
}
