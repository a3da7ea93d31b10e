package mediadevices

import (
	"errors"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/Wyydra/ya/internal/core/domain"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
)

// Stream is a set of captured tracks. It satisfies port.Stream and hands
// its tracks to the pion transport.
type Stream struct {
	tracks    []mediadevices.Track
	closeOnce sync.Once
}

func newStream(ms mediadevices.MediaStream) *Stream {
	return &Stream{tracks: ms.GetTracks()}
}

func (s *Stream) HasAudio() bool { return s.has(webrtc.RTPCodecTypeAudio) }
func (s *Stream) HasVideo() bool { return s.has(webrtc.RTPCodecTypeVideo) }

func (s *Stream) has(kind webrtc.RTPCodecType) bool {
	for _, t := range s.tracks {
		if t.Kind() == kind {
			return true
		}
	}
	return false
}

func (s *Stream) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

// Close stops every track and releases the devices.
func (s *Stream) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		for _, t := range s.tracks {
			if err := t.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// classify maps a capture failure onto the domain error kinds. missing is
// returned when no device matched the constraints.
func classify(err error, missing error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return errors.Join(domain.ErrPermissionDenied, err)
	case errors.Is(err, syscall.EBUSY):
		return errors.Join(domain.ErrDeviceBusy, err)
	case isNotFound(err):
		return errors.Join(missing, err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied"):
		return errors.Join(domain.ErrPermissionDenied, err)
	case strings.Contains(msg, "busy"):
		return errors.Join(domain.ErrDeviceBusy, err)
	}
	return err
}

func isNotFound(err error) bool {
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENODEV) || errors.Is(err, syscall.ENOENT) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "failed to find") || strings.Contains(msg, "not found")
}
