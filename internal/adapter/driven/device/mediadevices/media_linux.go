//go:build linux

package mediadevices

import (
	"context"
	"fmt"

	"github.com/Wyydra/ya/internal/core/domain"
	"github.com/Wyydra/ya/internal/core/port"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const videoBitRate = 1_500_000

// Acquirer opens capture devices through V4L2, malgo and X11.
type Acquirer struct {
	codecs *mediadevices.CodecSelector
}

func NewAcquirer() (*Acquirer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = videoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &Acquirer{
		codecs: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// RegisterCodecs fills m with the encoders used for capture.
func (a *Acquirer) RegisterCodecs(m *webrtc.MediaEngine) error {
	a.codecs.Populate(m)
	return nil
}

func (a *Acquirer) Acquire(ctx context.Context, req domain.MediaRequest) (port.Stream, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if !req.Audio {
		return nil, false, fmt.Errorf("%w: audio is required", domain.ErrNoMicrophone)
	}

	if req.Video {
		ms, err := mediadevices.GetUserMedia(a.constraints(true))
		if err == nil {
			return newStream(ms), false, nil
		}
		log.Warn().Err(err).Msg("Audio and video capture failed, retrying audio only")
	}

	ms, err := mediadevices.GetUserMedia(a.constraints(false))
	if err != nil {
		return nil, false, classify(err, domain.ErrNoMicrophone)
	}
	return newStream(ms), req.Video, nil
}

func (a *Acquirer) AcquireScreen(ctx context.Context) (port.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ms, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {},
		Codec: a.codecs,
	})
	if err != nil {
		return nil, classify(err, domain.ErrNoCamera)
	}
	return newStream(ms), nil
}

func (a *Acquirer) constraints(video bool) mediadevices.MediaStreamConstraints {
	c := mediadevices.MediaStreamConstraints{
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		Codec: a.codecs,
	}
	if video {
		c.Video = func(c *mediadevices.MediaTrackConstraints) {
			// raw formats only, MJPEG nodes produce frames the VP8 encoder rejects
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}
	return c
}
