package mediadevices

import (
	"context"

	"github.com/Wyydra/ya/internal/core/domain"
	"github.com/pion/mediadevices"
	"github.com/rs/zerolog/log"
)

// Probe reports which capture devices the registered drivers can see.
// Host capture has no permission prompt, so permission is reported as
// prompt until an open attempt says otherwise.
type Probe struct {
	enumerate func() []mediadevices.MediaDeviceInfo
}

func NewProbe() *Probe {
	return &Probe{enumerate: mediadevices.EnumerateDevices}
}

func (p *Probe) Probe(ctx context.Context) (domain.Capabilities, error) {
	if err := ctx.Err(); err != nil {
		return domain.Capabilities{}, err
	}
	caps := domain.Capabilities{
		Microphone: domain.PermissionPrompt,
		Camera:     domain.PermissionPrompt,
	}
	for _, d := range p.enumerate() {
		switch d.Kind {
		case mediadevices.AudioInput:
			caps.HasMicrophone = true
		case mediadevices.VideoInput:
			caps.HasCamera = true
		}
	}
	log.Debug().
		Bool("microphone", caps.HasMicrophone).
		Bool("camera", caps.HasCamera).
		Msg("Probed capture devices")
	return caps, nil
}
