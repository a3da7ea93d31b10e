package pion

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

type APIOptions struct {
	// RegisterCodecs fills the media engine. The capture layer supplies
	// its encoders here; nil registers pion's default codecs.
	RegisterCodecs func(m *webrtc.MediaEngine) error
	LoggerFactory  logging.LoggerFactory
	// DisconnectedTimeout is how long ICE waits without traffic before
	// reporting the link as disconnected.
	DisconnectedTimeout time.Duration
}

// NewAPI builds the webrtc API shared by every transport of a participant.
func NewAPI(opts APIOptions) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	register := opts.RegisterCodecs
	if register == nil {
		register = func(m *webrtc.MediaEngine) error { return m.RegisterDefaultCodecs() }
	}
	if err := register(mediaEngine); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	if opts.LoggerFactory != nil {
		se.LoggerFactory = opts.LoggerFactory
	}
	disconnected := opts.DisconnectedTimeout
	if disconnected <= 0 {
		disconnected = 5 * time.Second
	}
	se.SetICETimeouts(disconnected, 4*disconnected, 2*time.Second)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}
