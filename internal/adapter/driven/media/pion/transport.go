package pion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/ya/internal/core/domain"
	"github.com/Wyydra/ya/internal/core/port"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const keyframeInterval = 3 * time.Second

// TrackSource is a stream whose tracks can be sent over a peer connection.
// Streams that do not implement it are attached as receive only.
type TrackSource interface {
	Tracks() []webrtc.TrackLocal
}

type Factory struct {
	api        *webrtc.API
	iceServers func() []webrtc.ICEServer
}

// NewFactory creates transports on api. iceServers is consulted for every
// new transport so reloaded server lists apply to the next call.
func NewFactory(api *webrtc.API, iceServers func() []webrtc.ICEServer) *Factory {
	return &Factory{api: api, iceServers: iceServers}
}

// Transport is one RTCPeerConnection.
type Transport struct {
	pc     *webrtc.PeerConnection
	events port.TransportEvents
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	senders map[domain.TrackKind]*webrtc.RTPSender
	tracks  map[domain.TrackKind]webrtc.TrackLocal
	sending map[domain.TrackKind]bool
	recv    map[domain.TrackKind]bool
}

func (f *Factory) NewTransport(ctx context.Context, cfg port.TransportConfig, events port.TransportEvents) (port.PeerTransport, error) {
	var servers []webrtc.ICEServer
	if f.iceServers != nil {
		servers = f.iceServers()
	}
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	tctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &Transport{
		pc:      pc,
		events:  events,
		log:     log.With().Str("call_id", cfg.CallID.String()).Str("remote", cfg.Remote.String()).Logger(),
		ctx:     tctx,
		cancel:  cancel,
		senders: make(map[domain.TrackKind]*webrtc.RTPSender),
		tracks:  make(map[domain.TrackKind]webrtc.TrackLocal),
		sending: make(map[domain.TrackKind]bool),
		recv:    make(map[domain.TrackKind]bool),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || events.OnCandidate == nil {
			return
		}
		candidateJSON, err := json.Marshal(c.ToJSON())
		if err != nil {
			t.log.Error().Err(err).Msg("Failed to marshal candidate")
			return
		}
		events.OnCandidate(candidateJSON)
	})
	pc.OnTrack(t.onTrack)
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.log.Debug().Str("state", s.String()).Msg("Peer connection state changed")
		if events.OnLinkState != nil {
			events.OnLinkState(linkState(s))
		}
	})

	if err := t.attach(cfg.Stream); err != nil {
		_ = pc.Close()
		cancel()
		return nil, err
	}
	return t, nil
}

func (t *Transport) attach(s port.Stream) error {
	src, ok := s.(TrackSource)
	if !ok {
		return nil
	}
	for _, track := range src.Tracks() {
		kind := trackKind(track.Kind())
		if _, dup := t.senders[kind]; dup {
			continue
		}
		sender, err := t.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add %s track: %w", kind, err)
		}
		t.senders[kind] = sender
		t.tracks[kind] = track
		t.sending[kind] = true
		go t.readRTCP(sender)
	}
	return nil
}

// CreateOffer makes sure the offer always asks for audio, and for video
// when requested, even when nothing is sent in that direction.
func (t *Transport) CreateOffer(opts domain.OfferOptions) (domain.SessionDescription, error) {
	t.mu.Lock()
	if err := t.ensureReceive(domain.TrackAudio); err != nil {
		t.mu.Unlock()
		return domain.SessionDescription{}, err
	}
	if opts.ReceiveVideo || opts.Video {
		if err := t.ensureReceive(domain.TrackVideo); err != nil {
			t.mu.Unlock()
			return domain.SessionDescription{}, err
		}
	}
	t.mu.Unlock()

	offer, err := t.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: opts.ICERestart})
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("%w: create offer: %v", domain.ErrNegotiation, err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("%w: set local offer: %v", domain.ErrNegotiation, err)
	}
	return domain.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (t *Transport) ensureReceive(kind domain.TrackKind) error {
	if _, ok := t.senders[kind]; ok || t.recv[kind] {
		return nil
	}
	if _, err := t.pc.AddTransceiverFromKind(codecType(kind), webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		return fmt.Errorf("add %s transceiver: %w", kind, err)
	}
	t.recv[kind] = true
	return nil
}

func (t *Transport) CreateAnswer() (domain.SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("%w: create answer: %v", domain.ErrNegotiation, err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("%w: set local answer: %v", domain.ErrNegotiation, err)
	}
	return domain.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (t *Transport) SetRemoteDescription(sd domain.SessionDescription) error {
	desc := webrtc.SessionDescription{Type: webrtc.NewSDPType(sd.Type), SDP: sd.SDP}
	if desc.Type == webrtc.SDPTypeUnknown {
		return fmt.Errorf("%w: unknown description type %q", domain.ErrNegotiation, sd.Type)
	}
	if err := t.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%w: set remote %s: %v", domain.ErrNegotiation, sd.Type, err)
	}
	return nil
}

func (t *Transport) Rollback() error {
	pending := t.pc.PendingLocalDescription()
	if pending == nil {
		return fmt.Errorf("%w: no local offer to roll back", domain.ErrNegotiation)
	}
	// pion parses the description even for a rollback
	if err := t.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback, SDP: pending.SDP}); err != nil {
		return fmt.Errorf("%w: rollback: %v", domain.ErrNegotiation, err)
	}
	return nil
}

func (t *Transport) AddICECandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("%w: candidate: %v", domain.ErrInvalidMessage, err)
	}
	return t.pc.AddICECandidate(init)
}

// ReplaceVideoSource swaps the outgoing video track. A transport that has
// never sent video gets a new sender and needs a fresh offer.
func (t *Transport) ReplaceVideoSource(s port.Stream) error {
	var video webrtc.TrackLocal
	if src, ok := s.(TrackSource); ok {
		for _, track := range src.Tracks() {
			if track.Kind() == webrtc.RTPCodecTypeVideo {
				video = track
				break
			}
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	sender, ok := t.senders[domain.TrackVideo]
	if !ok {
		if video == nil {
			return nil
		}
		sender, err := t.pc.AddTrack(video)
		if err != nil {
			return fmt.Errorf("add video track: %w", err)
		}
		t.senders[domain.TrackVideo] = sender
		t.tracks[domain.TrackVideo] = video
		t.sending[domain.TrackVideo] = true
		go t.readRTCP(sender)
		return domain.ErrRenegotiationRequired
	}

	t.tracks[domain.TrackVideo] = video
	if !t.sending[domain.TrackVideo] {
		return nil
	}
	if err := sender.ReplaceTrack(video); err != nil {
		return fmt.Errorf("replace video track: %w", err)
	}
	return nil
}

// SetSending pauses or resumes an outgoing track without renegotiation.
func (t *Transport) SetSending(kind domain.TrackKind, enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	sender, ok := t.senders[kind]
	if !ok || t.sending[kind] == enabled {
		return nil
	}
	var track webrtc.TrackLocal
	if enabled {
		track = t.tracks[kind]
	}
	if err := sender.ReplaceTrack(track); err != nil {
		return fmt.Errorf("set %s sending=%t: %w", kind, enabled, err)
	}
	t.sending[kind] = enabled
	return nil
}

func (t *Transport) Close() error {
	t.cancel()
	if err := t.pc.Close(); err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
		return err
	}
	return nil
}

func (t *Transport) onTrack(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	kind := trackKind(remote.Kind())
	t.log.Debug().Str("kind", string(kind)).Str("codec", remote.Codec().MimeType).Msg("Received remote track")
	if t.events.OnRemoteTrack != nil {
		t.events.OnRemoteTrack(kind)
	}
	if kind == domain.TrackVideo {
		go t.requestKeyframes(remote)
	}
	go t.drain(remote)
}

// requestKeyframes sends a PLI right away and then periodically so a
// substituted remote source shows up without waiting for its next
// keyframe.
func (t *Transport) requestKeyframes(remote *webrtc.TrackRemote) {
	sendPLI := func() {
		_ = t.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(remote.SSRC())},
		})
	}
	sendPLI()

	ticker := time.NewTicker(keyframeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			sendPLI()
		}
	}
}

// drain consumes inbound RTP so the interceptors keep producing reports.
// Playback is left to the embedding application.
func (t *Transport) drain(remote *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := remote.Read(buf); err != nil {
			return
		}
	}
}

func (t *Transport) readRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func linkState(s webrtc.PeerConnectionState) domain.LinkState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return domain.LinkConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.LinkConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.LinkDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.LinkFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.LinkClosed
	default:
		return domain.LinkNew
	}
}

func trackKind(k webrtc.RTPCodecType) domain.TrackKind {
	if k == webrtc.RTPCodecTypeVideo {
		return domain.TrackVideo
	}
	return domain.TrackAudio
}

func codecType(k domain.TrackKind) webrtc.RTPCodecType {
	if k == domain.TrackVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}
