package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	relay "github.com/Wyydra/ya/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/ya/internal/core/domain"
	"github.com/Wyydra/ya/internal/core/port"
	"github.com/Wyydra/ya/internal/core/service"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

type fakeStream struct {
	audio, video bool

	mu     sync.Mutex
	closed bool
}

func (s *fakeStream) HasAudio() bool { return s.audio }
func (s *fakeStream) HasVideo() bool { return s.video }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeProbe struct {
	caps domain.Capabilities
	err  error
}

func (p *fakeProbe) Probe(ctx context.Context) (domain.Capabilities, error) {
	return p.caps, p.err
}

type fakeAcquirer struct {
	mu        sync.Mutex
	noCamera  bool
	err       error
	screenErr error
	streams   []*fakeStream
	// gate, when set, holds Acquire until it is closed.
	gate chan struct{}
}

func (a *fakeAcquirer) Acquire(ctx context.Context, req domain.MediaRequest) (port.Stream, bool, error) {
	a.mu.Lock()
	gate := a.gate
	a.mu.Unlock()
	if gate != nil {
		<-gate
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, false, a.err
	}
	st := &fakeStream{audio: true, video: req.Video && !a.noCamera}
	a.streams = append(a.streams, st)
	return st, req.Video && a.noCamera, nil
}

func (a *fakeAcquirer) AcquireScreen(ctx context.Context) (port.Stream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.screenErr != nil {
		return nil, a.screenErr
	}
	st := &fakeStream{video: true}
	a.streams = append(a.streams, st)
	return st, nil
}

func (a *fakeAcquirer) all() []*fakeStream {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*fakeStream(nil), a.streams...)
}

type signalingState int

const (
	stable signalingState = iota
	haveLocalOffer
	haveRemoteOffer
)

// fakeTransport stands in for a peer connection. Descriptions list the
// media sections it would negotiate; installing a remote description
// reports the remote tracks it carries. Signaling states follow the same
// rules as a real peer connection.
type fakeTransport struct {
	events port.TransportEvents

	mu          sync.Mutex
	signaling   signalingState
	videoSender bool
	offers      []domain.OfferOptions
	sending     map[domain.TrackKind]bool
	replaced    int
	rollbacks   int
	candidates  []json.RawMessage
	closed      bool
}

func (t *fakeTransport) describe(kind string, receiveVideo bool) domain.SessionDescription {
	sdp := "m=audio sendrecv"
	switch {
	case t.videoSender:
		sdp += "\nm=video sendrecv"
	case receiveVideo:
		sdp += "\nm=video recvonly"
	}
	return domain.SessionDescription{Type: kind, SDP: sdp}
}

func (t *fakeTransport) CreateOffer(opts domain.OfferOptions) (domain.SessionDescription, error) {
	t.mu.Lock()
	if t.signaling == haveRemoteOffer {
		t.mu.Unlock()
		return domain.SessionDescription{}, errors.New("offer while answering")
	}
	t.signaling = haveLocalOffer
	t.offers = append(t.offers, opts)
	sd := t.describe("offer", opts.ReceiveVideo)
	t.mu.Unlock()
	t.events.OnCandidate(json.RawMessage(`{"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host"}`))
	return sd, nil
}

func (t *fakeTransport) CreateAnswer() (domain.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.signaling != haveRemoteOffer {
		return domain.SessionDescription{}, errors.New("answer without remote offer")
	}
	t.signaling = stable
	return t.describe("answer", false), nil
}

func (t *fakeTransport) SetRemoteDescription(sd domain.SessionDescription) error {
	t.mu.Lock()
	switch {
	case sd.Type == "offer" && t.signaling != haveLocalOffer:
		t.signaling = haveRemoteOffer
	case sd.Type == "answer" && t.signaling == haveLocalOffer:
		t.signaling = stable
	default:
		state := t.signaling
		t.mu.Unlock()
		return fmt.Errorf("remote %s in signaling state %d", sd.Type, state)
	}
	t.mu.Unlock()
	t.events.OnRemoteTrack(domain.TrackAudio)
	if strings.Contains(sd.SDP, "m=video sendrecv") {
		t.events.OnRemoteTrack(domain.TrackVideo)
	}
	return nil
}

func (t *fakeTransport) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.signaling != haveLocalOffer {
		return errors.New("nothing to roll back")
	}
	t.signaling = stable
	t.rollbacks++
	return nil
}

func (t *fakeTransport) AddICECandidate(c json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.candidates = append(t.candidates, c)
	return nil
}

func (t *fakeTransport) ReplaceVideoSource(s port.Stream) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.videoSender {
		t.videoSender = true
		return domain.ErrRenegotiationRequired
	}
	t.replaced++
	return nil
}

func (t *fakeTransport) SetSending(kind domain.TrackKind, enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sending[kind] = enabled
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) link(s domain.LinkState) {
	t.events.OnLinkState(s)
}

func (t *fakeTransport) isSending(kind domain.TrackKind) (bool, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.sending[kind]
	return v, ok
}

func (t *fakeTransport) offerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.offers)
}

// settled reports whether no offer/answer round is open.
func (t *fakeTransport) settled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.signaling == stable
}

func (t *fakeTransport) lastOffer() domain.OfferOptions {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offers[len(t.offers)-1]
}

func (t *fakeTransport) replacedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.replaced
}

func (t *fakeTransport) rollbackCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rollbacks
}

func (t *fakeTransport) appliedCandidates() []json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]json.RawMessage(nil), t.candidates...)
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeFactory struct {
	mu         sync.Mutex
	transports map[domain.CallID]*fakeTransport
}

func (f *fakeFactory) NewTransport(ctx context.Context, cfg port.TransportConfig, events port.TransportEvents) (port.PeerTransport, error) {
	t := &fakeTransport{
		events:      events,
		videoSender: cfg.Stream != nil && cfg.Stream.HasVideo(),
		sending:     make(map[domain.TrackKind]bool),
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transports == nil {
		f.transports = make(map[domain.CallID]*fakeTransport)
	}
	f.transports[cfg.CallID] = t
	return t, nil
}

func (f *fakeFactory) get(id domain.CallID) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transports[id]
}

type observer struct {
	mu     sync.Mutex
	calls  []domain.CallEvent
	groups []domain.GroupCallEvent
	ticks  int
}

func (o *observer) CallStateChanged(ev domain.CallEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, ev)
}

func (o *observer) CallTick(id domain.CallID, elapsed time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ticks++
}

func (o *observer) GroupCallChanged(ev domain.GroupCallEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.groups = append(o.groups, ev)
}

// last returns the latest event for id.
func (o *observer) last(id domain.CallID) (domain.CallEvent, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.calls) - 1; i >= 0; i-- {
		if o.calls[i].Session.CallID == id {
			return o.calls[i], true
		}
	}
	return domain.CallEvent{}, false
}

func (o *observer) find(match func(domain.CallEvent) bool) (domain.CallEvent, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ev := range o.calls {
		if match(ev) {
			return ev, true
		}
	}
	return domain.CallEvent{}, false
}

func (o *observer) lastGroup(id domain.GroupCallID) (domain.GroupCallEvent, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.groups) - 1; i >= 0; i-- {
		if o.groups[i].GroupCallID == id {
			return o.groups[i], true
		}
	}
	return domain.GroupCallEvent{}, false
}

// recordingGateway captures what a participant sends when no relay is
// involved.
type recordingGateway struct {
	mu   sync.Mutex
	sent []domain.Envelope
	err  error
}

func (g *recordingGateway) Send(ctx context.Context, env domain.Envelope) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	g.sent = append(g.sent, env)
	return nil
}

func (g *recordingGateway) types() []domain.MessageType {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]domain.MessageType, 0, len(g.sent))
	for _, env := range g.sent {
		out = append(out, env.Type)
	}
	return out
}

// relayClient connects a CallService to an in-process relay hub.
type relayClient struct {
	id  domain.ParticipantID
	hub *relay.Hub
	svc *service.CallService

	mu     sync.Mutex
	paused bool
	held   []domain.Envelope
}

func (c *relayClient) ID() domain.ParticipantID { return c.id }

func (c *relayClient) Send(env domain.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		c.held = append(c.held, env)
		return nil
	}
	c.svc.HandleEnvelope(env)
	return nil
}

// pause holds back what the relay delivers until resume.
func (c *relayClient) pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

func (c *relayClient) resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, env := range c.held {
		c.svc.HandleEnvelope(env)
	}
	c.held, c.paused = nil, false
}

func (c *relayClient) Close(reason relay.CloseReason) error { return nil }

type relayGateway struct{ c *relayClient }

func (g relayGateway) Send(ctx context.Context, env domain.Envelope) error {
	g.c.hub.Inbound(g.c, env)
	return nil
}

type peer struct {
	id         domain.ParticipantID
	svc        *service.CallService
	obs        *observer
	probe      *fakeProbe
	media      *fakeAcquirer
	transports *fakeFactory
	client     *relayClient
	stop       func()
}

func fullCaps() domain.Capabilities {
	return domain.Capabilities{
		HasMicrophone: true,
		HasCamera:     true,
		Microphone:    domain.PermissionGranted,
		Camera:        domain.PermissionGranted,
	}
}

func newPeer(t *testing.T, id domain.ParticipantID, gw port.RealTimeGateway, clk clock.Clock) *peer {
	t.Helper()
	p := &peer{
		id:         id,
		obs:        &observer{},
		probe:      &fakeProbe{caps: fullCaps()},
		media:      &fakeAcquirer{},
		transports: &fakeFactory{},
	}
	opts := []service.Option{service.WithLogger(zerolog.Nop())}
	if clk != nil {
		opts = append(opts, service.WithClock(clk))
	}
	p.svc = service.NewCallService(id, gw, p.probe, p.media, p.transports, p.obs, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.svc.Run(ctx)
	}()
	var once sync.Once
	p.stop = func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	t.Cleanup(p.stop)
	return p
}

// joinRelay registers a new participant with hub.
func joinRelay(t *testing.T, hub *relay.Hub, id domain.ParticipantID, clk clock.Clock) *peer {
	t.Helper()
	c := &relayClient{id: id, hub: hub}
	p := newPeer(t, id, relayGateway{c}, clk)
	c.svc = p.svc
	p.client = c
	hub.Register(c)
	return p
}

func startRelay(t *testing.T) *relay.Hub {
	t.Helper()
	hub := relay.NewHub()
	go hub.Run()
	t.Cleanup(hub.Stop)
	return hub
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// barrier returns once the participant loop has handled everything queued
// before it.
func barrier(t *testing.T, p *peer) {
	t.Helper()
	if _, err := p.svc.Sessions(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func (p *peer) waitState(t *testing.T, id domain.CallID, want domain.State) domain.CallEvent {
	t.Helper()
	var ev domain.CallEvent
	eventually(t, string(p.id)+" reaching "+want.String(), func() bool {
		var ok bool
		ev, ok = p.obs.last(id)
		return ok && ev.Session.State == want
	})
	return ev
}

// waitIncoming returns the id of the first call ringing at p.
func (p *peer) waitIncoming(t *testing.T) domain.CallID {
	t.Helper()
	var id domain.CallID
	eventually(t, string(p.id)+" ringing", func() bool {
		ev, ok := p.obs.find(func(ev domain.CallEvent) bool {
			return ev.Session.Role == domain.RoleResponder && ev.Session.State == domain.StateRinging
		})
		id = ev.Session.CallID
		return ok
	})
	return id
}
