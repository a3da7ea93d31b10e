package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Wyydra/ya/internal/core/domain"
	"github.com/Wyydra/ya/internal/core/port"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// negotiator drives the offer/answer rounds of one leg and holds back
// remote candidates until a remote description is installed.
//
// When both sides offer at once the polite side, the responder of the leg,
// abandons its own offer and answers; the other side ignores the colliding
// offer.
type negotiator struct {
	transport  port.PeerTransport
	polite     bool
	haveRemote bool
	// offering is set while a local offer waits for its answer.
	offering bool
	// again asks for another offer once the current round settles.
	again   bool
	pending []json.RawMessage
	log     zerolog.Logger
}

func newNegotiator(l zerolog.Logger, polite bool) *negotiator {
	return &negotiator{log: l, polite: polite}
}

func (n *negotiator) started() bool {
	return n.transport != nil
}

func (n *negotiator) attach(t port.PeerTransport) {
	n.transport = t
}

func (n *negotiator) offer(opts domain.OfferOptions) (domain.SessionDescription, error) {
	sd, err := n.transport.CreateOffer(opts)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("%w: create offer: %v", domain.ErrNegotiation, err)
	}
	n.offering = true
	return sd, nil
}

// rollback abandons the local offer in flight and schedules a new one.
func (n *negotiator) rollback() error {
	if err := n.transport.Rollback(); err != nil {
		return fmt.Errorf("%w: rollback: %v", domain.ErrNegotiation, err)
	}
	n.offering = false
	n.again = true
	return nil
}

func (n *negotiator) acceptOffer(sd domain.SessionDescription) (domain.SessionDescription, error) {
	if err := n.transport.SetRemoteDescription(sd); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("%w: remote offer: %v", domain.ErrNegotiation, err)
	}
	n.haveRemote = true
	n.flush()
	answer, err := n.transport.CreateAnswer()
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("%w: create answer: %v", domain.ErrNegotiation, err)
	}
	return answer, nil
}

func (n *negotiator) acceptAnswer(sd domain.SessionDescription) error {
	if err := n.transport.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("%w: remote answer: %v", domain.ErrNegotiation, err)
	}
	n.offering = false
	n.haveRemote = true
	n.flush()
	return nil
}

func (n *negotiator) addCandidate(c json.RawMessage) error {
	if n.transport == nil || !n.haveRemote {
		n.pending = append(n.pending, c)
		return nil
	}
	return n.transport.AddICECandidate(c)
}

// flush applies queued candidates in arrival order. A bad candidate does
// not stop the others.
func (n *negotiator) flush() {
	if len(n.pending) > 0 {
		n.log.Debug().Int("count", len(n.pending)).Msg("Applying queued candidates")
	}
	for _, c := range n.pending {
		if err := n.transport.AddICECandidate(c); err != nil {
			n.log.Warn().Err(err).Msg("Failed to add queued candidate")
		}
	}
	n.pending = nil
}

// replaceVideo swaps the outgoing video source. It reports whether a new
// offer has to be sent for the swap to take effect.
func (n *negotiator) replaceVideo(s port.Stream) (bool, error) {
	if n.transport == nil {
		return false, domain.ErrInvalidState
	}
	err := n.transport.ReplaceVideoSource(s)
	if errors.Is(err, domain.ErrRenegotiationRequired) {
		return true, nil
	}
	return false, err
}

func (n *negotiator) setSending(kind domain.TrackKind, enabled bool) error {
	if n.transport == nil {
		return nil
	}
	return n.transport.SetSending(kind, enabled)
}

func (n *negotiator) close() {
	if n.transport == nil {
		return
	}
	if err := n.transport.Close(); err != nil {
		n.log.Debug().Err(err).Msg("Transport close")
	}
	n.transport = nil
	n.pending = nil
	n.offering = false
	n.again = false
}

func (s *CallService) openTransport(l *leg) error {
	if l.neg.started() {
		return nil
	}
	cfg := port.TransportConfig{
		CallID: l.session.CallID,
		Remote: l.session.Remote,
		Stream: l.stream,
	}
	events := port.TransportEvents{
		OnCandidate: func(c json.RawMessage) {
			s.post(func() { s.onLocalCandidate(l, c) })
		},
		OnRemoteTrack: func(kind domain.TrackKind) {
			s.post(func() { s.onRemoteTrack(l, kind) })
		},
		OnLinkState: func(state domain.LinkState) {
			s.post(func() { s.onLinkState(l, state) })
		},
	}
	t, err := s.transports.NewTransport(l.ctx, cfg, events)
	if err != nil {
		return fmt.Errorf("%w: new transport: %v", domain.ErrNegotiation, err)
	}
	l.neg.attach(t)
	if l.session.Muted {
		_ = t.SetSending(domain.TrackAudio, false)
	}
	if l.session.VideoSuspended {
		_ = t.SetSending(domain.TrackVideo, false)
	}
	return nil
}

// startNegotiation opens the transport and sends the first offer. Only the
// initiator of a leg calls it.
func (s *CallService) startNegotiation(l *leg) {
	if err := s.openTransport(l); err != nil {
		s.negotiationFailed(l, err)
		return
	}
	sd, err := l.neg.offer(s.offerOptions(l))
	if err != nil {
		s.negotiationFailed(l, err)
		return
	}
	offer := domain.Offer{SDP: sd, GroupCallID: l.session.GroupCallID, CallType: l.session.Kind}
	if err := s.send(l, offer); err != nil {
		l.log.Warn().Err(err).Msg("Offer not delivered")
		s.finish(l, domain.ReasonForError(err))
		return
	}
	l.log.Debug().Msg("Offer sent")
}

func (s *CallService) offerOptions(l *leg) domain.OfferOptions {
	return domain.OfferOptions{
		Video:        l.screen != nil || l.session.CameraAvailable,
		ReceiveVideo: l.session.Kind == domain.KindVideo,
	}
}

func (s *CallService) onOffer(env domain.Envelope, m domain.Offer) {
	if _, ok := s.legs[env.CallID]; !ok && m.GroupCallID != "" {
		s.onGroupOffer(env, m)
		return
	}
	l, ok := s.lookup(env)
	if !ok {
		return
	}
	if l.session.State != domain.StateConnecting && l.session.State != domain.StateActive {
		l.log.Warn().Str("state", l.session.State.String()).Msg("Offer before call was accepted")
		return
	}
	if l.stream == nil && l.group == nil {
		l.log.Warn().Msg("Offer before local media was ready")
		return
	}
	if err := s.openTransport(l); err != nil {
		s.negotiationFailed(l, err)
		return
	}
	if l.neg.offering {
		if !l.neg.polite {
			l.log.Debug().Msg("Ignoring colliding offer")
			return
		}
		l.log.Debug().Msg("Offer collision, rolling back local offer")
		if err := l.neg.rollback(); err != nil {
			s.negotiationFailed(l, err)
			return
		}
	}
	answer, err := l.neg.acceptOffer(m.SDP)
	if err != nil {
		s.negotiationFailed(l, err)
		return
	}
	if m.NegotiationNeeded {
		l.log.Debug().Msg("Answering renegotiation")
	}
	if err := s.send(l, domain.Answer{SDP: answer}); err != nil {
		l.log.Warn().Err(err).Msg("Answer not delivered")
		s.finish(l, domain.ReasonForError(err))
		return
	}
	if l.neg.again {
		s.renegotiate(l, false)
	}
}

func (s *CallService) onAnswer(env domain.Envelope, m domain.Answer) {
	l, ok := s.lookup(env)
	if !ok {
		return
	}
	if !l.neg.started() || !l.neg.offering {
		l.log.Warn().Msg("Answer without a pending offer")
		return
	}
	if err := l.neg.acceptAnswer(m.SDP); err != nil {
		s.negotiationFailed(l, err)
		return
	}
	if l.neg.again {
		s.renegotiate(l, false)
	}
}

func (s *CallService) onRemoteCandidate(env domain.Envelope, m domain.ICECandidate) {
	l, ok := s.lookup(env)
	if !ok {
		return
	}
	if err := l.neg.addCandidate(m.Candidate); err != nil {
		l.log.Warn().Err(err).Msg("Failed to add candidate")
	}
}

func (s *CallService) onLocalCandidate(l *leg, c json.RawMessage) {
	if !l.session.Live() {
		return
	}
	if err := s.send(l, domain.ICECandidate{Candidate: c}); err != nil {
		l.log.Debug().Err(err).Msg("Candidate not delivered")
	}
}

func (s *CallService) onRemoteTrack(l *leg, kind domain.TrackKind) {
	if !l.session.Live() {
		return
	}
	l.session.AddInbound(kind)
	l.log.Debug().Str("kind", string(kind)).Msg("Remote track")
	prev := l.session.State
	if prev == domain.StateConnecting {
		if !s.transition(l, domain.StateActive) {
			return
		}
		l.log.Info().Msg("Call active")
		s.scheduleTick(l)
	}
	s.emit(l, prev)
	if l.group != nil {
		s.emitGroup(l.group)
	}
}

func (s *CallService) onLinkState(l *leg, state domain.LinkState) {
	if !l.session.Live() {
		return
	}
	l.log.Debug().Str("link", state.String()).Msg("Link state")
	switch {
	case state == domain.LinkConnected:
		if l.graceTimer != nil {
			stopTimer(&l.graceTimer)
			l.log.Info().Msg("Link recovered")
		}
	case state.Disturbed():
		restart := l.graceTimer == nil && l.session.Role == domain.RoleInitiator && l.session.State == domain.StateActive
		s.startGrace(l)
		if restart {
			l.log.Info().Msg("Restarting ICE")
			s.renegotiate(l, true)
		}
	}
}

func (s *CallService) negotiationFailed(l *leg, err error) {
	l.log.Error().Err(err).Msg("Negotiation failed")
	s.startGrace(l)
}

// startGrace gives a disturbed leg gracePeriod to recover before it is torn
// down.
func (s *CallService) startGrace(l *leg) {
	if l.graceTimer != nil {
		return
	}
	l.log.Info().Dur("grace", s.gracePeriod).Msg("Link disturbed")
	var t *clock.Timer
	t = s.after(s.gracePeriod, func() {
		if l.graceTimer != t || !l.session.Live() {
			return
		}
		l.graceTimer = nil
		s.sendTerminal(l, domain.CallEnd{Reason: domain.ReasonTransportFailure})
		s.finish(l, domain.ReasonTransportFailure)
	})
	l.graceTimer = t
}

// ToggleScreenShare substitutes the screen for the camera on a leg, or
// restores the camera. Starting a share captures the screen asynchronously;
// the change is reported through the observer.
func (s *CallService) ToggleScreenShare(ctx context.Context, id domain.CallID) error {
	return s.do(ctx, func() error {
		l, err := s.leg(id)
		if err != nil {
			return err
		}
		if l.session.State != domain.StateActive || !l.neg.started() {
			return fmt.Errorf("%w: screen share in %s", domain.ErrInvalidState, l.session.State)
		}
		if l.session.ScreenSharing {
			s.stopScreenShare(l)
			return nil
		}
		if l.screenBusy {
			return nil
		}
		l.screenBusy = true
		go func() {
			screen, err := s.media.AcquireScreen(l.ctx)
			if !s.post(func() { s.onScreen(l, screen, err) }) && screen != nil {
				_ = screen.Close()
			}
		}()
		return nil
	})
}

func (s *CallService) onScreen(l *leg, screen port.Stream, err error) {
	l.screenBusy = false
	if !s.adopt(l, screen) {
		return
	}
	if err != nil {
		l.log.Warn().Err(err).Msg("Screen capture failed")
		return
	}
	renegotiate, err := l.neg.replaceVideo(screen)
	if err != nil {
		l.log.Warn().Err(err).Msg("Failed to share screen")
		closeStream(l.log, screen)
		return
	}
	l.screen = screen
	l.session.ScreenSharing = true
	// a suspended camera does not hold back the screen
	if err := l.neg.setSending(domain.TrackVideo, true); err != nil {
		l.log.Warn().Err(err).Msg("Failed to send screen")
	}
	l.log.Info().Bool("renegotiate", renegotiate).Msg("Screen share started")
	if renegotiate {
		s.renegotiate(l, false)
	}
	s.emit(l, l.session.State)
}

func (s *CallService) stopScreenShare(l *leg) {
	if l.session.VideoSuspended {
		_ = l.neg.setSending(domain.TrackVideo, false)
	}
	renegotiate, err := l.neg.replaceVideo(l.stream)
	if err != nil {
		l.log.Warn().Err(err).Msg("Failed to restore camera")
	}
	if l.screen != nil {
		closeStream(l.log, l.screen)
		l.screen = nil
	}
	l.session.ScreenSharing = false
	l.log.Info().Bool("renegotiate", renegotiate).Msg("Screen share stopped")
	if renegotiate {
		s.renegotiate(l, false)
	}
	s.emit(l, l.session.State)
}

// renegotiate sends a fresh offer on an established leg. While an offer is
// still unanswered the new one is deferred until the answer arrives.
func (s *CallService) renegotiate(l *leg, iceRestart bool) {
	if l.neg.offering {
		l.neg.again = true
		return
	}
	l.neg.again = false
	opts := s.offerOptions(l)
	opts.ICERestart = iceRestart
	sd, err := l.neg.offer(opts)
	if err != nil {
		s.negotiationFailed(l, err)
		return
	}
	offer := domain.Offer{
		SDP:               sd,
		NegotiationNeeded: true,
		GroupCallID:       l.session.GroupCallID,
		CallType:          l.session.Kind,
	}
	if err := s.send(l, offer); err != nil {
		l.log.Warn().Err(err).Msg("Renegotiation offer not delivered")
	}
}
