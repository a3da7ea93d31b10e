package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Wyydra/ya/internal/core/domain"
	"github.com/Wyydra/ya/internal/core/port"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// CallService runs the call state machine for one local participant. Every
// exported method is safe for concurrent use; the work itself happens on
// the goroutine running Run.
type CallService struct {
	self        domain.ParticipantID
	displayName string

	gateway    port.RealTimeGateway
	probe      port.DeviceProbe
	media      port.MediaAcquirer
	transports port.TransportFactory
	observer   port.CallObserver

	clock        clock.Clock
	ringTimeout  time.Duration
	gracePeriod  time.Duration
	tombstoneTTL time.Duration
	log          zerolog.Logger

	events chan func()
	done   chan struct{}
	ctx    context.Context

	// owned by the loop
	legs       map[domain.CallID]*leg
	tombstones map[domain.CallID]time.Time
	groups     map[domain.GroupCallID]*groupCall
}

// leg is one pairwise session and everything it holds on to.
type leg struct {
	session *domain.CallSession
	ctx     context.Context
	cancel  context.CancelFunc
	log     zerolog.Logger

	stream      port.Stream
	ownsStream  bool
	screen      port.Stream
	screenBusy  bool
	videoFailed bool
	neg         *negotiator

	ringTimer  *clock.Timer
	graceTimer *clock.Timer
	tickTimer  *clock.Timer

	group *groupCall
}

func NewCallService(
	self domain.ParticipantID,
	gateway port.RealTimeGateway,
	probe port.DeviceProbe,
	media port.MediaAcquirer,
	transports port.TransportFactory,
	observer port.CallObserver,
	opts ...Option,
) *CallService {
	s := &CallService{
		self:         self,
		displayName:  string(self),
		gateway:      gateway,
		probe:        probe,
		media:        media,
		transports:   transports,
		observer:     observer,
		clock:        clock.New(),
		ringTimeout:  DefaultRingTimeout,
		gracePeriod:  DefaultGracePeriod,
		tombstoneTTL: defaultTombstoneTTL,
		log:          log.With().Str("participant", self.String()).Logger(),
		events:       make(chan func(), eventQueueSize),
		done:         make(chan struct{}),
		ctx:          context.Background(),
		legs:         make(map[domain.CallID]*leg),
		tombstones:   make(map[domain.CallID]time.Time),
		groups:       make(map[domain.GroupCallID]*groupCall),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *CallService) Self() domain.ParticipantID {
	return s.self
}

// StartCall places a pairwise call. The session is created immediately;
// ringing begins once the microphone has been acquired.
func (s *CallService) StartCall(ctx context.Context, remote domain.ParticipantID, kind domain.CallKind) (domain.CallID, error) {
	if remote == "" || remote == s.self {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidParticipant, remote)
	}
	if _, err := domain.ParseCallKind(string(kind)); err != nil {
		return "", err
	}

	var id domain.CallID
	err := s.do(ctx, func() error {
		if s.busy() {
			return domain.ErrBusy
		}
		id = domain.NewCallID()
		sess := domain.NewCallSession(id, kind, domain.RoleInitiator, s.self, remote, s.clock.Now())
		l := s.newLeg(sess, true)
		l.log.Info().Str("kind", string(kind)).Msg("Starting call")

		s.acquireAsync(l.ctx, kind, func(stream port.Stream, videoFailed bool, err error) {
			s.onInitiatorMedia(l, stream, videoFailed, err)
		})
		return nil
	})
	return id, err
}

func (s *CallService) onInitiatorMedia(l *leg, stream port.Stream, videoFailed bool, err error) {
	if !s.adopt(l, stream) {
		return
	}
	if err != nil {
		l.log.Warn().Err(err).Msg("Media acquisition failed")
		s.finish(l, domain.ReasonForError(err))
		return
	}
	s.useStream(l, stream, videoFailed)

	prev := l.session.State
	if !s.transition(l, domain.StateRinging) {
		return
	}
	l.ringTimer = s.after(s.ringTimeout, func() {
		if !l.session.Live() || l.session.State != domain.StateRinging {
			return
		}
		l.log.Info().Msg("No answer")
		s.sendTerminal(l, domain.CallEnd{Reason: domain.ReasonTimeout})
		s.finish(l, domain.ReasonTimeout)
	})
	s.emit(l, prev)

	req := domain.CallRequest{
		CallerID:   s.self,
		CalleeID:   l.session.Remote,
		CallerName: s.displayName,
		CallType:   l.session.Kind,
	}
	if err := s.send(l, req); err != nil {
		l.log.Warn().Err(err).Msg("Call request not delivered")
		s.finish(l, domain.ReasonForError(err))
	}
}

// Accept answers a ringing incoming call. Capture devices are opened only
// now.
func (s *CallService) Accept(ctx context.Context, id domain.CallID) error {
	return s.do(ctx, func() error {
		l, err := s.leg(id)
		if err != nil {
			return err
		}
		if l.session.Role != domain.RoleResponder || l.session.State != domain.StateRinging || l.group != nil {
			return fmt.Errorf("%w: accept in %s", domain.ErrInvalidState, l.session.State)
		}
		stopTimer(&l.ringTimer)
		prev := l.session.State
		if !s.transition(l, domain.StateConnecting) {
			return domain.ErrInvalidState
		}
		s.emit(l, prev)
		l.log.Info().Msg("Call accepted")

		s.acquireAsync(l.ctx, l.session.Kind, func(stream port.Stream, videoFailed bool, err error) {
			s.onResponderMedia(l, stream, videoFailed, err)
		})
		return nil
	})
}

func (s *CallService) onResponderMedia(l *leg, stream port.Stream, videoFailed bool, err error) {
	if !s.adopt(l, stream) {
		return
	}
	if err != nil {
		l.log.Warn().Err(err).Msg("Media acquisition failed")
		reason := domain.ReasonForError(err)
		s.sendTerminal(l, domain.CallReject{Reason: reason})
		s.finish(l, reason)
		return
	}
	s.useStream(l, stream, videoFailed)
	s.emit(l, l.session.State)

	if err := s.send(l, domain.CallAccept{}); err != nil {
		l.log.Warn().Err(err).Msg("Call accept not delivered")
		s.finish(l, domain.ReasonForError(err))
	}
}

func (s *CallService) Reject(ctx context.Context, id domain.CallID) error {
	return s.do(ctx, func() error {
		l, err := s.leg(id)
		if err != nil {
			return err
		}
		if l.session.Role != domain.RoleResponder || l.session.State != domain.StateRinging {
			return fmt.Errorf("%w: reject in %s", domain.ErrInvalidState, l.session.State)
		}
		s.sendTerminal(l, domain.CallReject{Reason: domain.ReasonRejected})
		s.finish(l, domain.ReasonRejected)
		return nil
	})
}

// End hangs up, cancels an outgoing call that is still ringing, or rejects
// an incoming one.
func (s *CallService) End(ctx context.Context, id domain.CallID) error {
	return s.do(ctx, func() error {
		l, err := s.leg(id)
		if err != nil {
			return err
		}
		switch {
		case l.session.State == domain.StateRinging && l.session.Role == domain.RoleResponder:
			s.sendTerminal(l, domain.CallReject{Reason: domain.ReasonRejected})
			s.finish(l, domain.ReasonRejected)
		case l.session.State == domain.StateIdle || l.session.State == domain.StateRinging:
			s.sendTerminal(l, domain.CallEnd{Reason: domain.ReasonCancelled})
			s.finish(l, domain.ReasonCancelled)
		default:
			s.sendTerminal(l, domain.CallEnd{Reason: domain.ReasonHangup})
			s.finish(l, domain.ReasonHangup)
		}
		return nil
	})
}

// ToggleMute flips the outgoing microphone of a leg, or of every leg when
// id names a group call. It returns the new muted state.
func (s *CallService) ToggleMute(ctx context.Context, id domain.CallID) (bool, error) {
	var muted bool
	err := s.do(ctx, func() error {
		legs, err := s.targets(id)
		if err != nil {
			return err
		}
		muted = !legs[0].session.Muted
		if g, ok := s.groups[domain.GroupCallID(id)]; ok {
			g.muted = muted
		}
		for _, l := range legs {
			l.session.Muted = muted
			if err := l.neg.setSending(domain.TrackAudio, !muted); err != nil {
				l.log.Warn().Err(err).Msg("Failed to toggle microphone")
			}
			s.emit(l, l.session.State)
		}
		return nil
	})
	return muted, err
}

// ToggleVideo suspends or resumes the outgoing camera without renegotiating.
func (s *CallService) ToggleVideo(ctx context.Context, id domain.CallID) (bool, error) {
	var suspended bool
	err := s.do(ctx, func() error {
		legs, err := s.targets(id)
		if err != nil {
			return err
		}
		if !legs[0].session.CameraAvailable {
			return domain.ErrNoCamera
		}
		suspended = !legs[0].session.VideoSuspended
		if g, ok := s.groups[domain.GroupCallID(id)]; ok {
			g.videoSuspended = suspended
		}
		for _, l := range legs {
			l.session.VideoSuspended = suspended
			if l.screen == nil {
				if err := l.neg.setSending(domain.TrackVideo, !suspended); err != nil {
					l.log.Warn().Err(err).Msg("Failed to toggle camera")
				}
			}
			s.emit(l, l.session.State)
		}
		return nil
	})
	return suspended, err
}

// Session returns a snapshot of a live call.
func (s *CallService) Session(ctx context.Context, id domain.CallID) (domain.CallSession, error) {
	var snap domain.CallSession
	err := s.do(ctx, func() error {
		l, err := s.leg(id)
		if err != nil {
			return err
		}
		snap = l.session.Snapshot()
		return nil
	})
	return snap, err
}

func (s *CallService) Sessions(ctx context.Context) ([]domain.CallSession, error) {
	var out []domain.CallSession
	err := s.do(ctx, func() error {
		out = make([]domain.CallSession, 0, len(s.legs))
		for _, l := range s.legs {
			out = append(out, l.session.Snapshot())
		}
		return nil
	})
	return out, err
}

// HandleEnvelope queues an envelope received from the relay.
func (s *CallService) HandleEnvelope(env domain.Envelope) {
	if !s.post(func() { s.dispatch(env) }) {
		s.log.Debug().Str("type", string(env.Type)).Msg("Call loop stopped, dropping envelope")
	}
}

// RelayLost is called whenever the relay link drops. Calls that still
// need signaling to progress end as unreachable; established calls
// keep their media path.
func (s *CallService) RelayLost() {
	s.post(func() {
		for _, l := range s.legs {
			if l.session.State != domain.StateActive {
				s.finish(l, domain.ReasonUnreachable)
			}
		}
		for _, g := range s.groups {
			if g.state == domain.GroupRinging {
				s.endGroup(g, domain.ReasonUnreachable)
			}
		}
	})
}

func (s *CallService) dispatch(env domain.Envelope) {
	msg, err := domain.Decode(env)
	if err != nil {
		s.log.Warn().Err(err).Str("type", string(env.Type)).Str("from", env.From.String()).Msg("Dropping envelope")
		return
	}
	switch m := msg.(type) {
	case domain.CallRequest:
		s.onCallRequest(env, m)
	case domain.CallAccept:
		s.onCallAccept(env)
	case domain.CallReject:
		s.onTerminal(env, m.Reason)
	case domain.CallEnd:
		s.onTerminal(env, m.Reason)
	case domain.Offer:
		s.onOffer(env, m)
	case domain.Answer:
		s.onAnswer(env, m)
	case domain.ICECandidate:
		s.onRemoteCandidate(env, m)
	case domain.GroupCallInvite:
		s.onGroupInvite(env, m)
	case domain.GroupCallAccept:
		s.onGroupAccept(env, m)
	case domain.GroupCallLeave:
		s.onGroupLeave(env, m)
	default:
		s.log.Error().Str("type", string(msg.Type())).Msg("Unhandled message kind")
	}
}

func (s *CallService) onCallRequest(env domain.Envelope, m domain.CallRequest) {
	id := env.CallID
	if err := s.admit(env); err != nil {
		s.log.Warn().Err(err).Str("call_id", id.String()).Str("from", env.From.String()).Msg("Call request rejected")
		return
	}
	if s.buried(id) {
		s.log.Debug().Str("call_id", id.String()).Msg("Call request for ended call")
		return
	}
	if s.busy() {
		s.log.Info().Str("call_id", id.String()).Str("remote", env.From.String()).Msg("Busy, rejecting call")
		s.bury(id)
		rej, err := domain.NewEnvelope(s.self, env.From, id, domain.CallReject{Reason: domain.ReasonBusy})
		if err == nil {
			err = s.gateway.Send(s.ctx, rej)
		}
		if err != nil {
			s.log.Warn().Err(err).Msg("Busy reject not delivered")
		}
		return
	}

	sess := domain.NewCallSession(id, m.CallType, domain.RoleResponder, s.self, env.From, s.clock.Now())
	sess.RemoteName = m.CallerName
	l := s.newLeg(sess, true)

	prev := l.session.State
	if !s.transition(l, domain.StateRinging) {
		return
	}
	l.ringTimer = s.after(s.ringTimeout, func() {
		if !l.session.Live() || l.session.State != domain.StateRinging {
			return
		}
		l.log.Info().Msg("Incoming call timed out")
		s.sendTerminal(l, domain.CallReject{Reason: domain.ReasonTimeout})
		s.finish(l, domain.ReasonTimeout)
	})
	l.log.Info().Str("kind", string(m.CallType)).Str("caller_name", m.CallerName).Msg("Incoming call")
	s.emit(l, prev)
}

// admit checks an incoming call request against the calls already known.
// A rejected request is not answered: a call_reject carrying a live call id
// would end that call.
func (s *CallService) admit(env domain.Envelope) error {
	if _, ok := s.legs[env.CallID]; ok {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateCall, env.CallID)
	}
	if env.From == "" || env.From == s.self {
		return fmt.Errorf("%w: call request without caller", domain.ErrInvalidMessage)
	}
	return nil
}

func (s *CallService) onCallAccept(env domain.Envelope) {
	l, ok := s.lookup(env)
	if !ok {
		return
	}
	if l.session.Role != domain.RoleInitiator || l.session.State != domain.StateRinging {
		l.log.Warn().Str("state", l.session.State.String()).Msg("Unexpected call accept")
		return
	}
	stopTimer(&l.ringTimer)
	prev := l.session.State
	if !s.transition(l, domain.StateConnecting) {
		return
	}
	s.emit(l, prev)
	s.startNegotiation(l)
}

func (s *CallService) onTerminal(env domain.Envelope, reason domain.EndReason) {
	if g, ok := s.groups[domain.GroupCallID(env.CallID)]; ok {
		s.onGroupReject(g, env, reason)
		return
	}
	l, ok := s.lookup(env)
	if !ok {
		return
	}
	s.finish(l, domain.RemoteReason(reason, env.Type))
}

func (s *CallService) newLeg(sess *domain.CallSession, ownsStream bool) *leg {
	ctx, cancel := context.WithCancel(s.ctx)
	l := &leg{
		session:    sess,
		ctx:        ctx,
		cancel:     cancel,
		ownsStream: ownsStream,
		log: s.log.With().
			Str("call_id", sess.CallID.String()).
			Str("remote", sess.Remote.String()).
			Logger(),
	}
	l.neg = newNegotiator(l.log, sess.Role == domain.RoleResponder)
	s.legs[sess.CallID] = l
	return l
}

func (s *CallService) leg(id domain.CallID) (*leg, error) {
	l, ok := s.legs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownCall, id)
	}
	return l, nil
}

// targets resolves id to a single leg or to every leg of a group call.
func (s *CallService) targets(id domain.CallID) ([]*leg, error) {
	if l, ok := s.legs[id]; ok {
		return []*leg{l}, nil
	}
	g, ok := s.groups[domain.GroupCallID(id)]
	if !ok || len(g.legs) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownCall, id)
	}
	out := make([]*leg, 0, len(g.legs))
	for _, l := range g.legs {
		out = append(out, l)
	}
	return out, nil
}

// lookup finds the live leg an inbound envelope belongs to. Envelopes for
// ended or unknown calls, or from someone other than the counterpart, are
// dropped.
func (s *CallService) lookup(env domain.Envelope) (*leg, bool) {
	l, ok := s.legs[env.CallID]
	if !ok {
		logger := s.log.With().Str("call_id", env.CallID.String()).Str("type", string(env.Type)).Logger()
		switch {
		case s.buried(env.CallID) && env.Type.Terminal():
			logger.Debug().Msg("Repeated terminal message")
		case s.buried(env.CallID):
			logger.Debug().Msg("Stale message for ended call")
		case env.Type.Negotiation():
			logger.Warn().Msg("Negotiation for unknown call")
		default:
			logger.Debug().Msg("Message for unknown call")
		}
		return nil, false
	}
	if env.From != l.session.Remote {
		l.log.Warn().Str("from", env.From.String()).Str("type", string(env.Type)).Msg("Message from unexpected participant")
		return nil, false
	}
	return l, true
}

func (s *CallService) busy() bool {
	for _, l := range s.legs {
		if l.group == nil && l.session.Live() {
			return true
		}
	}
	for _, g := range s.groups {
		if g.state != domain.GroupEnded {
			return true
		}
	}
	return false
}

func (s *CallService) transition(l *leg, to domain.State) bool {
	if err := l.session.Transition(to, s.clock.Now()); err != nil {
		l.log.Error().Err(err).Msg("Rejected state change")
		return false
	}
	l.log.Debug().Str("state", to.String()).Msg("State changed")
	return true
}

// finish moves a leg to Ended and releases everything it holds. Later
// calls are no-ops.
func (s *CallService) finish(l *leg, reason domain.EndReason) {
	if !l.session.Live() {
		return
	}
	prev := l.session.State
	if err := l.session.End(reason, s.clock.Now()); err != nil {
		l.log.Error().Err(err).Msg("Failed to end call")
		return
	}
	l.cancel()
	stopTimer(&l.ringTimer)
	stopTimer(&l.graceTimer)
	stopTimer(&l.tickTimer)
	l.neg.close()
	if l.screen != nil {
		closeStream(l.log, l.screen)
		l.screen = nil
	}
	if l.ownsStream && l.stream != nil {
		closeStream(l.log, l.stream)
	}
	l.stream = nil

	delete(s.legs, l.session.CallID)
	s.bury(l.session.CallID)

	l.log.Info().
		Str("reason", string(reason)).
		Dur("elapsed", l.session.Elapsed(s.clock.Now())).
		Msg("Call ended")
	s.emit(l, prev)

	if l.group != nil {
		s.groupLegEnded(l)
	}
}

func (s *CallService) emit(l *leg, prev domain.State) {
	s.observer.CallStateChanged(domain.CallEvent{
		Session:     l.session.Snapshot(),
		Previous:    prev,
		VideoFailed: l.videoFailed,
	})
}

func (s *CallService) send(l *leg, msg domain.Message) error {
	env, err := domain.NewEnvelope(s.self, l.session.Remote, l.session.CallID, msg)
	if err != nil {
		return err
	}
	return s.gateway.Send(s.ctx, env)
}

// sendTerminal notifies the counterpart. Failures only get logged since the
// leg ends either way.
func (s *CallService) sendTerminal(l *leg, msg domain.Message) {
	if err := s.send(l, msg); err != nil {
		l.log.Warn().Err(err).Str("type", string(msg.Type())).Msg("Terminal message not delivered")
	}
}

// acquireAsync probes and opens capture devices off the loop and hands the
// result back to done on the loop.
func (s *CallService) acquireAsync(ctx context.Context, kind domain.CallKind, done func(port.Stream, bool, error)) {
	go func() {
		stream, videoFailed, err := s.acquire(ctx, kind)
		if !s.post(func() { done(stream, videoFailed, err) }) && stream != nil {
			_ = stream.Close()
		}
	}()
}

func (s *CallService) acquire(ctx context.Context, kind domain.CallKind) (port.Stream, bool, error) {
	caps, err := s.probe.Probe(ctx)
	if err != nil {
		return nil, false, err
	}
	if !caps.CanCall() {
		if caps.HasMicrophone {
			return nil, false, domain.ErrPermissionDenied
		}
		return nil, false, domain.ErrNoMicrophone
	}
	req := domain.MediaRequest{Audio: true, Video: kind == domain.KindVideo && caps.CanVideo()}
	stream, videoFailed, err := s.media.Acquire(ctx, req)
	if err != nil {
		return nil, false, err
	}
	if kind == domain.KindVideo && !req.Video {
		videoFailed = true
	}
	return stream, videoFailed, nil
}

// adopt reports whether a completed acquisition may still be used. A
// stream arriving for an ended leg is released on the spot.
func (s *CallService) adopt(l *leg, stream port.Stream) bool {
	if l.session.Live() {
		return true
	}
	if stream != nil {
		l.log.Debug().Msg("Releasing media acquired after call ended")
		closeStream(l.log, stream)
	}
	return false
}

func (s *CallService) useStream(l *leg, stream port.Stream, videoFailed bool) {
	l.stream = stream
	l.session.CameraAvailable = l.session.Kind == domain.KindVideo && stream.HasVideo()
	l.videoFailed = videoFailed || (l.session.Kind == domain.KindVideo && !stream.HasVideo())
	if l.videoFailed {
		l.log.Info().Msg("Camera unavailable, continuing with audio only")
	}
}

// after schedules fn on the loop.
func (s *CallService) after(d time.Duration, fn func()) *clock.Timer {
	return s.clock.AfterFunc(d, func() { s.post(fn) })
}

func (s *CallService) scheduleTick(l *leg) {
	var t *clock.Timer
	t = s.after(tickInterval, func() {
		if l.tickTimer != t || l.session.State != domain.StateActive {
			return
		}
		s.observer.CallTick(l.session.CallID, l.session.Elapsed(s.clock.Now()))
		s.scheduleTick(l)
	})
	l.tickTimer = t
}

func (s *CallService) bury(id domain.CallID) {
	now := s.clock.Now()
	for k, at := range s.tombstones {
		if now.Sub(at) > s.tombstoneTTL {
			delete(s.tombstones, k)
		}
	}
	s.tombstones[id] = now
}

func (s *CallService) buried(id domain.CallID) bool {
	_, ok := s.tombstones[id]
	return ok
}

func stopTimer(t **clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func closeStream(l zerolog.Logger, st port.Stream) {
	if err := st.Close(); err != nil && !errors.Is(err, domain.ErrClosed) {
		l.Warn().Err(err).Msg("Failed to release media")
	}
}
