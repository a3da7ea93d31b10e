package service

import (
	"context"
	"fmt"
	"slices"

	"github.com/Wyydra/ya/internal/core/domain"
	"github.com/Wyydra/ya/internal/core/port"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// groupCall is the local view of a mesh call: one shared capture stream and
// one pairwise leg per connected participant.
type groupCall struct {
	id         domain.GroupCallID
	groupID    string
	kind       domain.CallKind
	callerID   domain.ParticipantID
	callerName string
	state      domain.GroupCallState
	reason     domain.EndReason

	// participants holds everyone not known to have left, self included.
	participants map[domain.ParticipantID]bool
	legs         map[domain.ParticipantID]*leg

	stream          port.Stream
	cameraAvailable bool
	videoFailed     bool
	muted           bool
	videoSuspended  bool
	acquiring       bool

	ringTimer *clock.Timer
	ctx       context.Context
	cancel    context.CancelFunc
	log       zerolog.Logger
}

// StartGroupCall invites every participant in invitees to a new mesh call.
func (s *CallService) StartGroupCall(ctx context.Context, groupID string, invitees []domain.ParticipantID, kind domain.CallKind) (domain.GroupCallID, error) {
	if _, err := domain.ParseCallKind(string(kind)); err != nil {
		return "", err
	}
	others := make([]domain.ParticipantID, 0, len(invitees))
	for _, p := range invitees {
		if p == "" || p == s.self || slices.Contains(others, p) {
			continue
		}
		others = append(others, p)
	}
	if len(others) == 0 {
		return "", fmt.Errorf("%w: group call needs at least one other participant", domain.ErrInvalidParticipant)
	}

	var id domain.GroupCallID
	err := s.do(ctx, func() error {
		if s.busy() {
			return domain.ErrBusy
		}
		id = domain.NewGroupCallID()
		g := s.newGroup(id, groupID, kind, s.self, s.displayName, append([]domain.ParticipantID{s.self}, others...))
		g.acquiring = true
		g.log.Info().Int("invitees", len(others)).Msg("Starting group call")
		s.acquireAsync(g.ctx, kind, func(stream port.Stream, videoFailed bool, err error) {
			s.onGroupMedia(g, stream, videoFailed, err)
		})
		return nil
	})
	return id, err
}

func (s *CallService) AcceptGroupCall(ctx context.Context, id domain.GroupCallID) error {
	return s.do(ctx, func() error {
		g, ok := s.groups[id]
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrUnknownCall, id)
		}
		if g.state != domain.GroupRinging || g.acquiring {
			return fmt.Errorf("%w: accept group call in %s", domain.ErrInvalidState, g.state)
		}
		stopTimer(&g.ringTimer)
		g.acquiring = true
		g.log.Info().Msg("Joining group call")
		s.acquireAsync(g.ctx, g.kind, func(stream port.Stream, videoFailed bool, err error) {
			s.onGroupMedia(g, stream, videoFailed, err)
		})
		return nil
	})
}

// LeaveGroupCall declines a ringing invitation or leaves a joined group
// call. Only the local legs are torn down; the others keep talking.
func (s *CallService) LeaveGroupCall(ctx context.Context, id domain.GroupCallID) error {
	return s.do(ctx, func() error {
		g, ok := s.groups[id]
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrUnknownCall, id)
		}
		reason := domain.ReasonLeft
		if g.state == domain.GroupRinging && g.callerID != s.self {
			reason = domain.ReasonRejected
		}
		s.leaveGroup(g, reason)
		return nil
	})
}

func (s *CallService) newGroup(id domain.GroupCallID, groupID string, kind domain.CallKind, caller domain.ParticipantID, callerName string, participants []domain.ParticipantID) *groupCall {
	ctx, cancel := context.WithCancel(s.ctx)
	g := &groupCall{
		id:           id,
		groupID:      groupID,
		kind:         kind,
		callerID:     caller,
		callerName:   callerName,
		state:        domain.GroupRinging,
		participants: make(map[domain.ParticipantID]bool),
		legs:         make(map[domain.ParticipantID]*leg),
		ctx:          ctx,
		cancel:       cancel,
		log:          s.log.With().Str("group_call_id", id.String()).Logger(),
	}
	for _, p := range participants {
		g.participants[p] = true
	}
	g.participants[s.self] = true
	g.participants[caller] = true
	s.groups[id] = g
	return g
}

func (s *CallService) onGroupMedia(g *groupCall, stream port.Stream, videoFailed bool, err error) {
	g.acquiring = false
	if g.state == domain.GroupEnded {
		if stream != nil {
			g.log.Debug().Msg("Releasing media acquired after group call ended")
			closeStream(g.log, stream)
		}
		return
	}
	initiator := g.callerID == s.self
	if err != nil {
		g.log.Warn().Err(err).Msg("Media acquisition failed")
		reason := domain.ReasonForError(err)
		if initiator {
			s.endGroup(g, reason)
		} else {
			s.leaveGroup(g, reason)
		}
		return
	}
	g.stream = stream
	g.cameraAvailable = g.kind == domain.KindVideo && stream.HasVideo()
	g.videoFailed = videoFailed || (g.kind == domain.KindVideo && !stream.HasVideo())
	g.state = domain.GroupJoined
	s.emitGroup(g)

	if initiator {
		invite := domain.GroupCallInvite{
			GroupID:        g.groupID,
			CallerID:       s.self,
			CallerName:     s.displayName,
			CallType:       g.kind,
			ParticipantIDs: g.members(),
		}
		for _, p := range invite.ParticipantIDs {
			if p == s.self {
				continue
			}
			if err := s.sendGroup(g, p, invite); err != nil {
				g.log.Warn().Err(err).Str("remote", p.String()).Msg("Invite not delivered")
				s.endGroup(g, domain.ReasonForError(err))
				return
			}
		}
		return
	}
	if err := s.sendGroup(g, "", domain.GroupCallAccept{ParticipantIDs: g.members()}); err != nil {
		g.log.Warn().Err(err).Msg("Group accept not delivered")
		s.endGroup(g, domain.ReasonForError(err))
	}
}

func (s *CallService) onGroupInvite(env domain.Envelope, m domain.GroupCallInvite) {
	id := domain.GroupCallID(env.CallID)
	if _, ok := s.groups[id]; ok || s.buried(env.CallID) {
		s.log.Warn().Str("group_call_id", id.String()).Msg("Duplicate group call invite")
		return
	}
	if env.From == "" || env.From == s.self {
		return
	}
	if s.busy() {
		s.log.Info().Str("group_call_id", id.String()).Msg("Busy, declining group call")
		s.bury(env.CallID)
		leave, err := domain.NewEnvelope(s.self, env.From, env.CallID, domain.GroupCallLeave{Reason: domain.ReasonBusy})
		if err == nil {
			err = s.gateway.Send(s.ctx, leave)
		}
		if err != nil {
			s.log.Warn().Err(err).Msg("Busy decline not delivered")
		}
		return
	}

	g := s.newGroup(id, m.GroupID, m.CallType, env.From, m.CallerName, m.ParticipantIDs)
	g.ringTimer = s.after(s.ringTimeout, func() {
		if g.state != domain.GroupRinging || g.acquiring {
			return
		}
		g.log.Info().Msg("Group call invitation timed out")
		s.leaveGroup(g, domain.ReasonTimeout)
	})
	g.log.Info().Str("caller", env.From.String()).Int("participants", len(g.participants)).Msg("Group call invitation")
	s.emitGroup(g)
}

// onGroupAccept runs on members already in the call when someone joins.
// The existing member opens the leg towards the newcomer.
func (s *CallService) onGroupAccept(env domain.Envelope, m domain.GroupCallAccept) {
	g, ok := s.groups[domain.GroupCallID(env.CallID)]
	if !ok || env.From == "" || env.From == s.self {
		s.log.Debug().Str("group_call_id", env.CallID.String()).Msg("Group accept for unknown call")
		return
	}
	g.participants[env.From] = true
	if g.state != domain.GroupJoined {
		s.emitGroup(g)
		return
	}
	if _, ok := g.legs[env.From]; ok {
		return
	}
	l := s.newGroupLeg(g, env.From, domain.RoleInitiator)
	if l == nil {
		return
	}
	s.startNegotiation(l)
	s.emitGroup(g)
}

// onGroupOffer opens the responder side of a leg for a member that joined
// before us.
func (s *CallService) onGroupOffer(env domain.Envelope, m domain.Offer) {
	g, ok := s.groups[m.GroupCallID]
	if !ok || g.state != domain.GroupJoined {
		s.log.Debug().Str("group_call_id", m.GroupCallID.String()).Msg("Offer for group call not joined")
		return
	}
	if env.CallID != domain.LegCallID(g.id, s.self, env.From) {
		g.log.Warn().Str("call_id", env.CallID.String()).Msg("Offer with foreign leg id")
		return
	}
	if s.buried(env.CallID) {
		return
	}
	if _, ok := g.legs[env.From]; ok {
		return
	}
	g.participants[env.From] = true
	if s.newGroupLeg(g, env.From, domain.RoleResponder) == nil {
		return
	}
	s.onOffer(env, m)
}

func (s *CallService) newGroupLeg(g *groupCall, remote domain.ParticipantID, role domain.Role) *leg {
	id := domain.LegCallID(g.id, s.self, remote)
	sess := domain.NewCallSession(id, g.kind, role, s.self, remote, s.clock.Now())
	sess.GroupCallID = g.id
	sess.CameraAvailable = g.cameraAvailable
	sess.Muted = g.muted
	sess.VideoSuspended = g.videoSuspended
	l := s.newLeg(sess, false)
	l.group = g
	l.stream = g.stream
	l.videoFailed = g.videoFailed
	g.legs[remote] = l

	prev := l.session.State
	if !s.transition(l, domain.StateConnecting) {
		return nil
	}
	s.emit(l, prev)
	return l
}

func (s *CallService) onGroupLeave(env domain.Envelope, m domain.GroupCallLeave) {
	g, ok := s.groups[domain.GroupCallID(env.CallID)]
	if !ok || env.From == "" || env.From == s.self {
		return
	}
	g.log.Info().Str("remote", env.From.String()).Str("reason", string(m.Reason)).Msg("Participant left group call")
	s.dropParticipant(g, env.From, domain.RemoteReason(m.Reason, domain.TypeCallEnd))
}

// onGroupReject handles a rejection the relay synthesized for a group call:
// either one invitee is unreachable or the call no longer exists.
func (s *CallService) onGroupReject(g *groupCall, env domain.Envelope, reason domain.EndReason) {
	if env.From != "" && env.From != s.self && g.participants[env.From] {
		g.log.Info().Str("remote", env.From.String()).Str("reason", string(reason)).Msg("Participant unreachable")
		s.dropParticipant(g, env.From, domain.RemoteReason(reason, domain.TypeCallReject))
		return
	}
	s.endGroup(g, domain.RemoteReason(reason, domain.TypeCallReject))
}

func (s *CallService) dropParticipant(g *groupCall, p domain.ParticipantID, reason domain.EndReason) {
	delete(g.participants, p)
	if l, ok := g.legs[p]; ok {
		s.finish(l, reason)
	}
	if len(g.participants) <= 1 {
		if g.state == domain.GroupRinging {
			reason = domain.ReasonCancelled
		}
		// the relay still holds the call until its last member leaves
		s.leaveGroup(g, reason)
		return
	}
	s.emitGroup(g)
}

func (s *CallService) groupLegEnded(l *leg) {
	g := l.group
	if g.legs[l.session.Remote] == l {
		delete(g.legs, l.session.Remote)
	}
	if g.state != domain.GroupEnded {
		s.emitGroup(g)
	}
}

func (s *CallService) leaveGroup(g *groupCall, reason domain.EndReason) {
	if g.state == domain.GroupEnded {
		return
	}
	if err := s.sendGroup(g, "", domain.GroupCallLeave{Reason: reason}); err != nil {
		g.log.Warn().Err(err).Msg("Group leave not delivered")
	}
	s.endGroup(g, reason)
}

// endGroup tears down every leg of g and releases the shared stream.
func (s *CallService) endGroup(g *groupCall, reason domain.EndReason) {
	if g.state == domain.GroupEnded {
		return
	}
	g.state = domain.GroupEnded
	g.reason = reason
	g.cancel()
	stopTimer(&g.ringTimer)
	for _, l := range g.legs {
		s.finish(l, reason)
	}
	if g.stream != nil {
		closeStream(g.log, g.stream)
		g.stream = nil
	}
	delete(s.groups, g.id)
	s.bury(domain.CallID(g.id))
	g.log.Info().Str("reason", string(reason)).Msg("Group call ended")
	s.emitGroup(g)
}

func (s *CallService) sendGroup(g *groupCall, to domain.ParticipantID, msg domain.Message) error {
	env, err := domain.NewEnvelope(s.self, to, domain.CallID(g.id), msg)
	if err != nil {
		return err
	}
	return s.gateway.Send(s.ctx, env)
}

func (s *CallService) emitGroup(g *groupCall) {
	ev := domain.GroupCallEvent{
		GroupCallID:  g.id,
		GroupID:      g.groupID,
		Kind:         g.kind,
		State:        g.state,
		Reason:       g.reason,
		CallerID:     g.callerID,
		CallerName:   g.callerName,
		Participants: g.members(),
		At:           s.clock.Now(),
	}
	for p, l := range g.legs {
		if l.session.State == domain.StateActive {
			ev.Connected = append(ev.Connected, p)
		}
	}
	slices.Sort(ev.Connected)
	s.observer.GroupCallChanged(ev)
}

func (g *groupCall) members() []domain.ParticipantID {
	out := make([]domain.ParticipantID, 0, len(g.participants))
	for p := range g.participants {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}
