package domain

import (
	"fmt"
	"time"
)

type CallKind string

const (
	KindAudio CallKind = "audio"
	KindVideo CallKind = "video"
)

func ParseCallKind(s string) (CallKind, error) {
	switch CallKind(s) {
	case KindAudio, KindVideo:
		return CallKind(s), nil
	}
	return "", fmt.Errorf("%w: call type %q", ErrInvalidMessage, s)
}

type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

type State int

const (
	StateIdle State = iota
	StateRinging
	StateConnecting
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRinging:
		return "ringing"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// transitions lists every edge of the call state diagram. Idle -> Connecting
// is only taken by group legs, whose ringing happens at the group level.
var transitions = map[State][]State{
	StateIdle:       {StateRinging, StateConnecting, StateEnded},
	StateRinging:    {StateConnecting, StateEnded},
	StateConnecting: {StateActive, StateEnded},
	StateActive:     {StateEnded},
}

func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// CallSession is the single owned value describing one call leg from the
// local participant's point of view.
type CallSession struct {
	CallID      CallID
	GroupCallID GroupCallID
	Kind        CallKind
	Role        Role

	Local      ParticipantID
	Remote     ParticipantID
	RemoteName string

	State  State
	Reason EndReason

	CameraAvailable bool
	Muted           bool
	VideoSuspended  bool
	ScreenSharing   bool

	// InboundTracks lists the remote media kinds received so far.
	InboundTracks []TrackKind

	CreatedAt time.Time
	StartedAt time.Time
	EndedAt   time.Time
}

func NewCallSession(id CallID, kind CallKind, role Role, local, remote ParticipantID, now time.Time) *CallSession {
	return &CallSession{
		CallID:    id,
		Kind:      kind,
		Role:      role,
		Local:     local,
		Remote:    remote,
		State:     StateIdle,
		CreatedAt: now,
	}
}

// Transition moves the session along the state diagram. Entering Active
// stamps StartedAt exactly once; an Ended session never moves again.
func (s *CallSession) Transition(to State, now time.Time) error {
	if !CanTransition(s.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, s.State, to)
	}
	s.State = to
	switch to {
	case StateActive:
		if s.StartedAt.IsZero() {
			s.StartedAt = now
		}
	case StateEnded:
		s.EndedAt = now
	}
	return nil
}

func (s *CallSession) End(reason EndReason, now time.Time) error {
	if err := s.Transition(StateEnded, now); err != nil {
		return err
	}
	s.Reason = reason
	return nil
}

func (s *CallSession) Live() bool {
	return s.State != StateEnded
}

// Elapsed is the time spent in Active, zero before the call started.
func (s *CallSession) Elapsed(now time.Time) time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	if !s.EndedAt.IsZero() {
		return s.EndedAt.Sub(s.StartedAt)
	}
	return now.Sub(s.StartedAt)
}

func (s *CallSession) AddInbound(kind TrackKind) {
	for _, k := range s.InboundTracks {
		if k == kind {
			return
		}
	}
	s.InboundTracks = append(s.InboundTracks, kind)
}

func (s *CallSession) HasInbound(kind TrackKind) bool {
	for _, k := range s.InboundTracks {
		if k == kind {
			return true
		}
	}
	return false
}

// Snapshot returns a copy safe to hand across the UI boundary.
func (s *CallSession) Snapshot() CallSession {
	c := *s
	c.InboundTracks = append([]TrackKind(nil), s.InboundTracks...)
	return c
}
