package domain

import "time"

// CallEvent is emitted on every state change of a leg.
type CallEvent struct {
	Session  CallSession
	Previous State
	// VideoFailed is set when the camera could not be captured and the leg
	// fell back to audio only.
	VideoFailed bool
}

type GroupCallState int

const (
	GroupRinging GroupCallState = iota
	GroupJoined
	GroupEnded
)

func (s GroupCallState) String() string {
	switch s {
	case GroupRinging:
		return "ringing"
	case GroupJoined:
		return "joined"
	case GroupEnded:
		return "ended"
	}
	return "unknown"
}

// GroupCallEvent describes the local view of a group call.
type GroupCallEvent struct {
	GroupCallID  GroupCallID
	GroupID      string
	Kind         CallKind
	State        GroupCallState
	Reason       EndReason
	CallerID     ParticipantID
	CallerName   string
	Participants []ParticipantID
	// Connected lists the participants with a live pairwise leg.
	Connected []ParticipantID
	At        time.Time
}
