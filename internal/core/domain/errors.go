package domain

import "errors"

var (
	ErrUnknownCall           = errors.New("unknown call")
	ErrDuplicateCall         = errors.New("call already live")
	ErrInvalidState          = errors.New("invalid state transition")
	ErrBusy                  = errors.New("participant busy")
	ErrNoMicrophone          = errors.New("no microphone")
	ErrNoCamera              = errors.New("no camera")
	ErrPermissionDenied      = errors.New("capture permission denied")
	ErrDeviceBusy            = errors.New("capture device in use")
	ErrUnreachable           = errors.New("participant unreachable")
	ErrRenegotiationRequired = errors.New("renegotiation required")
	ErrNegotiation           = errors.New("negotiation failed")
	ErrUnknownMessageType    = errors.New("unknown message type")
	ErrInvalidMessage        = errors.New("invalid message")
	ErrClosed                = errors.New("closed")
	ErrInvalidParticipant    = errors.New("invalid participant")
)

// EndReason is carried by Ended sessions and on the wire in call_reject and
// call_end payloads.
type EndReason string

const (
	ReasonNone             EndReason = ""
	ReasonHangup           EndReason = "hangup"
	ReasonRemoteHangup     EndReason = "remote-hangup"
	ReasonRejected         EndReason = "rejected"
	ReasonRemoteRejected   EndReason = "remote-rejected"
	ReasonCancelled        EndReason = "cancelled"
	ReasonTimeout          EndReason = "timeout"
	ReasonNoMicrophone     EndReason = "no-microphone"
	ReasonPermissionDenied EndReason = "permission-denied"
	ReasonDeviceInUse      EndReason = "device-in-use"
	ReasonUnreachable      EndReason = "unreachable"
	ReasonBusy             EndReason = "busy"
	ReasonTransportFailure EndReason = "transport-failure"
	ReasonRemoteGone       EndReason = "remote-gone"
	ReasonLeft             EndReason = "left"
	ReasonShutdown         EndReason = "shutdown"
)

// ReasonForError resolves any failure of a call attempt to the terminal
// reason reported to the user.
func ReasonForError(err error) EndReason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrNoMicrophone):
		return ReasonNoMicrophone
	case errors.Is(err, ErrPermissionDenied):
		return ReasonPermissionDenied
	case errors.Is(err, ErrDeviceBusy):
		return ReasonDeviceInUse
	case errors.Is(err, ErrUnreachable):
		return ReasonUnreachable
	case errors.Is(err, ErrBusy):
		return ReasonBusy
	case errors.Is(err, ErrClosed):
		return ReasonShutdown
	}
	return ReasonTransportFailure
}

// RemoteReason maps a reason received from the counterpart onto the local
// session. Reasons describing the remote side's circumstances pass through.
func RemoteReason(received EndReason, terminal MessageType) EndReason {
	switch received {
	case ReasonTimeout, ReasonBusy, ReasonUnreachable, ReasonRemoteGone, ReasonCancelled,
		ReasonNoMicrophone, ReasonPermissionDenied, ReasonDeviceInUse, ReasonTransportFailure:
		return received
	}
	if terminal == TypeCallReject {
		return ReasonRemoteRejected
	}
	return ReasonRemoteHangup
}
