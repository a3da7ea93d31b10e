package domain

import (
	"encoding/json"
	"fmt"
)

type MessageType string

const (
	TypeCallRequest     MessageType = "call_request"
	TypeCallAccept      MessageType = "call_accept"
	TypeCallReject      MessageType = "call_reject"
	TypeCallEnd         MessageType = "call_end"
	TypeOffer           MessageType = "webrtc_offer"
	TypeAnswer          MessageType = "webrtc_answer"
	TypeICE             MessageType = "webrtc_ice"
	TypeGroupCallInvite MessageType = "group_call_invite"
	TypeGroupCallAccept MessageType = "group_call_accept"
	TypeGroupCallLeave  MessageType = "group_call_leave"
)

func (t MessageType) Terminal() bool {
	return t == TypeCallReject || t == TypeCallEnd
}

func (t MessageType) Negotiation() bool {
	return t == TypeOffer || t == TypeAnswer || t == TypeICE
}

// Envelope is the unit the relay routes. The relay only reads the header
// fields; Payload stays opaque to it except for group membership lists.
// Group messages carry the group call id in CallID.
type Envelope struct {
	Type    MessageType     `json:"type"`
	From    ParticipantID   `json:"from,omitempty"`
	To      ParticipantID   `json:"to,omitempty"`
	CallID  CallID          `json:"callId"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message is the closed set of payloads. Only types in this package
// implement it.
type Message interface {
	Type() MessageType
	sealed()
}

type CallRequest struct {
	CallerID   ParticipantID `json:"callerId"`
	CalleeID   ParticipantID `json:"calleeId"`
	CallerName string        `json:"callerName,omitempty"`
	CallType   CallKind      `json:"callType"`
}

type CallAccept struct{}

type CallReject struct {
	Reason EndReason `json:"reason,omitempty"`
}

type CallEnd struct {
	Reason EndReason `json:"reason,omitempty"`
}

type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type Offer struct {
	SDP               SessionDescription `json:"sdp"`
	NegotiationNeeded bool               `json:"negotiationNeeded,omitempty"`
	GroupCallID       GroupCallID        `json:"groupCallId,omitempty"`
	CallType          CallKind           `json:"callType,omitempty"`
}

type Answer struct {
	SDP SessionDescription `json:"sdp"`
}

// ICECandidate carries the candidate exactly as the transport produced it.
type ICECandidate struct {
	Candidate json.RawMessage `json:"candidate"`
}

type GroupCallInvite struct {
	GroupID        string          `json:"groupId,omitempty"`
	CallerID       ParticipantID   `json:"callerId"`
	CallerName     string          `json:"callerName,omitempty"`
	CallType       CallKind        `json:"callType"`
	ParticipantIDs []ParticipantID `json:"participantIds"`
}

type GroupCallAccept struct {
	ParticipantIDs []ParticipantID `json:"participantIds,omitempty"`
}

type GroupCallLeave struct {
	ParticipantIDs []ParticipantID `json:"participantIds,omitempty"`
	Reason         EndReason       `json:"reason,omitempty"`
}

func (CallRequest) Type() MessageType     { return TypeCallRequest }
func (CallAccept) Type() MessageType      { return TypeCallAccept }
func (CallReject) Type() MessageType      { return TypeCallReject }
func (CallEnd) Type() MessageType         { return TypeCallEnd }
func (Offer) Type() MessageType           { return TypeOffer }
func (Answer) Type() MessageType          { return TypeAnswer }
func (ICECandidate) Type() MessageType    { return TypeICE }
func (GroupCallInvite) Type() MessageType { return TypeGroupCallInvite }
func (GroupCallAccept) Type() MessageType { return TypeGroupCallAccept }
func (GroupCallLeave) Type() MessageType  { return TypeGroupCallLeave }

func (CallRequest) sealed()     {}
func (CallAccept) sealed()      {}
func (CallReject) sealed()      {}
func (CallEnd) sealed()         {}
func (Offer) sealed()           {}
func (Answer) sealed()          {}
func (ICECandidate) sealed()    {}
func (GroupCallInvite) sealed() {}
func (GroupCallAccept) sealed() {}
func (GroupCallLeave) sealed()  {}

func NewEnvelope(from, to ParticipantID, callID CallID, msg Message) (Envelope, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	return Envelope{
		Type:    msg.Type(),
		From:    from,
		To:      to,
		CallID:  callID,
		Payload: payload,
	}, nil
}

// Decode returns the typed payload of env. Unknown kinds and payloads
// missing required fields are rejected.
func Decode(env Envelope) (Message, error) {
	if env.CallID == "" {
		return nil, fmt.Errorf("%w: %s without callId", ErrInvalidMessage, env.Type)
	}
	switch env.Type {
	case TypeCallRequest:
		var m CallRequest
		if err := unmarshalPayload(env, &m); err != nil {
			return nil, err
		}
		if _, err := ParseCallKind(string(m.CallType)); err != nil {
			return nil, err
		}
		return m, nil
	case TypeCallAccept:
		return CallAccept{}, nil
	case TypeCallReject:
		var m CallReject
		if err := unmarshalPayload(env, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypeCallEnd:
		var m CallEnd
		if err := unmarshalPayload(env, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypeOffer:
		var m Offer
		if err := unmarshalPayload(env, &m); err != nil {
			return nil, err
		}
		if m.SDP.SDP == "" {
			return nil, fmt.Errorf("%w: empty offer", ErrInvalidMessage)
		}
		return m, nil
	case TypeAnswer:
		var m Answer
		if err := unmarshalPayload(env, &m); err != nil {
			return nil, err
		}
		if m.SDP.SDP == "" {
			return nil, fmt.Errorf("%w: empty answer", ErrInvalidMessage)
		}
		return m, nil
	case TypeICE:
		var m ICECandidate
		if err := unmarshalPayload(env, &m); err != nil {
			return nil, err
		}
		if len(m.Candidate) == 0 {
			return nil, fmt.Errorf("%w: empty candidate", ErrInvalidMessage)
		}
		return m, nil
	case TypeGroupCallInvite:
		var m GroupCallInvite
		if err := unmarshalPayload(env, &m); err != nil {
			return nil, err
		}
		if _, err := ParseCallKind(string(m.CallType)); err != nil {
			return nil, err
		}
		return m, nil
	case TypeGroupCallAccept:
		var m GroupCallAccept
		if err := unmarshalPayload(env, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypeGroupCallLeave:
		var m GroupCallLeave
		if err := unmarshalPayload(env, &m); err != nil {
			return nil, err
		}
		return m, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
}

func unmarshalPayload(env Envelope, v any) error {
	if len(env.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrInvalidMessage, env.Type, err)
	}
	return nil
}
