package domain

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ParticipantID is the identity a participant is registered under in the
// relay's routing table. It is issued by the auth/directory collaborator.
type ParticipantID string

const maxParticipantIDLen = 128

// ParseParticipantID validates an id presented at registration. The
// separators used in group leg ids are reserved.
func ParseParticipantID(raw string) (ParticipantID, error) {
	id := strings.TrimSpace(raw)
	switch {
	case id == "":
		return "", fmt.Errorf("%w: empty id", ErrInvalidParticipant)
	case len(id) > maxParticipantIDLen:
		return "", fmt.Errorf("%w: id longer than %d bytes", ErrInvalidParticipant, maxParticipantIDLen)
	case strings.ContainsAny(id, "/+"):
		return "", fmt.Errorf("%w: %q contains a reserved character", ErrInvalidParticipant, id)
	}
	return ParticipantID(id), nil
}

type CallID string

type GroupCallID string

func NewCallID() CallID {
	return CallID("call_" + uuid.NewString())
}

func NewGroupCallID() GroupCallID {
	return GroupCallID("gcall_" + uuid.NewString())
}

func (id ParticipantID) String() string {
	return string(id)
}

func (id CallID) String() string {
	return string(id)
}

func (id GroupCallID) String() string {
	return string(id)
}

// LegCallID derives the call id of the pairwise leg between a and b inside a
// group call. Both ends compute the same value regardless of argument order.
func LegCallID(g GroupCallID, a, b ParticipantID) CallID {
	if b < a {
		a, b = b, a
	}
	return CallID(string(g) + "/" + string(a) + "+" + string(b))
}

// GroupOf returns the group call a leg id belongs to, if any.
func GroupOf(id CallID) (GroupCallID, bool) {
	g, _, ok := strings.Cut(string(id), "/")
	if !ok {
		return "", false
	}
	return GroupCallID(g), true
}
