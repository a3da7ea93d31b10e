package port

import (
	"time"

	"github.com/Wyydra/ya/internal/core/domain"
)

// CallObserver receives notifications from the participant event loop.
// Calls are made on the loop goroutine and must not block.
type CallObserver interface {
	CallStateChanged(ev domain.CallEvent)
	CallTick(id domain.CallID, elapsed time.Duration)
	GroupCallChanged(ev domain.GroupCallEvent)
}
