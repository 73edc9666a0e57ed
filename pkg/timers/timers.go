package timers

import (
	"sync"
	"time"
)

// Slot identifies one of the fixed per-user timer positions. A user has at
// most one live timer per slot; scheduling into an occupied slot cancels the
// previous timer first.
type Slot int

const (
	SlotCheckin Slot = iota
	SlotGrace
	SlotIVR1
	SlotIVR2
	SlotIVR3
	SlotGap1
	SlotGap2
	SlotBroadcast
	numSlots
)

func (s Slot) String() string {
	switch s {
	case SlotCheckin:
		return "checkin"
	case SlotGrace:
		return "grace"
	case SlotIVR1:
		return "ivr1"
	case SlotIVR2:
		return "ivr2"
	case SlotIVR3:
		return "ivr3"
	case SlotGap1:
		return "gap1"
	case SlotGap2:
		return "gap2"
	case SlotBroadcast:
		return "broadcast"
	}
	return "unknown"
}

// IVRSlot returns the ring slot for call number 1..3.
func IVRSlot(call int) Slot {
	return SlotIVR1 + Slot(call-1)
}

// GapSlot returns the inter-call gap slot following call number 1..2.
func GapSlot(call int) Slot {
	return SlotGap1 + Slot(call-1)
}

// Set holds the live timers for a single user. Cancellation is best-effort:
// a callback that has already started cannot be unstarted, so callers must
// re-validate their state when the callback runs.
type Set struct {
	mu     sync.Mutex
	timers [numSlots]*time.Timer
}

func NewSet() *Set {
	return &Set{}
}

// Schedule arms slot to run fn after d, cancelling any timer currently
// occupying the slot. fn runs on its own goroutine.
func (s *Set) Schedule(slot Slot, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t := s.timers[slot]; t != nil {
		t.Stop()
	}
	s.timers[slot] = time.AfterFunc(d, fn)
}

// Cancel stops the timer in slot, if any, and frees the slot.
func (s *Set) Cancel(slot Slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(slot)
}

// CancelEscalation clears every slot belonging to the in-flight check-in
// cycle: grace, the three ring timers and the two gaps.
func (s *Set) CancelEscalation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for slot := SlotGrace; slot <= SlotGap2; slot++ {
		s.cancelLocked(slot)
	}
}

// CancelAll clears every slot.
func (s *Set) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for slot := Slot(0); slot < numSlots; slot++ {
		s.cancelLocked(slot)
	}
}

// Scheduled reports whether a timer currently occupies slot.
func (s *Set) Scheduled(slot Slot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timers[slot] != nil
}

func (s *Set) cancelLocked(slot Slot) {
	if t := s.timers[slot]; t != nil {
		t.Stop()
		s.timers[slot] = nil
	}
}
