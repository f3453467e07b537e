// Package irq tracks interrupt vectors owed to a virtual CPU.
package irq

import (
	"math/bits"
	"sync/atomic"

	"github.com/bobuhiro11/gohv/hverror"
)

// NumVectors is the size of the x86 interrupt vector space.
const NumVectors = 256

const words = NumVectors / 64

// Tracker records pending vectors. Pop always yields the highest pending
// vector. Tracking and popping are lock-free; only Wait blocks.
type Tracker struct {
	pending [words]atomic.Uint64

	// signal has capacity one so that an interrupt that arrives between
	// the pending check and the receive is never lost.
	signal chan struct{}
}

// New returns an empty tracker.
func New() *Tracker {
	return &Tracker{signal: make(chan struct{}, 1)}
}

func (t *Tracker) wake() {
	select {
	case t.signal <- struct{}{}:
	default:
	}
}

// Track marks v pending without waking a waiter.
func (t *Tracker) Track(v uint8) {
	w, b := v/64, v%64

	for {
		old := t.pending[w].Load()
		if old&(1<<b) != 0 || t.pending[w].CompareAndSwap(old, old|1<<b) {
			return
		}
	}
}

// Interrupt marks v pending and wakes a waiter.
func (t *Tracker) Interrupt(v uint8) {
	t.Track(v)
	t.wake()
}

// Pending reports whether any vector is pending.
func (t *Tracker) Pending() bool {
	for i := range t.pending {
		if t.pending[i].Load() != 0 {
			return true
		}
	}

	return false
}

// IsPending reports whether v is pending.
func (t *Tracker) IsPending(v uint8) bool {
	return t.pending[v/64].Load()&(1<<(v%64)) != 0
}

// Pop removes and returns the highest pending vector.
func (t *Tracker) Pop() (uint8, bool) {
	return t.popBelow(NumVectors)
}

// PopBelow removes and returns the highest pending vector less than limit.
func (t *Tracker) PopBelow(limit uint8) (uint8, bool) {
	return t.popBelow(int(limit))
}

func (t *Tracker) popBelow(limit int) (uint8, bool) {
	for w := (limit - 1) / 64; w >= 0; w-- {
		mask := ^uint64(0)
		if n := limit - w*64; n < 64 {
			mask = 1<<n - 1
		}

		for {
			old := t.pending[w].Load()
			if old&mask == 0 {
				break
			}

			b := 63 - bits.LeadingZeros64(old&mask)
			if t.pending[w].CompareAndSwap(old, old&^(1<<b)) {
				return uint8(w*64 + b), true
			}
		}
	}

	return 0, false
}

// TryPop removes v and reports whether it was pending.
func (t *Tracker) TryPop(v uint8) bool {
	w, b := v/64, v%64

	for {
		old := t.pending[w].Load()
		if old&(1<<b) == 0 {
			return false
		}

		if t.pending[w].CompareAndSwap(old, old&^(1<<b)) {
			return true
		}
	}
}

// Clear drops v if it is pending.
func (t *Tracker) Clear(v uint8) {
	w, b := v/64, v%64

	for {
		old := t.pending[w].Load()
		if old&(1<<b) == 0 || t.pending[w].CompareAndSwap(old, old&^(1<<b)) {
			return
		}
	}
}

// Wake releases a Wait so that it re-evaluates its stop condition.
func (t *Tracker) Wake() { t.wake() }

// Wait blocks until a vector is pending or stop reports true, in which case
// it returns Canceled. Around each sleep it calls block(false) before and
// block(true) after, so that the caller can save and restore per-thread
// state. stop and block may be nil.
func (t *Tracker) Wait(stop func() bool, block func(in bool)) error {
	for {
		if stop != nil && stop() {
			return hverror.New(hverror.Canceled, "Wait", nil)
		}

		if t.Pending() {
			return nil
		}

		if block != nil {
			block(false)
		}

		<-t.signal

		if block != nil {
			block(true)
		}
	}
}
