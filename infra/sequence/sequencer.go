package sequence

import (
	"errors"
	"math"
	"sync/atomic"
)

// ErrExhausted is returned once the counter reaches math.MaxUint64. It is
// fatal: no further number can be issued without breaking monotonicity.
var ErrExhausted = errors.New("sequence: exhausted")

// Sequencer generates strictly monotonic sequence IDs.
// It is deterministic and replay-safe.
type Sequencer struct {
	next atomic.Uint64
}

// New creates a sequencer starting from a given value.
// On fresh start → start = 0
// On replay → start = last replayed seq
func New(start uint64) *Sequencer {
	s := &Sequencer{}
	s.next.Store(start)
	return s
}

// Next returns the next sequence ID.
func (s *Sequencer) Next() (uint64, error) {
	for {
		cur := s.next.Load()
		if cur == math.MaxUint64 {
			return 0, ErrExhausted
		}
		if s.next.CompareAndSwap(cur, cur+1) {
			return cur + 1, nil
		}
	}
}

// Current returns the last issued sequence.
func (s *Sequencer) Current() uint64 {
	return s.next.Load()
}

// Reset sets the sequencer to a specific value.
// This is ONLY used after journal replay.
func (s *Sequencer) Reset(v uint64) {
	s.next.Store(v)
}

// Rollback returns seq to the pool if it is still the last issued number.
// A shared sequencer may have moved on, in which case seq stays a gap and
// Rollback reports false.
func (s *Sequencer) Rollback(seq uint64) bool {
	if seq == 0 {
		return false
	}
	return s.next.CompareAndSwap(seq, seq-1)
}
