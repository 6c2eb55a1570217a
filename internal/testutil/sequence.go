package testutil

import "sync/atomic"

// Sequence is a resettable counter for numbering trace events. The same
// run produces the same numbers, which keeps golden traces stable.
//
// Safe for concurrent use.
type Sequence struct {
	n atomic.Int64
}

// NewSequence returns a sequence whose first Next is 1.
func NewSequence() *Sequence {
	return &Sequence{}
}

// Next increments and returns the counter.
func (s *Sequence) Next() int64 {
	return s.n.Add(1)
}

// Current returns the last value handed out, or 0.
func (s *Sequence) Current() int64 {
	return s.n.Load()
}

// Reset starts the sequence over.
func (s *Sequence) Reset() {
	s.n.Store(0)
}
