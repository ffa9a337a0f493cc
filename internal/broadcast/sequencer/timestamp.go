// Package sequencer hands out the orderings the broadcaster relies on: logical
// timestamps for writes, order tokens that carry causal order from callers into
// the broadcaster, and per-dispatchee delivery tickets.
//
// None of the issuing types in this package lock on their own. The broadcaster
// only touches them while holding its coordination lock. TicketSink is the
// exception as it is entered concurrently by the dispatch workers.
package sequencer

import "strconv"

// Timestamp is a logical point in the write history of a branch. Every
// accepted write moves the history forward by exactly one timestamp.
type Timestamp uint64

// Next returns the timestamp directly following t.
func (t Timestamp) Next() Timestamp { return t + 1 }

// Prev returns the timestamp directly preceding t. The zero timestamp has no
// predecessor and is returned unchanged.
func (t Timestamp) Prev() Timestamp {
	if t == 0 {
		return 0
	}
	return t - 1
}

// String formats the timestamp for log fields.
func (t Timestamp) String() string { return strconv.FormatUint(uint64(t), 10) }

// Sequencer issues strictly increasing timestamps starting after the initial
// timestamp of a branch.
type Sequencer struct {
	current Timestamp
}

// New returns a Sequencer whose first issued timestamp is initial+1.
func New(initial Timestamp) *Sequencer {
	return &Sequencer{current: initial}
}

// Next issues the next timestamp.
func (s *Sequencer) Next() Timestamp {
	s.current = s.current.Next()
	return s.current
}

// Current returns the most recently issued timestamp, or the initial timestamp
// if nothing was issued yet.
func (s *Sequencer) Current() Timestamp {
	return s.current
}
