package sequencer

import (
	"fmt"
	"sync/atomic"

	"gitlab.com/gitlab-org/broadcaster/internal/broadcast/commonerr"
)

var sourceIDs uint64

// OrderToken carries the position of an operation in its caller's causal
// order. Writes advance the sequence of their source, reads observe it.
type OrderToken struct {
	// Source identifies the OrderSource or Checkpoint which issued the token.
	// The zero source marks a token which carries no ordering.
	Source uint64
	// Sequence is the position of the operation within its source.
	Sequence uint64
	// Read marks tokens issued for reads.
	Read bool
}

// IgnoreOrder is the token used by callers which do not care about ordering.
var IgnoreOrder = OrderToken{}

// IsZero reports whether the token carries no ordering.
func (t OrderToken) IsZero() bool { return t.Source == 0 }

// OrderSource issues order tokens for one causal stream of operations, e.g.
// one client session. It is safe for concurrent use.
type OrderSource struct {
	id  uint64
	seq uint64
}

// NewOrderSource returns a source with a process-unique identity.
func NewOrderSource() *OrderSource {
	return &OrderSource{id: atomic.AddUint64(&sourceIDs, 1)}
}

// Write returns the token for the next write of the stream.
func (s *OrderSource) Write() OrderToken {
	return OrderToken{Source: s.id, Sequence: atomic.AddUint64(&s.seq, 1)}
}

// Read returns a token ordering a read after every write issued so far.
func (s *OrderSource) Read() OrderToken {
	return OrderToken{Source: s.id, Sequence: atomic.LoadUint64(&s.seq), Read: true}
}

// Checkpoint verifies that tokens arriving from external sources are still in
// their causal order and maps them onto the broadcaster's own order. Callers
// must serialize access.
type Checkpoint struct {
	id   uint64
	seq  uint64
	last map[uint64]uint64
}

// NewCheckpoint returns an empty Checkpoint.
func NewCheckpoint() *Checkpoint {
	return &Checkpoint{
		id:   atomic.AddUint64(&sourceIDs, 1),
		last: make(map[uint64]uint64),
	}
}

// CheckWrite passes a write token through the checkpoint. The token must
// strictly follow the previous write token of its source. The returned token
// is positioned in the checkpoint's own order.
func (c *Checkpoint) CheckWrite(token OrderToken) (OrderToken, error) {
	if token.Read {
		return OrderToken{}, fmt.Errorf("%w: read token of source %d used for a write",
			commonerr.ErrOrderViolation, token.Source)
	}

	if !token.IsZero() {
		if last := c.last[token.Source]; token.Sequence <= last {
			return OrderToken{}, fmt.Errorf("%w: write of source %d at %d after write %d",
				commonerr.ErrOrderViolation, token.Source, token.Sequence, last)
		}
		c.last[token.Source] = token.Sequence
	}

	c.seq++
	return OrderToken{Source: c.id, Sequence: c.seq}, nil
}

// CheckRead passes a read token through the checkpoint. A read may observe the
// latest write of its source but must not go back before it. Write tokens are
// accepted for reads and treated as reads at the same position.
func (c *Checkpoint) CheckRead(token OrderToken) (OrderToken, error) {
	if !token.IsZero() {
		if last := c.last[token.Source]; token.Sequence < last {
			return OrderToken{}, fmt.Errorf("%w: read of source %d at %d after write %d",
				commonerr.ErrOrderViolation, token.Source, token.Sequence, last)
		}
	}

	return OrderToken{Source: c.id, Sequence: c.seq, Read: true}, nil
}
