// Package models contains the requests and responses flowing through the
// broadcaster and the identity of the branch it serves.
package models

import (
	"fmt"

	"gitlab.com/gitlab-org/broadcaster/internal/broadcast/sequencer"
)

// Durability controls whether a replica must persist a write before
// acknowledging it.
type Durability string

const (
	// DurabilitySoft allows replicas to acknowledge writes before they are persisted.
	DurabilitySoft Durability = "soft"
	// DurabilityHard requires replicas to persist writes before acknowledging them.
	DurabilityHard Durability = "hard"
)

// Validate returns an error if the durability is unknown. The empty durability
// is valid and means the broadcaster's default applies.
func (d Durability) Validate() error {
	switch d {
	case "", DurabilitySoft, DurabilityHard:
		return nil
	default:
		return fmt.Errorf("invalid durability: %q", d)
	}
}

// Write is a single mutation of a key.
type Write struct {
	Key    string
	Value  []byte
	Delete bool
	// Durability overrides the broadcaster's default durability if set.
	Durability Durability
}

// WriteResponse is a replica's acknowledgement of a write.
type WriteResponse struct {
	// Timestamp is the timestamp the write was applied at.
	Timestamp sequencer.Timestamp
	// Existed reports whether the key held a value before the write.
	Existed bool
}

// Read looks up a single key.
type Read struct {
	Key string
}

// ReadResponse is a replica's answer to a read.
type ReadResponse struct {
	Key   string
	Value []byte
	Found bool
	// Timestamp is the timestamp the replica had applied when serving the read.
	// It is never lower than the fence the read was issued with.
	Timestamp sequencer.Timestamp
}
