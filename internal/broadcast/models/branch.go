package models

import (
	"fmt"

	"github.com/google/uuid"
	"gitlab.com/gitlab-org/broadcaster/internal/broadcast/sequencer"
)

// BranchID identifies a branch of the write history.
type BranchID uuid.UUID

// NewBranchID returns a new random branch identity.
func NewBranchID() BranchID { return BranchID(uuid.New()) }

// ParseBranchID parses the textual form of a branch identity.
func ParseBranchID(s string) (BranchID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return BranchID{}, fmt.Errorf("parse branch id: %w", err)
	}
	return BranchID(id), nil
}

func (id BranchID) String() string { return uuid.UUID(id).String() }

// KeyRange is the half-open range of keys [Start, End) a branch serves. An
// empty End means the range is unbounded.
type KeyRange struct {
	Start string
	End   string
}

// Contains returns whether the key falls into the range.
func (r KeyRange) Contains(key string) bool {
	return key >= r.Start && (r.End == "" || key < r.End)
}

// BirthCertificate records where a branch starts: the region it serves and the
// timestamp its history begins at. Replicas joining the branch backfill up to
// the timestamp returned by attaching and replay the writes after it.
type BirthCertificate struct {
	Region           KeyRange
	InitialTimestamp sequencer.Timestamp
}

// Branch is the identity of the history a broadcaster serves.
type Branch struct {
	ID    BranchID
	Birth BirthCertificate
}
