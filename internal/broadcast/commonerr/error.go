// Package commonerr contains the errors shared between the broadcaster and its
// collaborators. They live in their own package so that replicas and the
// sequencer can return them without importing the broadcaster.
package commonerr

import (
	"errors"
	"fmt"
)

var (
	// ErrNoReadableReplica is returned when no dispatchee is currently readable. The
	// condition is transient, callers should back off and retry.
	ErrNoReadableReplica = errors.New("no readable replica")
	// ErrInterrupted is returned when the caller's context was done before the
	// operation could complete. The broadcaster's state is left consistent.
	ErrInterrupted = errors.New("interrupted")
	// ErrNotPrimaryAnymore is returned once the broadcaster was demoted. The
	// broadcaster must not be used anymore.
	ErrNotPrimaryAnymore = errors.New("not primary anymore")
	// ErrAllReplicasFailed is returned when a write was dispatched but no replica
	// acknowledged it.
	ErrAllReplicasFailed = errors.New("all replicas failed")

	// ErrReplicaLost is returned by replicas which went away.
	ErrReplicaLost = errors.New("replica lost")
	// ErrDispatcheeDetached is returned for work a dispatchee abandoned when it
	// was detached.
	ErrDispatcheeDetached = errors.New("dispatchee detached")
	// ErrUnknownDispatchee is returned when operating on a dispatchee which is
	// not attached.
	ErrUnknownDispatchee = errors.New("unknown dispatchee")
	// ErrQueueOverflow is the reason a dispatchee gets detached when its work
	// queue is full.
	ErrQueueOverflow = errors.New("dispatch queue overflow")
	// ErrBacklogTooLarge is returned when a replica attaches while more writes are
	// incomplete than its queue can hold. The backlog drains as writes complete,
	// attaching can be retried.
	ErrBacklogTooLarge = errors.New("incomplete write backlog too large")
	// ErrOutOfRegion is returned for keys outside of the branch's region.
	ErrOutOfRegion = errors.New("key out of region")
	// ErrOrderViolation is returned when an order token does not follow the
	// previous token of its source.
	ErrOrderViolation = errors.New("order violation")
)

// IsRetryable returns whether the error signals a transient condition which
// may go away when the operation is retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNoReadableReplica) || errors.Is(err, ErrBacklogTooLarge)
}

// TimestampGapError is returned by replicas when a write skips over
// timestamps they have not applied yet.
type TimestampGapError struct {
	applied, got uint64
}

// NewTimestampGapError returns a new error for a replica that applied
// everything up to applied but received a write at got.
func NewTimestampGapError(applied, got uint64) error {
	return TimestampGapError{applied: applied, got: got}
}

// Error returns the error message.
func (err TimestampGapError) Error() string {
	return fmt.Sprintf("write at %d skips over timestamps after %d", err.got, err.applied)
}
