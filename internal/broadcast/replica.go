package broadcast

import (
	"context"

	"gitlab.com/gitlab-org/broadcaster/internal/broadcast/models"
	"gitlab.com/gitlab-org/broadcaster/internal/broadcast/sequencer"
)

// Replica is the storage side of an attached replica. The broadcaster calls
// ApplyWrite from the replica's dispatch workers, one write at a time and in
// timestamp order. ApplyRead is called from the reading caller's goroutine.
//
// Any error returned from ApplyWrite or ApplyRead which is not caused by the
// passed context being done is taken as the replica being gone, and the
// replica's dispatchee is detached.
type Replica interface {
	// ApplyWrite applies the write at the given timestamp.
	ApplyWrite(ctx context.Context, write models.Write, ts sequencer.Timestamp, durability models.Durability) (models.WriteResponse, error)
	// ApplyRead serves the read once the replica has applied every write up to
	// and including minTimestamp.
	ApplyRead(ctx context.Context, read models.Read, minTimestamp sequencer.Timestamp) (models.ReadResponse, error)
}

// WriteCallback receives the progress of a single write. Its methods are
// called from dispatch worker goroutines and must not block.
type WriteCallback interface {
	// OnAck is called once for every dispatchee that applied the write.
	OnAck(dispatchee DispatcheeID, response models.WriteResponse)
	// OnEnd is called exactly once, after the last reference to the write was
	// dropped. No OnAck follows it.
	OnEnd()
}

// WriteCallbackFuncs adapts plain functions to a WriteCallback. Nil
// functions are skipped.
type WriteCallbackFuncs struct {
	Ack func(DispatcheeID, models.WriteResponse)
	End func()
}

// OnAck calls Ack.
func (f WriteCallbackFuncs) OnAck(dispatchee DispatcheeID, response models.WriteResponse) {
	if f.Ack != nil {
		f.Ack(dispatchee, response)
	}
}

// OnEnd calls End.
func (f WriteCallbackFuncs) OnEnd() {
	if f.End != nil {
		f.End()
	}
}
