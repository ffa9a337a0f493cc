package broadcast

import (
	"container/list"
	"sync"
	"sync/atomic"

	"gitlab.com/gitlab-org/broadcaster/internal/broadcast/models"
	"gitlab.com/gitlab-org/broadcaster/internal/broadcast/sequencer"
	"gitlab.com/gitlab-org/broadcaster/internal/dontpanic"
)

// incompleteWrite is a write the broadcaster accepted which is still
// referenced by the front door, a dispatchee that has yet to apply it, or its
// predecessor. It stays in the broadcaster's incomplete list for exactly as
// long as any reference is alive.
type incompleteWrite struct {
	// refs is the number of live writeRefs. It is accessed atomically and
	// kept first for alignment.
	refs int64

	write     models.Write
	timestamp sequencer.Timestamp
	callback  WriteCallback
	owner     *Broadcaster

	// element is the write's position in the owner's incomplete list.
	// successor is the reference this write holds on the write accepted
	// after it. It is dropped when this write ends so that writes end in
	// timestamp order. Both are guarded by the owner's coordination lock.
	element   *list.Element
	successor *writeRef

	// ended is closed once the write left the incomplete list.
	ended chan struct{}

	ackMu    sync.Mutex
	acked    bool
	firstAck models.WriteResponse
}

// writeRef is one reference on an incomplete write. Every holder gets its own
// writeRef, releasing one twice is a no-op.
type writeRef struct {
	w        *incompleteWrite
	released int32
}

// clone takes another reference on the write. The receiver must not have
// been released.
func (r *writeRef) clone() *writeRef {
	atomic.AddInt64(&r.w.refs, 1)
	return &writeRef{w: r.w}
}

// tryRef takes a reference on the write unless its count already dropped to
// zero, in which case the write is about to end and nil is returned.
func (w *incompleteWrite) tryRef() *writeRef {
	for {
		refs := atomic.LoadInt64(&w.refs)
		if refs == 0 {
			return nil
		}

		if atomic.CompareAndSwapInt64(&w.refs, refs, refs+1) {
			return &writeRef{w: w}
		}
	}
}

// drop gives up the reference and returns whether it was the last one.
func (r *writeRef) drop() bool {
	if !atomic.CompareAndSwapInt32(&r.released, 0, 1) {
		return false
	}

	return atomic.AddInt64(&r.w.refs, -1) == 0
}

// release gives up the reference and ends the write if it was the last one.
// It must not be called while holding the coordination lock. Releasing a nil
// reference is a no-op.
func (r *writeRef) release() {
	if r == nil {
		return
	}

	if r.drop() {
		r.w.owner.endWrites(r.w)
	}
}

// ack forwards a dispatchee's acknowledgement to the write's callback. It does
// not release any reference.
func (w *incompleteWrite) ack(dispatchee DispatcheeID, response models.WriteResponse) {
	w.ackMu.Lock()
	if !w.acked {
		w.acked = true
		w.firstAck = response
	}
	w.ackMu.Unlock()

	if w.callback != nil {
		dontpanic.Try(func() { w.callback.OnAck(dispatchee, response) })
	}
}

// firstAcknowledgement returns the first response any dispatchee acknowledged
// the write with.
func (w *incompleteWrite) firstAcknowledgement() (models.WriteResponse, bool) {
	w.ackMu.Lock()
	defer w.ackMu.Unlock()
	return w.firstAck, w.acked
}

// beginWrite assigns the next timestamp to the write and appends it to the
// incomplete list. The returned reference belongs to the caller. Must be
// called with the coordination lock held.
func (b *Broadcaster) beginWrite(write models.Write, callback WriteCallback) *writeRef {
	w := &incompleteWrite{
		write:     write,
		timestamp: b.sequencer.Next(),
		callback:  callback,
		owner:     b,
		refs:      1,
		ended:     make(chan struct{}),
	}

	if back := b.incomplete.Back(); back != nil {
		predecessor := back.Value.(*incompleteWrite)
		atomic.AddInt64(&w.refs, 1)
		predecessor.successor = &writeRef{w: w}
	}

	w.element = b.incomplete.PushBack(w)
	b.metrics.IncompleteWrites.Inc()

	return &writeRef{w: w}
}

// endWrites removes a write whose last reference was dropped from the
// incomplete list and notifies its callback. Ending a write drops the
// reference it holds on its successor, which in turn may end that one.
func (b *Broadcaster) endWrites(w *incompleteWrite) {
	for w != nil {
		b.lockUninterruptible()
		b.incomplete.Remove(w.element)
		w.element = nil
		if w.timestamp > b.newestComplete {
			b.newestComplete = w.timestamp
		}
		b.noteAcknowledged(w.timestamp)
		successor := w.successor
		w.successor = nil
		b.unlock()

		b.metrics.IncompleteWrites.Dec()
		close(w.ended)
		if w.callback != nil {
			dontpanic.Try(w.callback.OnEnd)
		}

		w = nil
		if successor != nil && successor.drop() {
			w = successor.w
		}
	}
}
