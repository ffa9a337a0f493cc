// Package broadcast implements the primary side of a replicated branch. A
// Broadcaster accepts writes and reads for the branch, assigns every write a
// timestamp and fans it out to all attached replicas. Replicas may attach and
// detach at any time. Replicas attaching mid-stream are caught up by replaying
// every write which not all replicas have applied yet.
package broadcast

import (
	"container/list"
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/broadcaster/internal/broadcast/commonerr"
	"gitlab.com/gitlab-org/broadcaster/internal/broadcast/config"
	"gitlab.com/gitlab-org/broadcaster/internal/broadcast/metrics"
	"gitlab.com/gitlab-org/broadcaster/internal/broadcast/models"
	"gitlab.com/gitlab-org/broadcaster/internal/broadcast/sequencer"
	"gitlab.com/gitlab-org/broadcaster/internal/dontpanic"
	"golang.org/x/sync/semaphore"
)

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithLogger sets the logger long-lived broadcaster events are logged to.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(b *Broadcaster) { b.logger = logger.WithField("component", "broadcaster") }
}

// WithMetrics sets the collectors the broadcaster reports to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broadcaster) { b.metrics = m }
}

// Broadcaster is the primary of a branch.
type Broadcaster struct {
	// newestAcked is the read fence. It only moves forward, is accessed
	// atomically and kept first for alignment.
	newestAcked uint64

	branch  models.Branch
	cfg     config.Dispatch
	logger  logrus.FieldLogger
	metrics *metrics.Metrics

	// lock is the coordination lock. It is a semaphore so that waiting for it
	// can be given up when the caller's context is done.
	lock *semaphore.Weighted

	// Everything below is guarded by lock.
	sequencer      *sequencer.Sequencer
	checkpoint     *sequencer.Checkpoint
	newestComplete sequencer.Timestamp
	incomplete     *list.List
	dispatchees    map[DispatcheeID]*Dispatchee
	attached       []*Dispatchee
	readable       []*Dispatchee
	roundRobin     uint64
	demoted        bool

	readableView *readableView
}

// New creates the primary of the given branch. Its history starts at the
// branch's initial timestamp. Dispatch tuning is taken from cfg, which must be
// valid.
func New(branch models.Branch, cfg config.Dispatch, opts ...Option) *Broadcaster {
	initial := branch.Birth.InitialTimestamp

	b := &Broadcaster{
		branch:         branch,
		cfg:            cfg,
		lock:           semaphore.NewWeighted(1),
		sequencer:      sequencer.New(initial),
		checkpoint:     sequencer.NewCheckpoint(),
		newestComplete: initial,
		newestAcked:    uint64(initial),
		incomplete:     list.New(),
		dispatchees:    make(map[DispatcheeID]*Dispatchee),
		readableView:   newReadableView(),
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.logger == nil {
		b.logger = logrus.StandardLogger().WithField("component", "broadcaster")
	}

	if b.metrics == nil {
		b.metrics = metrics.New(nil)
	}

	b.logger = b.logger.WithField("branch", branch.ID.String())

	return b
}

func (b *Broadcaster) acquire(ctx context.Context) error {
	if err := b.lock.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: waiting for coordination lock: %v", commonerr.ErrInterrupted, err)
	}
	return nil
}

func (b *Broadcaster) lockUninterruptible() {
	_ = b.lock.Acquire(context.Background(), 1)
}

func (b *Broadcaster) unlock() {
	b.lock.Release(1)
}

// Branch returns the branch the broadcaster is primary for.
func (b *Broadcaster) Branch() models.Branch {
	return b.branch
}

// Attach attaches a replica. Every write accepted from now on is dispatched to
// it, and every write that is still incomplete is replayed to it. The
// returned start timestamp is the newest write every replica applied before
// attaching. The replica must hold the data up to the start timestamp, for
// example by backfilling from a readable replica, before applying the
// replayed writes. Replaying a write the replica already applied must be a
// no-op.
func (b *Broadcaster) Attach(ctx context.Context, replica Replica, opts ...AttachOption) (*Dispatchee, sequencer.Timestamp, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "broadcast.Attach")
	defer span.Finish()

	var options attachOptions
	for _, opt := range opts {
		opt(&options)
	}

	if err := b.acquire(ctx); err != nil {
		return nil, 0, err
	}
	defer b.unlock()

	if b.demoted {
		return nil, 0, commonerr.ErrNotPrimaryAnymore
	}

	if backlog := b.incomplete.Len(); backlog > b.cfg.QueueCapacity {
		return nil, 0, fmt.Errorf("%w: %d incomplete writes, queue capacity %d", commonerr.ErrBacklogTooLarge, backlog, b.cfg.QueueCapacity)
	}

	d := newDispatchee(b, replica, options)
	start := b.newestComplete

	now := time.Now()
	for e := b.incomplete.Front(); e != nil; e = e.Next() {
		w := e.Value.(*incompleteWrite)
		// The queue is fresh and the backlog fits, this can't overflow.
		d.enqueue(&dispatchUnit{
			write:     w.write,
			timestamp: w.timestamp,
			ref:       w.tryRef(),
			ticket:    d.tickets.Issue(),
			queued:    now,
		})
	}

	d.start(b.cfg.Workers)
	b.register(d, options.readable)

	span.SetTag("dispatchee.name", d.name)
	d.logger.WithFields(logrus.Fields{
		"start":   start.String(),
		"backlog": b.incomplete.Len(),
	}).Info("dispatchee attached, catching up")

	return d, start, nil
}

// Detach stops dispatching to the dispatchee. Writes it didn't apply yet are
// released without being acknowledged. Detach returns once the dispatchee's
// workers exited.
func (b *Broadcaster) Detach(ctx context.Context, d *Dispatchee) error {
	if err := b.acquire(ctx); err != nil {
		return err
	}
	registered := b.unregister(d, "detached")
	b.unlock()

	d.stop()

	if !registered {
		return fmt.Errorf("detach %s: %w", d.name, commonerr.ErrUnknownDispatchee)
	}

	d.logger.Info("dispatchee detached")
	return nil
}

// SetReadable toggles whether the dispatchee may serve reads and answer
// writes.
func (b *Broadcaster) SetReadable(ctx context.Context, d *Dispatchee, readable bool) error {
	if err := b.acquire(ctx); err != nil {
		return err
	}
	defer b.unlock()

	if _, ok := b.dispatchees[d.id]; !ok {
		return fmt.Errorf("set readable %s: %w", d.name, commonerr.ErrUnknownDispatchee)
	}

	if d.readable == readable {
		return nil
	}

	d.readable = readable
	b.readable = b.readable[:0:0]
	for _, candidate := range b.attached {
		if candidate.readable {
			b.readable = append(b.readable, candidate)
		}
	}
	b.publishReadable()

	d.logger.WithField("readable", readable).Info("dispatchee readability changed")
	return nil
}

// lose detaches a dispatchee whose replica failed. It may be called from the
// dispatchee's own workers, so the dispatchee is stopped asynchronously.
func (b *Broadcaster) lose(d *Dispatchee, reason string, err error) {
	b.lockUninterruptible()
	registered := b.unregister(d, reason)
	b.unlock()

	if registered {
		d.logger.WithError(err).WithField("reason", reason).Warn("replica lost, detaching dispatchee")
	}

	dontpanic.Go(d.stop)
}

// register adds the dispatchee to the registry. Must be called with the
// coordination lock held.
func (b *Broadcaster) register(d *Dispatchee, readable bool) {
	b.dispatchees[d.id] = d
	b.attached = append(b.attached, d)

	if readable {
		d.readable = true
		b.readable = append(b.readable, d)
		b.publishReadable()
	}

	b.updateDispatcheeMetrics()
}

// unregister removes the dispatchee from the registry and returns whether it
// was registered. Must be called with the coordination lock held.
func (b *Broadcaster) unregister(d *Dispatchee, reason string) bool {
	if _, ok := b.dispatchees[d.id]; !ok {
		return false
	}

	delete(b.dispatchees, d.id)
	b.attached = removeDispatchee(b.attached, d)

	if d.readable {
		d.readable = false
		b.readable = removeDispatchee(b.readable, d)
		b.publishReadable()
	}

	b.metrics.DetachesTotal.WithLabelValues(reason).Inc()
	b.updateDispatcheeMetrics()

	return true
}

func (b *Broadcaster) updateDispatcheeMetrics() {
	b.metrics.Dispatchees.WithLabelValues("attached").Set(float64(len(b.attached)))
	b.metrics.Dispatchees.WithLabelValues("readable").Set(float64(len(b.readable)))
}

// publishReadable must be called with the coordination lock held whenever
// the readable list changed.
func (b *Broadcaster) publishReadable() {
	readable := make([]DispatcheeInfo, 0, len(b.readable))
	for _, d := range b.readable {
		readable = append(readable, d.info())
	}
	b.readableView.publish(readable)
}

func removeDispatchee(dispatchees []*Dispatchee, d *Dispatchee) []*Dispatchee {
	for i, candidate := range dispatchees {
		if candidate == d {
			return append(dispatchees[:i:i], dispatchees[i+1:]...)
		}
	}
	return dispatchees
}

// pickReadable returns a readable dispatchee of the highest priority,
// rotating between dispatchees of the same priority. It returns nil if none
// is readable. Must be called with the coordination lock held.
func (b *Broadcaster) pickReadable() *Dispatchee {
	if len(b.readable) == 0 {
		return nil
	}

	best := b.readable[0].priority
	for _, d := range b.readable[1:] {
		if d.priority > best {
			best = d.priority
		}
	}

	candidates := make([]*Dispatchee, 0, len(b.readable))
	for _, d := range b.readable {
		if d.priority == best {
			candidates = append(candidates, d)
		}
	}

	picked := candidates[b.roundRobin%uint64(len(candidates))]
	b.roundRobin++
	return picked
}

// noteAcknowledged raises the read fence to a timestamp whose write is about
// to be acknowledged to its caller. It does not take the coordination lock.
func (b *Broadcaster) noteAcknowledged(ts sequencer.Timestamp) {
	for {
		fence := atomic.LoadUint64(&b.newestAcked)
		if uint64(ts) <= fence || atomic.CompareAndSwapUint64(&b.newestAcked, fence, uint64(ts)) {
			return
		}
	}
}

func (b *Broadcaster) readFence() sequencer.Timestamp {
	return sequencer.Timestamp(atomic.LoadUint64(&b.newestAcked))
}

type overflowedUnit struct {
	dispatchee *Dispatchee
	unit       *dispatchUnit
}

// Write accepts a write, assigns it the next timestamp and dispatches it to
// every attached dispatchee. One readable dispatchee answers the write
// synchronously, the others apply it in the background. If no dispatchee is
// readable or the answering one is lost, Write waits until the write is
// complete and answers with the first acknowledgement any dispatchee gave.
//
// The callback, which may be nil, is told about every acknowledgement and
// about the write ending. It ends exactly once, also when Write returns an
// error after the write was accepted.
func (b *Broadcaster) Write(ctx context.Context, write models.Write, token sequencer.OrderToken, callback WriteCallback) (models.WriteResponse, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "broadcast.Write")
	defer span.Finish()

	logger := ctxlogrus.Extract(ctx)

	if err := write.Durability.Validate(); err != nil {
		b.countWrite("invalid")
		return models.WriteResponse{}, err
	}

	if !b.branch.Birth.Region.Contains(write.Key) {
		b.countWrite("invalid")
		return models.WriteResponse{}, fmt.Errorf("key %q: %w", write.Key, commonerr.ErrOutOfRegion)
	}

	if err := b.acquire(ctx); err != nil {
		b.countWrite("interrupted")
		return models.WriteResponse{}, err
	}

	if b.demoted {
		b.unlock()
		b.countWrite("not_primary")
		return models.WriteResponse{}, commonerr.ErrNotPrimaryAnymore
	}

	if _, err := b.checkpoint.CheckWrite(token); err != nil {
		b.unlock()
		b.countWrite("invalid")
		return models.WriteResponse{}, err
	}

	ref := b.beginWrite(write, callback)
	w := ref.w
	target := b.pickReadable()

	var result chan dispatchResult
	var overflowed []overflowedUnit
	now := time.Now()
	for _, d := range append([]*Dispatchee(nil), b.attached...) {
		u := &dispatchUnit{
			write:     write,
			timestamp: w.timestamp,
			ref:       ref.clone(),
			ticket:    d.tickets.Issue(),
			queued:    now,
		}
		if d == target {
			result = make(chan dispatchResult, 1)
			u.result = result
		}

		if !d.enqueue(u) {
			if d == target {
				result = nil
			}
			b.unregister(d, "overflow")
			overflowed = append(overflowed, overflowedUnit{dispatchee: d, unit: u})
		}
	}
	b.unlock()

	span.SetTag("write.timestamp", w.timestamp.String())
	logger = logger.WithField("write.timestamp", w.timestamp.String())

	ref.release()
	for _, o := range overflowed {
		o.dispatchee.logger.WithError(commonerr.ErrQueueOverflow).WithField("reason", "overflow").Warn("dispatch queue full, detaching dispatchee")
		o.unit.ref.release()
		dontpanic.Go(o.dispatchee.stop)
	}

	if result != nil {
		select {
		case res := <-result:
			if res.err == nil {
				b.countWrite("ok")
				return res.response, nil
			}
			logger.WithError(res.err).Debug("answering replica lost, waiting for write to complete")
		case <-ctx.Done():
			b.countWrite("interrupted")
			return models.WriteResponse{Timestamp: w.timestamp}, fmt.Errorf("%w: waiting for write %s: %v", commonerr.ErrInterrupted, w.timestamp, ctx.Err())
		}
	}

	select {
	case <-w.ended:
	case <-ctx.Done():
		b.countWrite("interrupted")
		return models.WriteResponse{Timestamp: w.timestamp}, fmt.Errorf("%w: waiting for write %s: %v", commonerr.ErrInterrupted, w.timestamp, ctx.Err())
	}

	if response, ok := w.firstAcknowledgement(); ok {
		b.countWrite("ok")
		return response, nil
	}

	if target == nil {
		b.countWrite("no_readable")
		return models.WriteResponse{Timestamp: w.timestamp}, commonerr.ErrNoReadableReplica
	}

	b.countWrite("failed")
	return models.WriteResponse{Timestamp: w.timestamp}, fmt.Errorf("write %s: %w", w.timestamp, commonerr.ErrAllReplicasFailed)
}

func (b *Broadcaster) countWrite(result string) {
	b.metrics.WritesTotal.WithLabelValues(result).Inc()
}

func (b *Broadcaster) countRead(result string) {
	b.metrics.ReadsTotal.WithLabelValues(result).Inc()
}

// Read serves the read from a readable dispatchee. The replica is asked to
// serve it no earlier than the newest write acknowledged to any caller, so a
// caller always reads its own writes. A dispatchee whose replica fails the
// read is detached and the read is retried on another one.
func (b *Broadcaster) Read(ctx context.Context, read models.Read, token sequencer.OrderToken) (models.ReadResponse, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "broadcast.Read")
	defer span.Finish()

	logger := ctxlogrus.Extract(ctx)

	if !b.branch.Birth.Region.Contains(read.Key) {
		b.countRead("invalid")
		return models.ReadResponse{}, fmt.Errorf("key %q: %w", read.Key, commonerr.ErrOutOfRegion)
	}

	checked := false
	for {
		if err := b.acquire(ctx); err != nil {
			b.countRead("interrupted")
			return models.ReadResponse{}, err
		}

		if b.demoted {
			b.unlock()
			b.countRead("not_primary")
			return models.ReadResponse{}, commonerr.ErrNotPrimaryAnymore
		}

		if !checked {
			if _, err := b.checkpoint.CheckRead(token); err != nil {
				b.unlock()
				b.countRead("invalid")
				return models.ReadResponse{}, err
			}
			checked = true
		}

		fence := b.readFence()
		d := b.pickReadable()
		b.unlock()

		if d == nil {
			b.countRead("no_readable")
			return models.ReadResponse{}, commonerr.ErrNoReadableReplica
		}

		span.SetTag("read.fence", fence.String())

		var response models.ReadResponse
		var err error
		if panicErr := dontpanic.Recover(func() {
			response, err = d.replica.ApplyRead(ctx, read, fence)
		}); panicErr != nil {
			err = panicErr
		}

		if err == nil {
			b.countRead("ok")
			return response, nil
		}

		if ctx.Err() != nil {
			b.countRead("interrupted")
			return models.ReadResponse{}, fmt.Errorf("%w: reading at %s: %v", commonerr.ErrInterrupted, fence, ctx.Err())
		}

		logger.WithError(err).WithFields(logrus.Fields{
			"dispatchee.name": d.name,
			"read.fence":      fence.String(),
		}).Warn("read failed, retrying on another replica")
		b.lose(d, "read_failed", err)
	}
}

// Demote marks the broadcaster as superseded by another primary. Every
// dispatchee is detached, which ends every pending write. Any further
// operation fails with ErrNotPrimaryAnymore.
func (b *Broadcaster) Demote(ctx context.Context) error {
	if err := b.acquire(ctx); err != nil {
		return err
	}

	if b.demoted {
		b.unlock()
		return nil
	}
	b.demoted = true

	dispatchees := append([]*Dispatchee(nil), b.attached...)
	for _, d := range dispatchees {
		b.unregister(d, "demoted")
	}
	b.unlock()

	for _, d := range dispatchees {
		d.stop()
	}

	b.logger.WithField("detached", len(dispatchees)).Info("broadcaster demoted")
	return nil
}

// Readable returns the dispatchees which currently serve reads.
func (b *Broadcaster) Readable() []DispatcheeInfo {
	return b.readableView.get()
}

// WatchReadable returns a channel which receives the readable dispatchees
// whenever they change, starting with the current ones. A watcher which falls
// behind only receives the latest state. The channel is closed once ctx is
// done.
func (b *Broadcaster) WatchReadable(ctx context.Context) <-chan []DispatcheeInfo {
	return b.readableView.watch(ctx)
}

// Dispatchees returns the attached dispatchees in attach order.
func (b *Broadcaster) Dispatchees() []DispatcheeStatus {
	b.lockUninterruptible()
	defer b.unlock()

	statuses := make([]DispatcheeStatus, 0, len(b.attached))
	for _, d := range b.attached {
		statuses = append(statuses, DispatcheeStatus{
			DispatcheeInfo:   d.info(),
			Readable:         d.readable,
			LastAcknowledged: d.LastAcknowledged(),
		})
	}
	return statuses
}

// IncompleteWrites returns the number of writes not every dispatchee applied
// yet.
func (b *Broadcaster) IncompleteWrites() int {
	b.lockUninterruptible()
	defer b.unlock()
	return b.incomplete.Len()
}

// NewestAcknowledged returns the timestamp reads are currently fenced at.
func (b *Broadcaster) NewestAcknowledged() sequencer.Timestamp {
	return b.readFence()
}

// NewestComplete returns the newest timestamp every dispatchee applied.
func (b *Broadcaster) NewestComplete() sequencer.Timestamp {
	b.lockUninterruptible()
	defer b.unlock()
	return b.newestComplete
}

// CurrentTimestamp returns the timestamp of the newest accepted write.
func (b *Broadcaster) CurrentTimestamp() sequencer.Timestamp {
	b.lockUninterruptible()
	defer b.unlock()
	return b.sequencer.Current()
}
