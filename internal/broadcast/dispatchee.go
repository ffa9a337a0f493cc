package broadcast

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/broadcaster/internal/broadcast/commonerr"
	"gitlab.com/gitlab-org/broadcaster/internal/broadcast/models"
	"gitlab.com/gitlab-org/broadcaster/internal/broadcast/sequencer"
	"gitlab.com/gitlab-org/broadcaster/internal/dontpanic"
	"golang.org/x/sync/errgroup"
)

// DispatcheeID identifies an attached dispatchee.
type DispatcheeID uuid.UUID

func (id DispatcheeID) String() string { return uuid.UUID(id).String() }

// DispatcheeInfo describes a dispatchee to observers of the readable set.
type DispatcheeInfo struct {
	ID       DispatcheeID
	Name     string
	Priority int
}

// DispatcheeStatus is a point in time view of an attached dispatchee.
type DispatcheeStatus struct {
	DispatcheeInfo
	Readable         bool
	LastAcknowledged sequencer.Timestamp
}

// AttachOption configures a dispatchee when attaching a replica.
type AttachOption func(*attachOptions)

type attachOptions struct {
	name     string
	priority *int
	readable bool
}

// WithName names the dispatchee in logs, metrics and the health service. The
// dispatchee's ID is used if no name is given.
func WithName(name string) AttachOption {
	return func(o *attachOptions) { o.name = name }
}

// WithPriority sets the priority the dispatchee is picked with to serve reads
// and synchronous writes. Higher priorities are preferred.
func WithPriority(priority int) AttachOption {
	return func(o *attachOptions) { o.priority = &priority }
}

// WithReadable marks the dispatchee readable right away. This is only safe if
// the replica holds every write up to the start timestamp already.
func WithReadable() AttachOption {
	return func(o *attachOptions) { o.readable = true }
}

// dispatchUnit is a write queued on one dispatchee.
type dispatchUnit struct {
	write     models.Write
	timestamp sequencer.Timestamp
	// ref is nil for a catch-up write that was already ending when the
	// dispatchee attached.
	ref    *writeRef
	ticket sequencer.Ticket
	queued time.Time
	// result is set on the unit of the dispatchee answering the write's
	// caller.
	result chan dispatchResult
}

func (u *dispatchUnit) path() string {
	if u.result != nil {
		return "sync"
	}
	return "background"
}

// respond hands the outcome to the waiting caller, if any. Only the first
// outcome is delivered.
func (u *dispatchUnit) respond(result dispatchResult) {
	if u.result == nil {
		return
	}

	select {
	case u.result <- result:
	default:
	}
}

type dispatchResult struct {
	response models.WriteResponse
	err      error
}

// Dispatchee is the broadcaster's handle on one attached replica. Writes are
// queued on a bounded queue which a fixed number of workers drain. The workers
// apply the writes strictly in the order of the tickets the broadcaster issued
// them, which is timestamp order.
type Dispatchee struct {
	// lastAcked is accessed atomically.
	lastAcked uint64

	id       DispatcheeID
	name     string
	priority int
	replica  Replica
	owner    *Broadcaster
	logger   logrus.FieldLogger

	// readable and tickets are guarded by the owner's coordination lock.
	readable bool
	tickets  sequencer.TicketSource

	sink    *sequencer.TicketSink
	queue   chan *dispatchUnit
	ctx     context.Context
	cancel  context.CancelFunc
	workers *errgroup.Group

	abandonedMu sync.Mutex
	abandoned   []*dispatchUnit

	stopOnce sync.Once
}

func newDispatchee(owner *Broadcaster, replica Replica, opts attachOptions) *Dispatchee {
	id := DispatcheeID(uuid.New())
	name := opts.name
	if name == "" {
		name = id.String()
	}

	priority := owner.cfg.DefaultPriority
	if opts.priority != nil {
		priority = *opts.priority
	}

	ctx, cancel := context.WithCancel(context.Background())
	workers, ctx := errgroup.WithContext(ctx)

	return &Dispatchee{
		id:       id,
		name:     name,
		priority: priority,
		replica:  replica,
		owner:    owner,
		logger: owner.logger.WithFields(logrus.Fields{
			"dispatchee.id":   id.String(),
			"dispatchee.name": name,
		}),
		sink:    sequencer.NewTicketSink(),
		queue:   make(chan *dispatchUnit, owner.cfg.QueueCapacity),
		ctx:     ctx,
		cancel:  cancel,
		workers: workers,
	}
}

// ID returns the dispatchee's identity.
func (d *Dispatchee) ID() DispatcheeID { return d.id }

// Name returns the name the dispatchee was attached with.
func (d *Dispatchee) Name() string { return d.name }

// Priority returns the priority the dispatchee is picked with.
func (d *Dispatchee) Priority() int { return d.priority }

// LastAcknowledged returns the newest timestamp the replica acknowledged.
func (d *Dispatchee) LastAcknowledged() sequencer.Timestamp {
	return sequencer.Timestamp(atomic.LoadUint64(&d.lastAcked))
}

// Done is closed once the dispatchee stopped dispatching, either because it
// was detached or because its replica was lost.
func (d *Dispatchee) Done() <-chan struct{} {
	return d.ctx.Done()
}

func (d *Dispatchee) info() DispatcheeInfo {
	return DispatcheeInfo{ID: d.id, Name: d.name, Priority: d.priority}
}

func (d *Dispatchee) start(workers int) {
	for i := 0; i < workers; i++ {
		d.workers.Go(func() error {
			d.work()
			return nil
		})
	}
}

// enqueue queues the unit without blocking and returns false if the queue is
// full. Must be called with the coordination lock held, which keeps queue
// order equal to ticket order.
func (d *Dispatchee) enqueue(u *dispatchUnit) bool {
	select {
	case d.queue <- u:
		return true
	default:
		return false
	}
}

func (d *Dispatchee) work() {
	for {
		select {
		case <-d.ctx.Done():
			return
		case u := <-d.queue:
			d.process(u)
		}
	}
}

func (d *Dispatchee) process(u *dispatchUnit) {
	if err := d.sink.Enter(d.ctx, u.ticket); err != nil {
		d.abandon(u, err)
		return
	}
	defer d.sink.Exit(u.ticket)

	if err := d.ctx.Err(); err != nil {
		d.abandon(u, err)
		return
	}

	durability := u.write.Durability
	if durability == "" {
		durability = d.owner.cfg.Durability
	}

	var response models.WriteResponse
	var err error
	if panicErr := dontpanic.Recover(func() {
		response, err = d.replica.ApplyWrite(d.ctx, u.write, u.timestamp, durability)
	}); panicErr != nil {
		err = panicErr
	}

	if err != nil {
		// The replica missed this timestamp. Cancel before the deferred Exit
		// admits the next ticket so that no later write reaches it.
		failed := d.ctx.Err() == nil
		d.cancel()
		d.abandon(u, err)
		if failed {
			d.owner.lose(d, "apply_failed", err)
		}
		return
	}

	d.owner.metrics.DispatchDelay.WithLabelValues(u.path()).Observe(time.Since(u.queued).Seconds())
	d.recordAcknowledged(u.timestamp)

	if u.ref != nil {
		u.ref.w.ack(d.id, response)
	}

	if u.result != nil {
		d.owner.noteAcknowledged(u.timestamp)
		u.respond(dispatchResult{response: response})
	}

	d.logger.WithField("write.timestamp", u.timestamp.String()).Debug("write applied")

	// Releasing before exiting keeps this dispatchee's releases in ticket
	// order.
	u.ref.release()
}

func (d *Dispatchee) recordAcknowledged(ts sequencer.Timestamp) {
	for {
		last := atomic.LoadUint64(&d.lastAcked)
		if uint64(ts) <= last || atomic.CompareAndSwapUint64(&d.lastAcked, last, uint64(ts)) {
			return
		}
	}
}

// abandon parks a unit the dispatchee won't apply. Its reference is released
// when the dispatchee stops.
func (d *Dispatchee) abandon(u *dispatchUnit, cause error) {
	u.respond(dispatchResult{err: fmt.Errorf("%w: %v", commonerr.ErrDispatcheeDetached, cause)})

	d.abandonedMu.Lock()
	defer d.abandonedMu.Unlock()
	d.abandoned = append(d.abandoned, u)
}

// stop cancels the dispatchee's pending work and waits for its workers to
// exit. Every reference the dispatchee still holds is released without
// acknowledging the write. stop must be called without the coordination
// lock and never from one of the dispatchee's own workers. Calling it again
// waits for the first call to finish.
func (d *Dispatchee) stop() {
	d.stopOnce.Do(func() {
		d.cancel()
		_ = d.workers.Wait()

		d.abandonedMu.Lock()
		units := d.abandoned
		d.abandoned = nil
		d.abandonedMu.Unlock()

	drain:
		for {
			select {
			case u := <-d.queue:
				units = append(units, u)
			default:
				break drain
			}
		}

		sort.Slice(units, func(i, j int) bool { return units[i].ticket < units[j].ticket })

		detached := fmt.Errorf("%w: %s", commonerr.ErrDispatcheeDetached, d.name)
		for _, u := range units {
			u.respond(dispatchResult{err: detached})
			u.ref.release()
		}

		if len(units) > 0 {
			d.logger.WithField("abandoned", len(units)).Debug("released abandoned writes")
		}
	})
}
