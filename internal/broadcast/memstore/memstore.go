// Package memstore provides an in-memory replica of a branch. It applies
// writes strictly in timestamp order and serves reads once it caught up with
// the read's fence.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"gitlab.com/gitlab-org/broadcaster/internal/broadcast/commonerr"
	"gitlab.com/gitlab-org/broadcaster/internal/broadcast/models"
	"gitlab.com/gitlab-org/broadcaster/internal/broadcast/sequencer"
)

// WriteHook is called before a write is applied. Returning an error fails the
// write with it.
type WriteHook func(ctx context.Context, write models.Write, ts sequencer.Timestamp) error

// Option configures a Store.
type Option func(*Store)

// WithWriteHook installs a hook called before every write.
func WithWriteHook(hook WriteHook) Option {
	return func(s *Store) { s.hook = hook }
}

// Pending creates the store waiting for a backfill. Writes block until
// Backfill completed.
func Pending() Option {
	return func(s *Store) { s.ready = make(chan struct{}) }
}

// Applied describes one write the store applied.
type Applied struct {
	Timestamp  sequencer.Timestamp
	Key        string
	Durability models.Durability
}

// Store is a versioned in-memory key value replica.
type Store struct {
	hook WriteHook
	// ready is closed once the store holds data it can apply writes on top
	// of.
	ready     chan struct{}
	readyOnce sync.Once

	m       sync.Mutex
	data    map[string][]byte
	applied sequencer.Timestamp
	closed  bool
	// changed is closed and replaced whenever applied advances or the store
	// gets closed.
	changed chan struct{}
	history []Applied
}

// New creates an empty store which has applied everything up to initial.
func New(initial sequencer.Timestamp, opts ...Option) *Store {
	s := &Store{
		data:    make(map[string][]byte),
		applied: initial,
		changed: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.ready == nil {
		s.ready = make(chan struct{})
		s.markReady()
	}

	return s
}

// notify must be called with s.m held.
func (s *Store) notify() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// ApplyWrite applies the write at ts. Writes at or below the applied
// timestamp were applied before and are acknowledged without change. A write
// skipping over a timestamp fails with a commonerr.TimestampGapError.
func (s *Store) ApplyWrite(ctx context.Context, write models.Write, ts sequencer.Timestamp, durability models.Durability) (models.WriteResponse, error) {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return models.WriteResponse{}, ctx.Err()
	}

	if s.hook != nil {
		if err := s.hook(ctx, write, ts); err != nil {
			return models.WriteResponse{}, err
		}
	}

	s.m.Lock()
	defer s.m.Unlock()

	if s.closed {
		return models.WriteResponse{}, commonerr.ErrReplicaLost
	}

	if ts <= s.applied {
		_, existed := s.data[write.Key]
		return models.WriteResponse{Timestamp: ts, Existed: existed}, nil
	}

	if ts != s.applied.Next() {
		return models.WriteResponse{}, commonerr.NewTimestampGapError(uint64(s.applied), uint64(ts))
	}

	_, existed := s.data[write.Key]
	if write.Delete {
		delete(s.data, write.Key)
	} else {
		s.data[write.Key] = append([]byte(nil), write.Value...)
	}

	s.applied = ts
	s.history = append(s.history, Applied{Timestamp: ts, Key: write.Key, Durability: durability})
	s.notify()

	return models.WriteResponse{Timestamp: ts, Existed: existed}, nil
}

// ApplyRead waits until the store applied minTimestamp and reads the key.
func (s *Store) ApplyRead(ctx context.Context, read models.Read, minTimestamp sequencer.Timestamp) (models.ReadResponse, error) {
	for {
		s.m.Lock()
		if s.closed {
			s.m.Unlock()
			return models.ReadResponse{}, commonerr.ErrReplicaLost
		}

		if s.applied >= minTimestamp {
			value, found := s.data[read.Key]
			response := models.ReadResponse{
				Key:       read.Key,
				Value:     append([]byte(nil), value...),
				Found:     found,
				Timestamp: s.applied,
			}
			s.m.Unlock()
			return response, nil
		}

		changed := s.changed
		s.m.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return models.ReadResponse{}, ctx.Err()
		}
	}
}

// Backfill copies the data of source once it applied at least min, and
// returns the timestamp the copy was taken at. A pending store starts
// applying writes afterwards.
func (s *Store) Backfill(ctx context.Context, source *Store, min sequencer.Timestamp) (sequencer.Timestamp, error) {
	if _, err := source.ApplyRead(ctx, models.Read{}, min); err != nil {
		return 0, fmt.Errorf("backfill: %w", err)
	}

	data, at := source.Snapshot()

	s.m.Lock()
	if s.closed {
		s.m.Unlock()
		return 0, commonerr.ErrReplicaLost
	}
	if at > s.applied {
		s.data = data
		s.applied = at
		s.notify()
	}
	s.m.Unlock()

	s.markReady()

	return at, nil
}

func (s *Store) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// Snapshot returns a copy of the data and the timestamp it was applied up to.
func (s *Store) Snapshot() (map[string][]byte, sequencer.Timestamp) {
	s.m.Lock()
	defer s.m.Unlock()

	data := make(map[string][]byte, len(s.data))
	for key, value := range s.data {
		data[key] = append([]byte(nil), value...)
	}
	return data, s.applied
}

// AppliedTimestamp returns the newest timestamp the store applied.
func (s *Store) AppliedTimestamp() sequencer.Timestamp {
	s.m.Lock()
	defer s.m.Unlock()
	return s.applied
}

// History returns the writes the store applied, in the order it applied
// them. Backfilled data has no history.
func (s *Store) History() []Applied {
	s.m.Lock()
	defer s.m.Unlock()
	return append([]Applied(nil), s.history...)
}

// Get returns the value of key.
func (s *Store) Get(key string) ([]byte, bool) {
	s.m.Lock()
	defer s.m.Unlock()
	value, ok := s.data[key]
	return append([]byte(nil), value...), ok
}

// Close makes the store fail every further call with
// commonerr.ErrReplicaLost, as if the replica went away.
func (s *Store) Close() {
	s.m.Lock()
	defer s.m.Unlock()

	if !s.closed {
		s.closed = true
		s.notify()
	}
}
