package sequencer

import (
	"context"
	"fmt"
	"sync"
)

// Ticket is a delivery slot on one dispatchee. Tickets of a dispatchee are
// issued in timestamp order and entered in ticket order.
type Ticket uint64

// TicketSource issues the delivery tickets of one dispatchee. Callers must
// serialize access.
type TicketSource struct {
	next Ticket
}

// Issue returns the next ticket.
func (s *TicketSource) Issue() Ticket {
	t := s.next
	s.next++
	return t
}

// TicketSink admits ticket holders one at a time, in ticket order. It is safe
// for concurrent use.
type TicketSink struct {
	m       sync.Mutex
	next    Ticket
	waiters map[Ticket]chan struct{}
}

// NewTicketSink returns a sink admitting the first ticket of a fresh
// TicketSource.
func NewTicketSink() *TicketSink {
	return &TicketSink{waiters: make(map[Ticket]chan struct{})}
}

// Enter blocks until every ticket before t has exited. It returns the
// context's error if the context is done first, in which case the caller does
// not hold the turn and must not call Exit.
func (s *TicketSink) Enter(ctx context.Context, t Ticket) error {
	s.m.Lock()
	if t == s.next {
		s.m.Unlock()
		return nil
	}

	if t < s.next {
		s.m.Unlock()
		return fmt.Errorf("ticket %d already passed, sink is at %d", t, s.next)
	}

	turn := make(chan struct{})
	s.waiters[t] = turn
	s.m.Unlock()

	select {
	case <-turn:
		return nil
	case <-ctx.Done():
	}

	s.m.Lock()
	defer s.m.Unlock()

	select {
	case <-turn:
		// The turn was handed over while we were giving up. Pass it on so
		// that later tickets don't wait forever.
		s.advance()
	default:
		delete(s.waiters, t)
	}

	return ctx.Err()
}

// Exit ends the turn of t and admits the next ticket.
func (s *TicketSink) Exit(t Ticket) {
	s.m.Lock()
	defer s.m.Unlock()

	if t != s.next {
		panic(fmt.Sprintf("ticket %d exited out of turn, sink is at %d", t, s.next))
	}

	s.advance()
}

func (s *TicketSink) advance() {
	s.next++
	if turn, ok := s.waiters[s.next]; ok {
		delete(s.waiters, s.next)
		close(turn)
	}
}

// Next returns the ticket that currently holds or is about to receive the turn.
func (s *TicketSink) Next() Ticket {
	s.m.Lock()
	defer s.m.Unlock()
	return s.next
}
