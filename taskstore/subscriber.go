package taskstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/AltairaLabs/agentgate/a2a"
)

// ErrSubscriberClosed is returned by Next after Close.
var ErrSubscriberClosed = errors.New("taskstore: subscriber closed")

// Update is one task change delivered to a subscriber. Task is a snapshot of
// the record after the change was applied; Response describes the change
// itself in the shape webhook and SSE consumers expect.
type Update struct {
	Task     *a2a.Task
	Response *a2a.StreamResponse
	Terminal bool
}

// Subscriber receives updates for a single task id. Its queue is bounded:
// when saturated, the oldest pending non-terminal update is dropped and the
// lag counter incremented. Terminal updates are never dropped.
type Subscriber struct {
	mu     sync.Mutex
	queue  []Update
	max    int
	closed bool
	ready  chan struct{}
	lag    atomic.Int64
}

func newSubscriber(queueSize int) *Subscriber {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Subscriber{
		max:   queueSize,
		ready: make(chan struct{}, 1),
	}
}

// push enqueues an update, applying the backpressure policy. It never blocks.
// Reports whether an older update was dropped to make room.
func (s *Subscriber) push(u Update) (dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if len(s.queue) >= s.max {
		// Drop the oldest non-terminal entry. Terminal updates keep their
		// slot: nothing is ever broadcast after one, so preserving it is
		// what guarantees delivery.
		idx := -1
		for i := range s.queue {
			if !s.queue[i].Terminal {
				idx = i
				break
			}
		}
		if idx >= 0 {
			s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
			s.lag.Add(1)
			dropped = true
		}
	}
	s.queue = append(s.queue, u)
	s.notify()
	return dropped
}

func (s *Subscriber) notify() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Next returns the next pending update, blocking until one arrives, the
// context is canceled, or the subscriber is closed.
func (s *Subscriber) Next(ctx context.Context) (Update, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			u := s.queue[0]
			s.queue = s.queue[1:]
			if len(s.queue) > 0 {
				s.notify()
			}
			s.mu.Unlock()
			return u, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Update{}, ErrSubscriberClosed
		}

		select {
		case <-s.ready:
		case <-ctx.Done():
			return Update{}, ctx.Err()
		}
	}
}

// Lag reports how many updates were dropped due to queue saturation.
func (s *Subscriber) Lag() int64 { return s.lag.Load() }

// Close marks the subscriber closed and wakes any blocked Next. Pending
// updates are still drained before Next reports ErrSubscriberClosed.
func (s *Subscriber) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.notify()
}
