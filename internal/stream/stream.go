package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"clubkit.org/internal/membership"
)

type subscriber struct {
	tenantID string
	ch       chan membership.Event
}

// Stream fans membership events out to live subscribers (SSE clients).
type Stream struct {
	mu      sync.RWMutex
	subs    map[int]subscriber
	next    int
	dropped atomic.Int64
}

var _ membership.Notifier = (*Stream)(nil)

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber for tenantID and returns a channel which will
// receive that tenant's events. The channel is closed when ctx ends.
func (s *Stream) Subscribe(ctx context.Context, tenantID string) <-chan membership.Event {
	ch := make(chan membership.Event, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{tenantID: tenantID, ch: ch}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Notify publishes evt to the subscribers of its tenant.
func (s *Stream) Notify(_ context.Context, evt membership.Event) {
	s.Publish(evt)
}

// Publish fans the event out to subscribers of the event's tenant.
func (s *Stream) Publish(evt membership.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.tenantID != evt.TenantID {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// slow subscriber
			s.dropped.Add(1)
		}
	}
}

// Subscribers reports the number of live subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Dropped reports how many events were skipped for slow subscribers.
func (s *Stream) Dropped() int64 {
	return s.dropped.Load()
}
