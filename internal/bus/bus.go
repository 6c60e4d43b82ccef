package bus

import (
	"sync"
	"sync/atomic"

	"github.com/fetchq/fetchq/internal/domain"
)

const defaultBuffer = 64

// Filter restricts a subscription to a single job and/or a set of event
// kinds. Zero values match everything.
type Filter struct {
	JobID string
	Kinds []domain.EventKind
}

func (f Filter) matches(ev domain.Event) bool {
	if f.JobID != "" && f.JobID != ev.JobID {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if k == ev.Kind {
			return true
		}
	}
	return false
}

// Subscription is a live event stream. Close releases it immediately;
// after Close the channel is drained and closed.
type Subscription struct {
	bus    *Bus
	filter Filter
	ch     chan domain.Event
	once   sync.Once
}

// Events returns the receive side of the stream.
func (s *Subscription) Events() <-chan domain.Event {
	return s.ch
}

// Close unsubscribes and closes the event channel. Removal and close
// happen under the bus lock so an in-flight Publish can never hit a
// closed channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		close(s.ch)
		s.bus.mu.Unlock()
	})
}

// Bus is an in-process publish/subscribe fan-out for job lifecycle
// events. Publishing never blocks: a subscriber whose buffer is full
// loses the event instead of stalling the worker.
type Bus struct {
	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	buffer  int
	dropped atomic.Int64
}

// New creates an event bus with the given per-subscriber buffer size;
// size <= 0 uses the default.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Bus{subs: make(map[*Subscription]struct{}), buffer: buffer}
}

// Subscribe registers a listener. Events for a single job arrive in
// emission order as long as the subscriber keeps up.
func (b *Bus) Subscribe(f Filter) *Subscription {
	sub := &Subscription{bus: b, filter: f, ch: make(chan domain.Event, b.buffer)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Publish delivers ev to all matching subscribers, best effort. The
// fan-out happens under the subscriber lock, but every send is
// non-blocking, so a slow subscriber costs the publisher nothing.
func (b *Bus) Publish(ev domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		if !sub.filter.matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many events were discarded because of slow
// subscribers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
