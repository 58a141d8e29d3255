package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
)

// subscriberBuffer is the per-subscriber channel depth. A consumer that
// falls further behind than this loses events instead of stalling the
// run publishing them.
const subscriberBuffer = 64

// subscriber is one registered consumer: its delivery channel, its
// filter, and a guard so cancel is safe to call more than once.
type subscriber struct {
	ch     chan StreamEvent
	filter EventFilter
	closed sync.Once
}

func (s *subscriber) wants(e StreamEvent) bool {
	if s.filter.ExecutionID != "" && s.filter.ExecutionID != e.ExecutionID {
		return false
	}
	return len(s.filter.EventTypes) == 0 || slices.Contains(s.filter.EventTypes, e.EventType)
}

// MemoryHub is an in-process EventHub fanning events out over buffered
// channels. Delivery is lossy under backpressure; the dropped counter
// records how many events never reached a subscriber.
type MemoryHub struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	nextID  atomic.Uint64
	dropped atomic.Uint64
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		subs: make(map[uint64]*subscriber),
	}
}

// Publish fans the event out to every subscriber whose filter matches.
// Never blocks: a subscriber with a full buffer loses the event.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !sub.wants(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a consumer for events matching the filter. The
// cancel function deregisters the subscriber and closes its channel, so
// a ranging consumer terminates cleanly; calling it again is a no-op.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.nextID.Add(1)
	sub := &subscriber{
		ch:     make(chan StreamEvent, subscriberBuffer),
		filter: filter,
	}

	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()

	cancel := func() {
		sub.closed.Do(func() {
			// Closing under the write lock: publishers send while
			// holding the read lock, so none can be mid-send here.
			h.mu.Lock()
			delete(h.subs, id)
			close(sub.ch)
			h.mu.Unlock()
		})
	}

	return sub.ch, cancel, nil
}

// Dropped reports how many events were discarded because a subscriber's
// buffer was full.
func (h *MemoryHub) Dropped() uint64 {
	return h.dropped.Load()
}
