// Package observer implements the non-blocking, bounded observer channel of
// spec §5: a single LiveEvent stream fanned out to any
// number of subscribers (the /api/activity/live SSE handler chief among
// them), each with its own drop-oldest bounded buffer so one slow reader can
// never back-pressure request processing. It is not lock-free: the
// subscriber set is guarded by a sync.RWMutex, and Publish holds its read
// lock while it delivers to each subscriber's buffer.
package observer

import (
	"context"
	"sync"

	"github.com/lucia-home/lucia/runtime/lucia"
)

// Capacity is the per-subscriber channel depth (§5: "bounded capacity 100
// drop-oldest").
const Capacity = 100

// Hub publishes LiveEvents to any number of subscribers. Publish never
// blocks: a subscriber that falls behind has its oldest buffered event
// dropped to make room for the new one.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[int]chan lucia.LiveEvent
	nextID      int
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[int]chan lucia.LiveEvent)}
}

// Publish implements executor.EventSink, fanning ev out to every current
// subscriber without blocking the caller.
func (h *Hub) Publish(ev lucia.LiveEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subscribers {
		select {
		case ch <- ev:
		default:
			// Buffer full: drop the oldest entry and retry once, never blocking.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Subscribe registers a new subscriber and returns its event channel plus an
// unsubscribe function. The channel is closed when ctx is done or Unsubscribe
// is called, whichever comes first.
func (h *Hub) Subscribe(ctx context.Context) (<-chan lucia.LiveEvent, func()) {
	ch := make(chan lucia.LiveEvent, Capacity)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subscribers[id] = ch
	h.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, id)
			h.mu.Unlock()
			close(ch)
		})
	}

	if ctx != nil {
		go func() {
			<-ctx.Done()
			unsubscribe()
		}()
	}

	return ch, unsubscribe
}
