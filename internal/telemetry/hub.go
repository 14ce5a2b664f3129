// Package telemetry fans published loop snapshots out to websocket clients and
// to UDP and MQTT sinks, off the control loop's goroutine.
package telemetry

import (
	"sync"

	"balancebot/internal/state"
)

// Hub fans snapshots out to any number of subscribers. It keeps the most recent
// value so new subscribers get an immediate sample. Publish never blocks: a
// subscriber whose buffer is full misses that snapshot.
type Hub struct {
	mu       sync.RWMutex
	subs     map[int]chan state.Snapshot
	nextID   int
	last     state.Snapshot
	haveLast bool
	dropped  uint64
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan state.Snapshot)}
}

func (h *Hub) Subscribe(buffer int) (int, <-chan state.Snapshot) {
	if h == nil {
		return 0, nil
	}
	if buffer <= 0 {
		buffer = 2
	}
	ch := make(chan state.Snapshot, buffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	last := h.last
	have := h.haveLast
	h.mu.Unlock()
	if have {
		select {
		case ch <- last:
		default:
		}
	}
	return id, ch
}

func (h *Hub) Unsubscribe(id int) {
	if h == nil {
		return
	}
	h.mu.Lock()
	ch, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
		close(ch)
	}
	h.mu.Unlock()
}

func (h *Hub) Publish(s state.Snapshot) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- s:
		default:
			h.dropped++
		}
	}
	h.last = s
	h.haveLast = true
}

// Last returns the most recent snapshot, if any.
func (h *Hub) Last() (state.Snapshot, bool) {
	if h == nil {
		return state.Snapshot{}, false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.last, h.haveLast
}

func (h *Hub) Subscribers() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped counts snapshots not delivered to a full subscriber.
func (h *Hub) Dropped() uint64 {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}
