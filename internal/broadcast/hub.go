// Package broadcast fans registry snapshots out to live observers at a
// bounded rate.
package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/banshee-data/lanecount/internal/lane"
)

// Hub coalesces change notifications and publishes at most one snapshot per
// minimum interval. Slow subscribers only ever see the newest snapshot.
type Hub struct {
	source  func() lane.Snapshot
	limiter *rate.Limiter
	notify  chan struct{}

	mu     sync.Mutex
	subs   map[string]chan lane.Snapshot
	closed bool
}

// NewHub creates a hub that reads snapshots from source. A minInterval of
// zero disables throttling.
func NewHub(source func() lane.Snapshot, minInterval time.Duration) *Hub {
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	return &Hub{
		source:  source,
		limiter: rate.NewLimiter(limit, 1),
		notify:  make(chan struct{}, 1),
		subs:    make(map[string]chan lane.Snapshot),
	}
}

// Notify marks the state as changed. It never blocks.
func (h *Hub) Notify() {
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

// Subscribe registers an observer. The returned channel already holds the
// current snapshot.
func (h *Hub) Subscribe() (string, <-chan lane.Snapshot) {
	id := uuid.NewString()
	ch := make(chan lane.Snapshot, 1)

	h.mu.Lock()
	defer h.mu.Unlock()
	ch <- h.source()
	if h.closed {
		close(ch)
		return id, ch
	}
	h.subs[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscriber channel.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// Subscribers returns the number of registered observers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Run publishes snapshots until ctx is cancelled, then closes all
// subscriber channels.
func (h *Hub) Run(ctx context.Context) error {
	defer h.close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.notify:
		}
		if err := h.limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}
		h.publish()
	}
}

// publish reads the source under h.mu so a concurrent Subscribe is either
// included or seeded after this snapshot.
func (h *Hub) publish() {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := h.source()
	for _, ch := range h.subs {
		// Replace a stale pending snapshot rather than block.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func (h *Hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
