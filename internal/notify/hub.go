package notify

import (
	"sync"

	"github.com/zulandar/buildbay/internal/models"
)

// subscriberBuffer is the per-subscriber channel capacity. A subscriber whose
// buffer is full misses events rather than stalling the publisher.
const subscriberBuffer = 16

// Hub fans notifications out to live per-owner subscribers. Subscribers only
// see notifications published while subscribed; there is no replay, the
// durable record is the pull API.
type Hub struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[string]map[uint64]chan models.Notification
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[uint64]chan models.Notification)}
}

// Subscribe registers a live stream for an owner. The returned cancel func
// removes the subscription and closes the channel; it is safe to call twice.
func (h *Hub) Subscribe(ownerID string) (<-chan models.Notification, func()) {
	ch := make(chan models.Notification, subscriberBuffer)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	if h.subs[ownerID] == nil {
		h.subs[ownerID] = make(map[uint64]chan models.Notification)
	}
	h.subs[ownerID][id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[ownerID], id)
			if len(h.subs[ownerID]) == 0 {
				delete(h.subs, ownerID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Broadcast delivers a notification to every live subscriber of its owner.
// Never blocks: subscribers that cannot keep up are skipped.
func (h *Hub) Broadcast(n models.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[n.OwnerID] {
		select {
		case ch <- n:
		default:
		}
	}
}

// Subscribers returns the number of live subscriptions for an owner.
func (h *Hub) Subscribers(ownerID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[ownerID])
}
