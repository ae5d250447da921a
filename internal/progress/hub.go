package progress

import (
	"sync"

	"github.com/cwygoda/fetchd/internal/domain"
)

// subscriber channel depth. A subscriber that falls further behind
// drops events; authoritative state is always in the repository.
const subscriberBuffer = 16

// Hub fans progress events out to live subscribers, one channel per
// subscription. Delivery is best-effort and at-most-once; there is no
// backlog replay. Safe for concurrent use.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan domain.Event]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan domain.Event]struct{})}
}

// Subscribe registers for events of one job. The returned channel
// receives events published after this call and is closed after a
// terminal event, on CloseJob, or when cancel is invoked. cancel is
// idempotent and safe to call concurrently with Publish.
func (h *Hub) Subscribe(jobID string) (<-chan domain.Event, func()) {
	ch := make(chan domain.Event, subscriberBuffer)

	h.mu.Lock()
	set, ok := h.subs[jobID]
	if !ok {
		set = make(map[chan domain.Event]struct{})
		h.subs[jobID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			h.remove(jobID, ch)
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish broadcasts an event to current subscribers of the job. It
// never blocks: a subscriber with a full buffer misses the event. A
// terminal event closes all subscriber channels after delivery.
func (h *Hub) Publish(jobID string, ev domain.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subs[jobID]
	if !ok {
		return
	}
	for ch := range set {
		select {
		case ch <- ev:
		default:
		}
	}
	if ev.Type.Terminal() {
		for ch := range set {
			h.remove(jobID, ch)
		}
	}
}

// CloseJob drops all subscribers of a job, closing their channels.
// Used when the job itself is deleted.
func (h *Hub) CloseJob(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[jobID] {
		h.remove(jobID, ch)
	}
}

// remove must be called with h.mu held. Closing inside the lock keeps
// double-close impossible: a channel is removed from the set exactly
// once.
func (h *Hub) remove(jobID string, ch chan domain.Event) {
	set, ok := h.subs[jobID]
	if !ok {
		return
	}
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	close(ch)
	if len(set) == 0 {
		delete(h.subs, jobID)
	}
}
