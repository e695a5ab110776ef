package audit

import (
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/ssd-technologies/ilshield/internal/storage"
)

var log = logrus.WithField("component", "audit")

// Hub fans committed audit records out to live subscribers. A subscriber
// that falls behind loses records rather than stalling the ledger; it can
// catch up from the log by index.
type Hub struct {
	mu   sync.Mutex
	subs map[chan storage.AuditRecord]struct{}
	size int
}

// NewHub creates a hub whose subscriber channels buffer size records.
func NewHub(size int) *Hub {
	if size <= 0 {
		size = 64
	}
	return &Hub{subs: make(map[chan storage.AuditRecord]struct{}), size: size}
}

// Subscribe registers a subscriber. The returned cancel func unregisters it
// and closes the channel.
func (h *Hub) Subscribe() (<-chan storage.AuditRecord, func()) {
	ch := make(chan storage.AuditRecord, h.size)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers rec to every subscriber without blocking.
func (h *Hub) Publish(rec storage.AuditRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- rec:
		default:
			log.Warnf("[audit] subscriber behind, dropped record %d", rec.Index)
		}
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
