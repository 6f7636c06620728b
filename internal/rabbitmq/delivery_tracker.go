package rabbitmq

import (
	"sync"
)

// DeliveryTracker keeps the ledger of deliveries received on one channel.
// Tags must arrive strictly increasing, at most limit may be outstanding,
// and each tag may be acknowledged once.
type DeliveryTracker struct {
	mu       sync.Mutex
	limit    int
	pending  map[uint64]struct{}
	lastTag  uint64
	received uint64
	acked    uint64
}

// NewDeliveryTracker creates a tracker for a channel with the given
// prefetch. A zero limit disables the outstanding bound.
func NewDeliveryTracker(limit uint16) *DeliveryTracker {
	return &DeliveryTracker{
		limit:   int(limit),
		pending: make(map[uint64]struct{}),
	}
}

// Track records a received delivery.
func (t *DeliveryTracker) Track(tag uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tag <= t.lastTag {
		return ErrDeliveryTagOrder
	}
	if t.limit > 0 && len(t.pending) >= t.limit {
		return ErrPrefetchExceeded
	}

	t.lastTag = tag
	t.pending[tag] = struct{}{}
	t.received++
	return nil
}

// Ack releases tag. Unknown tags and tags already acknowledged are
// rejected with ErrUnknownDeliveryTag.
func (t *DeliveryTracker) Ack(tag uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.pending[tag]; !ok {
		return ErrUnknownDeliveryTag
	}
	delete(t.pending, tag)
	t.acked++
	return nil
}

// Outstanding returns the number of received, unacknowledged deliveries
func (t *DeliveryTracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Stats returns how many deliveries were received and acknowledged
func (t *DeliveryTracker) Stats() (received, acked uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.received, t.acked
}
