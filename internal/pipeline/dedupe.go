package pipeline

import (
	"sync"
	"time"

	"flowguard/internal/model"
)

type seenReading struct {
	r  model.Reading
	at time.Time
}

// dedupeCache remembers identical readings for one window, e.g. the same meter
// publish delivered through overlapping topic subscriptions. Entries expire in
// arrival order.
type dedupeCache struct {
	mu    sync.Mutex
	seen  map[model.Reading]time.Time
	order []seenReading
}

func newDedupeCache() *dedupeCache {
	return &dedupeCache{seen: make(map[model.Reading]time.Time)}
}

func (d *dedupeCache) Seen(r model.Reading, now time.Time, window time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expire(now, window)
	if at, ok := d.seen[r]; ok && now.Sub(at) <= window {
		return true
	}
	d.seen[r] = now
	d.order = append(d.order, seenReading{r: r, at: now})
	return false
}

func (d *dedupeCache) expire(now time.Time, window time.Duration) {
	n := 0
	for n < len(d.order) && now.Sub(d.order[n].at) > window {
		old := d.order[n]
		if at, ok := d.seen[old.r]; ok && at.Equal(old.at) {
			delete(d.seen, old.r)
		}
		n++
	}
	if n > 0 {
		d.order = append(d.order[:0], d.order[n:]...)
	}
}

func (d *dedupeCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
