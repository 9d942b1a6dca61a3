// Package history keeps the recent readings in memory: a fixed-capacity ring of
// history entries, the last reading received and the last reading per serial.
package history

import (
	"sync"
	"time"

	"flowguard/internal/model"
)

const DefaultCapacity = 1000

type Buffer struct {
	mu      sync.RWMutex
	entries []model.HistoryEntry
	head    int
	size    int

	latest    model.Reading
	hasLatest bool
	bySerial  *serialIndex
}

func NewBuffer(capacity, serialLimit int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		entries:  make([]model.HistoryEntry, capacity),
		bySerial: newSerialIndex(serialLimit),
	}
}

// Append adds e at the tail, overwriting the oldest entry once full.
func (b *Buffer) Append(e model.HistoryEntry) {
	b.mu.Lock()
	b.appendLocked(e)
	b.mu.Unlock()
}

// Record appends the reading's entry and replaces the last value in one step.
func (b *Buffer) Record(r model.Reading) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.appendLocked(r.Entry())
	b.latest = r
	b.hasLatest = true
	if r.Serial != "" {
		b.bySerial.put(r, time.Now().UTC())
	}
}

func (b *Buffer) appendLocked(e model.HistoryEntry) {
	capacity := len(b.entries)
	if b.size < capacity {
		b.entries[(b.head+b.size)%capacity] = e
		b.size++
		return
	}
	b.entries[b.head] = e
	b.head = (b.head + 1) % capacity
}

// Snapshot returns up to limit most recent entries, oldest first. limit <= 0 means all.
func (b *Buffer) Snapshot(limit int) []model.HistoryEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if limit <= 0 || limit > b.size {
		limit = b.size
	}
	out := make([]model.HistoryEntry, limit)
	start := b.size - limit
	capacity := len(b.entries)
	for i := 0; i < limit; i++ {
		out[i] = b.entries[(b.head+start+i)%capacity]
	}
	return out
}

func (b *Buffer) Latest() (model.Reading, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.latest, b.hasLatest
}

func (b *Buffer) LatestFor(serial string) (model.Reading, time.Time, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bySerial.get(serial)
}

func (b *Buffer) Serials() map[string]model.Reading {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bySerial.all()
}

func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

func (b *Buffer) Cap() int {
	return len(b.entries)
}

func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.size = 0
	b.latest = model.Reading{}
	b.hasLatest = false
	b.bySerial = newSerialIndex(b.bySerial.limit)
}
