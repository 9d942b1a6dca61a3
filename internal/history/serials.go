package history

import (
	"time"

	"flowguard/internal/model"
)

const defaultSerialLimit = 5000

// serialIndex is guarded by the owning Buffer's lock.
type serialIndex struct {
	byserial  map[string]model.Reading
	updatedAt map[string]time.Time
	limit     int
}

func newSerialIndex(limit int) *serialIndex {
	if limit <= 0 {
		limit = defaultSerialLimit
	}
	return &serialIndex{
		byserial:  make(map[string]model.Reading),
		updatedAt: make(map[string]time.Time),
		limit:     limit,
	}
}

func (s *serialIndex) put(r model.Reading, now time.Time) {
	s.byserial[r.Serial] = r
	s.updatedAt[r.Serial] = now
	if len(s.byserial) > s.limit {
		s.evictOldest()
	}
}

func (s *serialIndex) get(serial string) (model.Reading, time.Time, bool) {
	r, ok := s.byserial[serial]
	if !ok {
		return model.Reading{}, time.Time{}, false
	}
	return r, s.updatedAt[serial], true
}

func (s *serialIndex) all() map[string]model.Reading {
	out := make(map[string]model.Reading, len(s.byserial))
	for k, v := range s.byserial {
		out[k] = v
	}
	return out
}

func (s *serialIndex) evictOldest() {
	var oldestSerial string
	var oldest time.Time
	for serial, ts := range s.updatedAt {
		if oldestSerial == "" || ts.Before(oldest) {
			oldestSerial = serial
			oldest = ts
		}
	}
	if oldestSerial != "" {
		delete(s.byserial, oldestSerial)
		delete(s.updatedAt, oldestSerial)
	}
}
