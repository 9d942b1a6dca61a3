package alerts

import (
	"sync"
	"time"

	"flowguard/internal/model"
)

// Recent keeps the last raised alerts in memory so they can be listed
// when no database is configured.
type Recent struct {
	mu    sync.RWMutex
	ring  []model.Alert
	next  int
	count int
}

func NewRecent(limit int) *Recent {
	if limit <= 0 {
		limit = 1000
	}
	return &Recent{ring: make([]model.Alert, limit)}
}

func (s *Recent) Add(alert model.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring[s.next] = alert
	s.next = (s.next + 1) % len(s.ring)
	if s.count < len(s.ring) {
		s.count++
	}
}

// List returns up to limit alerts, newest first. A non-zero since drops alerts
// detected before it; limit <= 0 means no limit.
func (s *Recent) List(limit int, since time.Time) []model.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Alert, 0)
	for i := 0; i < s.count; i++ {
		if limit > 0 && len(out) == limit {
			break
		}
		a := s.ring[(s.next-1-i+len(s.ring))%len(s.ring)]
		if !since.IsZero() && a.DetectedAt.Before(since) {
			continue
		}
		out = append(out, a)
	}
	return out
}

func (s *Recent) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}
