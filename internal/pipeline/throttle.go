package pipeline

import (
	"sync"
	"time"
)

const (
	persistLogEvery   = 30 * time.Second
	throttleCompactAt = 1024
)

// logThrottle lets one log line per key through per interval so a database
// outage at meter rate does not flood the log.
type logThrottle struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func newLogThrottle() *logThrottle {
	return &logThrottle{last: make(map[string]time.Time)}
}

func (c *logThrottle) Allow(key string, now time.Time, every time.Duration) bool {
	if every <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.last[key]; ok && now.Sub(ts) < every {
		return false
	}
	c.last[key] = now
	if len(c.last) > throttleCompactAt {
		for k, ts := range c.last {
			if now.Sub(ts) >= every {
				delete(c.last, k)
			}
		}
	}
	return true
}

func (c *logThrottle) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.last)
}
