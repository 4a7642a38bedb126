package download

import (
	"sync"
	"time"
)

// throttle forwards at most one value per interval. Values arriving inside
// the window are dropped; callers write the final state separately.
type throttle struct {
	interval time.Duration
	now      func() time.Time
	fn       func(int64)

	mu      sync.Mutex
	last    time.Time
	stopped bool
}

func newThrottle(interval time.Duration, now func() time.Time, fn func(int64)) *throttle {
	return &throttle{interval: interval, now: now, fn: fn}
}

func (t *throttle) Update(v int64) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	now := t.now()
	if !t.last.IsZero() && now.Sub(t.last) < t.interval {
		t.mu.Unlock()
		return
	}
	t.last = now
	t.mu.Unlock()

	t.fn(v)
}

// Stop drops every later update.
func (t *throttle) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}
