package scanner

import (
	"sync"
	"time"
)

// Throttle tracks scan start times inside a rolling window and computes how long
// the next start has to wait so that no more than max starts fall inside it.
type Throttle struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	starts []time.Time
}

// NewThrottle creates a Throttle allowing max starts per window.
func NewThrottle(window time.Duration, max int) *Throttle {
	if max <= 0 {
		max = DefaultMaxCycles
	}
	return &Throttle{window: window, max: max}
}

// Delay returns how long a start at now must wait. Starts that left the window
// are forgotten.
func (t *Throttle) Delay(now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.prune(now)
	if len(t.starts) < t.max {
		return 0
	}
	// the start that has to leave the window before another one fits
	gate := t.starts[len(t.starts)-t.max]
	if d := gate.Add(t.window).Sub(now); d > 0 {
		return d
	}
	return 0
}

// Record registers a start at now.
func (t *Throttle) Record(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune(now)
	t.starts = append(t.starts, now)
}

// Len returns the number of starts still inside the window.
func (t *Throttle) Len(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune(now)
	return len(t.starts)
}

func (t *Throttle) prune(now time.Time) {
	i := 0
	for i < len(t.starts) && now.Sub(t.starts[i]) >= t.window {
		i++
	}
	if i > 0 {
		t.starts = append(t.starts[:0], t.starts[i:]...)
	}
}
