package presence

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const DefaultInterval = 24 * time.Millisecond

type Position struct {
	X    float64
	Y    float64
	Tool string
}

// Throttle emits at most one position per interval. Positions that arrive
// inside a window are coalesced and the latest one goes out when the window
// closes.
type Throttle struct {
	clock    clock.Clock
	interval time.Duration
	emit     func(Position)

	mu      sync.Mutex
	last    time.Time
	sent    bool
	latest  Position
	waiting bool
	timer   *clock.Timer
	stopped bool
}

func NewThrottle(clk clock.Clock, interval time.Duration, emit func(Position)) *Throttle {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Throttle{clock: clk, interval: interval, emit: emit}
}

func (t *Throttle) Move(p Position) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}

	now := t.clock.Now()
	t.latest = p
	if t.waiting {
		t.mu.Unlock()
		return
	}

	if !t.sent || now.Sub(t.last) >= t.interval {
		t.last = now
		t.sent = true
		t.mu.Unlock()
		t.emit(p)
		return
	}

	t.waiting = true
	t.timer = t.clock.AfterFunc(t.interval-now.Sub(t.last), t.fire)
	t.mu.Unlock()
}

func (t *Throttle) fire() {
	t.mu.Lock()
	if t.stopped || !t.waiting {
		t.mu.Unlock()
		return
	}
	t.waiting = false
	t.timer = nil
	t.last = t.clock.Now()
	p := t.latest
	t.mu.Unlock()

	t.emit(p)
}

// Stop cancels any pending trailing update.
func (t *Throttle) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.waiting = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
