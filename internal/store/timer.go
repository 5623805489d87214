package store

import (
	"sync"
	"time"
)

// Timer is a one-shot, cancellable, idempotent per-attribute dampening timer.
// It never touches attribute state directly: the fire callback is expected to
// post an event back onto the daemon's single event loop, which then looks
// the attribute up by name and acts on it. This keeps the timer goroutine from
// ever racing with the loop goroutine over attribute state.
type Timer struct {
	mu      sync.Mutex
	timer   *time.Timer
	running bool
}

// NewTimer creates an unarmed timer.
func NewTimer() *Timer {
	return &Timer{}
}

// Start arms the timer to fire after d, invoking fire on its own goroutine.
// Any previously pending fire is cancelled and replaced, coalescing bursts of
// updates into a single deferred write.
func (t *Timer) Start(d time.Duration, fire func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.running = true
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
		fire()
	})
}

// Cancel stops a pending fire, if any. Idempotent.
func (t *Timer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.running = false
}

// Running reports whether the timer currently has a pending fire.
func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}
