package util

import (
	"sync"
	"time"
)

// IdleTimer calls a function once a period passes without activity.
// Hold suspends it while work is in progress; Reset rearms it.
//
// Example usage:
//
//	idle := NewIdleTimer(5*time.Minute, leave)
//	defer idle.Stop()
//
//	idle.Hold()  // playback started
//	idle.Reset() // playback finished, start counting again
type IdleTimer struct {
	duration time.Duration
	fn       func()

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	stopped bool
}

// NewIdleTimer creates an armed timer. A non-positive duration disables it.
func NewIdleTimer(duration time.Duration, fn func()) *IdleTimer {
	t := &IdleTimer{duration: duration, fn: fn}
	t.Reset()

	return t
}

// Reset rearms the timer for a full period. No-op once stopped.
func (t *IdleTimer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped || t.duration <= 0 {
		return
	}

	t.disarm()
	gen := t.gen
	t.timer = time.AfterFunc(t.duration, func() { t.fire(gen) })
}

// Hold disarms the timer until the next Reset.
func (t *IdleTimer) Hold() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.disarm()
}

// Stop disarms the timer for good. Safe to call multiple times.
func (t *IdleTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.disarm()
	t.stopped = true
}

// disarm stops the pending timer; a callback already racing to run sees a
// stale generation and returns.
func (t *IdleTimer) disarm() {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *IdleTimer) fire(gen uint64) {
	t.mu.Lock()
	if t.stopped || gen != t.gen {
		t.mu.Unlock()

		return
	}
	t.timer = nil
	t.mu.Unlock()

	t.fn()
}
