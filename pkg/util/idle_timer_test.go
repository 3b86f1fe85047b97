package util

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestIdleTimer(t *testing.T) {
	t.Run("fires after timeout", func(t *testing.T) {
		fired := make(chan struct{})
		it := NewIdleTimer(50*time.Millisecond, func() { close(fired) })
		defer it.Stop()

		select {
		case <-fired:
			// Expected
		case <-time.After(200 * time.Millisecond):
			t.Fatal("idle timer did not fire within expected time")
		}
	})

	t.Run("reset postpones firing", func(t *testing.T) {
		var calls atomic.Int32
		it := NewIdleTimer(50*time.Millisecond, func() { calls.Add(1) })
		defer it.Stop()

		for i := 0; i < 4; i++ {
			time.Sleep(25 * time.Millisecond)
			it.Reset()
		}

		if calls.Load() != 0 {
			t.Fatal("idle timer fired while being reset")
		}

		time.Sleep(100 * time.Millisecond)
		if calls.Load() != 1 {
			t.Fatalf("expected one call after resets stopped, got %d", calls.Load())
		}
	})

	t.Run("hold suspends until reset", func(t *testing.T) {
		var calls atomic.Int32
		it := NewIdleTimer(30*time.Millisecond, func() { calls.Add(1) })
		defer it.Stop()

		it.Hold()
		time.Sleep(80 * time.Millisecond)
		if calls.Load() != 0 {
			t.Fatal("idle timer fired while held")
		}

		it.Reset()
		time.Sleep(80 * time.Millisecond)
		if calls.Load() != 1 {
			t.Fatalf("expected one call after reset, got %d", calls.Load())
		}
	})

	t.Run("stop prevents firing", func(t *testing.T) {
		var calls atomic.Int32
		it := NewIdleTimer(30*time.Millisecond, func() { calls.Add(1) })

		it.Stop()
		it.Stop()
		it.Reset()

		time.Sleep(80 * time.Millisecond)
		if calls.Load() != 0 {
			t.Fatal("idle timer fired after stop")
		}
	})

	t.Run("non-positive duration disables", func(t *testing.T) {
		var calls atomic.Int32
		it := NewIdleTimer(0, func() { calls.Add(1) })
		defer it.Stop()

		time.Sleep(30 * time.Millisecond)
		if calls.Load() != 0 {
			t.Fatal("disabled idle timer fired")
		}
	})
}
