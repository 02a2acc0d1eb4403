package nfc

import (
	"sync"
	"time"
)

// Clock provides an abstraction over time operations to enable testing
// without real time delays.
type Clock interface {
	// Now returns the current time
	Now() time.Time

	// After returns a channel that will receive a value after the duration
	After(d time.Duration) <-chan time.Time
}

// RealClock implements Clock using actual time operations
type RealClock struct{}

// NewRealClock creates a new RealClock
func NewRealClock() Clock {
	return &RealClock{}
}

func (rc *RealClock) Now() time.Time {
	return time.Now()
}

func (rc *RealClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// FakeClock implements Clock for testing with controllable time.
// After advances the clock immediately, so retry delays cost no wall time
// but still show up in recorded durations.
type FakeClock struct {
	mu    sync.RWMutex
	now   time.Time
	slept []time.Duration
}

// NewFakeClock creates a new FakeClock starting at the given time
func NewFakeClock(startTime time.Time) *FakeClock {
	return &FakeClock{now: startTime}
}

func (fc *FakeClock) Now() time.Time {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return fc.now
}

func (fc *FakeClock) After(d time.Duration) <-chan time.Time {
	fc.mu.Lock()
	fc.slept = append(fc.slept, d)
	fc.mu.Unlock()
	fc.Advance(d)

	ch := make(chan time.Time, 1)
	ch <- fc.Now()
	return ch
}

// Advance moves the fake clock forward by the given duration
func (fc *FakeClock) Advance(d time.Duration) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.now = fc.now.Add(d)
}

// Waits returns every duration passed to After, in order.
func (fc *FakeClock) Waits() []time.Duration {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return append([]time.Duration(nil), fc.slept...)
}

// backoffTimer adapts a Clock to backoff.Timer.
type backoffTimer struct {
	clock Clock
	c     <-chan time.Time
}

func (t *backoffTimer) Start(d time.Duration) {
	t.c = t.clock.After(d)
}

func (t *backoffTimer) Stop() {}

func (t *backoffTimer) C() <-chan time.Time {
	return t.c
}
