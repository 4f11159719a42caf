// Package timing provides the clock abstraction used by every bounded
// wait in the controller: WiFi bring-up, retry cadences, the
// maintenance handshake, and the ring/match holds in the scan loop.
// Production code uses [Real]; tests substitute [Fake] so elapsed time
// can be simulated without real delay.
package timing

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Clock is the subset of a wall clock the controller needs.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// Real returns a Clock backed by the system clock.
func Real() Clock {
	return clock.New()
}

// Fake is a manually driven Clock. Sleep advances the fake time
// instantly instead of blocking, so a single goroutine can simulate
// arbitrarily long waits. Safe for concurrent use.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	slept   time.Duration
	onSleep func(d time.Duration)
}

// NewFake returns a Fake positioned at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the current fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Sleep advances the fake time by d and records it.
func (f *Fake) Sleep(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.slept += d
	hook := f.onSleep
	f.mu.Unlock()

	if hook != nil {
		hook(d)
	}
}

// Advance moves the fake time forward without counting it as sleep.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Slept returns the total duration passed to Sleep so far.
func (f *Fake) Slept() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.slept
}

// OnSleep registers a hook called after every Sleep. Tests use it to
// let another actor make progress while the code under test polls.
func (f *Fake) OnSleep(hook func(d time.Duration)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSleep = hook
}
