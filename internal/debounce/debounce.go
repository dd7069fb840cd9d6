// Package debounce coalesces bursts of triggers into a single call.
package debounce

import (
	"sync"
	"time"

	bepdebounce "github.com/bep/debounce"
)

// Debouncer runs fn once the trigger stream has been quiet for the
// configured delay. Safe for concurrent use.
type Debouncer struct {
	debounced func(func())
	fn        func()

	mu      sync.Mutex
	stopped bool
}

// New returns a Debouncer that calls fn after delay of inactivity.
func New(delay time.Duration, fn func()) *Debouncer {
	return &Debouncer{debounced: bepdebounce.New(delay), fn: fn}
}

// Trigger (re)starts the quiet period.
func (d *Debouncer) Trigger() {
	if d.isStopped() {
		return
	}
	d.debounced(d.fire)
}

func (d *Debouncer) fire() {
	if d.isStopped() {
		return
	}
	d.fn()
}

func (d *Debouncer) isStopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

// Stop cancels a pending call. Later triggers are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()

	// Replace any pending call with a no-op.
	d.debounced(func() {})
}
