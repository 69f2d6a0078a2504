package session

import (
	"sync"
	"time"
)

// Clock abstracts timer creation so debouncing can be tested without sleeping.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the part of *time.Timer the debouncer needs.
type Timer interface {
	Stop() bool
}

// RealClock is the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Debouncer coalesces bursts of changes into one call. The first Trigger
// arms a timer; further triggers before it fires are absorbed. When the timer
// fires, or Flush is called, fn runs once and the debouncer is clear again.
type Debouncer struct {
	clock Clock
	delay time.Duration
	fn    func()

	mu      sync.Mutex
	timer   Timer
	armed   bool
	gen     uint64
	stopped bool
}

// NewDebouncer creates a debouncer calling fn at most once per delay window.
func NewDebouncer(clock Clock, delay time.Duration, fn func()) *Debouncer {
	if clock == nil {
		clock = RealClock{}
	}
	return &Debouncer{clock: clock, delay: delay, fn: fn}
}

// Trigger records a pending change.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.armed || d.stopped {
		return
	}
	d.armed = true
	gen := d.gen
	d.timer = d.clock.AfterFunc(d.delay, func() { d.fire(gen) })
}

// Flush runs fn now if a change is pending.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	if !d.armed {
		d.mu.Unlock()
		return
	}
	d.disarmLocked()
	d.mu.Unlock()
	d.fn()
}

// Stop discards any pending change and disables the debouncer.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.armed {
		d.disarmLocked()
	}
}

// Pending reports whether a change is waiting to be flushed.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.armed
}

func (d *Debouncer) disarmLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.armed = false
	d.gen++
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if !d.armed || d.gen != gen {
		// Flushed or stopped after the timer was armed.
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.armed = false
	d.gen++
	d.mu.Unlock()
	d.fn()
}
