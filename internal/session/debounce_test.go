package session

import (
	"testing"
	"time"
)

func TestDebouncer_CoalescesBurst(t *testing.T) {
	clock := newFakeClock()
	calls := 0
	d := NewDebouncer(clock, 50*time.Millisecond, func() { calls++ })

	d.Trigger()
	d.Trigger()
	clock.Advance(30 * time.Millisecond)
	d.Trigger()
	if calls != 0 {
		t.Fatalf("calls = %d before the delay elapsed", calls)
	}
	if clock.Armed() != 1 {
		t.Errorf("armed timers = %d, want 1", clock.Armed())
	}

	clock.Advance(20 * time.Millisecond)
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if d.Pending() {
		t.Error("debouncer should be clear after firing")
	}

	d.Trigger()
	clock.Advance(50 * time.Millisecond)
	if calls != 2 {
		t.Errorf("calls = %d, want 2 after a second window", calls)
	}
}

func TestDebouncer_Flush(t *testing.T) {
	clock := newFakeClock()
	calls := 0
	d := NewDebouncer(clock, time.Second, func() { calls++ })

	d.Flush()
	if calls != 0 {
		t.Fatal("Flush with nothing pending should not call fn")
	}

	d.Trigger()
	d.Flush()
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 after Flush", calls)
	}
	clock.Advance(time.Second)
	if calls != 1 {
		t.Errorf("calls = %d, the flushed timer must not fire again", calls)
	}
}

func TestDebouncer_Stop(t *testing.T) {
	clock := newFakeClock()
	calls := 0
	d := NewDebouncer(clock, time.Second, func() { calls++ })

	d.Trigger()
	d.Stop()
	clock.Advance(time.Second)
	d.Trigger()
	clock.Advance(time.Second)
	if calls != 0 {
		t.Errorf("calls = %d after Stop, want 0", calls)
	}
}
