package script

import (
	"testing"
	"time"
)

func TestTimerIDsStartAtOneAndIncrease(t *testing.T) {
	rt := New()

	if got := mustEval(t, rt, "setTimeout(function() {}, 60000)"); got != "1" {
		t.Errorf("first timer id = %s, want 1", got)
	}
	if got := mustEval(t, rt, "setInterval(function() {}, 60000)"); got != "2" {
		t.Errorf("second timer id = %s, want 2", got)
	}

	// Ids restart per context lifetime.
	if err := rt.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if got := mustEval(t, rt, "setTimeout(function() {}, 60000)"); got != "1" {
		t.Errorf("first timer id after reset = %s, want 1", got)
	}
	rt.Timers().CancelAll()
}

func TestOneShotTimerFires(t *testing.T) {
	rt := New()
	mustEval(t, rt, `
		var fired = false;
		setTimeout(function() { fired = true; }, 10);
	`)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mustEval(t, rt, "fired") == "true" {
			if got := rt.Timers().Pending(); got != 0 {
				t.Errorf("Pending = %d after one-shot fired, want 0", got)
			}
			if got := rt.LiveRefs(); got != 0 {
				t.Errorf("LiveRefs = %d after one-shot fired, want 0", got)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("one-shot timer never fired")
}

func TestClearTimeoutCancels(t *testing.T) {
	rt := New()
	mustEval(t, rt, `
		var fired = false;
		var id = setTimeout(function() { fired = true; }, 20);
		clearTimeout(id);
	`)
	time.Sleep(100 * time.Millisecond)
	if got := mustEval(t, rt, "fired"); got != "false" {
		t.Errorf("fired = %s after clearTimeout, want false", got)
	}
	if got := rt.LiveRefs(); got != 0 {
		t.Errorf("LiveRefs = %d after cancel, want 0", got)
	}
}

func TestClearUnknownIDIsNoOp(t *testing.T) {
	rt := New()
	mustEval(t, rt, "clearTimeout(9999); clearInterval(-1)")
}

func TestIntervalRepeatsUntilCancelled(t *testing.T) {
	rt := New()
	mustEval(t, rt, `
		var count = 0;
		var id = setInterval(function() {
			count++;
			if (count >= 3) { clearInterval(id); }
		}, 5);
	`)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mustEval(t, rt, "count >= 3") == "true" {
			time.Sleep(50 * time.Millisecond)
			if got := mustEval(t, rt, "count"); got != "3" {
				t.Errorf("count = %s after clearInterval, want 3", got)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("interval never reached 3 ticks")
}

func TestCancelAllTimers(t *testing.T) {
	rt := New()
	mustEval(t, rt, `
		var fired = 0;
		setTimeout(function() { fired++; }, 30);
		setTimeout(function() { fired++; }, 30);
		setInterval(function() { fired++; }, 30);
	`)

	rt.Timers().CancelAll()
	if got := rt.Timers().Pending(); got != 0 {
		t.Fatalf("Pending = %d after CancelAll, want 0", got)
	}

	time.Sleep(100 * time.Millisecond)
	if got := mustEval(t, rt, "fired"); got != "0" {
		t.Errorf("fired = %s after CancelAll, want 0", got)
	}
	if got := rt.LiveRefs(); got != 0 {
		t.Errorf("LiveRefs = %d after CancelAll, want 0", got)
	}
}

func TestResetCancelsPendingTimers(t *testing.T) {
	rt := New()
	mustEval(t, rt, "setTimeout(function() {}, 10)")

	if err := rt.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if got := rt.Timers().Pending(); got != 0 {
		t.Errorf("Pending = %d after Reset, want 0", got)
	}

	// The armed AfterFunc may still fire its goroutine; the generation
	// check must drop it without touching the fresh context.
	time.Sleep(100 * time.Millisecond)
	if got := rt.LiveRefs(); got != 0 {
		t.Errorf("LiveRefs = %d after Reset, want 0", got)
	}
}
