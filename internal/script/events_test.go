package script

import (
	"strings"
	"testing"
)

func mustEval(t *testing.T, rt *Runtime, src string) string {
	t.Helper()
	out, err := rt.Evaluate("test.js", src)
	if err != nil {
		t.Fatalf("Evaluate(%q) failed: %v", src, err)
	}
	return out
}

func TestEmitInvokesListenersInRegistrationOrder(t *testing.T) {
	rt := New()

	mustEval(t, rt, `
		var acc = 0;
		var order = [];
		events.on('tick', function() { acc += 1; order.push(1); });
		events.on('tick', function() { acc += 10; order.push(10); });
		events.on('tick', function() { acc += 100; order.push(100); });
	`)

	rt.Bus().Emit("tick", nil)

	if got := mustEval(t, rt, "acc"); got != "111" {
		t.Errorf("acc = %s, want 111", got)
	}
	if got := mustEval(t, rt, "order.join(',')"); got != "1,10,100" {
		t.Errorf("invocation order = %s, want 1,10,100", got)
	}
}

func TestEmitPassesDataAsSingleArgument(t *testing.T) {
	rt := New()

	mustEval(t, rt, `
		var got = null;
		var argc = -1;
		events.on('data', function() { argc = arguments.length; got = arguments[0]; });
	`)

	rt.Bus().Emit("data", map[string]interface{}{"key": "value"})
	if got := mustEval(t, rt, "argc"); got != "1" {
		t.Errorf("argument count = %s, want 1", got)
	}
	if got := mustEval(t, rt, "got.key"); got != "value" {
		t.Errorf("data.key = %s, want value", got)
	}

	// Without data the callback sees zero arguments.
	rt.Bus().Emit("data", nil)
	if got := mustEval(t, rt, "argc"); got != "0" {
		t.Errorf("argument count without data = %s, want 0", got)
	}
}

func TestOffRemovesOnlyMatchingListener(t *testing.T) {
	rt := New()

	mustEval(t, rt, `
		var hits = [];
		function first() { hits.push('first'); }
		function second() { hits.push('second'); }
		events.on('e', first);
		events.on('e', second);
		events.off('e', first);
	`)

	rt.Bus().Emit("e", nil)
	if got := mustEval(t, rt, "hits.join(',')"); got != "second" {
		t.Errorf("hits = %s, want second", got)
	}
	if !rt.Bus().HasListeners("e") {
		t.Error("HasListeners(e) = false after removing one of two listeners")
	}
}

func TestOffUnknownCallbackIsNoOp(t *testing.T) {
	rt := New()
	mustEval(t, rt, `
		var n = 0;
		events.on('e', function() { n++; });
		events.off('e', function() {});
	`)
	rt.Bus().Emit("e", nil)
	if got := mustEval(t, rt, "n"); got != "1" {
		t.Errorf("n = %s, want 1", got)
	}
}

func TestEmitWithoutListenersIsNoOp(t *testing.T) {
	rt := New()
	rt.Bus().Emit("never-registered", nil)
	if rt.Bus().HasListeners("never-registered") {
		t.Error("HasListeners reports listeners for an event never registered")
	}
}

func TestRemoveAllListeners(t *testing.T) {
	rt := New()

	mustEval(t, rt, `
		var n = 0;
		events.on('a', function() { n++; });
		events.on('b', function() { n++; });
		events.on('b', function() { n++; });
	`)

	if got := rt.LiveRefs(); got != 3 {
		t.Fatalf("LiveRefs = %d, want 3", got)
	}

	rt.Bus().RemoveAllListeners()
	rt.Bus().Emit("a", nil)
	rt.Bus().Emit("b", nil)

	if got := mustEval(t, rt, "n"); got != "0" {
		t.Errorf("n = %s after RemoveAllListeners, want 0", got)
	}
	if got := rt.LiveRefs(); got != 0 {
		t.Errorf("LiveRefs = %d after RemoveAllListeners, want 0", got)
	}

	// A fresh registration on a previously-used event starts a new list.
	mustEval(t, rt, "events.on('a', function() { n += 5; })")
	rt.Bus().Emit("a", nil)
	if got := mustEval(t, rt, "n"); got != "5" {
		t.Errorf("n = %s after re-registration, want 5", got)
	}
}

func TestThrowingListenerDoesNotStopSiblings(t *testing.T) {
	rt := New()
	mustEval(t, rt, `
		var reached = false;
		events.on('e', function() { throw new Error('boom'); });
		events.on('e', function() { reached = true; });
	`)
	rt.Bus().Emit("e", nil)
	if got := mustEval(t, rt, "reached"); got != "true" {
		t.Errorf("reached = %s, want true", got)
	}
}

func TestOnRejectsNonFunction(t *testing.T) {
	rt := New()
	_, err := rt.Evaluate("test.js", "events.on('e', 42)")
	if err == nil || !strings.Contains(err.Error(), "not a function") {
		t.Errorf("expected not-a-function error, got %v", err)
	}
}
