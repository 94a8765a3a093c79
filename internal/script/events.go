package script

import (
	"github.com/dop251/goja"

	"macotron/internal/logging"
)

// Bus maps event names to ordered listener lists. Listeners are invoked
// strictly in registration order. The bus shares the runtime lock, so
// emission is serialized with all other script execution.
type Bus struct {
	rt        *Runtime
	listeners map[string][]*Ref
}

func newBus(rt *Runtime) *Bus {
	return &Bus{rt: rt, listeners: make(map[string][]*Ref)}
}

// resetLocked starts a fresh listener table without releasing refs; used
// only when the context they belong to is being destroyed wholesale.
func (b *Bus) resetLocked() {
	b.listeners = make(map[string][]*Ref)
}

// On registers a callback for an event. The callback reference is retained
// until Off, RemoveAllListeners or context teardown releases it.
func (b *Bus) On(event string, callback goja.Value) error {
	b.rt.mu.Lock()
	defer b.rt.mu.Unlock()
	return b.onLocked(event, callback)
}

func (b *Bus) onLocked(event string, callback goja.Value) error {
	ref, err := b.rt.retainLocked(callback)
	if err != nil {
		return err
	}
	b.listeners[event] = append(b.listeners[event], ref)
	return nil
}

// Off removes the listener whose callback is identical to the one passed.
// Other listeners for the same event are unaffected; an unknown callback is
// a silent no-op.
func (b *Bus) Off(event string, callback goja.Value) {
	b.rt.mu.Lock()
	defer b.rt.mu.Unlock()
	b.offLocked(event, callback)
}

func (b *Bus) offLocked(event string, callback goja.Value) {
	refs := b.listeners[event]
	for i, ref := range refs {
		if ref.matches(callback) {
			b.rt.releaseLocked(ref)
			b.listeners[event] = append(refs[:i:i], refs[i+1:]...)
			return
		}
	}
}

// Emit invokes every listener for event in registration order, then drains
// pending jobs so promise continuations complete before Emit returns. A nil
// data invokes callbacks with zero arguments. Emitting with no listeners is
// a no-op. A throwing listener is logged and does not stop the rest.
func (b *Bus) Emit(event string, data interface{}) {
	b.rt.mu.Lock()
	defer b.rt.mu.Unlock()
	b.emitLocked(event, data)
	b.rt.drainJobsLocked()
}

func (b *Bus) emitLocked(event string, data interface{}) {
	refs := b.listeners[event]
	if len(refs) == 0 {
		return
	}
	// Snapshot so listeners that mutate the list mid-emit do not skip or
	// double-fire their siblings.
	snapshot := make([]*Ref, len(refs))
	copy(snapshot, refs)

	var args []goja.Value
	if data != nil {
		args = []goja.Value{b.rt.vm.ToValue(data)}
	}
	for _, ref := range snapshot {
		if ref.released {
			continue
		}
		if _, err := ref.call(goja.Undefined(), args...); err != nil {
			logging.Get(logging.CategoryRuntime).Error("listener for %q failed: %v", event, normalizeError(err))
		}
	}
}

// HasListeners reports whether any listener is registered for event.
func (b *Bus) HasListeners(event string) bool {
	b.rt.mu.Lock()
	defer b.rt.mu.Unlock()
	return len(b.listeners[event]) > 0
}

// RemoveAllListeners releases every retained callback reference and empties
// all lists. A subsequent On for a previously used event starts fresh.
func (b *Bus) RemoveAllListeners() {
	b.rt.mu.Lock()
	defer b.rt.mu.Unlock()
	b.removeAllLocked()
}

func (b *Bus) removeAllLocked() {
	for _, refs := range b.listeners {
		for _, ref := range refs {
			b.rt.releaseLocked(ref)
		}
	}
	b.listeners = make(map[string][]*Ref)
}
