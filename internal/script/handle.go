package script

import (
	"fmt"

	"github.com/dop251/goja"
)

// Ref is a retained reference to a script callback held across the native
// boundary (event listeners, timer callbacks, command callbacks). It is
// created by retain and destroyed exactly once by release; the paired
// accounting on Runtime.liveRefs makes leaks and double-releases visible
// instead of silently corrupting the context.
type Ref struct {
	fn       goja.Callable
	val      goja.Value
	gen      uint64
	released bool
}

// retainLocked asserts that v is callable and takes ownership of it for the
// current context generation. Caller holds r.mu.
func (r *Runtime) retainLocked(v goja.Value) (*Ref, error) {
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil, fmt.Errorf("callback is not a function")
	}
	r.liveRefs++
	return &Ref{fn: fn, val: v, gen: r.gen}, nil
}

// releaseLocked drops a retained reference. Releasing nil or an already
// released ref is a no-op; the double-release guard keeps the accounting
// honest when teardown paths overlap.
func (r *Runtime) releaseLocked(ref *Ref) {
	if ref == nil || ref.released {
		return
	}
	ref.released = true
	if ref.gen == r.gen {
		r.liveRefs--
	}
}

// call invokes the referenced callback with this=undefined. Caller holds
// r.mu. A released ref returns an error rather than calling into a context
// that may no longer own it.
func (ref *Ref) call(this goja.Value, args ...goja.Value) (goja.Value, error) {
	if ref.released {
		return nil, fmt.Errorf("callback reference already released")
	}
	return ref.fn(this, args...)
}

// matches reports whether v is the same function object this ref retains.
func (ref *Ref) matches(v goja.Value) bool {
	return ref.val.StrictEquals(v)
}
