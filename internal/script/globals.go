package script

import (
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"

	"macotron/internal/logging"
)

// installGlobalsLocked binds the runtime globals into a fresh context:
// console, macotron, commands, events and the timer functions. Caller holds
// r.mu. These closures run on the script thread with the lock already held,
// so they use the *Locked variants throughout.
func (r *Runtime) installGlobalsLocked() {
	vm := r.vm

	// console
	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		logging.Runtime("console: %s", joinArgs(call.Arguments))
		return goja.Undefined()
	})
	_ = console.Set("warn", func(call goja.FunctionCall) goja.Value {
		logging.Get(logging.CategoryRuntime).Warn("console: %s", joinArgs(call.Arguments))
		return goja.Undefined()
	})
	_ = console.Set("error", func(call goja.FunctionCall) goja.Value {
		logging.Get(logging.CategoryRuntime).Error("console: %s", joinArgs(call.Arguments))
		return goja.Undefined()
	})
	_ = vm.Set("console", console)

	// macotron: version, config(obj), get(key)
	mac := vm.NewObject()
	_ = mac.Set("version", Version)
	_ = mac.Set("config", func(call goja.FunctionCall) goja.Value {
		// The config store is replaced wholesale on every call; partial
		// merges would make load order invisible state.
		store := make(map[string]interface{})
		if len(call.Arguments) > 0 {
			if obj, ok := call.Argument(0).Export().(map[string]interface{}); ok {
				store = obj
			}
		}
		r.configStore = store
		return goja.Undefined()
	})
	_ = mac.Set("get", func(call goja.FunctionCall) goja.Value {
		key := call.Argument(0).String()
		if v, ok := r.configStore[key]; ok {
			return vm.ToValue(v)
		}
		return goja.Undefined()
	})
	_ = vm.Set("macotron", mac)

	// commands: register(name, description, callback), run(name)
	cmds := vm.NewObject()
	_ = cmds.Set("register", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		desc := call.Argument(1).String()
		ref, err := r.retainLocked(call.Argument(2))
		if err != nil {
			panic(vm.NewTypeError("commands.register: %s", err.Error()))
		}
		if old, ok := r.commands[name]; ok {
			r.releaseLocked(old.fn)
		}
		r.commands[name] = &Command{Name: name, Description: desc, fn: ref}
		return goja.Undefined()
	})
	_ = cmds.Set("run", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		cmd, ok := r.commands[name]
		if !ok {
			panic(vm.NewTypeError("commands.run: unknown command %q", name))
		}
		v, err := cmd.fn.call(goja.Undefined())
		if err != nil {
			panic(vm.ToValue(normalizeError(err).Error()))
		}
		return v
	})
	_ = vm.Set("commands", cmds)

	// events: on/off/emit/hasListeners
	events := vm.NewObject()
	_ = events.Set("on", func(call goja.FunctionCall) goja.Value {
		if err := r.bus.onLocked(call.Argument(0).String(), call.Argument(1)); err != nil {
			panic(vm.NewTypeError("events.on: %s", err.Error()))
		}
		return goja.Undefined()
	})
	_ = events.Set("off", func(call goja.FunctionCall) goja.Value {
		r.bus.offLocked(call.Argument(0).String(), call.Argument(1))
		return goja.Undefined()
	})
	_ = events.Set("emit", func(call goja.FunctionCall) goja.Value {
		var data interface{}
		if len(call.Arguments) > 1 {
			data = call.Argument(1).Export()
		}
		r.bus.emitLocked(call.Argument(0).String(), data)
		return goja.Undefined()
	})
	_ = events.Set("hasListeners", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(len(r.bus.listeners[call.Argument(0).String()]) > 0)
	})
	_ = vm.Set("events", events)

	// Timer functions mirror the DOM contract: integer ids, silent no-op
	// cancellation of unknown ids.
	_ = vm.Set("setTimeout", func(call goja.FunctionCall) goja.Value {
		id, err := r.timers.scheduleLocked(call.Argument(0), millis(call.Argument(1)), false)
		if err != nil {
			panic(vm.NewTypeError("setTimeout: %s", err.Error()))
		}
		return vm.ToValue(id)
	})
	_ = vm.Set("setInterval", func(call goja.FunctionCall) goja.Value {
		id, err := r.timers.scheduleLocked(call.Argument(0), millis(call.Argument(1)), true)
		if err != nil {
			panic(vm.NewTypeError("setInterval: %s", err.Error()))
		}
		return vm.ToValue(id)
	})
	cancelTimer := func(call goja.FunctionCall) goja.Value {
		r.timers.cancelLocked(call.Argument(0).ToInteger())
		return goja.Undefined()
	}
	_ = vm.Set("clearTimeout", cancelTimer)
	_ = vm.Set("clearInterval", cancelTimer)
}

// BindNamespace creates (or replaces) a module namespace object in the
// script global with the given functions. Intended for NativeModule
// Register implementations, which run on the script thread.
func (r *Runtime) BindNamespace(name string, fns map[string]func(goja.FunctionCall) goja.Value) error {
	obj := r.vm.NewObject()
	for fname, fn := range fns {
		if err := obj.Set(fname, fn); err != nil {
			return fmt.Errorf("bind %s.%s: %w", name, fname, err)
		}
	}
	return r.vm.Set(name, obj)
}

// VM exposes the underlying interpreter to module Register implementations.
// Script thread only.
func (r *Runtime) VM() *goja.Runtime { return r.vm }

// Throw raises a script exception from inside a native binding.
func (r *Runtime) Throw(format string, args ...interface{}) {
	panic(r.vm.NewGoError(fmt.Errorf(format, args...)))
}

// EnqueueJob queues a continuation from inside a native binding running on
// the script thread. It runs on the next DrainPendingJobs.
func (r *Runtime) EnqueueJob(job func()) {
	r.enqueueJob(job)
}

func joinArgs(args []goja.Value) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.String()
	}
	return strings.Join(parts, " ")
}

func millis(v goja.Value) time.Duration {
	return time.Duration(v.ToInteger()) * time.Millisecond
}
