// Package script owns the embedded ECMAScript runtime and its native bridge:
// script evaluation, the pending-job queue, event dispatch, timers, the
// command registry and native module registration. All script execution is
// serialized onto one logical thread; background goroutines marshal work in
// through Do.
package script

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"macotron/internal/logging"

	"github.com/dop251/goja"
)

// Version is exposed to scripts as macotron.version.
const Version = "1.0.0"

// ErrInterrupted is returned by Evaluate when the interrupt flag fired.
var ErrInterrupted = errors.New("script interrupted")

// Command is one entry in the script-registered command registry.
type Command struct {
	Name        string
	Description string
	fn          *Ref
}

// CommandInfo is the exported view of a registered command.
type CommandInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Runtime owns one interpreter instance and everything scoped to its
// lifetime: the config store, the command registry, module options, the
// pending-job queue and the retained callback references. Destroying and
// recreating all of it is what Reset does.
type Runtime struct {
	mu  sync.Mutex
	vm  *goja.Runtime
	gen uint64

	// Pending jobs stand in for the microtask queue: native bridges queue
	// continuations here and DrainPendingJobs runs them after every entry
	// point, so promise-style callbacks complete before control returns.
	jobs []func()

	configStore map[string]interface{}
	commands    map[string]*Command
	moduleOpts  map[string]map[string]interface{}

	// liveRefs counts retained callback references across the native
	// boundary. Reset and RemoveAllListeners must drive it back to zero.
	liveRefs int

	bus      *Bus
	timers   *Scheduler
	registry *Registry

	// curVM mirrors vm for Interrupt, which must work while a script
	// holds the runtime lock.
	curVM atomic.Pointer[goja.Runtime]
}

// New creates a runtime with a fresh context and installs the runtime
// globals. Native modules are registered once a Registry is attached via
// SetRegistry + RegisterModules.
func New() *Runtime {
	r := &Runtime{
		configStore: make(map[string]interface{}),
		commands:    make(map[string]*Command),
		moduleOpts:  make(map[string]map[string]interface{}),
	}
	r.bus = newBus(r)
	r.timers = newScheduler(r)
	r.newContextLocked()
	return r
}

// Bus returns the event bus bound to this runtime.
func (r *Runtime) Bus() *Bus { return r.bus }

// Timers returns the timer scheduler bound to this runtime.
func (r *Runtime) Timers() *Scheduler { return r.timers }

// SetRegistry attaches the native module registry. RegisterModules must be
// called afterwards to bind the modules into the current context.
func (r *Runtime) SetRegistry(reg *Registry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registry = reg
}

// RegisterModules binds every registered native module into the script
// global namespace and publishes the module version map.
func (r *Runtime) RegisterModules() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerModulesLocked()
}

func (r *Runtime) registerModulesLocked() error {
	if r.registry == nil {
		return nil
	}
	return r.registry.registerAll(r)
}

// newContextLocked allocates a fresh interpreter and wipes every piece of
// state scoped to the old context. Caller holds r.mu.
func (r *Runtime) newContextLocked() {
	r.gen++
	r.vm = goja.New()
	r.curVM.Store(r.vm)
	r.jobs = nil
	r.configStore = make(map[string]interface{})
	r.commands = make(map[string]*Command)
	r.liveRefs = 0
	r.bus.resetLocked()
	r.timers.resetLocked()
	r.installGlobalsLocked()
}

// Reset cancels all timers, releases all listeners, clears the command
// registry, destroys the context and builds a fresh one with all native
// modules re-registered. Holding the lock for the whole sequence is what
// keeps a firing timer from ever seeing a freed context.
func (r *Runtime) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.timers.cancelAllLocked()
	r.bus.removeAllLocked()
	for _, cmd := range r.commands {
		r.releaseLocked(cmd.fn)
	}
	r.commands = make(map[string]*Command)

	if r.registry != nil {
		r.registry.cleanupAll()
	}

	r.newContextLocked()
	if err := r.registerModulesLocked(); err != nil {
		return fmt.Errorf("module re-registration failed: %w", err)
	}
	logging.Runtime("context reset (generation %d)", r.gen)
	return nil
}

// Evaluate runs source in the current context and returns the result's
// string form. Script errors never propagate as panics; they come back as a
// plain error whose message describes the failure, and the context stays
// usable for subsequent evaluates.
func (r *Runtime) Evaluate(filename, source string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evaluateLocked(filename, source)
}

func (r *Runtime) evaluateLocked(filename, source string) (output string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("script panic in %s: %v", filename, rec)
		}
	}()

	r.vm.ClearInterrupt()
	v, evalErr := r.vm.RunScript(filename, source)
	r.drainJobsLocked()
	if evalErr != nil {
		return "", normalizeError(evalErr)
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return "", nil
	}
	return v.String(), nil
}

// Interrupt terminates a runaway script from outside the script thread.
// The interpreter checks the flag periodically; the in-flight Evaluate
// returns ErrInterrupted.
func (r *Runtime) Interrupt() {
	// Deliberately lock-free: the whole point is to break into a script
	// that currently holds the runtime lock.
	if vm := r.curVM.Load(); vm != nil {
		vm.Interrupt(ErrInterrupted)
	}
}

// Do marshals fn onto the script thread, then drains pending jobs. This is
// the only way background goroutines (timers, fs events, native module
// callbacks) may touch the interpreter.
func (r *Runtime) Do(fn func(vm *goja.Runtime)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.vm)
	r.drainJobsLocked()
}

// DrainPendingJobs runs queued jobs until none remain.
func (r *Runtime) DrainPendingJobs() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drainJobsLocked()
}

// enqueueJob queues a continuation. Script-thread only (bindings and
// module callbacks already running under the runtime lock).
func (r *Runtime) enqueueJob(job func()) {
	r.jobs = append(r.jobs, job)
}

func (r *Runtime) drainJobsLocked() {
	for len(r.jobs) > 0 {
		job := r.jobs[0]
		r.jobs = r.jobs[1:]
		job()
	}
}

// ConfigSnapshot returns a copy of the script-set config store.
func (r *Runtime) ConfigSnapshot() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]interface{}, len(r.configStore))
	for k, v := range r.configStore {
		out[k] = v
	}
	return out
}

// SetModuleOptions stores per-module option overrides applied at
// registration time. Survives Reset; module options are host configuration,
// not context state.
func (r *Runtime) SetModuleOptions(module string, opts map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.moduleOpts[module] = opts
}

// Commands lists registered commands sorted by name.
func (r *Runtime) Commands() []CommandInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CommandInfo, 0, len(r.commands))
	for _, cmd := range r.commands {
		out = append(out, CommandInfo{Name: cmd.Name, Description: cmd.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RunCommand invokes a registered command callback by name.
func (r *Runtime) RunCommand(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.commands[name]
	if !ok {
		return fmt.Errorf("unknown command: %s", name)
	}
	if _, err := cmd.fn.call(goja.Undefined()); err != nil {
		return fmt.Errorf("command %s failed: %w", name, normalizeError(err))
	}
	r.drainJobsLocked()
	return nil
}

// LiveRefs reports the number of retained callback references. Zero after a
// full teardown; tests assert the retain/release discipline through it.
func (r *Runtime) LiveRefs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.liveRefs
}

// normalizeError converts interpreter errors into stable, printable errors.
func normalizeError(err error) error {
	var ierr *goja.InterruptedError
	if errors.As(err, &ierr) {
		return ErrInterrupted
	}
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return fmt.Errorf("script error: %s", exc.Value().String())
	}
	return fmt.Errorf("script error: %s", err.Error())
}
