package script

import (
	"fmt"
	"sync"

	"macotron/internal/logging"
)

// NativeModule is the registration contract every native capability module
// implements. Modules bind their functions under a unique namespace in the
// script global and release any OS resources in Cleanup. Register is called
// again after every Reset and must be idempotent with respect to OS
// resource acquisition.
type NativeModule interface {
	Name() string
	ModuleVersion() int
	DefaultOptions() map[string]interface{}
	Register(rt *Runtime, options map[string]interface{}) error
	Cleanup() error
}

// Registry holds the closed set of native modules chosen at startup. It is
// thread-safe; registration order is preserved so namespaces bind
// deterministically.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]NativeModule
	ordered []NativeModule
}

// NewRegistry creates an empty module registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]NativeModule)}
}

// Add registers a native module. Duplicate namespaces are an error.
func (reg *Registry) Add(mod NativeModule) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	name := mod.Name()
	if name == "" {
		return fmt.Errorf("native module has empty name")
	}
	if _, exists := reg.byName[name]; exists {
		return fmt.Errorf("native module already registered: %s", name)
	}
	reg.byName[name] = mod
	reg.ordered = append(reg.ordered, mod)
	return nil
}

// MustAdd registers a module and panics on error. For static wiring at
// startup.
func (reg *Registry) MustAdd(mod NativeModule) {
	if err := reg.Add(mod); err != nil {
		panic(fmt.Sprintf("failed to add native module: %v", err))
	}
}

// Get returns a module by namespace, or nil.
func (reg *Registry) Get(name string) NativeModule {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.byName[name]
}

// Versions returns the namespace -> moduleVersion map. Scripts see the same
// map as modules.versions so they can detect incompatible upgrades.
func (reg *Registry) Versions() map[string]int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make(map[string]int, len(reg.ordered))
	for _, mod := range reg.ordered {
		out[mod.Name()] = mod.ModuleVersion()
	}
	return out
}

// Names returns the registered namespaces in registration order.
func (reg *Registry) Names() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]string, 0, len(reg.ordered))
	for _, mod := range reg.ordered {
		out = append(out, mod.Name())
	}
	return out
}

// registerAll binds every module into rt's current context. Runs on the
// script thread with rt.mu held. Options are the module defaults overlaid
// with the runtime's per-module overrides.
func (reg *Registry) registerAll(rt *Runtime) error {
	reg.mu.RLock()
	mods := make([]NativeModule, len(reg.ordered))
	copy(mods, reg.ordered)
	reg.mu.RUnlock()

	versions := make(map[string]int, len(mods))
	for _, mod := range mods {
		opts := mergeOptions(mod.DefaultOptions(), rt.moduleOpts[mod.Name()])
		if err := mod.Register(rt, opts); err != nil {
			return fmt.Errorf("module %s: %w", mod.Name(), err)
		}
		versions[mod.Name()] = mod.ModuleVersion()
		logging.RuntimeDebug("registered native module %s v%d", mod.Name(), mod.ModuleVersion())
	}

	modObj := rt.vm.NewObject()
	_ = modObj.Set("versions", versions)
	return rt.vm.Set("modules", modObj)
}

// cleanupAll releases OS resources module by module, in reverse
// registration order. Errors are logged, not propagated: one module's
// failed cleanup must not strand the others.
func (reg *Registry) cleanupAll() {
	reg.mu.RLock()
	mods := make([]NativeModule, len(reg.ordered))
	copy(mods, reg.ordered)
	reg.mu.RUnlock()

	for i := len(mods) - 1; i >= 0; i-- {
		mod := mods[i]
		if err := mod.Cleanup(); err != nil {
			logging.Get(logging.CategoryRuntime).Error("module %s cleanup failed: %v", mod.Name(), err)
		}
	}
}

func mergeOptions(defaults, overrides map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(defaults))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}
