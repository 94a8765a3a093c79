// Package modules holds the native capability modules that ship with the
// core: storage (persistent key-value data) and shell (command execution).
// The OS-specific modules (window, input, capture, ...) live outside the
// core and plug into the same registration contract.
package modules

import (
	"github.com/dop251/goja"

	"macotron/internal/script"
	"macotron/internal/store"
)

// StorageModule exposes the persistent key-value store to scripts as
// storage.get/set/delete/keys. Values survive reloads and resets.
type StorageModule struct {
	store *store.Store
}

// NewStorageModule wraps an opened store.
func NewStorageModule(st *store.Store) *StorageModule {
	return &StorageModule{store: st}
}

func (m *StorageModule) Name() string       { return "storage" }
func (m *StorageModule) ModuleVersion() int { return 1 }

func (m *StorageModule) DefaultOptions() map[string]interface{} {
	return map[string]interface{}{}
}

// Register binds the storage namespace. The store handle is owned by the
// host, so re-registration after a reset acquires nothing new.
func (m *StorageModule) Register(rt *script.Runtime, options map[string]interface{}) error {
	return rt.BindNamespace("storage", map[string]func(goja.FunctionCall) goja.Value{
		"get": func(call goja.FunctionCall) goja.Value {
			value, ok, err := m.store.Get(call.Argument(0).String())
			if err != nil {
				rt.Throw("storage.get: %v", err)
			}
			if !ok {
				return goja.Undefined()
			}
			return rt.VM().ToValue(value)
		},
		"set": func(call goja.FunctionCall) goja.Value {
			if err := m.store.Set(call.Argument(0).String(), call.Argument(1).String()); err != nil {
				rt.Throw("storage.set: %v", err)
			}
			return goja.Undefined()
		},
		"delete": func(call goja.FunctionCall) goja.Value {
			if err := m.store.Delete(call.Argument(0).String()); err != nil {
				rt.Throw("storage.delete: %v", err)
			}
			return goja.Undefined()
		},
		"keys": func(call goja.FunctionCall) goja.Value {
			keys, err := m.store.Keys()
			if err != nil {
				rt.Throw("storage.keys: %v", err)
			}
			return rt.VM().ToValue(keys)
		},
	})
}

// Cleanup is a no-op: the store is host-owned and outlives every context.
func (m *StorageModule) Cleanup() error { return nil }
