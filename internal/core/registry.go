package core

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// registry holds the compiled-in modules, keyed by ID.
type registry struct {
	mu   sync.RWMutex
	byID map[ModuleID]ModuleInfo
}

var compiled = &registry{byID: make(map[ModuleID]ModuleInfo)}

func (r *registry) add(info ModuleInfo) error {
	if err := checkModuleID(info.ID); err != nil {
		return err
	}
	if info.New == nil {
		return fmt.Errorf("module %s: New function must not be nil", info.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byID[info.ID]; dup {
		return fmt.Errorf("module already registered: %s", info.ID)
	}
	r.byID[info.ID] = info
	return nil
}

func (r *registry) lookup(id ModuleID) (ModuleInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.byID[id]
	return info, ok
}

// list returns the modules accepted by keep, ordered by ID.
func (r *registry) list(keep func(ModuleID) bool) []ModuleInfo {
	r.mu.RLock()
	out := make([]ModuleInfo, 0, len(r.byID))
	for id, info := range r.byID {
		if keep == nil || keep(id) {
			out = append(out, info)
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b ModuleInfo) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// checkModuleID requires a "namespace.name" ID without whitespace.
func checkModuleID(id ModuleID) error {
	switch {
	case id == "":
		return fmt.Errorf("module ID must not be empty")
	case strings.ContainsAny(string(id), " \t\n"):
		return fmt.Errorf("module ID %q must not contain whitespace", id)
	case !strings.Contains(string(id), ".") || id.Namespace() == "" || id.Name() == "":
		return fmt.Errorf("module ID %q must have the form namespace.name", id)
	}
	return nil
}

// RegisterModule records a compiled-in module. It is meant to be called from
// init() and panics on an invalid or duplicate ID.
func RegisterModule(instance Module) {
	if err := compiled.add(instance.ModuleInfo()); err != nil {
		panic(err.Error())
	}
}

// GetModule returns the ModuleInfo for the given ID, or false if not found.
func GetModule(id string) (ModuleInfo, bool) {
	return compiled.lookup(ModuleID(id))
}

// GetModules returns all registered modules sorted by ID.
func GetModules() []ModuleInfo {
	return compiled.list(nil)
}

// GetModulesByNamespace returns the modules of one namespace, e.g. "channel"
// for "channel.telegram".
func GetModulesByNamespace(namespace string) []ModuleInfo {
	return compiled.list(func(id ModuleID) bool { return id.Namespace() == namespace })
}

// Namespaces returns the distinct namespaces of the registered modules.
func Namespaces() []string {
	var out []string
	for _, info := range GetModules() {
		if ns := info.ID.Namespace(); !slices.Contains(out, ns) {
			out = append(out, ns)
		}
	}
	return out
}

// resetRegistry clears the registry. Only for testing.
func resetRegistry() {
	compiled.mu.Lock()
	defer compiled.mu.Unlock()
	compiled.byID = make(map[ModuleID]ModuleInfo)
}
