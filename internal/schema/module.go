// Package schema holds the statically known model modules a configuration
// may permit.
//
// Modules are registered explicitly, usually from an init function next to
// the model definitions:
//
//	func init() {
//		schema.MustRegister(schema.Module{Name: "app", Models: []ir.ModelSpec{...}})
//	}
//
// Configurations name the modules they allow; the union of those modules'
// models is the permitted model set for the file.
package schema

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/roach88/keel/internal/ir"
)

// DefaultModuleName is the module used when a configuration names none.
const DefaultModuleName = "default"

// Module is a named set of model descriptors.
type Module struct {
	Name   string
	Models []ir.ModelSpec
}

// Model returns the named model.
func (m Module) Model(name string) (ir.ModelSpec, bool) {
	for _, spec := range m.Models {
		if spec.Name == name {
			return spec, true
		}
	}
	return ir.ModelSpec{}, false
}

var (
	mu       sync.RWMutex
	registry = map[string]Module{}
)

// Register adds a module to the process-wide registration table.
// Re-registering an identical module is a no-op; a different module under an
// existing name is an error.
func Register(m Module) error {
	if m.Name == "" {
		return fmt.Errorf("register module: empty name")
	}
	if _, err := Models(m); err != nil {
		return fmt.Errorf("register module %q: %w", m.Name, err)
	}

	mu.Lock()
	defer mu.Unlock()

	if prev, ok := registry[m.Name]; ok {
		a, err := ir.ModelSetFingerprint(prev.Models)
		if err != nil {
			return err
		}
		b, err := ir.ModelSetFingerprint(m.Models)
		if err != nil {
			return err
		}
		if a != b {
			return fmt.Errorf("register module %q: already registered with different models", m.Name)
		}
		return nil
	}
	registry[m.Name] = m
	return nil
}

// MustRegister is like Register but panics on error.
func MustRegister(m Module) {
	if err := Register(m); err != nil {
		panic(err)
	}
}

// Lookup returns a registered module by name.
func Lookup(name string) (Module, bool) {
	mu.RLock()
	defer mu.RUnlock()
	m, ok := registry[name]
	return m, ok
}

// Resolve looks up every named module, failing on the first unknown name.
func Resolve(names ...string) ([]Module, error) {
	mods := make([]Module, 0, len(names))
	for _, name := range names {
		m, ok := Lookup(name)
		if !ok {
			return nil, fmt.Errorf("unknown module %q", name)
		}
		mods = append(mods, m)
	}
	return mods, nil
}

// Names returns registered module names in sorted order.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Models flattens modules into a permitted model set sorted by name.
// A model name may appear in several modules only with an identical shape.
func Models(mods ...Module) ([]ir.ModelSpec, error) {
	byName := make(map[string]ir.ModelSpec)
	for _, mod := range mods {
		for _, spec := range mod.Models {
			if errs := spec.Validate(); len(errs) > 0 {
				return nil, fmt.Errorf("model %q: %w", spec.Name, errs[0])
			}
			if prev, ok := byName[spec.Name]; ok {
				a, _ := ir.ModelFingerprint(prev)
				b, _ := ir.ModelFingerprint(spec)
				if a != b {
					return nil, fmt.Errorf("model %q declared twice with different fields", spec.Name)
				}
				continue
			}
			byName[spec.Name] = spec
		}
	}

	out := make([]ir.ModelSpec, 0, len(byName))
	for _, spec := range byName {
		out = append(out, spec)
	}
	slices.SortFunc(out, func(a, b ir.ModelSpec) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func unregister(name string) {
	mu.Lock()
	defer mu.Unlock()
	delete(registry, name)
}
