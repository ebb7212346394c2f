package record

import (
	"fmt"
	"sort"
	"sync"
)

// Factory creates a new, empty instance of an entity type.
type Factory func() (Entity, error)

// Registry maps entity type names to the factories that build them. It is the
// only way the data provider creates entities, so every type that is searched
// for by name must be registered.
//
// The zero value is ready to use and a Registry is safe for concurrent use.
type Registry struct {
	mtx       sync.RWMutex
	factories map[string]Factory
}

// Register adds the factory for the named entity type. Registering the same
// name twice is an error.
func (reg *Registry) Register(name string, f Factory) error {
	if f == nil {
		return fmt.Errorf("nil factory for %q", name)
	}

	reg.mtx.Lock()
	defer reg.mtx.Unlock()

	if reg.factories == nil {
		reg.factories = map[string]Factory{}
	}
	if _, ok := reg.factories[name]; ok {
		return fmt.Errorf("duplicate entity type %q", name)
	}

	reg.factories[name] = f
	return nil
}

// MustRegister is Register but panics on error.
func (reg *Registry) MustRegister(name string, f Factory) {
	if err := reg.Register(name, f); err != nil {
		panic(err.Error())
	}
}

// New builds an empty instance of the named entity type.
func (reg *Registry) New(name string) (Entity, error) {
	reg.mtx.RLock()
	f, ok := reg.factories[name]
	reg.mtx.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", name)
	}

	e, err := f()
	if err != nil {
		return nil, err
	}
	if e == nil || e.Rec() == nil {
		return nil, fmt.Errorf("factory for %q returned no record", name)
	}
	return e, nil
}

// Names returns the registered entity type names in sorted order.
func (reg *Registry) Names() []string {
	reg.mtx.RLock()
	defer reg.mtx.RUnlock()

	names := make([]string, 0, len(reg.factories))
	for k := range reg.factories {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// SchemaFactory returns a Factory that builds plain *Record entities of s.
func SchemaFactory(s *Schema) Factory {
	return func() (Entity, error) {
		return New(s)
	}
}
