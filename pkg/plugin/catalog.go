package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// Factory creates a fresh plugin instance for one sandbox
type Factory func() (Plugin, error)

// Static returns a factory that always yields p
func Static(p Plugin) Factory {
	return func() (Plugin, error) { return p, nil }
}

// Catalog maps plugin names to factories. It is how a sandbox resolves the
// plugin named in init.
type Catalog struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewCatalog creates an empty catalog
func NewCatalog() *Catalog {
	return &Catalog{
		factories: make(map[string]Factory),
	}
}

// DefaultCatalog is filled by plugin packages from their init functions.
var DefaultCatalog = NewCatalog()

// Add registers a factory under name
func (c *Catalog) Add(name string, factory Factory) error {
	if name == "" || factory == nil {
		return fmt.Errorf("%w: catalog entry needs a name and a factory", ErrInvalidRegistration)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.factories[name]; exists {
		return fmt.Errorf("%w: %s", ErrPluginExists, name)
	}
	c.factories[name] = factory
	return nil
}

// Load creates the plugin registered under name
func (c *Catalog) Load(name string) (Plugin, error) {
	c.mu.RLock()
	factory, ok := c.factories[name]
	c.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}

	p, err := factory()
	if err != nil {
		return nil, fmt.Errorf("failed to create plugin %s: %w", name, err)
	}
	if p == nil {
		return nil, fmt.Errorf("failed to create plugin %s: factory returned nil", name)
	}
	return p, nil
}

// Has reports whether name is registered
func (c *Catalog) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.factories[name]
	return ok
}

// Names returns the registered names in sorted order
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.factories))
	for name := range c.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register adds a factory to DefaultCatalog and panics on duplicates.
// It is meant to be called from init.
func Register(name string, factory Factory) {
	if err := DefaultCatalog.Add(name, factory); err != nil {
		panic(err)
	}
}
