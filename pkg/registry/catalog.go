package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Factory instantiates a capability under the given service name. cfg is the
// manifest entry's config block (nil when absent).
type Factory func(name string, cfg map[string]any) (Function, error)

// Capability is a compiled-in implementation that manifests can expose.
type Capability struct {
	// ID is the stable identifier manifests refer to (e.g. "math.add").
	ID string

	// DefaultName is the service name used when the registry is seeded
	// without manifests. Empty means the capability needs explicit config
	// and is never seeded.
	DefaultName string

	Description string
	Factory     Factory
}

// Catalog is the closed set of capabilities known to the binary.
type Catalog struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

func NewCatalog() *Catalog {
	return &Catalog{caps: make(map[string]Capability)}
}

// Add registers a capability. Duplicate ids are a programming error.
func (c *Catalog) Add(capability Capability) error {
	id := strings.TrimSpace(capability.ID)
	if id == "" {
		return fmt.Errorf("capability id is required")
	}
	if capability.Factory == nil {
		return fmt.Errorf("capability %q has no factory", id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.caps[id]; exists {
		return fmt.Errorf("capability %q already registered", id)
	}
	capability.ID = id
	c.caps[id] = capability
	return nil
}

// MustAdd is Add for init-time registration.
func (c *Catalog) MustAdd(capability Capability) {
	if err := c.Add(capability); err != nil {
		panic(err)
	}
}

func (c *Catalog) Lookup(id string) (Capability, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	capability, ok := c.caps[strings.TrimSpace(id)]
	return capability, ok
}

// IDs returns the sorted capability ids.
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.caps))
	for id := range c.caps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Build instantiates capability id as service name.
func (c *Catalog) Build(id, name string, cfg map[string]any) (Function, error) {
	capability, ok := c.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("unknown capability %q", id)
	}
	fn, err := capability.Factory(name, cfg)
	if err != nil {
		return nil, fmt.Errorf("build %s as %q: %w", id, name, err)
	}
	return fn, nil
}
