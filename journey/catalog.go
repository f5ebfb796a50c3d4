package journey

import (
	"sort"
	"sync"
)

// Catalog is a process-wide registry mapping (graph name, version) to
// graph definitions. Registration is idempotent-overwrite with
// last-write-wins semantics; reads take a shared lock only.
//
// Executions persist the (name, version) pair and the content hash, so
// the catalog must be populated before the engine can advance them. A
// restarted process re-registers its graphs at startup; executions
// referencing unregistered definitions are skipped with an emitted
// event, never destroyed.
type Catalog struct {
	mu     sync.RWMutex
	graphs map[string]map[string]*Graph // name -> version -> graph
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{graphs: make(map[string]map[string]*Graph)}
}

// Register validates the graph and stores it under (Name, Version),
// replacing any previous registration.
func (c *Catalog) Register(g *Graph) error {
	if err := g.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	versions := c.graphs[g.Name]
	if versions == nil {
		versions = make(map[string]*Graph)
		c.graphs[g.Name] = versions
	}
	versions[g.Version] = g
	return nil
}

// Lookup returns the registered definition, or nil.
func (c *Catalog) Lookup(name, version string) *Graph {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.graphs[name][version]
}

// Versions returns all registered versions for a name, sorted
// descending by version string.
func (c *Catalog) Versions(name string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.graphs[name]))
	for v := range c.graphs[name] {
		out = append(out, v)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(out)))
	return out
}
