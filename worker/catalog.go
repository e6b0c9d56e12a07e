package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/deepnoodle-ai/flow"
)

// Catalog is an in-memory DefinitionSource keyed by workflow id.
type Catalog struct {
	mu   sync.RWMutex
	defs map[string]*flow.Definition
}

func NewCatalog(defs ...*flow.Definition) *Catalog {
	c := &Catalog{defs: map[string]*flow.Definition{}}
	for _, def := range defs {
		c.Add(def.ID, def)
	}
	return c
}

// LoadCatalog reads every .yaml, .yml and .json definition in dir. A file's
// workflow id is its "id" field, or the file name without extension.
func LoadCatalog(dir string) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions directory: %w", err)
	}
	c := NewCatalog()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		def, err := flow.LoadDefinitionFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if _, exists := c.defs[def.ID]; exists {
			return nil, fmt.Errorf("duplicate workflow id %q in %s", def.ID, entry.Name())
		}
		c.Add(def.ID, def)
	}
	return c, nil
}

// Add registers or replaces a definition.
func (c *Catalog) Add(id string, def *flow.Definition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defs[id] = def
}

func (c *Catalog) Definition(ctx context.Context, workflowID string) (*flow.Definition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.defs[workflowID]
	if !ok {
		return nil, fmt.Errorf("workflow %q: %w", workflowID, flow.ErrNotFound)
	}
	return def, nil
}

// IDs returns the registered workflow ids, sorted.
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.defs))
	for id := range c.defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
