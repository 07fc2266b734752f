package connectors

import (
	"fmt"
	"sort"

	"github.com/poblysh/pollen/pkg/models"
)

// Registry is the read-only provider lookup table built once at startup.
type Registry struct {
	byName map[string]Connector
}

// NewRegistry builds a registry from the given connectors. Duplicate names
// are a programming error and rejected.
func NewRegistry(conns ...Connector) (*Registry, error) {
	byName := make(map[string]Connector, len(conns))
	for _, c := range conns {
		if _, exists := byName[c.Name()]; exists {
			return nil, fmt.Errorf("duplicate connector registered: %s", c.Name())
		}
		byName[c.Name()] = c
	}
	return &Registry{byName: byName}, nil
}

// Get returns the connector for name, or ErrUnknownProvider.
func (r *Registry) Get(name string) (Connector, error) {
	c, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return c, nil
}

// Has reports whether name is a registered provider.
func (r *Registry) Has(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// ListMetadata returns all provider catalog entries sorted by name so API
// consumers see a deterministic order.
func (r *Registry) ListMetadata() []models.Provider {
	out := make([]models.Provider, 0, len(r.byName))
	for _, c := range r.byName {
		out = append(out, c.Metadata())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}
