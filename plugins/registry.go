package plugins

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/InsulaLabs/fact/models"
)

type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	plugins map[string]Plugin
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:  logger.WithGroup("registry"),
		plugins: make(map[string]Plugin),
	}
}

func (r *Registry) Register(p Plugin) error {
	d := p.Descriptor()
	if d.Name == "" {
		return fmt.Errorf("plugin descriptor has no name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[d.Name]; exists {
		return &DuplicateNameError{Name: d.Name}
	}
	r.plugins[d.Name] = p
	r.logger.Debug("plugin registered", "name", d.Name, "version", d.Version, "dependencies", d.Dependencies)
	return nil
}

func (r *Registry) Get(name string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	return p, nil
}

// All returns a snapshot of the registered plugins in no particular order.
func (r *Registry) All() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Collect(maps.Values(r.plugins))
}

// Descriptors returns a snapshot of every descriptor, keyed by name.
func (r *Registry) Descriptors() map[string]Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Descriptor, len(r.plugins))
	for name, p := range r.plugins {
		out[name] = p.Descriptor()
	}
	return out
}

// Info condenses the registry to what the status endpoint shows.
func (r *Registry) Info() map[string]models.PluginInfo {
	out := map[string]models.PluginInfo{}
	for name, d := range r.Descriptors() {
		out[name] = models.PluginInfo{
			Description:  d.Description,
			Version:      d.Version,
			Dependencies: d.Dependencies,
		}
	}
	return out
}
