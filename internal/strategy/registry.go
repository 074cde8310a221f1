package strategy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/microflow/internal/domain"
)

// InstanceInfo identifies a registered instance (for status APIs).
type InstanceInfo struct {
	Key    string `json:"key"`
	Symbol string `json:"symbol"`
}

// Registry holds the strategy instances keyed by instance key. It is safe
// for concurrent use.
type Registry struct {
	instances map[string]*Instance
	mu        sync.RWMutex
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{
		instances: make(map[string]*Instance),
	}
}

// Register adds an instance. Keys are unique.
func (r *Registry) Register(inst *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[inst.Key()]; ok {
		return fmt.Errorf("instance %q: %w", inst.Key(), domain.ErrAlreadyExists)
	}
	r.instances[inst.Key()] = inst
	return nil
}

// Get retrieves an instance by key.
func (r *Registry) Get(key string) (*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.instances[key]
	if !ok {
		return nil, fmt.Errorf("instance %q: %w", key, domain.ErrNotFound)
	}
	return inst, nil
}

// List returns the keys of all registered instances in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.instances))
	for k := range r.instances {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ForSymbol returns the instances trading symbol, ordered by key.
func (r *Registry) ForSymbol(symbol string) []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Instance
	for _, inst := range r.instances {
		if inst.Symbol() == symbol {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Key() < out[b].Key() })
	return out
}

// Symbols returns the distinct symbols traded by registered instances.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	for _, inst := range r.instances {
		if _, ok := seen[inst.Symbol()]; ok {
			continue
		}
		seen[inst.Symbol()] = struct{}{}
		out = append(out, inst.Symbol())
	}
	sort.Strings(out)
	return out
}

// ListInfo returns identity info for all registered instances.
func (r *Registry) ListInfo() []InstanceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]InstanceInfo, 0, len(r.instances))
	for _, inst := range r.instances {
		infos = append(infos, InstanceInfo{Key: inst.Key(), Symbol: inst.Symbol()})
	}
	sort.Slice(infos, func(a, b int) bool { return infos[a].Key < infos[b].Key })
	return infos
}
