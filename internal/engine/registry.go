package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrConnectorNotRegistered = errors.New("engine: connector not registered")

type Capabilities struct {
	ServerPaging  bool
	PlanEstimate  bool
	ExactMetadata bool
	Introspection bool
}

type Registration struct {
	Connector Connector
	Caps      Capabilities
	Estimator RowEstimator
	Counter   ExactCounter
	Inspector Introspector
}

// Registry holds the connectors a router may execute against. Capabilities
// are resolved once here, at registration, not re-asserted per call.
// Registering a connector under an existing name replaces it.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Registration
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]Registration{}}
}

func (r *Registry) Register(conn Connector) error {
	if conn == nil {
		return fmt.Errorf("connector is required")
	}
	name := conn.Name()
	if name == "" {
		return fmt.Errorf("connector name is required")
	}

	reg := Registration{Connector: conn}
	if estimator, ok := conn.(RowEstimator); ok {
		reg.Estimator = estimator
		reg.Caps.PlanEstimate = true
	}
	if counter, ok := conn.(ExactCounter); ok {
		reg.Counter = counter
		reg.Caps.ExactMetadata = true
	}
	if pager, ok := conn.(ServerPager); ok && pager.SupportsServerPaging() {
		reg.Caps.ServerPaging = true
	}
	if inspector, ok := conn.(Introspector); ok {
		reg.Inspector = inspector
		reg.Caps.Introspection = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = reg
	return nil
}

func (r *Registry) Get(name string) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[name]
	if !ok {
		return Registration{}, fmt.Errorf("connector %q: %w", name, ErrConnectorNotRegistered)
	}
	return reg, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
