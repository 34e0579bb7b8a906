package queue

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

// Builder creates an unconfigured backend. Identity and settings are
// supplied afterwards through the Adapter.
type Builder func(ctx context.Context, logger watermill.LoggerAdapter) (Backend, error)

// Capabilities describes what a backend guarantees.
type Capabilities struct {
	Name string
	// Durable records survive a process crash once Enqueue returns.
	Durable bool
	// CrossProcess allows a producer and a consumer in distinct processes.
	CrossProcess bool
	// Composite backends build sub-queues from their configuration node.
	Composite bool
}

// Registry maps backend type names to builders. Names are case-insensitive.
// Backend packages register themselves from init.
type Registry struct {
	mu           sync.RWMutex
	builders     map[string]Builder
	capabilities map[string]Capabilities
}

// DefaultRegistry is the global backend registry.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		builders:     make(map[string]Builder),
		capabilities: make(map[string]Capabilities),
	}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds a builder under name.
func (r *Registry) Register(name string, builder Builder) {
	r.RegisterWithCapabilities(name, builder, Capabilities{Name: name})
}

// RegisterWithCapabilities adds a builder and its capabilities under name.
func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := normalize(name)
	r.builders[key] = builder
	if caps.Name == "" {
		caps.Name = name
	}
	r.capabilities[key] = caps
}

// GetCapabilities returns the capabilities of name, or a zero value holding
// only the name when it is unknown.
func (r *Registry) GetCapabilities(name string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if caps, ok := r.capabilities[normalize(name)]; ok {
		return caps
	}
	return Capabilities{Name: name}
}

// Build creates a backend of type name. Unknown names and builder failures
// wrap ErrBackendUnavailable.
func (r *Registry) Build(ctx context.Context, name string, logger watermill.LoggerAdapter) (Backend, error) {
	r.mu.RLock()
	builder, ok := r.builders[normalize(name)]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: unknown backend type %q (registered: %v)", ErrBackendUnavailable, name, r.Names())
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	backend, err := builder(ctx, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: build %q: %w", ErrBackendUnavailable, name, err)
	}
	if backend == nil {
		return nil, fmt.Errorf("%w: builder for %q returned no backend", ErrBackendUnavailable, name)
	}
	return backend, nil
}

// Names returns the sorted registered names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[normalize(name)]
	return ok
}

// Register adds a builder to DefaultRegistry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// RegisterWithCapabilities adds a builder and its capabilities to
// DefaultRegistry.
func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}
