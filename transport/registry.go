package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

// Registry maintains a mapping of transport names to their builders, probers
// and capabilities. Transport packages register themselves using Register.
type Registry struct {
	mu           sync.RWMutex
	builders     map[string]Builder
	probers      map[string]Prober
	capabilities map[string]Capabilities
}

// DefaultRegistry is the registry populated by the transport packages' Register functions.
var DefaultRegistry = NewRegistry()

// NewRegistry creates a new transport registry.
func NewRegistry() *Registry {
	return &Registry{
		builders:     make(map[string]Builder),
		probers:      make(map[string]Prober),
		capabilities: make(map[string]Capabilities),
	}
}

// Register adds a transport builder to the registry.
// The name should match the broker.transport config value (e.g., "nats", "rabbitmq").
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = builder
}

// RegisterWithCapabilities adds a transport builder and its capabilities to the registry.
func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = builder
	r.capabilities[name] = caps
}

// RegisterProber attaches a connectivity prober to a transport name.
func (r *Registry) RegisterProber(name string, prober Prober) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probers[name] = prober
}

// GetCapabilities returns the capabilities for a registered transport.
// Returns a zero Capabilities struct if the transport is unknown.
func (r *Registry) GetCapabilities(name string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if caps, ok := r.capabilities[name]; ok {
		return caps
	}
	return Capabilities{Name: name}
}

// Build creates a transport using the builder registered for cfg.GetTransport().
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	if cfg == nil {
		return Transport{}, fmt.Errorf("config is required")
	}

	builder, err := r.builder(cfg.GetTransport())
	if err != nil {
		return Transport{}, err
	}
	return builder(ctx, cfg, logger)
}

// Probe verifies that the configured broker accepts connections. Transports
// without a dedicated prober are probed by building and closing a transport.
func (r *Registry) Probe(ctx context.Context, cfg Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	name := cfg.GetTransport()
	r.mu.RLock()
	prober, ok := r.probers[name]
	r.mu.RUnlock()
	if ok {
		return prober(ctx, cfg)
	}

	builder, err := r.builder(name)
	if err != nil {
		return err
	}
	t, err := builder(ctx, cfg, watermill.NopLogger{})
	if err != nil {
		return err
	}
	return t.Close()
}

func (r *Registry) builder(name string) (Builder, error) {
	r.mu.RLock()
	builder, ok := r.builders[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownTransport, name, r.Names())
	}
	return builder, nil
}

// Names returns the sorted list of registered transport names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has returns true if a transport is registered with the given name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[name]
	return ok
}

// Register adds a transport builder to the default registry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// RegisterWithCapabilities adds a transport builder and its capabilities to the default registry.
func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}

// RegisterProber attaches a prober to a transport in the default registry.
func RegisterProber(name string, prober Prober) {
	DefaultRegistry.RegisterProber(name, prober)
}

// Build creates a transport using the default registry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
