package platform

import (
	"context"
	"log/slog"
	"sync"
)

// Factory builds an adapter from the credentials/config subtrees of a
// platform_connect frame. The inbound callback must be invoked for every
// message the adapter receives out-of-band.
type Factory func(credentials, config map[string]any, inbound InboundFunc) Adapter

// Registry is the name→adapter table. Factories are registered once at
// startup; adapters are instantiated on demand from platform_connect
// frames. Safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	adapters  map[string]Adapter
	inbound   InboundFunc
}

// NewRegistry creates a registry delivering inbound messages to the given
// callback.
func NewRegistry(inbound InboundFunc) *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		adapters:  make(map[string]Adapter),
		inbound:   inbound,
	}
}

// RegisterFactory declares a known platform name. Called during startup
// wiring, before any frame is processed.
func (r *Registry) RegisterFactory(name string, f Factory) {
	r.mu.Lock()
	r.factories[name] = f
	r.mu.Unlock()
}

// Connect instantiates an adapter for the named platform and registers it.
// An existing adapter under the same name is superseded and shut down.
// Unknown names get a no-op adapter so the name stays reachable. Empty
// credentials are admitted with a warning; the no-op path means a
// credential-less connect can never reach an external service.
func (r *Registry) Connect(ctx context.Context, name string, credentials, config map[string]any) Adapter {
	if len(credentials) == 0 {
		slog.Warn("platform_connect without credentials", "platform", name)
	}

	r.mu.Lock()
	factory, known := r.factories[name]
	r.mu.Unlock()

	var adapter Adapter
	if known && len(credentials) > 0 {
		adapter = factory(credentials, config, r.inbound)
	} else {
		if !known {
			slog.Warn("unknown platform, registering no-op adapter", "platform", name)
		}
		adapter = &NoopAdapter{Name: name}
	}

	if !adapter.Initialize(ctx) {
		slog.Error("adapter initialization failed", "platform", name)
		adapter.Shutdown()
		adapter = &NoopAdapter{Name: name}
	}

	r.mu.Lock()
	old := r.adapters[name]
	r.adapters[name] = adapter
	r.mu.Unlock()

	if old != nil {
		slog.Info("superseding existing adapter", "platform", name)
		old.Shutdown()
	}
	slog.Info("platform connected", "platform", name, "known", known)
	return adapter
}

// Get returns the active adapter for a platform, or nil.
func (r *Registry) Get(name string) Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.adapters[name]
}

// Names lists the currently connected platforms.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	return out
}

// ShutdownAll closes every adapter, draining the table.
func (r *Registry) ShutdownAll() {
	r.mu.Lock()
	adapters := r.adapters
	r.adapters = make(map[string]Adapter)
	r.mu.Unlock()
	for name, a := range adapters {
		slog.Debug("shutting down adapter", "platform", name)
		a.Shutdown()
	}
}
