package stage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"vectorflow/internal/pipeline"
	"vectorflow/internal/services"
)

// Registry resolves plugin names to handlers. Handlers are registered once at
// startup and looked up per work item.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns a registry holding the built-in plugins.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[string]Handler)}
	_ = r.Register(PluginPassthrough, Passthrough{})
	return r
}

// Register adds handler under name. Names are case-insensitive and may only
// be registered once.
func (r *Registry) Register(name string, handler Handler) error {
	key := normalize(name)
	if key == "" || handler == nil {
		return fmt.Errorf("stage plugin registration requires a name and handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[key]; dup {
		return fmt.Errorf("stage plugin %q already registered", name)
	}
	r.handlers[key] = handler
	return nil
}

// Get returns the handler for name or an error matching
// services.ErrConfiguration.
func (r *Registry) Get(name string) (Handler, error) {
	r.mu.RLock()
	handler, ok := r.handlers[normalize(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, services.Wrap(services.ErrConfiguration, "stage", "resolve plugin",
			fmt.Sprintf("no handler registered for plugin %q", name), nil)
	}
	return handler, nil
}

// Names lists registered plugins.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that every stage of every definition has a handler.
func (r *Registry) Validate(defs []pipeline.Definition) error {
	var errs []error
	for _, def := range defs {
		for _, st := range def.Stages {
			if _, err := r.Get(st.Plugin); err != nil {
				errs = append(errs, fmt.Errorf("pipeline %s stage %s: %w", def.Name, st.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Health runs every handler's health check.
func (r *Registry) Health(ctx context.Context) []Health {
	r.mu.RLock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	out := make([]Health, 0, len(names))
	for _, name := range names {
		handler, err := r.Get(name)
		if err != nil {
			continue
		}
		if ctx.Err() != nil {
			out = append(out, Unhealthy(name, "health check cancelled: "+ctx.Err().Error()))
			continue
		}
		h := handler.HealthCheck(ctx)
		if h.Name == "" {
			h.Name = name
		}
		out = append(out, h)
	}
	return out
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
