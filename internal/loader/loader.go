// Package loader implements the Middleware Loader (C2): resolving a named
// plug-in, scoped by kind, to an executable handler built from caller
// options. Strategies/handlers are registered by id into a kind-keyed
// registry at startup (spec.md §9 "named registry"); there is no dynamic
// code loading from disk in the core.
package loader

import (
	"fmt"
	"sync"

	"github.com/coregate/gateway/internal/gwerrors"
)

// Kind namespaces a plug-in family, e.g. "authentication.strategy" or
// "circuitbreaker.handler".
type Kind string

const (
	KindAuthenticationStrategy Kind = "authentication.strategy"
	KindCircuitBreakerHandler  Kind = "circuitbreaker.handler"
	KindRateLimiterKeygen      Kind = "ratelimiter.keygen"
)

// Handler is whatever a Factory produces; callers within a given kind know
// the concrete type to assert to (e.g. authn.Authenticator).
type Handler interface{}

// Factory builds a Handler from a plug-in name plus arbitrary options.
type Factory func(name string, options map[string]interface{}) (Handler, error)

// Registry resolves (kind, name) pairs to handlers via registered
// factories. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[Kind]map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[Kind]map[string]Factory)}
}

// Register adds a factory for (kind, name). Re-registering the same pair
// replaces the previous factory.
func (r *Registry) Register(kind Kind, name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byName, ok := r.factories[kind]
	if !ok {
		byName = make(map[string]Factory)
		r.factories[kind] = byName
	}
	byName[name] = f
}

// Load resolves (kind, name) and invokes its factory with options. An
// unknown kind or name produces a *gwerrors.LoaderError.
func (r *Registry) Load(kind Kind, name string, options map[string]interface{}) (Handler, error) {
	r.mu.RLock()
	byName, ok := r.factories[kind]
	var f Factory
	if ok {
		f, ok = byName[name]
	}
	r.mu.RUnlock()

	if !ok {
		return nil, &gwerrors.LoaderError{
			Kind: string(kind),
			Name: name,
			Err:  fmt.Errorf("no handler registered"),
		}
	}

	h, err := f(name, options)
	if err != nil {
		return nil, &gwerrors.LoaderError{Kind: string(kind), Name: name, Err: err}
	}
	return h, nil
}
