// Package service holds the registry of external services that rules may
// invoke through lookups and call_service actions.
package service

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"github.com/roach88/reflex/internal/errs"
	"github.com/roach88/reflex/internal/value"
)

// Service is an external capability invokable by name. Methods receive
// positional, already-resolved arguments and may suspend on I/O.
type Service interface {
	Call(ctx context.Context, method string, args []value.Value) (value.Value, error)
}

// MethodMap builds a Service from named method handlers.
type MethodMap map[string]func(ctx context.Context, args []value.Value) (value.Value, error)

func (m MethodMap) Call(ctx context.Context, method string, args []value.Value) (value.Value, error) {
	fn, ok := m[method]
	if !ok {
		return nil, errs.NotFoundf("unknown method %q", method)
	}
	return fn(ctx, args)
}

// Registry maps service names to implementations. Registration is expected
// at setup time; Call is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	svc     Service
	limiter *rate.Limiter
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register binds svc under name, replacing any previous binding. An existing
// rate limit for the name is kept.
func (r *Registry) Register(name string, svc Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		e.svc = svc
		return
	}
	r.entries[name] = &entry{svc: svc}
}

// Unregister removes the named service and reports whether it existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[name]
	delete(r.entries, name)
	return ok
}

// SetRateLimit throttles calls to the named service. Callers block in Call
// until a token is available or their context is done. A burst below 1 is
// treated as 1.
func (r *Registry) SetRateLimit(name string, limit rate.Limit, burst int) error {
	if burst < 1 {
		burst = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return errs.NotFoundf("service %q not registered", name)
	}
	e.limiter = rate.NewLimiter(limit, burst)
	return nil
}

// Names returns the registered service names in sorted order.
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

// Call invokes method on the named service. Unknown services yield a
// service_unavailable error; the service's own errors pass through
// unwrapped so callers keep their kind.
func (r *Registry) Call(ctx context.Context, name, method string, args []value.Value) (value.Value, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	var limiter *rate.Limiter
	if ok {
		limiter = e.limiter
	}
	r.mu.RUnlock()

	if !ok {
		return nil, errs.Unavailablef("service %q not registered", name)
	}
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, errs.Wrapf(errs.KindServiceCall, err, "service %q rate limit", name)
		}
	}
	return e.svc.Call(ctx, method, args)
}
