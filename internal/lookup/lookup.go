// Package lookup resolves rule data requirements against external services,
// caching results by canonical request key and collapsing concurrent
// identical requests into one service call.
package lookup

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/reflex/internal/errs"
	"github.com/roach88/reflex/internal/rule"
	"github.com/roach88/reflex/internal/service"
	"github.com/roach88/reflex/internal/value"
)

// Request is a single data requirement with its arguments already resolved.
type Request struct {
	Name    string
	Service string
	Method  string
	Args    []value.Value
	TTL     time.Duration
	OnError rule.OnError
}

// Skipped records a lookup that failed under the skip policy. The name is
// simply absent from the result map.
type Skipped struct {
	Name string
	Err  error
}

// CacheKey derives the cache identity of a call from its service, method and
// canonically serialized arguments, so structurally equal argument lists hit
// the same entry regardless of map ordering.
func CacheKey(svc, method string, args []value.Value) (string, error) {
	canon, err := value.Canonical(value.List(args))
	if err != nil {
		return "", err
	}
	return svc + "|" + method + "|" + string(canon), nil
}

type cacheEntry struct {
	value     value.Value
	expiresAt time.Time
}

// Resolver performs lookups through a service registry with TTL caching and
// single-flight deduplication. Safe for concurrent use.
type Resolver struct {
	registry *service.Registry
	clock    clockwork.Clock
	timeout  time.Duration
	onCache  func(hit bool)

	flight singleflight.Group

	mu    sync.Mutex
	cache map[string]cacheEntry
}

func NewResolver(registry *service.Registry, clock clockwork.Clock) *Resolver {
	return &Resolver{
		registry: registry,
		clock:    clock,
		cache:    make(map[string]cacheEntry),
	}
}

// SetTimeout bounds each underlying service call. Zero means no limit.
func (r *Resolver) SetTimeout(d time.Duration) { r.timeout = d }

// SetStatsHook registers a hit/miss observer. Set before the first Resolve;
// the hook must be safe to call from multiple goroutines.
func (r *Resolver) SetStatsHook(fn func(hit bool)) { r.onCache = fn }

// Resolve returns the cached value for the request or performs the service
// call. Concurrent calls with the same key share one in-flight request; the
// winner populates the cache when the request carries a TTL. The returned
// value is a private copy.
func (r *Resolver) Resolve(ctx context.Context, req Request) (value.Value, error) {
	key, err := CacheKey(req.Service, req.Method, req.Args)
	if err != nil {
		return nil, errs.Wrapf(errs.KindDataResolution, err, "lookup %q key", req.Name)
	}

	if v, ok := r.cached(key); ok {
		if r.onCache != nil {
			r.onCache(true)
		}
		return value.Clone(v), nil
	}
	if r.onCache != nil {
		r.onCache(false)
	}

	out, err, _ := r.flight.Do(key, func() (any, error) {
		// A losing waiter from a previous flight may have stored the
		// entry between our cache miss and winning this flight.
		if v, ok := r.cached(key); ok {
			return v, nil
		}
		callCtx := ctx
		if r.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
		v, err := r.registry.Call(callCtx, req.Service, req.Method, req.Args)
		if err != nil {
			return nil, err
		}
		if req.TTL > 0 {
			r.put(key, v, req.TTL)
		}
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return value.Clone(out.(value.Value)), nil
}

// ResolveAll fans the requests out in parallel and awaits every one of them.
// Failures under the skip policy are reported in the second return value and
// leave the name absent from the map; the first failure in declaration order
// under the fail policy aborts the whole batch.
func (r *Resolver) ResolveAll(ctx context.Context, reqs []Request) (value.Map, []Skipped, error) {
	if len(reqs) == 0 {
		return value.Map{}, nil, nil
	}

	outs := make([]value.Value, len(reqs))
	fails := make([]error, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()
			v, err := r.Resolve(ctx, req)
			if err != nil {
				fails[i] = err
				return
			}
			outs[i] = v
		}(i, req)
	}
	wg.Wait()

	results := make(value.Map, len(reqs))
	var skipped []Skipped
	for i, req := range reqs {
		if err := fails[i]; err != nil {
			if req.OnError == rule.OnErrorFail {
				return nil, nil, errs.Wrapf(errs.KindDataResolution, err, "lookup %q", req.Name)
			}
			skipped = append(skipped, Skipped{Name: req.Name, Err: err})
			continue
		}
		results[req.Name] = outs[i]
	}
	return results, skipped, nil
}

// Sweep evicts expired cache entries and returns how many were removed.
func (r *Resolver) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	removed := 0
	for key, e := range r.cache {
		if !now.Before(e.expiresAt) {
			delete(r.cache, key)
			removed++
		}
	}
	return removed
}

// Size reports the number of cached entries, including any not yet swept.
func (r *Resolver) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}

// Clear drops every cached entry.
func (r *Resolver) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]cacheEntry)
}

func (r *Resolver) cached(key string) (value.Value, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cache[key]
	if !ok {
		return nil, false
	}
	if !r.clock.Now().Before(e.expiresAt) {
		delete(r.cache, key)
		return nil, false
	}
	return e.value, true
}

func (r *Resolver) put(key string, v value.Value, ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[key] = cacheEntry{value: value.Clone(v), expiresAt: r.clock.Now().Add(ttl)}
}
