/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"sort"
	"sync"
)

// Registry stores named limiters. It's safe for concurrent use.
// Usually there is a single Registry per process, but it's a regular object,
// so tests (or different parts of an application) may use independent registries.
type Registry struct {
	source ConfigSource
	opts   LimiterOpts

	mu       sync.RWMutex
	limiters map[string]*Limiter
}

// NewRegistry creates a new Registry. All limiters created by the registry
// read their configuration from the given source (may be nil) and share the given options.
func NewRegistry(source ConfigSource, opts LimiterOpts) *Registry {
	return &Registry{
		source:   source,
		opts:     opts,
		limiters: make(map[string]*Limiter),
	}
}

// Get returns a limiter by name. If there is no such limiter yet, it's created with the given params.
// The first registration wins: params passed in subsequent calls for the same name are ignored.
// Exactly one limiter is created per name even if Get is called concurrently.
func (r *Registry) Get(name string, params LimiterParams) *Limiter {
	r.mu.RLock()
	limiter, ok := r.limiters[name]
	r.mu.RUnlock()
	if ok {
		return limiter
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if limiter, ok = r.limiters[name]; ok {
		return limiter
	}
	limiter = NewLimiter(name, r.source, params, r.opts)
	r.limiters[name] = limiter
	return limiter
}

// Lookup returns a limiter by name if it has been already registered.
func (r *Registry) Lookup(name string) (*Limiter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	limiter, ok := r.limiters[name]
	return limiter, ok
}

// Names returns sorted names of all registered limiters.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.limiters))
	for name := range r.limiters {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Sweep evicts stale client windows in all registered limiters and returns their total number.
func (r *Registry) Sweep() int {
	r.mu.RLock()
	limiters := make([]*Limiter, 0, len(r.limiters))
	for _, limiter := range r.limiters {
		limiters = append(limiters, limiter)
	}
	r.mu.RUnlock()

	evicted := 0
	for _, limiter := range limiters {
		evicted += limiter.Sweep()
	}
	return evicted
}

// Run does a single sweep pass. It allows using Registry as a worker that is run periodically
// (e.g. by service.PeriodicWorker) when lazy sweeping during Allow calls is not enough
// (for example, when some limiters receive no traffic for a long time).
func (r *Registry) Run(_ context.Context) error {
	r.Sweep()
	return nil
}
