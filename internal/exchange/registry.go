package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/GoPolymarket/tradefeed/internal/model"
	"golang.org/x/time/rate"
)

var ErrUnknownExchange = errors.New("exchange: no adapter registered")

// Registry maps exchange names to adapters, each paired with a rate limiter
// shared by every sync cycle that talks to that exchange.
type Registry struct {
	mu       sync.RWMutex
	adapters map[model.Exchange]Adapter
	limiters map[model.Exchange]*rate.Limiter
}

func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[model.Exchange]Adapter),
		limiters: make(map[model.Exchange]*rate.Limiter),
	}
}

// Register adds or replaces an adapter. rps <= 0 disables limiting.
func (r *Registry) Register(a Adapter, rps float64, burst int) {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
	r.limiters[a.Name()] = rate.NewLimiter(limit, burst)
}

func (r *Registry) Lookup(name model.Exchange) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Supports reports whether an adapter is registered for name.
func (r *Registry) Supports(name model.Exchange) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Wait blocks until the exchange's limiter admits one request.
func (r *Registry) Wait(ctx context.Context, name model.Exchange) error {
	r.mu.RLock()
	limiter := r.limiters[name]
	r.mu.RUnlock()
	if limiter == nil {
		return fmt.Errorf("%w: %s", ErrUnknownExchange, name)
	}
	return limiter.Wait(ctx)
}

func (r *Registry) Names() []model.Exchange {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Exchange, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
