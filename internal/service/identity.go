package service

import (
	"crypto/subtle"
	"sync"

	"github.com/GoPolymarket/tradefeed/internal/config"
	"github.com/GoPolymarket/tradefeed/internal/model"
	"golang.org/x/time/rate"
)

const (
	defaultUserQPS   = 10
	defaultUserBurst = 20
)

// IdentityRegistry resolves gateway API keys to users and holds one rate
// limiter per user.
type IdentityRegistry struct {
	mu       sync.RWMutex
	users    map[string]*model.User // key: API key
	limiters map[int64]*rate.Limiter
}

func NewIdentityRegistry(cfg *config.Config) *IdentityRegistry {
	r := &IdentityRegistry{
		users:    make(map[string]*model.User),
		limiters: make(map[int64]*rate.Limiter),
	}
	if cfg == nil {
		return r
	}
	for _, u := range cfg.Auth.Users {
		if u.APIKey == "" || u.ID <= 0 {
			continue
		}
		qps, burst := u.QPS, u.Burst
		if qps == 0 {
			qps = defaultUserQPS
		}
		if burst == 0 {
			burst = defaultUserBurst
		}
		r.Register(&model.User{
			ID:     u.ID,
			Name:   u.Name,
			APIKey: u.APIKey,
			Rate:   model.RateLimitConfig{QPS: qps, Burst: burst},
		})
	}
	return r
}

func (r *IdentityRegistry) Register(u *model.User) {
	if u == nil {
		return
	}
	limit := rate.Limit(u.Rate.QPS)
	if limit <= 0 {
		limit = rate.Inf
	}
	burst := u.Rate.Burst
	if burst <= 0 {
		burst = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u.APIKey] = u
	r.limiters[u.ID] = rate.NewLimiter(limit, burst)
}

// Lookup finds the user owning apiKey.
func (r *IdentityRegistry) Lookup(apiKey string) (*model.User, bool) {
	if apiKey == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[apiKey]
	if !ok || subtle.ConstantTimeCompare([]byte(u.APIKey), []byte(apiKey)) != 1 {
		return nil, false
	}
	return u, true
}

func (r *IdentityRegistry) Limiter(userID int64) *rate.Limiter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limiters[userID]
}

// Len returns the number of registered users.
func (r *IdentityRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
