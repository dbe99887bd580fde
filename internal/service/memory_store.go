package service

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/GoPolymarket/tradefeed/internal/model"
	"github.com/GoPolymarket/tradefeed/internal/repository"
)

// MemoryCredentialStore keeps credentials in process. Used when no database
// is configured and in tests.
type MemoryCredentialStore struct {
	mu     sync.RWMutex
	rows   map[string]*model.ExchangeCredential
	nextID uint
	now    func() time.Time
}

func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{
		rows: make(map[string]*model.ExchangeCredential),
		now:  time.Now,
	}
}

func pairKey(userID int64, exchange model.Exchange) string {
	return strconv.FormatInt(userID, 10) + ":" + string(exchange)
}

func (s *MemoryCredentialStore) Get(ctx context.Context, userID int64, exchange model.Exchange) (*model.ExchangeCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.rows[pairKey(userID, exchange)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneCredential(c), nil
}

func (s *MemoryCredentialStore) Upsert(ctx context.Context, c *model.ExchangeCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	key := pairKey(c.UserID, c.Exchange)
	if existing, ok := s.rows[key]; ok {
		c.ID = existing.ID
		c.CreatedAt = existing.CreatedAt
		c.LastSyncAt = existing.LastSyncAt
	} else {
		s.nextID++
		c.ID = s.nextID
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.rows[key] = cloneCredential(c)
	return nil
}

func (s *MemoryCredentialStore) ListByUser(ctx context.Context, userID int64) ([]*model.ExchangeCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.ExchangeCredential
	for _, c := range s.rows {
		if c.UserID == userID {
			out = append(out, cloneCredential(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Exchange < out[j].Exchange })
	return out, nil
}

func (s *MemoryCredentialStore) ListAutoSync(ctx context.Context) ([]*model.ExchangeCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.ExchangeCredential
	for _, c := range s.rows {
		if c.Active && c.AutoSync {
			out = append(out, cloneCredential(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryCredentialStore) SetActive(ctx context.Context, userID int64, exchange model.Exchange, active bool, at time.Time) (*model.ExchangeCredential, error) {
	return s.mutate(userID, exchange, func(c *model.ExchangeCredential) {
		c.Active = active
		if active {
			c.ConsecutiveFailures = 0
			c.LastError = ""
			c.DeactivatedAt = nil
		} else {
			c.DeactivatedAt = &at
		}
	})
}

func (s *MemoryCredentialStore) SetSyncSettings(ctx context.Context, userID int64, exchange model.Exchange, autoSync bool, intervalHours int) (*model.ExchangeCredential, error) {
	return s.mutate(userID, exchange, func(c *model.ExchangeCredential) {
		c.AutoSync = autoSync
		c.IntervalHours = intervalHours
	})
}

func (s *MemoryCredentialStore) Delete(ctx context.Context, userID int64, exchange model.Exchange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey(userID, exchange)
	if _, ok := s.rows[key]; !ok {
		return repository.ErrNotFound
	}
	delete(s.rows, key)
	return nil
}

func (s *MemoryCredentialStore) RecordSyncSuccess(ctx context.Context, userID int64, exchange model.Exchange, at time.Time) error {
	_, err := s.mutate(userID, exchange, func(c *model.ExchangeCredential) {
		c.LastSyncAt = &at
		c.ConsecutiveFailures = 0
		c.LastError = ""
	})
	return err
}

func (s *MemoryCredentialStore) RecordSyncFailure(ctx context.Context, userID int64, exchange model.Exchange, msg string, maxFailures int, at time.Time) (*model.ExchangeCredential, bool, error) {
	deactivated := false
	c, err := s.mutate(userID, exchange, func(c *model.ExchangeCredential) {
		c.ConsecutiveFailures++
		c.LastError = msg
		if maxFailures > 0 && c.ConsecutiveFailures >= maxFailures && c.Active {
			c.Active = false
			c.DeactivatedAt = &at
			deactivated = true
		}
	})
	return c, deactivated, err
}

func (s *MemoryCredentialStore) mutate(userID int64, exchange model.Exchange, fn func(*model.ExchangeCredential)) (*model.ExchangeCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.rows[pairKey(userID, exchange)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	fn(c)
	c.UpdatedAt = s.now().UTC()
	return cloneCredential(c), nil
}

func cloneCredential(c *model.ExchangeCredential) *model.ExchangeCredential {
	cp := *c
	cp.Ciphertext = append([]byte(nil), c.Ciphertext...)
	cp.Nonce = append([]byte(nil), c.Nonce...)
	return &cp
}

// MemoryTradeStore keeps trade records in process.
type MemoryTradeStore struct {
	mu     sync.RWMutex
	rows   map[string]*model.TradeRecord
	nextID uint
	now    func() time.Time
}

func NewMemoryTradeStore() *MemoryTradeStore {
	return &MemoryTradeStore{
		rows: make(map[string]*model.TradeRecord),
		now:  time.Now,
	}
}

func tradeKey(userID int64, exchange model.Exchange, tradeID string) string {
	return pairKey(userID, exchange) + ":" + tradeID
}

func (s *MemoryTradeStore) FindByTradeIDs(ctx context.Context, userID int64, exchange model.Exchange, ids []string) (map[string]*model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*model.TradeRecord, len(ids))
	for _, id := range ids {
		if t, ok := s.rows[tradeKey(userID, exchange, id)]; ok {
			cp := *t
			out[id] = &cp
		}
	}
	return out, nil
}

func (s *MemoryTradeStore) Insert(ctx context.Context, t *model.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tradeKey(t.UserID, t.Exchange, t.ExchangeTradeID)
	if _, ok := s.rows[key]; ok {
		return repository.ErrDuplicate
	}
	s.nextID++
	now := s.now().UTC()
	t.ID = s.nextID
	t.CreatedAt = now
	t.UpdatedAt = now
	cp := *t
	s.rows[key] = &cp
	return nil
}

func (s *MemoryTradeStore) Update(ctx context.Context, t *model.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tradeKey(t.UserID, t.Exchange, t.ExchangeTradeID)
	existing, ok := s.rows[key]
	if !ok {
		return repository.ErrNotFound
	}
	t.ID = existing.ID
	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = s.now().UTC()
	cp := *t
	s.rows[key] = &cp
	return nil
}

func (s *MemoryTradeStore) List(ctx context.Context, userID int64, exchange model.Exchange, limit int) ([]*model.TradeRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.TradeRecord
	for _, t := range s.rows {
		if t.UserID != userID || (exchange != "" && t.Exchange != exchange) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExitAt.Equal(out[j].ExitAt) {
			return out[i].ExitAt.After(out[j].ExitAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len reports the number of stored trades.
func (s *MemoryTradeStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}
