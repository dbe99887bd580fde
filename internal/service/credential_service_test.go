package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/GoPolymarket/tradefeed/internal/broadcast"
	"github.com/GoPolymarket/tradefeed/internal/config"
	"github.com/GoPolymarket/tradefeed/internal/exchange"
	"github.com/GoPolymarket/tradefeed/internal/model"
	"github.com/GoPolymarket/tradefeed/internal/repository"
	"github.com/GoPolymarket/tradefeed/internal/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(v bool) *bool { return &v }
func intPtr(v int) *int    { return &v }

func newCredentialService(t *testing.T, f *fixture) *CredentialService {
	t.Helper()
	registry := exchange.NewRegistry()
	registry.Register(f.adapter, 0, 0)
	return NewCredentialService(f.creds, f.vault, registry, f.sched)
}

func TestLinkStoresSealedCredentialsWithDefaults(t *testing.T) {
	f := newFixture(t, &fakeAdapter{name: model.ExchangeBybit}, nil)
	svc := newCredentialService(t, f)
	ctx := context.Background()

	rec, err := svc.Link(ctx, 7, model.ExchangeBybit, model.LinkCredentialRequest{APIKey: " key ", APISecret: "secret"})
	require.NoError(t, err)
	assert.True(t, rec.Active)
	assert.True(t, rec.AutoSync)
	assert.Equal(t, 24, rec.IntervalHours)
	assert.NotContains(t, string(rec.Ciphertext), "secret")

	key, err := vault.WithCredentials(ctx, f.vault, 7, model.ExchangeBybit, func(c vault.Credentials) (string, error) {
		return string(c.APIKey), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "key", key)

	body, err := json.Marshal(model.NewCredentialView(rec))
	require.NoError(t, err)
	assert.NotContains(t, string(body), "secret")
	assert.NotContains(t, string(body), "ciphertext")
}

func TestLinkRotationKeepsSettingsAndReactivates(t *testing.T) {
	f := newFixture(t, &fakeAdapter{name: model.ExchangeBybit}, nil)
	svc := newCredentialService(t, f)
	ctx := context.Background()

	_, err := svc.Link(ctx, 7, model.ExchangeBybit, model.LinkCredentialRequest{
		APIKey: "k1", APISecret: "s1", AutoSync: boolPtr(false), IntervalHours: intPtr(6),
	})
	require.NoError(t, err)
	_, err = svc.Deactivate(ctx, 7, model.ExchangeBybit)
	require.NoError(t, err)

	rec, err := svc.Link(ctx, 7, model.ExchangeBybit, model.LinkCredentialRequest{APIKey: "k2", APISecret: "s2"})
	require.NoError(t, err)
	assert.True(t, rec.Active)
	assert.False(t, rec.AutoSync)
	assert.Equal(t, 6, rec.IntervalHours)
}

func TestLinkRejectsUnsupportedExchange(t *testing.T) {
	f := newFixture(t, &fakeAdapter{name: model.ExchangeBybit}, nil)
	svc := newCredentialService(t, f)

	_, err := svc.Link(context.Background(), 7, model.ExchangeOKX, model.LinkCredentialRequest{APIKey: "k", APISecret: "s"})
	assert.ErrorIs(t, err, ErrUnsupportedExchange)
}

func TestDeactivateCancelsRunningSync(t *testing.T) {
	adapter := &fakeAdapter{name: model.ExchangeBybit, fetch: func(ctx context.Context, _ int, _ vault.Credentials) ([]exchange.RawTrade, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	f := newFixture(t, adapter, nil)
	svc := newCredentialService(t, f)
	ctx := context.Background()
	f.link(t, 7, model.ExchangeBybit)

	_, err := f.sched.Trigger(ctx, 7, model.ExchangeBybit)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return adapter.Calls() == 1 }, time.Second, 5*time.Millisecond)

	rec, err := svc.Deactivate(ctx, 7, model.ExchangeBybit)
	require.NoError(t, err)
	assert.False(t, rec.Active)
	f.waitIdle(t, 7, model.ExchangeBybit)
	assert.Zero(t, f.credential(t, 7, model.ExchangeBybit).ConsecutiveFailures)

	_, err = f.sched.Trigger(ctx, 7, model.ExchangeBybit)
	assert.ErrorIs(t, err, ErrCredentialInactive)

	rec, err = svc.Activate(ctx, 7, model.ExchangeBybit)
	require.NoError(t, err)
	assert.True(t, rec.Active)
}

func TestUnlinkAndSettings(t *testing.T) {
	f := newFixture(t, &fakeAdapter{name: model.ExchangeBybit}, nil)
	svc := newCredentialService(t, f)
	ctx := context.Background()
	f.link(t, 7, model.ExchangeBybit)

	rec, err := svc.UpdateSettings(ctx, 7, model.ExchangeBybit, model.SyncSettingsRequest{IntervalHours: intPtr(2)})
	require.NoError(t, err)
	assert.True(t, rec.AutoSync)
	assert.Equal(t, 2, rec.IntervalHours)

	list, err := svc.List(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, svc.Unlink(ctx, 7, model.ExchangeBybit))
	assert.ErrorIs(t, svc.Unlink(ctx, 7, model.ExchangeBybit), repository.ErrNotFound)
	_, err = svc.UpdateSettings(ctx, 7, model.ExchangeBybit, model.SyncSettingsRequest{})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestIdentityRegistry(t *testing.T) {
	cfg := &config.Config{Auth: config.AuthConfig{Users: []config.UserConfig{
		{ID: 7, Name: "alice", APIKey: "sk-7"},
		{ID: 8, APIKey: "sk-8", QPS: 1, Burst: 1},
		{ID: 0, APIKey: "sk-bad"},
		{ID: 9},
	}}}
	r := NewIdentityRegistry(cfg)
	assert.Equal(t, 2, r.Len())

	u, ok := r.Lookup("sk-7")
	require.True(t, ok)
	assert.Equal(t, int64(7), u.ID)
	assert.Equal(t, float64(defaultUserQPS), u.Rate.QPS)

	_, ok = r.Lookup("")
	assert.False(t, ok)
	_, ok = r.Lookup("sk-bad")
	assert.False(t, ok)

	lim := r.Limiter(8)
	require.NotNil(t, lim)
	assert.True(t, lim.Allow())
	assert.False(t, lim.Allow())
	assert.Nil(t, r.Limiter(99))
}

func TestTradeBroadcasterMirrorsDemoTrades(t *testing.T) {
	cfg := broadcast.DefaultConfig()
	cfg.PingEnable = false
	hub := broadcast.NewHub(cfg, nil, nil)
	t.Cleanup(hub.Close)
	b := NewTradeBroadcaster(hub)

	trades := NewMemoryTradeStore()
	ing := NewIngestor(trades, b)
	_, err := ing.Ingest(context.Background(), 7, model.ExchangeDemo, []exchange.RawTrade{rawTrade("D1", "long", "1", "2", "1")})
	require.NoError(t, err)
	_, err = ing.Ingest(context.Background(), 7, model.ExchangeDemo, []exchange.RawTrade{rawTrade("D1", "long", "1", "3", "1")})
	require.NoError(t, err)

	assert.Equal(t, uint64(2), hub.LastSequence("user.7.trades"))
	assert.Equal(t, uint64(2), hub.LastSequence(broadcast.TestTradesChannel))

	from := uint64(1)
	sub, err := hub.Subscribe(context.Background(), broadcast.Identity{}, broadcast.TestTradesChannel, &from)
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, broadcast.EventTradeUpdated, ev.Type)
	assert.Equal(t, uint64(2), ev.ID)
}
