package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/GoPolymarket/tradefeed/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChannel = "user.7.trades"

func tradePayload(id string) model.TradeEvent {
	return model.TradeEvent{
		TradeID:    id,
		Exchange:   "bybit",
		Symbol:     "BTCUSDT",
		Side:       "long",
		Size:       "0.5",
		EntryPrice: "60000",
		ExitPrice:  "61000",
		PnL:        "500",
		EntryTime:  "2024-05-10T10:00:00Z",
		ExitTime:   "2024-05-10T11:00:00Z",
	}
}

func newTestHub(t *testing.T, mutate func(*Config)) *Hub {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PingEnable = false
	if mutate != nil {
		mutate(&cfg)
	}
	h := NewHub(cfg, NewChannelAuthorizer(), DefaultRegistry())
	t.Cleanup(h.Close)
	return h
}

func publishN(t *testing.T, h *Hub, channel string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := h.Publish(channel, EventTradeExecuted, tradePayload("T"))
		require.NoError(t, err)
	}
}

func nextWithin(t *testing.T, sub *Subscription) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	return ev
}

func ptr(v uint64) *uint64 { return &v }

func TestPublishAssignsPerChannelSequence(t *testing.T) {
	h := newTestHub(t, nil)

	e1, err := h.Publish(testChannel, EventTradeExecuted, tradePayload("T1"))
	require.NoError(t, err)
	e2, err := h.Publish(testChannel, EventTradeUpdated, tradePayload("T1"))
	require.NoError(t, err)
	other, err := h.Publish("user.8.trades", EventTradeExecuted, tradePayload("T9"))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), e1.ID)
	assert.Equal(t, uint64(2), e2.ID)
	assert.Equal(t, uint64(1), other.ID)
	assert.Equal(t, uint64(2), h.LastSequence(testChannel))

	var decoded model.TradeEvent
	require.NoError(t, json.Unmarshal(e1.Payload, &decoded))
	assert.Equal(t, "T1", decoded.TradeID)
}

func TestPayloadIsSnapshot(t *testing.T) {
	h := newTestHub(t, nil)
	p := tradePayload("T1")
	ev, err := h.Publish(testChannel, EventTradeExecuted, &p)
	require.NoError(t, err)

	p.TradeID = "mutated"
	sub, err := h.Subscribe(context.Background(), UserIdentity(7), testChannel, ptr(0))
	require.NoError(t, err)
	got := nextWithin(t, sub)
	assert.Equal(t, ev.Payload, got.Payload)
	assert.Contains(t, string(got.Payload), `"trade_id":"T1"`)
}

func TestResumeReplaysExactlyEventsAfterN(t *testing.T) {
	h := newTestHub(t, nil)
	publishN(t, h, testChannel, 5)

	sub, err := h.Subscribe(context.Background(), UserIdentity(7), testChannel, ptr(2))
	require.NoError(t, err)

	for _, want := range []uint64{3, 4, 5} {
		assert.Equal(t, want, nextWithin(t, sub).ID)
	}

	publishN(t, h, testChannel, 1)
	assert.Equal(t, uint64(6), nextWithin(t, sub).ID)
}

func TestResumeAtLatestReplaysNothing(t *testing.T) {
	h := newTestHub(t, nil)
	publishN(t, h, testChannel, 3)

	sub, err := h.Subscribe(context.Background(), UserIdentity(7), testChannel, ptr(3))
	require.NoError(t, err)
	publishN(t, h, testChannel, 1)
	assert.Equal(t, uint64(4), nextWithin(t, sub).ID)
}

func TestResumeFromZeroOnFreshChannel(t *testing.T) {
	h := newTestHub(t, nil)
	sub, err := h.Subscribe(context.Background(), UserIdentity(7), testChannel, ptr(0))
	require.NoError(t, err)

	publishN(t, h, testChannel, 1)
	ev := nextWithin(t, sub)
	assert.Equal(t, uint64(1), ev.ID)
	assert.Equal(t, EventTradeExecuted, ev.Type)
}

func TestResumeGapWhenBelowFloor(t *testing.T) {
	h := newTestHub(t, func(c *Config) { c.BufferSize = 3 })
	publishN(t, h, testChannel, 5) // retains 3,4,5

	sub, err := h.Subscribe(context.Background(), UserIdentity(7), testChannel, ptr(1))
	require.NoError(t, err)

	gap := nextWithin(t, sub)
	assert.Equal(t, EventResumeGap, gap.Type)
	assert.Equal(t, uint64(5), gap.ID)
	var info ResumeGap
	require.NoError(t, json.Unmarshal(gap.Payload, &info))
	assert.Equal(t, ResumeGap{Requested: 1, Oldest: 3, Latest: 5}, info)

	// nothing replayed; live delivery continues
	publishN(t, h, testChannel, 1)
	assert.Equal(t, uint64(6), nextWithin(t, sub).ID)
}

func TestResumeAtFloorBoundaryIsNotAGap(t *testing.T) {
	h := newTestHub(t, func(c *Config) { c.BufferSize = 3 })
	publishN(t, h, testChannel, 5)

	sub, err := h.Subscribe(context.Background(), UserIdentity(7), testChannel, ptr(2))
	require.NoError(t, err)
	for _, want := range []uint64{3, 4, 5} {
		ev := nextWithin(t, sub)
		assert.Equal(t, EventTradeExecuted, ev.Type)
		assert.Equal(t, want, ev.ID)
	}
}

func TestResumeAheadOfChannelIsAGap(t *testing.T) {
	h := newTestHub(t, nil)
	publishN(t, h, testChannel, 2)

	sub, err := h.Subscribe(context.Background(), UserIdentity(7), testChannel, ptr(40))
	require.NoError(t, err)
	assert.Equal(t, EventResumeGap, nextWithin(t, sub).Type)
}

func TestExpiredEventsAreEvicted(t *testing.T) {
	h := newTestHub(t, nil)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	publishN(t, h, testChannel, 2)
	now = now.Add(301 * time.Second)
	publishN(t, h, testChannel, 1)

	sub, err := h.Subscribe(context.Background(), UserIdentity(7), testChannel, ptr(0))
	require.NoError(t, err)
	gap := nextWithin(t, sub)
	require.Equal(t, EventResumeGap, gap.Type)
	var info ResumeGap
	require.NoError(t, json.Unmarshal(gap.Payload, &info))
	assert.Equal(t, uint64(3), info.Oldest)

	sub2, err := h.Subscribe(context.Background(), UserIdentity(7), testChannel, ptr(2))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), nextWithin(t, sub2).ID)
}

func TestSweepEvictsIndependentlyPerChannel(t *testing.T) {
	h := newTestHub(t, nil)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	publishN(t, h, "user.1.trades", 1)
	now = now.Add(200 * time.Second)
	publishN(t, h, "user.2.trades", 1)
	now = now.Add(150 * time.Second)
	h.sweep()

	_, ok := h.channels["user.1.trades"].replayLocked(0)
	assert.False(t, ok, "channel 1 expired")
	replay, ok := h.channels["user.2.trades"].replayLocked(0)
	assert.True(t, ok)
	assert.Len(t, replay, 1)
	assert.Equal(t, uint64(1), h.LastSequence("user.1.trades"), "sequence survives eviction")
}

func TestConcurrentPublishersDeliverInOrder(t *testing.T) {
	h := newTestHub(t, func(c *Config) { c.QueueSize = 1000 })
	sub, err := h.Subscribe(context.Background(), UserIdentity(7), testChannel, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, err := h.Publish(testChannel, EventTradeExecuted, tradePayload("T"))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	for want := uint64(1); want <= 400; want++ {
		require.Equal(t, want, nextWithin(t, sub).ID)
	}
}

func TestSlowConsumerIsDisconnectedWithoutBlockingOthers(t *testing.T) {
	h := newTestHub(t, func(c *Config) { c.QueueSize = 2 })
	slow, err := h.Subscribe(context.Background(), UserIdentity(7), testChannel, nil)
	require.NoError(t, err)
	fast, err := h.Subscribe(context.Background(), UserIdentity(7), testChannel, nil)
	require.NoError(t, err)

	publishN(t, h, testChannel, 2)
	assert.Equal(t, uint64(1), nextWithin(t, fast).ID)
	assert.Equal(t, uint64(2), nextWithin(t, fast).ID)

	publishN(t, h, testChannel, 1)
	assert.Equal(t, uint64(3), nextWithin(t, fast).ID)

	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatal("slow subscriber was not disconnected")
	}
	assert.ErrorIs(t, slow.Err(), ErrSlowConsumer)
	_, err = slow.Next(context.Background())
	assert.ErrorIs(t, err, ErrSlowConsumer)

	// reconnecting with the last seen id recovers everything
	again, err := h.Subscribe(context.Background(), UserIdentity(7), testChannel, ptr(0))
	require.NoError(t, err)
	for _, want := range []uint64{1, 2, 3} {
		assert.Equal(t, want, nextWithin(t, again).ID)
	}
}

func TestPingAfterQuietInterval(t *testing.T) {
	h := newTestHub(t, func(c *Config) {
		c.PingEnable = true
		c.PingInterval = 20 * time.Millisecond
	})
	sub, err := h.Subscribe(context.Background(), Identity{}, "public.trades", nil)
	require.NoError(t, err)

	ev := nextWithin(t, sub)
	assert.Equal(t, EventPing, ev.Type)
	assert.Zero(t, ev.ID)
	assert.Empty(t, ev.Payload)
}

func TestNoPingWhenDisabled(t *testing.T) {
	h := newTestHub(t, func(c *Config) { c.PingInterval = 10 * time.Millisecond })
	sub, err := h.Subscribe(context.Background(), Identity{}, "public.trades", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscribeAuthorization(t *testing.T) {
	h := newTestHub(t, nil)

	_, err := h.Subscribe(context.Background(), UserIdentity(8), testChannel, nil)
	assert.ErrorIs(t, err, ErrAuthorizationDenied)

	_, err = h.Subscribe(context.Background(), Identity{UserID: 7}, testChannel, nil)
	assert.ErrorIs(t, err, ErrAuthorizationDenied)

	_, err = h.Subscribe(context.Background(), UserIdentity(7), testChannel, nil)
	assert.NoError(t, err)

	_, err = h.Subscribe(context.Background(), Identity{}, TestTradesChannel, nil)
	assert.NoError(t, err)
}

func TestContextCancelClosesSubscription(t *testing.T) {
	h := newTestHub(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := h.Subscribe(ctx, UserIdentity(7), testChannel, nil)
	require.NoError(t, err)

	cancel()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription not closed on cancel")
	}
	assert.ErrorIs(t, sub.Err(), ErrSubscriptionClosed)

	// publishing afterwards does not touch the closed subscription
	publishN(t, h, testChannel, 1)
}

func TestCloseTerminatesSubscriptionsAndRejectsPublish(t *testing.T) {
	h := NewHub(DefaultConfig(), nil, nil)
	sub, err := h.Subscribe(context.Background(), UserIdentity(7), testChannel, nil)
	require.NoError(t, err)

	h.Close()
	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrHubClosed)

	_, err = h.Publish(testChannel, EventTradeExecuted, tradePayload("T"))
	assert.ErrorIs(t, err, ErrHubClosed)
	_, err = h.Subscribe(context.Background(), UserIdentity(7), testChannel, nil)
	assert.ErrorIs(t, err, ErrHubClosed)
	h.Close()
}

func TestPublishValidatesEventType(t *testing.T) {
	h := newTestHub(t, nil)

	_, err := h.Publish(testChannel, "order.placed", tradePayload("T"))
	assert.ErrorIs(t, err, ErrUnknownEventType)

	_, err = h.Publish(testChannel, EventPing, map[string]string{})
	assert.ErrorIs(t, err, ErrReservedEventType)

	bad := tradePayload("T")
	bad.Side = "sideways"
	_, err = h.Publish(testChannel, EventTradeExecuted, bad)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = h.Publish(testChannel, EventTradeExecuted, json.RawMessage(`{"trade_id":"T","extra":1}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = h.Publish("user.x.trades", EventTradeExecuted, tradePayload("T"))
	assert.ErrorIs(t, err, ErrInvalidChannel)

	assert.Zero(t, h.LastSequence(testChannel))
}

func TestFromSettings(t *testing.T) {
	c := FromSettings(configFixture())
	assert.Equal(t, 300*time.Second, c.ResumeLifetime)
	assert.Equal(t, 3*time.Second, c.Retry)
	assert.True(t, c.PingEnable)
	assert.Equal(t, 30*time.Second, c.PingInterval)
}
