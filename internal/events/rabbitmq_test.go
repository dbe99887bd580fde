package events

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/GoPolymarket/tradefeed/internal/model"
	"github.com/GoPolymarket/tradefeed/internal/service"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type recordingChannel struct {
	mu    sync.Mutex
	out   []published
	block chan struct{}
}

func (c *recordingChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (c *recordingChannel) messages() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.out...)
}

func change(id string, kind service.ChangeKind) service.DomainChange {
	at := time.Date(2024, 5, 10, 11, 0, 0, 0, time.UTC)
	return service.DomainChange{
		Kind: kind,
		At:   at,
		Trade: model.TradeRecord{
			UserID:          7,
			Exchange:        model.ExchangeBybit,
			ExchangeTradeID: id,
			Symbol:          "BTCUSDT",
			Side:            model.SideLong,
			Size:            decimal.RequireFromString("2"),
			EntryPrice:      decimal.RequireFromString("100"),
			ExitPrice:       decimal.RequireFromString("110"),
			PnL:             decimal.RequireFromString("20"),
			EntryAt:         at.Add(-time.Hour),
			ExitAt:          at,
		},
	}
}

func TestRoutingKey(t *testing.T) {
	assert.Equal(t, "trade.bybit.new", RoutingKey(model.ExchangeBybit, service.ChangeNew))
	assert.Equal(t, "trade.demo.updated", RoutingKey(model.ExchangeDemo, service.ChangeUpdated))
}

func TestPublisherPublishesChanges(t *testing.T) {
	ch := &recordingChannel{}
	p := NewPublisher(ch, "", 10)

	p.Emit(context.Background(), []service.DomainChange{
		change("T1", service.ChangeNew),
		change("T1", service.ChangeUpdated),
	})
	require.NoError(t, p.Close())

	out := ch.messages()
	require.Len(t, out, 2)
	assert.Equal(t, DefaultExchange, out[0].exchange)
	assert.Equal(t, "trade.bybit.new", out[0].key)
	assert.Equal(t, "trade.bybit.updated", out[1].key)
	assert.Equal(t, "application/json", out[0].msg.ContentType)
	assert.Equal(t, amqp.Persistent, out[0].msg.DeliveryMode)

	var msg Message
	require.NoError(t, json.Unmarshal(out[0].msg.Body, &msg))
	assert.Equal(t, out[0].msg.MessageId, msg.EventID)
	assert.Equal(t, int64(7), msg.UserID)
	assert.Equal(t, "new", msg.Kind)
	assert.Equal(t, "20", msg.Trade.PnL)
	assert.NotEqual(t, msg.EventID, func() string {
		var second Message
		_ = json.Unmarshal(out[1].msg.Body, &second)
		return second.EventID
	}())
}

func TestPublisherDropsWhenBufferFull(t *testing.T) {
	ch := &recordingChannel{block: make(chan struct{})}
	p := NewPublisher(ch, "trades", 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// One in flight, one queued, the rest dropped.
		for i := 0; i < 5; i++ {
			p.Emit(context.Background(), []service.DomainChange{change("T", service.ChangeNew)})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full buffer")
	}

	close(ch.block)
	require.NoError(t, p.Close())
	n := len(ch.messages())
	assert.GreaterOrEqual(t, n, 1)
	assert.LessOrEqual(t, n, 2)

	// Emit after Close is a no-op.
	p.Emit(context.Background(), []service.DomainChange{change("late", service.ChangeNew)})
	assert.Len(t, ch.messages(), n)
}

func TestDialPublishesToBroker(t *testing.T) {
	url := os.Getenv("TRADEFEED_RABBITMQ_URL")
	if url == "" {
		t.Skip("TRADEFEED_RABBITMQ_URL not set")
	}
	p, err := Dial(url, "tradefeed_test_events", 10)
	if err != nil {
		t.Skipf("rabbitmq not reachable: %v", err)
	}
	p.Emit(context.Background(), []service.DomainChange{change("T1", service.ChangeNew)})
	assert.NoError(t, p.Close())
}
