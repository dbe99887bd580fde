package service

import (
	"context"

	"github.com/GoPolymarket/tradefeed/internal/broadcast"
	"github.com/GoPolymarket/tradefeed/internal/model"
	"github.com/GoPolymarket/tradefeed/internal/pkg/logger"
)

// EventPublisher is the hub's publish side.
type EventPublisher interface {
	Publish(channel, eventType string, payload any) (broadcast.Event, error)
}

// TradeBroadcaster turns domain changes into trade events on the owner's
// private channel. Demo exchange trades are mirrored to the test channel.
type TradeBroadcaster struct {
	hub EventPublisher
}

func NewTradeBroadcaster(hub EventPublisher) *TradeBroadcaster {
	return &TradeBroadcaster{hub: hub}
}

func (b *TradeBroadcaster) Emit(ctx context.Context, changes []DomainChange) {
	for _, c := range changes {
		eventType := EventTypeFor(c.Kind)
		payload := model.NewTradeEvent(c.Trade)

		b.publish(ctx, broadcast.TradeChannel(c.Trade.UserID), eventType, payload)
		if c.Trade.Exchange == model.ExchangeDemo {
			b.publish(ctx, broadcast.TestTradesChannel, eventType, payload)
		}
	}
}

func (b *TradeBroadcaster) publish(ctx context.Context, channel, eventType string, payload model.TradeEvent) {
	if _, err := b.hub.Publish(channel, eventType, payload); err != nil {
		logger.LogError(ctx, err, "publish trade event",
			"channel", channel,
			"event", eventType,
			"trade_id", payload.TradeID,
		)
	}
}

// EventTypeFor maps a change kind to its broadcast event type.
func EventTypeFor(k ChangeKind) string {
	if k == ChangeUpdated {
		return broadcast.EventTradeUpdated
	}
	return broadcast.EventTradeExecuted
}
