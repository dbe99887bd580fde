package model

import "time"

// TradeEvent is the outward payload of trade.executed / trade.updated events.
type TradeEvent struct {
	TradeID    string `json:"trade_id"`
	Exchange   string `json:"exchange"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Size       string `json:"size"`
	EntryPrice string `json:"entry_price"`
	ExitPrice  string `json:"exit_price"`
	PnL        string `json:"pnl"`
	EntryTime  string `json:"entry_time"`
	ExitTime   string `json:"exit_time"`
}

func NewTradeEvent(t TradeRecord) TradeEvent {
	return TradeEvent{
		TradeID:    t.ExchangeTradeID,
		Exchange:   string(t.Exchange),
		Symbol:     t.Symbol,
		Side:       string(t.Side),
		Size:       t.Size.String(),
		EntryPrice: t.EntryPrice.String(),
		ExitPrice:  t.ExitPrice.String(),
		PnL:        t.PnL.String(),
		EntryTime:  t.EntryAt.UTC().Format(time.RFC3339),
		ExitTime:   t.ExitAt.UTC().Format(time.RFC3339),
	}
}
