package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// TradeRecord is a realized trade. (UserID, Exchange, ExchangeTradeID) is the
// dedupe key; PnL is always computed locally.
type TradeRecord struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	UserID          int64           `gorm:"not null;uniqueIndex:idx_trade_dedupe;index:idx_trade_user_exit,priority:1" json:"user_id"`
	Exchange        Exchange        `gorm:"size:32;not null;uniqueIndex:idx_trade_dedupe" json:"exchange"`
	ExchangeTradeID string          `gorm:"size:128;not null;uniqueIndex:idx_trade_dedupe" json:"exchange_trade_id"`
	Symbol          string          `gorm:"size:64;not null" json:"symbol"`
	Side            Side            `gorm:"size:8;not null" json:"side"`
	Size            decimal.Decimal `gorm:"type:numeric(30,10);not null" json:"size"`
	EntryPrice      decimal.Decimal `gorm:"type:numeric(30,10);not null" json:"entry_price"`
	ExitPrice       decimal.Decimal `gorm:"type:numeric(30,10);not null" json:"exit_price"`
	PnL             decimal.Decimal `gorm:"column:pnl;type:numeric(30,10);not null" json:"pnl"`
	EntryAt         time.Time       `gorm:"not null" json:"entry_at"`
	ExitAt          time.Time       `gorm:"not null;index:idx_trade_user_exit,priority:2" json:"exit_at"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (TradeRecord) TableName() string {
	return "trade_records"
}

// SameContent reports whether the trade-level fields match, ignoring storage
// bookkeeping (ID and timestamps of the row itself).
func (t *TradeRecord) SameContent(o *TradeRecord) bool {
	return t.UserID == o.UserID &&
		t.Exchange == o.Exchange &&
		t.ExchangeTradeID == o.ExchangeTradeID &&
		t.Symbol == o.Symbol &&
		t.Side == o.Side &&
		t.Size.Equal(o.Size) &&
		t.EntryPrice.Equal(o.EntryPrice) &&
		t.ExitPrice.Equal(o.ExitPrice) &&
		t.PnL.Equal(o.PnL) &&
		t.EntryAt.Equal(o.EntryAt) &&
		t.ExitAt.Equal(o.ExitAt)
}
