package exchange

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/GoPolymarket/tradefeed/internal/model"
	"github.com/GoPolymarket/tradefeed/internal/vault"
	"github.com/shopspring/decimal"
)

// DemoRejectKey makes the demo adapter answer with an auth error, which is
// handy for exercising the deactivation path by hand.
const DemoRejectKey = "reject"

var demoSymbols = []struct {
	symbol string
	base   int64
}{
	{"BTCUSDT", 64000},
	{"ETHUSDT", 3200},
	{"SOLUSDT", 150},
}

// DemoAdapter produces synthetic closed trades on a fixed time grid. The
// same grid slot always yields the same trade, so repeated fetches over an
// overlapping range are idempotent downstream.
type DemoAdapter struct {
	Slot        time.Duration
	MaxPerFetch int
	now         func() time.Time
}

func NewDemoAdapter(now func() time.Time) *DemoAdapter {
	if now == nil {
		now = time.Now
	}
	return &DemoAdapter{Slot: 15 * time.Minute, MaxPerFetch: 20, now: now}
}

func (d *DemoAdapter) Name() model.Exchange {
	return model.ExchangeDemo
}

func (d *DemoAdapter) FetchTrades(ctx context.Context, creds vault.Credentials, since time.Time) ([]RawTrade, error) {
	if bytes.Equal(creds.APIKey, []byte(DemoRejectKey)) {
		return nil, NewError(KindAuth, model.ExchangeDemo, errors.New("demo key rejected"))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	end := d.now().UTC().Truncate(d.Slot)
	first := since.UTC().Truncate(d.Slot).Add(d.Slot)
	if earliest := end.Add(-time.Duration(d.MaxPerFetch-1) * d.Slot); first.Before(earliest) {
		first = earliest
	}

	var out []RawTrade
	for slot := first; !slot.After(end); slot = slot.Add(d.Slot) {
		out = append(out, d.tradeAt(slot))
	}
	return out, nil
}

func (d *DemoAdapter) tradeAt(closed time.Time) RawTrade {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d", closed.Unix())
	seed := h.Sum64()

	sym := demoSymbols[seed%uint64(len(demoSymbols))]
	// entry within +-2% of base, exit within +-1.5% of entry
	entry := decimal.NewFromInt(sym.base).
		Mul(decimal.NewFromInt(int64(9800 + seed%400))).
		Div(decimal.NewFromInt(10000)).Round(2)
	exit := entry.
		Mul(decimal.NewFromInt(int64(9850 + (seed>>16)%300))).
		Div(decimal.NewFromInt(10000)).Round(2)
	size := decimal.NewFromInt(int64(1 + (seed>>32)%50)).Div(decimal.NewFromInt(100))

	side := model.SideLong
	if (seed>>8)%2 == 1 {
		side = model.SideShort
	}

	return RawTrade{
		TradeID:    fmt.Sprintf("demo-%d", closed.Unix()),
		Symbol:     sym.symbol,
		Side:       string(side),
		Size:       size.String(),
		EntryPrice: entry.String(),
		ExitPrice:  exit.String(),
		OpenedAt:   closed.Add(-time.Duration(5+seed%50) * time.Minute),
		ClosedAt:   closed,
	}
}
