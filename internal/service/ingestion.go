package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/GoPolymarket/tradefeed/internal/exchange"
	"github.com/GoPolymarket/tradefeed/internal/model"
	"github.com/GoPolymarket/tradefeed/internal/pkg/metrics"
	"github.com/shopspring/decimal"
)

type ChangeKind string

const (
	ChangeNew     ChangeKind = "new"
	ChangeUpdated ChangeKind = "updated"
)

// DomainChange carries a value snapshot of a trade that was inserted or
// changed by ingestion.
type DomainChange struct {
	Kind  ChangeKind
	Trade model.TradeRecord
	At    time.Time
}

// ChangeSink receives domain changes after they are persisted. Emit must not
// block on slow downstream consumers.
type ChangeSink interface {
	Emit(ctx context.Context, changes []DomainChange)
}

// MultiSink fans changes out to several sinks in order.
type MultiSink []ChangeSink

func (m MultiSink) Emit(ctx context.Context, changes []DomainChange) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, changes)
		}
	}
}

// MalformedTradeError describes one raw trade that was skipped.
type MalformedTradeError struct {
	Index   int
	TradeID string
	Reason  string
}

func (e *MalformedTradeError) Error() string {
	if e.TradeID == "" {
		return fmt.Sprintf("malformed trade at index %d: %s", e.Index, e.Reason)
	}
	return fmt.Sprintf("malformed trade %s at index %d: %s", e.TradeID, e.Index, e.Reason)
}

type IngestResult struct {
	Changes   []DomainChange
	Inserted  int
	Updated   int
	Unchanged int
	Skipped   []*MalformedTradeError
}

type Ingestor struct {
	trades TradeStore
	sink   ChangeSink
	now    func() time.Time
}

func NewIngestor(trades TradeStore, sink ChangeSink) *Ingestor {
	return &Ingestor{trades: trades, sink: sink, now: time.Now}
}

// Ingest normalizes raws into trade records and upserts them by
// (user, exchange, trade id). Malformed records are skipped and reported.
// A store error stops the batch; changes persisted before it are still
// emitted so no event is lost when the batch is re-run.
func (i *Ingestor) Ingest(ctx context.Context, userID int64, ex model.Exchange, raws []exchange.RawTrade) (*IngestResult, error) {
	res := &IngestResult{}

	// Fold duplicate ids; the last occurrence wins but keeps the first position.
	var (
		order  []string
		byID   = make(map[string]*model.TradeRecord, len(raws))
		exName = string(ex)
	)
	for idx, raw := range raws {
		rec, err := normalizeTrade(userID, ex, raw)
		if err != nil {
			var bad *MalformedTradeError
			if errors.As(err, &bad) {
				bad.Index = idx
				res.Skipped = append(res.Skipped, bad)
				continue
			}
			return res, err
		}
		if _, seen := byID[rec.ExchangeTradeID]; !seen {
			order = append(order, rec.ExchangeTradeID)
		}
		byID[rec.ExchangeTradeID] = rec
	}
	if len(res.Skipped) > 0 {
		metrics.TradesIngested.WithLabelValues(exName, "skipped").Add(float64(len(res.Skipped)))
	}
	if len(order) == 0 {
		return res, nil
	}

	defer func() {
		if len(res.Changes) > 0 && i.sink != nil {
			i.sink.Emit(ctx, res.Changes)
		}
	}()

	existing, err := i.trades.FindByTradeIDs(ctx, userID, ex, order)
	if err != nil {
		return res, fmt.Errorf("load existing trades: %w", err)
	}

	for _, id := range order {
		rec := byID[id]
		prev, found := existing[id]
		switch {
		case !found:
			if err := i.trades.Insert(ctx, rec); err != nil {
				return res, fmt.Errorf("insert trade %s: %w", id, err)
			}
			res.Inserted++
			res.Changes = append(res.Changes, DomainChange{Kind: ChangeNew, Trade: *rec, At: i.now().UTC()})
		case !prev.SameContent(rec):
			rec.ID = prev.ID
			rec.CreatedAt = prev.CreatedAt
			if err := i.trades.Update(ctx, rec); err != nil {
				return res, fmt.Errorf("update trade %s: %w", id, err)
			}
			res.Updated++
			res.Changes = append(res.Changes, DomainChange{Kind: ChangeUpdated, Trade: *rec, At: i.now().UTC()})
		default:
			res.Unchanged++
		}
	}

	metrics.TradesIngested.WithLabelValues(exName, string(ChangeNew)).Add(float64(res.Inserted))
	metrics.TradesIngested.WithLabelValues(exName, string(ChangeUpdated)).Add(float64(res.Updated))
	metrics.TradesIngested.WithLabelValues(exName, "unchanged").Add(float64(res.Unchanged))
	return res, nil
}

// ComputePnL is (exit - entry) * size for longs and (entry - exit) * size for
// shorts.
func ComputePnL(side model.Side, entry, exit, size decimal.Decimal) decimal.Decimal {
	if side == model.SideShort {
		return entry.Sub(exit).Mul(size)
	}
	return exit.Sub(entry).Mul(size)
}

func normalizeTrade(userID int64, ex model.Exchange, raw exchange.RawTrade) (*model.TradeRecord, error) {
	id := strings.TrimSpace(raw.TradeID)
	bad := func(reason string) error {
		return &MalformedTradeError{TradeID: id, Reason: reason}
	}

	if id == "" {
		return nil, bad("missing trade id")
	}
	symbol := strings.ToUpper(strings.TrimSpace(raw.Symbol))
	if symbol == "" {
		return nil, bad("missing symbol")
	}
	side, ok := normalizeSide(raw.Side)
	if !ok {
		return nil, bad(fmt.Sprintf("unknown side %q", raw.Side))
	}

	size, err := positiveDecimal(raw.Size)
	if err != nil {
		return nil, bad("size: " + err.Error())
	}
	entry, err := positiveDecimal(raw.EntryPrice)
	if err != nil {
		return nil, bad("entry price: " + err.Error())
	}
	exit, err := positiveDecimal(raw.ExitPrice)
	if err != nil {
		return nil, bad("exit price: " + err.Error())
	}

	if raw.OpenedAt.IsZero() || raw.ClosedAt.IsZero() {
		return nil, bad("missing entry or exit time")
	}
	// Postgres keeps microseconds.
	openedAt := raw.OpenedAt.UTC().Truncate(time.Microsecond)
	closedAt := raw.ClosedAt.UTC().Truncate(time.Microsecond)
	if openedAt.After(closedAt) {
		return nil, bad("entry time after exit time")
	}

	return &model.TradeRecord{
		UserID:          userID,
		Exchange:        ex,
		ExchangeTradeID: id,
		Symbol:          symbol,
		Side:            side,
		Size:            size,
		EntryPrice:      entry,
		ExitPrice:       exit,
		PnL:             ComputePnL(side, entry, exit, size),
		EntryAt:         openedAt,
		ExitAt:          closedAt,
	}, nil
}

func normalizeSide(s string) (model.Side, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "buy":
		return model.SideLong, true
	case "short", "sell":
		return model.SideShort, true
	}
	return "", false
}

func positiveDecimal(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, errors.New("missing")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid number %q", s)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("must be positive, got %s", s)
	}
	return d, nil
}
