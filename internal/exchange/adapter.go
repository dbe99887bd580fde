// Package exchange defines the contract every exchange integration satisfies
// and the registry the sync scheduler resolves adapters from.
package exchange

import (
	"context"
	"time"

	"github.com/GoPolymarket/tradefeed/internal/model"
	"github.com/GoPolymarket/tradefeed/internal/vault"
)

// Adapter fetches realized trades for one exchange account. Implementations
// must return errors built with NewError (or wrapping one) so callers can
// tell auth failures from retryable ones.
type Adapter interface {
	Name() model.Exchange
	FetchTrades(ctx context.Context, creds vault.Credentials, since time.Time) ([]RawTrade, error)
}

// RawTrade is a trade as the exchange reported it. Numeric fields stay
// strings; ingestion parses and validates them. Zero times mean missing.
type RawTrade struct {
	TradeID     string
	Symbol      string
	Side        string
	Size        string
	EntryPrice  string
	ExitPrice   string
	ReportedPnL string
	OpenedAt    time.Time
	ClosedAt    time.Time
}
