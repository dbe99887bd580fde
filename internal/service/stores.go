package service

import (
	"context"
	"time"

	"github.com/GoPolymarket/tradefeed/internal/model"
)

// CredentialStore persists exchange credentials and their sync bookkeeping.
type CredentialStore interface {
	Get(ctx context.Context, userID int64, exchange model.Exchange) (*model.ExchangeCredential, error)
	Upsert(ctx context.Context, c *model.ExchangeCredential) error
	ListByUser(ctx context.Context, userID int64) ([]*model.ExchangeCredential, error)
	ListAutoSync(ctx context.Context) ([]*model.ExchangeCredential, error)
	SetActive(ctx context.Context, userID int64, exchange model.Exchange, active bool, at time.Time) (*model.ExchangeCredential, error)
	SetSyncSettings(ctx context.Context, userID int64, exchange model.Exchange, autoSync bool, intervalHours int) (*model.ExchangeCredential, error)
	Delete(ctx context.Context, userID int64, exchange model.Exchange) error
	RecordSyncSuccess(ctx context.Context, userID int64, exchange model.Exchange, at time.Time) error
	RecordSyncFailure(ctx context.Context, userID int64, exchange model.Exchange, msg string, maxFailures int, at time.Time) (*model.ExchangeCredential, bool, error)
}

// TradeStore persists trade records. Only the ingestor writes to it.
type TradeStore interface {
	FindByTradeIDs(ctx context.Context, userID int64, exchange model.Exchange, ids []string) (map[string]*model.TradeRecord, error)
	Insert(ctx context.Context, t *model.TradeRecord) error
	Update(ctx context.Context, t *model.TradeRecord) error
	List(ctx context.Context, userID int64, exchange model.Exchange, limit int) ([]*model.TradeRecord, error)
}
