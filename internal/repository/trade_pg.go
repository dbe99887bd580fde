package repository

import (
	"context"

	"github.com/GoPolymarket/tradefeed/internal/model"
	"gorm.io/gorm"
)

type PostgresTradeRepo struct {
	db *gorm.DB
}

func NewPostgresTradeRepo(db *gorm.DB) *PostgresTradeRepo {
	return &PostgresTradeRepo{db: db}
}

// FindByTradeIDs returns the stored trades among ids, keyed by exchange trade id.
func (r *PostgresTradeRepo) FindByTradeIDs(ctx context.Context, userID int64, exchange model.Exchange, ids []string) (map[string]*model.TradeRecord, error) {
	out := make(map[string]*model.TradeRecord, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []*model.TradeRecord
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND exchange = ? AND exchange_trade_id IN ?", userID, exchange, ids).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.ExchangeTradeID] = row
	}
	return out, nil
}

func (r *PostgresTradeRepo) Insert(ctx context.Context, t *model.TradeRecord) error {
	return mapError(r.db.WithContext(ctx).Create(t).Error)
}

// Update rewrites the trade fields of an existing row in place.
func (r *PostgresTradeRepo) Update(ctx context.Context, t *model.TradeRecord) error {
	res := r.db.WithContext(ctx).
		Model(t).
		Select("symbol", "side", "size", "entry_price", "exit_price", "pnl", "entry_at", "exit_at", "updated_at").
		Updates(t)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a user's most recent trades, optionally for one exchange.
func (r *PostgresTradeRepo) List(ctx context.Context, userID int64, exchange model.Exchange, limit int) ([]*model.TradeRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if exchange != "" {
		q = q.Where("exchange = ?", exchange)
	}
	var rows []*model.TradeRecord
	err := q.Order("exit_at DESC").Order("id DESC").Limit(limit).Find(&rows).Error
	return rows, err
}
