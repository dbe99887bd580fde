package repository

import (
	"context"
	"time"

	"github.com/GoPolymarket/tradefeed/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PostgresCredentialRepo struct {
	db *gorm.DB
}

func NewPostgresCredentialRepo(db *gorm.DB) *PostgresCredentialRepo {
	return &PostgresCredentialRepo{db: db}
}

func (r *PostgresCredentialRepo) Get(ctx context.Context, userID int64, exchange model.Exchange) (*model.ExchangeCredential, error) {
	var c model.ExchangeCredential
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND exchange = ?", userID, exchange).
		First(&c).Error
	if err != nil {
		return nil, mapError(err)
	}
	return &c, nil
}

// Upsert inserts or rotates the sealed blob for (user, exchange). Sync
// history (last_sync_at) of an existing row is kept. c is reloaded from the
// stored row.
func (r *PostgresCredentialRepo) Upsert(ctx context.Context, c *model.ExchangeCredential) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "exchange"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"ciphertext", "nonce", "key_version",
			"active", "auto_sync", "interval_hours",
			"consecutive_failures", "last_error", "deactivated_at", "updated_at",
		}),
	}).Create(c).Error
	if err != nil {
		return err
	}
	stored, err := r.Get(ctx, c.UserID, c.Exchange)
	if err != nil {
		return err
	}
	*c = *stored
	return nil
}

func (r *PostgresCredentialRepo) ListByUser(ctx context.Context, userID int64) ([]*model.ExchangeCredential, error) {
	var rows []*model.ExchangeCredential
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("exchange").
		Find(&rows).Error
	return rows, err
}

// ListAutoSync returns every active credential with auto-sync enabled. The
// interval check happens in the scheduler.
func (r *PostgresCredentialRepo) ListAutoSync(ctx context.Context) ([]*model.ExchangeCredential, error) {
	var rows []*model.ExchangeCredential
	err := r.db.WithContext(ctx).
		Where("active = ? AND auto_sync = ?", true, true).
		Order("last_sync_at ASC NULLS FIRST").
		Find(&rows).Error
	return rows, err
}

func (r *PostgresCredentialRepo) SetActive(ctx context.Context, userID int64, exchange model.Exchange, active bool, at time.Time) (*model.ExchangeCredential, error) {
	updates := map[string]any{"active": active}
	if active {
		updates["consecutive_failures"] = 0
		updates["last_error"] = ""
		updates["deactivated_at"] = nil
	} else {
		updates["deactivated_at"] = at
	}
	return r.update(ctx, userID, exchange, updates)
}

func (r *PostgresCredentialRepo) SetSyncSettings(ctx context.Context, userID int64, exchange model.Exchange, autoSync bool, intervalHours int) (*model.ExchangeCredential, error) {
	return r.update(ctx, userID, exchange, map[string]any{
		"auto_sync":      autoSync,
		"interval_hours": intervalHours,
	})
}

func (r *PostgresCredentialRepo) Delete(ctx context.Context, userID int64, exchange model.Exchange) error {
	res := r.db.WithContext(ctx).
		Where("user_id = ? AND exchange = ?", userID, exchange).
		Delete(&model.ExchangeCredential{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresCredentialRepo) RecordSyncSuccess(ctx context.Context, userID int64, exchange model.Exchange, at time.Time) error {
	_, err := r.update(ctx, userID, exchange, map[string]any{
		"last_sync_at":         at,
		"consecutive_failures": 0,
		"last_error":           "",
	})
	return err
}

// RecordSyncFailure increments the failure counter under a row lock and
// deactivates the credential once maxFailures is reached. The returned bool
// is true only for the call that flipped it inactive.
func (r *PostgresCredentialRepo) RecordSyncFailure(ctx context.Context, userID int64, exchange model.Exchange, msg string, maxFailures int, at time.Time) (*model.ExchangeCredential, bool, error) {
	var (
		c           model.ExchangeCredential
		deactivated bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND exchange = ?", userID, exchange).
			First(&c).Error
		if err != nil {
			return mapError(err)
		}

		c.ConsecutiveFailures++
		c.LastError = msg
		updates := map[string]any{
			"consecutive_failures": c.ConsecutiveFailures,
			"last_error":           msg,
		}
		if maxFailures > 0 && c.ConsecutiveFailures >= maxFailures && c.Active {
			c.Active = false
			c.DeactivatedAt = &at
			updates["active"] = false
			updates["deactivated_at"] = at
			deactivated = true
		}
		return tx.Model(&c).Updates(updates).Error
	})
	if err != nil {
		return nil, false, err
	}
	return &c, deactivated, nil
}

func (r *PostgresCredentialRepo) update(ctx context.Context, userID int64, exchange model.Exchange, updates map[string]any) (*model.ExchangeCredential, error) {
	res := r.db.WithContext(ctx).
		Model(&model.ExchangeCredential{}).
		Where("user_id = ? AND exchange = ?", userID, exchange).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return r.Get(ctx, userID, exchange)
}
