package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/GoPolymarket/tradefeed/internal/exchange"
	"github.com/GoPolymarket/tradefeed/internal/model"
	"github.com/GoPolymarket/tradefeed/internal/repository"
	"github.com/GoPolymarket/tradefeed/internal/vault"
)

// CredentialService owns the credential lifecycle: link, rotate, activate,
// deactivate and unlink. Deactivating or unlinking aborts a running sync.
type CredentialService struct {
	creds     CredentialStore
	vault     *vault.Vault
	adapters  *exchange.Registry
	scheduler *Scheduler
	now       func() time.Time
}

func NewCredentialService(creds CredentialStore, v *vault.Vault, adapters *exchange.Registry, scheduler *Scheduler) *CredentialService {
	return &CredentialService{
		creds:     creds,
		vault:     v,
		adapters:  adapters,
		scheduler: scheduler,
		now:       time.Now,
	}
}

func (s *CredentialService) List(ctx context.Context, userID int64) ([]*model.ExchangeCredential, error) {
	return s.creds.ListByUser(ctx, userID)
}

// Link seals and stores credentials for (user, exchange). Linking again
// rotates the secret. Sync settings not given in req keep their current
// values, or default to auto-sync every 24h for a new link.
func (s *CredentialService) Link(ctx context.Context, userID int64, ex model.Exchange, req model.LinkCredentialRequest) (*model.ExchangeCredential, error) {
	if !s.adapters.Supports(ex) {
		return nil, ErrUnsupportedExchange
	}

	opts := vault.StoreOptions{AutoSync: true, IntervalHours: model.DefaultSyncIntervalHours}
	current, err := s.creds.Get(ctx, userID, ex)
	switch {
	case err == nil:
		opts.AutoSync = current.AutoSync
		opts.IntervalHours = current.IntervalHours
	case !errors.Is(err, repository.ErrNotFound):
		return nil, err
	}
	if req.AutoSync != nil {
		opts.AutoSync = *req.AutoSync
	}
	if req.IntervalHours != nil {
		opts.IntervalHours = *req.IntervalHours
	}

	creds := vault.Credentials{
		APIKey:     []byte(strings.TrimSpace(req.APIKey)),
		APISecret:  []byte(strings.TrimSpace(req.APISecret)),
		Passphrase: []byte(strings.TrimSpace(req.Passphrase)),
	}
	defer creds.Wipe()

	return s.vault.Store(ctx, userID, ex, creds, opts)
}

func (s *CredentialService) Unlink(ctx context.Context, userID int64, ex model.Exchange) error {
	s.cancelSync(userID, ex)
	return s.creds.Delete(ctx, userID, ex)
}

// Activate re-enables a credential and clears its failure count.
func (s *CredentialService) Activate(ctx context.Context, userID int64, ex model.Exchange) (*model.ExchangeCredential, error) {
	return s.creds.SetActive(ctx, userID, ex, true, s.now().UTC())
}

func (s *CredentialService) Deactivate(ctx context.Context, userID int64, ex model.Exchange) (*model.ExchangeCredential, error) {
	rec, err := s.creds.SetActive(ctx, userID, ex, false, s.now().UTC())
	if err != nil {
		return nil, err
	}
	s.cancelSync(userID, ex)
	return rec, nil
}

// UpdateSettings changes auto-sync settings; nil fields keep their value.
func (s *CredentialService) UpdateSettings(ctx context.Context, userID int64, ex model.Exchange, req model.SyncSettingsRequest) (*model.ExchangeCredential, error) {
	current, err := s.creds.Get(ctx, userID, ex)
	if err != nil {
		return nil, err
	}
	autoSync, hours := current.AutoSync, current.IntervalHours
	if req.AutoSync != nil {
		autoSync = *req.AutoSync
	}
	if req.IntervalHours != nil {
		hours = *req.IntervalHours
	}
	if hours <= 0 {
		hours = model.DefaultSyncIntervalHours
	}
	return s.creds.SetSyncSettings(ctx, userID, ex, autoSync, hours)
}

func (s *CredentialService) cancelSync(userID int64, ex model.Exchange) {
	if s.scheduler != nil {
		s.scheduler.Cancel(userID, ex)
	}
}
