package model

import "time"

// LinkCredentialRequest is the body of PUT /v1/exchanges/:exchange/credentials.
type LinkCredentialRequest struct {
	APIKey        string `json:"api_key" binding:"required"`
	APISecret     string `json:"api_secret" binding:"required"`
	Passphrase    string `json:"passphrase,omitempty"`
	AutoSync      *bool  `json:"auto_sync,omitempty"`
	IntervalHours *int   `json:"interval_hours,omitempty" binding:"omitempty,min=1,max=720"`
}

// SyncSettingsRequest is the body of PATCH /v1/exchanges/:exchange.
type SyncSettingsRequest struct {
	AutoSync      *bool `json:"auto_sync,omitempty"`
	IntervalHours *int  `json:"interval_hours,omitempty" binding:"omitempty,min=1,max=720"`
}

// CredentialView is what the API returns for a linked exchange. Secrets are
// never included.
type CredentialView struct {
	Exchange            Exchange   `json:"exchange"`
	Active              bool       `json:"active"`
	AutoSync            bool       `json:"auto_sync"`
	IntervalHours       int        `json:"interval_hours"`
	LastSyncAt          *time.Time `json:"last_sync_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
	DeactivatedAt       *time.Time `json:"deactivated_at,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

func NewCredentialView(c *ExchangeCredential) CredentialView {
	if c == nil {
		return CredentialView{}
	}
	return CredentialView{
		Exchange:            c.Exchange,
		Active:              c.Active,
		AutoSync:            c.AutoSync,
		IntervalHours:       c.IntervalHours,
		LastSyncAt:          c.LastSyncAt,
		ConsecutiveFailures: c.ConsecutiveFailures,
		LastError:           c.LastError,
		DeactivatedAt:       c.DeactivatedAt,
		UpdatedAt:           c.UpdatedAt,
	}
}

// SyncResponse is returned by the manual sync trigger.
type SyncResponse struct {
	Exchange Exchange `json:"exchange"`
	Status   string   `json:"status"`
}
