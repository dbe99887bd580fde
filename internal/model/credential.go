package model

import "time"

// Exchange identifies an external venue. The set is open: any name with a
// registered adapter is accepted.
type Exchange string

const (
	ExchangeBybit   Exchange = "bybit"
	ExchangeBinance Exchange = "binance"
	ExchangeOKX     Exchange = "okx"
	ExchangeDemo    Exchange = "demo"
)

const DefaultSyncIntervalHours = 24

// ExchangeCredential links a user to an exchange account. The API secret only
// exists sealed in Ciphertext.
type ExchangeCredential struct {
	ID         uint     `gorm:"primaryKey" json:"id"`
	UserID     int64    `gorm:"not null;uniqueIndex:idx_user_exchange" json:"user_id"`
	Exchange   Exchange `gorm:"size:32;not null;uniqueIndex:idx_user_exchange" json:"exchange"`
	Ciphertext []byte   `gorm:"type:bytea;not null" json:"-"`
	Nonce      []byte   `gorm:"type:bytea;not null" json:"-"`
	KeyVersion int      `gorm:"not null;default:1" json:"-"`

	Active        bool `gorm:"not null" json:"active"`
	AutoSync      bool `gorm:"not null" json:"auto_sync"`
	IntervalHours int  `gorm:"not null;default:24" json:"interval_hours"`

	LastSyncAt          *time.Time `json:"last_sync_at,omitempty"`
	ConsecutiveFailures int        `gorm:"not null;default:0" json:"consecutive_failures"`
	LastError           string     `gorm:"type:text" json:"last_error,omitempty"`
	DeactivatedAt       *time.Time `json:"deactivated_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (ExchangeCredential) TableName() string {
	return "exchange_credentials"
}

// Interval returns the auto-sync interval, falling back to the default when
// the stored value is not positive.
func (c *ExchangeCredential) Interval() time.Duration {
	hours := c.IntervalHours
	if hours <= 0 {
		hours = DefaultSyncIntervalHours
	}
	return time.Duration(hours) * time.Hour
}
