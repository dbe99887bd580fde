package model

// RateLimitConfig is the per-user API rate limit.
type RateLimitConfig struct {
	QPS   float64 `json:"qps"`
	Burst int     `json:"burst"`
}

// User is an authenticated API caller. Its ID is the identity used for
// private channel authorization and credential ownership.
type User struct {
	ID     int64           `json:"id"`
	Name   string          `json:"name"`
	APIKey string          `json:"-"`
	Rate   RateLimitConfig `json:"rate_limit"`
}
