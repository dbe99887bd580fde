package exchange

import (
	"errors"
	"fmt"
	"time"

	"github.com/GoPolymarket/tradefeed/internal/model"
)

type Kind int

const (
	KindTransport Kind = iota
	KindAuth
	KindRateLimit
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindRateLimit:
		return "rate_limit"
	default:
		return "transport"
	}
}

var (
	ErrAuth      = errors.New("exchange: credentials rejected")
	ErrRateLimit = errors.New("exchange: rate limited")
	ErrTransport = errors.New("exchange: transport failure")
)

// Error is returned by adapters. errors.Is matches it against the sentinel of
// its Kind as well as the wrapped cause.
type Error struct {
	Kind       Kind
	Exchange   model.Exchange
	RetryAfter time.Duration
	Err        error
}

func NewError(kind Kind, exchange model.Exchange, err error) *Error {
	return &Error{Kind: kind, Exchange: exchange, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Exchange, e.Kind)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Exchange, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	out := []error{e.sentinel()}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func (e *Error) sentinel() error {
	switch e.Kind {
	case KindAuth:
		return ErrAuth
	case KindRateLimit:
		return ErrRateLimit
	default:
		return ErrTransport
	}
}

// IsRetryable reports whether err is a rate-limit or transport failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrTransport)
}

// RetryAfter returns the server-suggested delay carried by err, if any.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// KindOf classifies err; unknown errors count as transport failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransport
}
