package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/GoPolymarket/tradefeed/internal/model"
	"github.com/GoPolymarket/tradefeed/internal/vault"
	"github.com/go-resty/resty/v2"
)

const (
	bybitClosedPnLPath = "/v5/position/closed-pnl"
	bybitRecvWindow    = "5000"
	bybitPageLimit     = 100
	// The closed-pnl endpoint rejects ranges longer than seven days.
	bybitMaxWindow = 7 * 24 * time.Hour
	bybitMaxPages  = 50
)

// BybitAdapter reads closed positions from the Bybit v5 unified API.
type BybitAdapter struct {
	client   *resty.Client
	category string
	now      func() time.Time
}

type BybitOption func(*BybitAdapter)

// WithBybitClock overrides the clock used to close the fetch range.
func WithBybitClock(now func() time.Time) BybitOption {
	return func(a *BybitAdapter) { a.now = now }
}

func NewBybitAdapter(baseURL, category string, opts ...BybitOption) *BybitAdapter {
	baseURL = strings.TrimSuffix(baseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.bybit.com"
	}
	if category == "" {
		category = "linear"
	}
	// Retries are owned by the scheduler so backoff and failure counting stay
	// in one place.
	client := resty.New().
		SetBaseURL(baseURL).
		SetRetryCount(0).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "tradefeed/1.0")

	a := &BybitAdapter{client: client, category: category, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *BybitAdapter) Name() model.Exchange {
	return model.ExchangeBybit
}

type bybitEnvelope struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		Category       string            `json:"category"`
		List           []bybitClosedItem `json:"list"`
		NextPageCursor string            `json:"nextPageCursor"`
	} `json:"result"`
}

type bybitClosedItem struct {
	Symbol        string `json:"symbol"`
	OrderID       string `json:"orderId"`
	Side          string `json:"side"`
	Qty           string `json:"qty"`
	ClosedSize    string `json:"closedSize"`
	AvgEntryPrice string `json:"avgEntryPrice"`
	AvgExitPrice  string `json:"avgExitPrice"`
	ClosedPnl     string `json:"closedPnl"`
	CreatedTime   string `json:"createdTime"`
	UpdatedTime   string `json:"updatedTime"`
}

// FetchTrades walks [since, now) in seven day windows, following the page
// cursor inside each window. Results are ordered oldest window first.
func (a *BybitAdapter) FetchTrades(ctx context.Context, creds vault.Credentials, since time.Time) ([]RawTrade, error) {
	end := a.now().UTC()
	if since.IsZero() || since.After(end) {
		since = end.Add(-bybitMaxWindow)
	}

	var out []RawTrade
	for start := since; start.Before(end); start = start.Add(bybitMaxWindow) {
		stop := start.Add(bybitMaxWindow)
		if stop.After(end) {
			stop = end
		}
		trades, err := a.fetchWindow(ctx, creds, start, stop)
		if err != nil {
			return nil, err
		}
		out = append(out, trades...)
	}
	return out, nil
}

func (a *BybitAdapter) fetchWindow(ctx context.Context, creds vault.Credentials, start, stop time.Time) ([]RawTrade, error) {
	var out []RawTrade
	cursor := ""
	for page := 0; page < bybitMaxPages; page++ {
		q := url.Values{}
		q.Set("category", a.category)
		q.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
		q.Set("endTime", strconv.FormatInt(stop.UnixMilli(), 10))
		q.Set("limit", strconv.Itoa(bybitPageLimit))
		if cursor != "" {
			q.Set("cursor", cursor)
		}

		env, err := a.get(ctx, creds, bybitClosedPnLPath, q)
		if err != nil {
			return nil, err
		}
		for _, item := range env.Result.List {
			out = append(out, item.toRaw())
		}
		cursor = env.Result.NextPageCursor
		if cursor == "" || len(env.Result.List) == 0 {
			return out, nil
		}
	}
	return out, nil
}

func (a *BybitAdapter) get(ctx context.Context, creds vault.Credentials, path string, q url.Values) (*bybitEnvelope, error) {
	query := q.Encode()
	ts := strconv.FormatInt(a.now().UnixMilli(), 10)
	apiKey := string(creds.APIKey)

	var env bybitEnvelope
	resp, err := a.client.R().
		SetContext(ctx).
		SetHeader("X-BAPI-API-KEY", apiKey).
		SetHeader("X-BAPI-TIMESTAMP", ts).
		SetHeader("X-BAPI-RECV-WINDOW", bybitRecvWindow).
		SetHeader("X-BAPI-SIGN", bybitSign(creds.APISecret, ts+apiKey+bybitRecvWindow+query)).
		SetQueryString(query).
		SetResult(&env).
		Get(path)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, NewError(KindTransport, model.ExchangeBybit, err)
	}

	switch status := resp.StatusCode(); {
	case status == http.StatusTooManyRequests:
		e := NewError(KindRateLimit, model.ExchangeBybit, fmt.Errorf("http %d", status))
		e.RetryAfter = parseRetryAfter(resp.Header())
		return nil, e
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, NewError(KindAuth, model.ExchangeBybit, fmt.Errorf("http %d", status))
	case status >= 300:
		return nil, NewError(KindTransport, model.ExchangeBybit, fmt.Errorf("http %d", status))
	}

	if env.RetCode != 0 {
		return nil, bybitRetCodeError(env.RetCode, env.RetMsg)
	}
	return &env, nil
}

func bybitSign(secret []byte, payload string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func bybitRetCodeError(code int, msg string) *Error {
	cause := fmt.Errorf("retCode %d: %s", code, msg)
	switch code {
	case 10003, 10004, 10005, 10007, 33004:
		return NewError(KindAuth, model.ExchangeBybit, cause)
	case 10006, 10018:
		e := NewError(KindRateLimit, model.ExchangeBybit, cause)
		e.RetryAfter = time.Second
		return e
	default:
		return NewError(KindTransport, model.ExchangeBybit, cause)
	}
}

func parseRetryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	// Bybit reports the window reset as a unix millisecond timestamp.
	if v := h.Get("X-Bapi-Limit-Reset-Timestamp"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Until(time.UnixMilli(ms)); d > 0 {
				return d
			}
		}
	}
	return 0
}

// The side of a closed-pnl row is the closing order's side: a Sell closes a
// long position, a Buy closes a short one.
func (it bybitClosedItem) toRaw() RawTrade {
	side := ""
	switch strings.ToLower(it.Side) {
	case "sell":
		side = string(model.SideLong)
	case "buy":
		side = string(model.SideShort)
	}
	size := it.ClosedSize
	if size == "" {
		size = it.Qty
	}
	return RawTrade{
		TradeID:     it.OrderID,
		Symbol:      it.Symbol,
		Side:        side,
		Size:        size,
		EntryPrice:  it.AvgEntryPrice,
		ExitPrice:   it.AvgExitPrice,
		ReportedPnL: it.ClosedPnl,
		OpenedAt:    parseMillis(it.CreatedTime),
		ClosedAt:    parseMillis(it.UpdatedTime),
	}
}

func parseMillis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
