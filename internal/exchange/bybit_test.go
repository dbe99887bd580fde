package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GoPolymarket/tradefeed/internal/model"
	"github.com/GoPolymarket/tradefeed/internal/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

func testCreds() vault.Credentials {
	return vault.Credentials{APIKey: []byte("bybit-key"), APISecret: []byte("bybit-secret")}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func TestBybitFetchTradesSignsAndPaginates(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, bybitClosedPnLPath, r.URL.Path)
		assert.Equal(t, "bybit-key", r.Header.Get("X-BAPI-API-KEY"))

		ts := r.Header.Get("X-BAPI-TIMESTAMP")
		want := bybitSign([]byte("bybit-secret"), ts+"bybit-key"+bybitRecvWindow+r.URL.RawQuery)
		assert.Equal(t, want, r.Header.Get("X-BAPI-SIGN"))

		if r.URL.Query().Get("cursor") == "" {
			writeJSON(w, http.StatusOK, map[string]any{
				"retCode": 0,
				"result": map[string]any{
					"list": []map[string]any{{
						"symbol": "BTCUSDT", "orderId": "T1", "side": "Sell", "closedSize": "0.5",
						"avgEntryPrice": "60000", "avgExitPrice": "61000", "closedPnl": "499.1",
						"createdTime": "1715000000000", "updatedTime": "1715003600000",
					}},
					"nextPageCursor": "page2",
				},
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"retCode": 0,
			"result": map[string]any{
				"list": []map[string]any{{
					"symbol": "ETHUSDT", "orderId": "T2", "side": "Buy", "qty": "2",
					"avgEntryPrice": "3000", "avgExitPrice": "2900",
					"createdTime": "1715000000000", "updatedTime": "1715003600000",
				}},
			},
		})
	}))
	defer srv.Close()

	a := NewBybitAdapter(srv.URL, "linear", WithBybitClock(func() time.Time { return fixedNow }))
	trades, err := a.FetchTrades(context.Background(), testCreds(), fixedNow.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))

	assert.Equal(t, "T1", trades[0].TradeID)
	assert.Equal(t, string(model.SideLong), trades[0].Side)
	assert.Equal(t, "0.5", trades[0].Size)
	assert.Equal(t, time.UnixMilli(1715003600000).UTC(), trades[0].ClosedAt)

	assert.Equal(t, "T2", trades[1].TradeID)
	assert.Equal(t, string(model.SideShort), trades[1].Side)
	assert.Equal(t, "2", trades[1].Size)
}

func TestBybitFetchTradesSplitsLongRanges(t *testing.T) {
	var windows int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&windows, 1)
		writeJSON(w, http.StatusOK, map[string]any{"retCode": 0, "result": map[string]any{"list": []any{}}})
	}))
	defer srv.Close()

	a := NewBybitAdapter(srv.URL, "", WithBybitClock(func() time.Time { return fixedNow }))
	_, err := a.FetchTrades(context.Background(), testCreds(), fixedNow.Add(-30*24*time.Hour))
	require.NoError(t, err)
	// 30 days in 7 day windows
	assert.EqualValues(t, 5, atomic.LoadInt32(&windows))
}

func TestBybitErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      map[string]any
		header    map[string]string
		want      error
		retryable bool
		after     time.Duration
	}{
		{name: "invalid key", status: 200, body: map[string]any{"retCode": 10003, "retMsg": "API key is invalid."}, want: ErrAuth},
		{name: "bad signature", status: 200, body: map[string]any{"retCode": 10004, "retMsg": "sign error"}, want: ErrAuth},
		{name: "too many visits", status: 200, body: map[string]any{"retCode": 10006, "retMsg": "Too many visits"}, want: ErrRateLimit, retryable: true, after: time.Second},
		{name: "http 429", status: 429, header: map[string]string{"Retry-After": "3"}, want: ErrRateLimit, retryable: true, after: 3 * time.Second},
		{name: "http 401", status: 401, want: ErrAuth},
		{name: "http 502", status: 502, want: ErrTransport, retryable: true},
		{name: "unknown retCode", status: 200, body: map[string]any{"retCode": 10001, "retMsg": "params error"}, want: ErrTransport, retryable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				body := tt.body
				if body == nil {
					body = map[string]any{}
				}
				writeJSON(w, tt.status, body)
			}))
			defer srv.Close()

			a := NewBybitAdapter(srv.URL, "linear", WithBybitClock(func() time.Time { return fixedNow }))
			_, err := a.FetchTrades(context.Background(), testCreds(), fixedNow.Add(-time.Hour))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.retryable, IsRetryable(err))
			assert.Equal(t, tt.after, RetryAfter(err))

			var exErr *Error
			require.True(t, errors.As(err, &exErr))
			assert.Equal(t, model.ExchangeBybit, exErr.Exchange)
		})
	}
}

func TestBybitTransportErrorOnDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	a := NewBybitAdapter(srv.URL, "linear", WithBybitClock(func() time.Time { return fixedNow }))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := a.FetchTrades(ctx, testCreds(), fixedNow.Add(-time.Hour))
	assert.ErrorIs(t, err, ErrTransport)
	assert.True(t, IsRetryable(err))
}
