package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/GoPolymarket/tradefeed/internal/broadcast"
	"github.com/GoPolymarket/tradefeed/internal/middleware"
	"github.com/GoPolymarket/tradefeed/internal/pkg/apperrors"
	"github.com/GoPolymarket/tradefeed/internal/pkg/logger"
	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	HeaderLastEventID = "Last-Event-ID"
	QueryLastEventID  = "last_event_id"

	wsWriteWait  = 10 * time.Second
	wsReadLimit  = 4 << 10
	wsPongWait   = 90 * time.Second
	wsPingPeriod = 30 * time.Second
)

// HelloFrame is the first WebSocket message.
type HelloFrame struct {
	Event          string `json:"event"`
	Retry          int64  `json:"retry"`
	Channel        string `json:"channel"`
	SubscriptionID string `json:"subscription_id"`
}

type StreamHandler struct {
	hub      *broadcast.Hub
	upgrader websocket.Upgrader
}

func NewStreamHandler(hub *broadcast.Hub) *StreamHandler {
	return &StreamHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Callers authenticate with an API key, not cookies.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// SSE handles GET /v1/stream?channel=&last_event_id=.
func (h *StreamHandler) SSE(c *gin.Context) {
	sub, ok := h.subscribe(c.Request.Context(), c)
	if !ok {
		return
	}
	defer sub.Close()

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", h.hub.Retry().Milliseconds()); err != nil {
		return
	}
	w.Flush()

	ctx := c.Request.Context()
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			logStreamEnd(sub, err)
			return
		}
		if err := writeSSE(w, ev); err != nil {
			return
		}
		w.Flush()
	}
}

func writeSSE(w io.Writer, ev broadcast.Event) error {
	out := sse.Event{
		Event: ev.Type,
		Data:  string(ev.Payload),
	}
	if ev.ID > 0 {
		out.Id = strconv.FormatUint(ev.ID, 10)
	}
	return sse.Encode(w, out)
}

// WebSocket handles GET /v1/ws?channel=&last_event_id=. Frames are the JSON
// encoding of broadcast.Event after a hello frame.
func (h *StreamHandler) WebSocket(c *gin.Context) {
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Authorize before upgrading so a denied channel is a plain HTTP error.
	sub, ok := h.subscribe(ctx, c)
	if !ok {
		return
	}
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err.Error())
		return
	}
	defer conn.Close()

	// Inbound messages are ignored; the read loop only notices disconnects.
	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		}
	}()

	write := func(v any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(v)
	}

	hello := HelloFrame{
		Event:          "hello",
		Retry:          h.hub.Retry().Milliseconds(),
		Channel:        sub.Channel,
		SubscriptionID: sub.ID,
	}
	if err := write(hello); err != nil {
		return
	}

	events := make(chan broadcast.Event)
	nextErr := make(chan error, 1)
	go func() {
		defer close(events)
		for {
			ev, err := sub.Next(ctx)
			if err != nil {
				nextErr <- err
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				var err error
				select {
				case err = <-nextErr:
				default:
					err = ctx.Err()
				}
				logStreamEnd(sub, err)
				closeWebSocket(conn, err)
				return
			}
			if err := write(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (h *StreamHandler) subscribe(ctx context.Context, c *gin.Context) (*broadcast.Subscription, bool) {
	channel := strings.TrimSpace(c.Query("channel"))
	if channel == "" {
		fail(c, apperrors.NewInvalidRequest("channel is required"))
		return nil, false
	}
	resume, err := lastEventID(c)
	if err != nil {
		fail(c, apperrors.NewInvalidRequest(err.Error()))
		return nil, false
	}

	sub, err := h.hub.Subscribe(ctx, middleware.CurrentIdentity(c), channel, resume)
	if err != nil {
		fail(c, err)
		return nil, false
	}
	return sub, true
}

// lastEventID reads the resume point from the Last-Event-ID header, which
// browsers send on EventSource reconnects, or the last_event_id query.
func lastEventID(c *gin.Context) (*uint64, error) {
	raw := strings.TrimSpace(c.GetHeader(HeaderLastEventID))
	if raw == "" {
		raw = strings.TrimSpace(c.Query(QueryLastEventID))
	}
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, errors.New("last_event_id must be a non-negative integer")
	}
	return &n, nil
}

func closeWebSocket(conn *websocket.Conn, err error) {
	code, reason := websocket.CloseNormalClosure, "closed"
	switch {
	case errors.Is(err, broadcast.ErrSlowConsumer):
		code, reason = websocket.ClosePolicyViolation, "slow consumer"
	case errors.Is(err, broadcast.ErrHubClosed):
		code, reason = websocket.CloseGoingAway, "shutting down"
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}

func logStreamEnd(sub *broadcast.Subscription, err error) {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, broadcast.ErrSubscriptionClosed) {
		return
	}
	logger.Info("stream closed",
		"subscription_id", sub.ID,
		"channel", sub.Channel,
		"reason", err.Error(),
	)
}
