package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/GoPolymarket/tradefeed/internal/broadcast"
	"github.com/GoPolymarket/tradefeed/internal/model"
	"github.com/GoPolymarket/tradefeed/internal/pkg/apperrors"
	"github.com/GoPolymarket/tradefeed/internal/service"
	"github.com/gin-gonic/gin"
)

const (
	defaultTradeLimit = 100
	maxTradeLimit     = 1000
)

// TradeListResponse carries the newest trades and the channel sequence they
// are current as of. Clients that hit a resume gap reload this and resume
// the stream from LatestSequence.
type TradeListResponse struct {
	Trades         []model.TradeEvent `json:"trades"`
	Channel        string             `json:"channel"`
	LatestSequence uint64             `json:"latest_sequence"`
}

type TradeHandler struct {
	trades service.TradeStore
	hub    *broadcast.Hub
}

func NewTradeHandler(trades service.TradeStore, hub *broadcast.Hub) *TradeHandler {
	return &TradeHandler{trades: trades, hub: hub}
}

// List handles GET /v1/trades?exchange=&limit=.
func (h *TradeHandler) List(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}

	limit := defaultTradeLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			fail(c, apperrors.NewInvalidRequest("limit must be a positive integer"))
			return
		}
		limit = min(parsed, maxTradeLimit)
	}
	ex := model.Exchange(strings.ToLower(strings.TrimSpace(c.Query("exchange"))))

	// Read the sequence first: anything published after it is either in the
	// list or will be replayed, so nothing falls in between.
	channel := broadcast.TradeChannel(user.ID)
	seq := h.hub.LastSequence(channel)

	records, err := h.trades.List(c.Request.Context(), user.ID, ex, limit)
	if err != nil {
		fail(c, err)
		return
	}

	out := make([]model.TradeEvent, 0, len(records))
	for _, r := range records {
		out = append(out, model.NewTradeEvent(*r))
	}
	c.JSON(http.StatusOK, TradeListResponse{Trades: out, Channel: channel, LatestSequence: seq})
}
