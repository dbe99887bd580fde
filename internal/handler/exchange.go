package handler

import (
	"net/http"

	"github.com/GoPolymarket/tradefeed/internal/model"
	"github.com/GoPolymarket/tradefeed/internal/pkg/apperrors"
	"github.com/GoPolymarket/tradefeed/internal/service"
	"github.com/gin-gonic/gin"
)

type ExchangeHandler struct {
	creds     *service.CredentialService
	scheduler *service.Scheduler
}

func NewExchangeHandler(creds *service.CredentialService, scheduler *service.Scheduler) *ExchangeHandler {
	return &ExchangeHandler{creds: creds, scheduler: scheduler}
}

// List handles GET /v1/exchanges.
func (h *ExchangeHandler) List(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}
	list, err := h.creds.List(c.Request.Context(), user.ID)
	if err != nil {
		fail(c, err)
		return
	}
	views := make([]model.CredentialView, 0, len(list))
	for _, rec := range list {
		views = append(views, model.NewCredentialView(rec))
	}
	c.JSON(http.StatusOK, gin.H{"exchanges": views})
}

// Link handles PUT /v1/exchanges/:exchange/credentials. Linking again
// rotates the stored secret.
func (h *ExchangeHandler) Link(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}
	var req model.LinkCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperrors.NewInvalidRequest(err.Error()))
		return
	}
	rec, err := h.creds.Link(c.Request.Context(), user.ID, exchangeParam(c), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, model.NewCredentialView(rec))
}

// Unlink handles DELETE /v1/exchanges/:exchange.
func (h *ExchangeHandler) Unlink(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}
	if err := h.creds.Unlink(c.Request.Context(), user.ID, exchangeParam(c)); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ExchangeHandler) Activate(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}
	rec, err := h.creds.Activate(c.Request.Context(), user.ID, exchangeParam(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, model.NewCredentialView(rec))
}

func (h *ExchangeHandler) Deactivate(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}
	rec, err := h.creds.Deactivate(c.Request.Context(), user.ID, exchangeParam(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, model.NewCredentialView(rec))
}

// UpdateSettings handles PATCH /v1/exchanges/:exchange.
func (h *ExchangeHandler) UpdateSettings(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}
	var req model.SyncSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperrors.NewInvalidRequest(err.Error()))
		return
	}
	rec, err := h.creds.UpdateSettings(c.Request.Context(), user.ID, exchangeParam(c), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, model.NewCredentialView(rec))
}

// Sync handles POST /v1/exchanges/:exchange/sync. 202 when a cycle was
// started, 409 when one is already running for the pair.
func (h *ExchangeHandler) Sync(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}
	ex := exchangeParam(c)
	status, err := h.scheduler.Trigger(c.Request.Context(), user.ID, ex)
	if err != nil {
		fail(c, err)
		return
	}

	code := http.StatusAccepted
	if status == service.TriggerAlreadyRunning {
		code = http.StatusConflict
	}
	c.JSON(code, model.SyncResponse{Exchange: ex, Status: string(status)})
}
