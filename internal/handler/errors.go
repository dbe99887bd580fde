package handler

import (
	"errors"
	"strings"

	"github.com/GoPolymarket/tradefeed/internal/broadcast"
	"github.com/GoPolymarket/tradefeed/internal/middleware"
	"github.com/GoPolymarket/tradefeed/internal/model"
	"github.com/GoPolymarket/tradefeed/internal/pkg/apperrors"
	"github.com/GoPolymarket/tradefeed/internal/repository"
	"github.com/GoPolymarket/tradefeed/internal/service"
	"github.com/GoPolymarket/tradefeed/internal/vault"
	"github.com/gin-gonic/gin"
)

// toAppError maps domain errors onto API error types.
func toAppError(err error) *apperrors.AppError {
	var appErr *apperrors.AppError
	switch {
	case errors.As(err, &appErr):
		return appErr
	case errors.Is(err, repository.ErrNotFound):
		return apperrors.New(apperrors.ErrNotFound, "exchange credential not found", err)
	case errors.Is(err, repository.ErrDuplicate):
		return apperrors.New(apperrors.ErrConflict, "record already exists", err)
	case errors.Is(err, service.ErrCredentialInactive):
		return apperrors.New(apperrors.ErrInactive, "exchange credential is inactive", err)
	case errors.Is(err, service.ErrUnsupportedExchange):
		return apperrors.New(apperrors.ErrInvalidRequest, "exchange is not supported", err)
	case errors.Is(err, vault.ErrEmptyField):
		return apperrors.New(apperrors.ErrInvalidRequest, "api_key and api_secret are required", err)
	case errors.Is(err, broadcast.ErrAuthorizationDenied):
		return apperrors.New(apperrors.ErrAccessDenied, broadcast.ErrAuthorizationDenied.Error(), err)
	case errors.Is(err, broadcast.ErrHubClosed), errors.Is(err, service.ErrSchedulerStopped):
		return apperrors.New(apperrors.ErrUnavailable, "service is shutting down", err)
	default:
		return apperrors.New(apperrors.ErrInternal, "internal error", err)
	}
}

func fail(c *gin.Context, err error) {
	c.Error(toAppError(err))
	c.Abort()
}

func requireUser(c *gin.Context) (*model.User, bool) {
	u, ok := middleware.CurrentUser(c)
	if !ok {
		fail(c, apperrors.New(apperrors.ErrAuthFailed, "missing API key", nil))
	}
	return u, ok
}

func exchangeParam(c *gin.Context) model.Exchange {
	return model.Exchange(strings.ToLower(strings.TrimSpace(c.Param("exchange"))))
}
