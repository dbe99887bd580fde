package handler

import (
	"net/http"

	"github.com/GoPolymarket/tradefeed/internal/broadcast"
	"github.com/GoPolymarket/tradefeed/internal/config"
	"github.com/GoPolymarket/tradefeed/internal/middleware"
	"github.com/GoPolymarket/tradefeed/internal/pkg/apperrors"
	"github.com/GoPolymarket/tradefeed/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps are the services the HTTP surface is built on.
type Deps struct {
	Users       *service.IdentityRegistry
	Credentials *service.CredentialService
	Scheduler   *service.Scheduler
	Trades      service.TradeStore
	Hub         *broadcast.Hub
}

func NewRouter(cfg *config.Config, d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger())
	r.Use(middleware.MetricsMiddleware())
	r.Use(middleware.ErrorHandler())

	r.NoRoute(func(c *gin.Context) {
		fail(c, apperrors.NewNotFound("route not found"))
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "tradefeed"})
	})

	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(promhttp.Handler()))
	}

	streams := NewStreamHandler(d.Hub)
	stream := r.Group("/v1")
	stream.Use(middleware.AuthMiddleware(d.Users, cfg.Auth.AllowAnonymousStreams))
	stream.Use(middleware.RateLimitMiddleware(d.Users))
	{
		stream.GET("/stream", streams.SSE)
		stream.GET("/ws", streams.WebSocket)
	}

	exchanges := NewExchangeHandler(d.Credentials, d.Scheduler)
	trades := NewTradeHandler(d.Trades, d.Hub)
	v1 := r.Group("/v1")
	v1.Use(middleware.AuthMiddleware(d.Users, false))
	v1.Use(middleware.RateLimitMiddleware(d.Users))
	{
		v1.GET("/exchanges", exchanges.List)
		v1.PUT("/exchanges/:exchange/credentials", exchanges.Link)
		v1.PATCH("/exchanges/:exchange", exchanges.UpdateSettings)
		v1.DELETE("/exchanges/:exchange", exchanges.Unlink)
		v1.POST("/exchanges/:exchange/activate", exchanges.Activate)
		v1.POST("/exchanges/:exchange/deactivate", exchanges.Deactivate)
		v1.POST("/exchanges/:exchange/sync", exchanges.Sync)
		v1.GET("/trades", trades.List)
	}

	return r
}
