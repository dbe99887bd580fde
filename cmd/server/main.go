package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GoPolymarket/tradefeed/internal/broadcast"
	"github.com/GoPolymarket/tradefeed/internal/config"
	"github.com/GoPolymarket/tradefeed/internal/events"
	"github.com/GoPolymarket/tradefeed/internal/exchange"
	"github.com/GoPolymarket/tradefeed/internal/handler"
	"github.com/GoPolymarket/tradefeed/internal/model"
	"github.com/GoPolymarket/tradefeed/internal/pkg/logger"
	"github.com/GoPolymarket/tradefeed/internal/repository"
	"github.com/GoPolymarket/tradefeed/internal/service"
	"github.com/GoPolymarket/tradefeed/internal/vault"
	"github.com/gin-gonic/gin"
)

func main() {
	// 0. Bootstrap logger; replaced once config is loaded
	logger.Init("info")

	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.InitWithOptions(logger.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	// 2. Persistence (Postgres > Memory)
	var credStore service.CredentialStore
	var tradeStore service.TradeStore
	if cfg.Database.DSN != "" {
		db, err := repository.NewDB(cfg)
		if err == nil {
			logger.Info("connected to PostgreSQL")
			credStore = repository.NewPostgresCredentialRepo(db)
			tradeStore = repository.NewPostgresTradeRepo(db)
		} else {
			logger.Error("failed to connect to DB, falling back to memory", "error", err)
		}
	}
	if credStore == nil {
		credStore = service.NewMemoryCredentialStore()
		tradeStore = service.NewMemoryTradeStore()
	}

	syncCfg := service.SchedulerConfigFrom(cfg.Sync)

	// Pair locks: in-process always, Redis on top when replicas share a DB
	var locker service.PairLocker = service.NewLocalLocker()
	var redisClient *repository.RedisClient
	if cfg.Redis.Addr != "" {
		redisClient, err = repository.NewRedisClient(cfg)
		if err == nil {
			logger.Info("connected to Redis")
			locker = service.ChainLocker{
				locker,
				repository.NewRedisLocker(redisClient.Client, cfg.Redis.LockKeyPrefix, syncCfg.CycleTimeout+time.Minute),
			}
		} else {
			logger.Error("failed to connect to Redis, sync locks are process-local", "error", err)
			redisClient = nil
		}
	}

	// 3. Credential vault
	key, err := vault.ParseKey(cfg.Vault.MasterKey)
	if err != nil {
		log.Fatalf("Invalid vault master key: %v", err)
	}
	credVault, err := vault.New(key, credStore)
	if err != nil {
		log.Fatalf("Failed to initialize vault: %v", err)
	}

	// 4. Exchange adapters
	adapters := exchange.NewRegistry()
	bybitCfg := cfg.Exchanges[string(model.ExchangeBybit)]
	adapters.Register(exchange.NewBybitAdapter(bybitCfg.BaseURL, bybitCfg.Category), bybitCfg.RequestsPerSecond, bybitCfg.Burst)
	demoCfg := cfg.Exchanges[string(model.ExchangeDemo)]
	adapters.Register(exchange.NewDemoAdapter(nil), demoCfg.RequestsPerSecond, demoCfg.Burst)

	// 5. Broadcast hub
	rootCtx, stopRoot := context.WithCancel(context.Background())
	defer stopRoot()

	hub := broadcast.NewHub(broadcast.FromSettings(cfg.Broadcast), nil, nil)
	hub.Start(rootCtx)
	if cfg.Broadcast.Ping.Eager {
		logger.Info("broadcast.ping.eager is set; pings are sent on the regular interval")
	}

	// 6. Change sinks (hub > optional RabbitMQ fan-out)
	sinks := service.MultiSink{service.NewTradeBroadcaster(hub)}
	var publisher *events.Publisher
	if cfg.RabbitMQ.URL != "" {
		publisher, err = events.Dial(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, cfg.RabbitMQ.BufferSize)
		if err == nil {
			logger.Info("connected to RabbitMQ", "exchange", cfg.RabbitMQ.Exchange)
			sinks = append(sinks, publisher)
		} else {
			logger.Error("failed to connect to RabbitMQ, events stay in-process", "error", err)
			publisher = nil
		}
	}

	// 7. Core services
	ingestor := service.NewIngestor(tradeStore, sinks)
	scheduler := service.NewScheduler(syncCfg, credStore, credVault, adapters, ingestor, locker)
	if cfg.Sync.Enabled {
		scheduler.Start()
	}

	users := service.NewIdentityRegistry(cfg)
	if users.Len() == 0 {
		logger.Warn("no API users configured; only anonymous streams are reachable")
	}
	credentials := service.NewCredentialService(credStore, credVault, adapters, scheduler)

	// 8. Router
	r := handler.NewRouter(cfg, handler.Deps{
		Users:       users,
		Credentials: credentials,
		Scheduler:   scheduler,
		Trades:      tradeStore,
		Hub:         hub,
	})

	// 9. Start Server with Graceful Shutdown
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("tradefeed started", "port", cfg.Server.Port, "sync", cfg.Sync.Enabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server listen failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server...")

	// Streams never finish on their own; close the hub first so Shutdown
	// is not left waiting on them.
	hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	scheduler.Stop()
	stopRoot()
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Error("failed to close RabbitMQ publisher", "error", err)
		}
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}

	logger.Info("server exiting")
}
