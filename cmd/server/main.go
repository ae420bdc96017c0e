package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"breakerpay/internal/api/handlers"
	"breakerpay/internal/api/hass"
	"breakerpay/internal/charging"
	"breakerpay/internal/config"
	"breakerpay/internal/device"
	"breakerpay/internal/metering"
	"breakerpay/internal/notify"
	"breakerpay/internal/reconcile"
	"breakerpay/internal/store"
	"breakerpay/pkg/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Debug)
	defer logger.Sync()

	logger.Info("Starting breakerpay", zap.String("port", cfg.ServerPort))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Ledger store
	ledger, err := openStore(ctx, logger, cfg)
	if err != nil {
		logger.Fatal("Failed to open ledger store", zap.Error(err))
	}
	defer ledger.Close()

	// Domain event dispatcher and UI fan-out
	dispatcher := notify.NewDispatcher()
	wsHub := ws.NewHub(logger)
	go wsHub.Run()

	wsHub.SetInitDataProvider(func() map[string]any {
		return snapshotPayload(logger, ledger)
	})
	dispatcher.Subscribe(func(ev notify.Event) {
		wsHub.BroadcastJSON(ev.Message())
	})

	// Hub client (optional)
	var hubClient *hass.Client
	var hubCaller device.HubCaller
	if cfg.HAURL != "" && cfg.HAToken != "" {
		hubClient = hass.NewClient(cfg.HAURL, cfg.HAToken)
		hubCaller = hubClient
	}

	// Device control
	backend := device.NewTuyaBackend(cfg.TuyaEnabled, nil, hubCaller)
	controller := device.NewController(logger, backend, hubCaller, cfg.ActuationTimeout)

	// Session cache (optional)
	var sessionCache *charging.SessionCache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unreachable, session mirror disabled", zap.Error(err))
		} else {
			sessionCache = charging.NewSessionCache(rdb, 24*time.Hour)
			logger.Info("Session cache connected", zap.String("addr", cfg.RedisAddr))
		}
	}

	// Core services
	sessions := charging.NewManager(logger, ledger, dispatcher, controller, sessionCache)
	engine := metering.NewEngine(logger, ledger, controller, dispatcher, cfg.TickInterval, cfg.TickDebounce)
	reconciler := reconcile.NewReconciler(logger, ledger, hubClient, dispatcher)

	engine.Start(ctx)
	defer engine.Stop()

	// Hub event stream with startup bulk sync
	var listener *hass.Listener
	if hubClient != nil {
		listener = hass.NewListener(logger, hubClient.WebSocketURL(), cfg.HAToken, reconciler.HandleStateChange)
		listener.OnConnected = func() {
			syncCtx, syncCancel := context.WithTimeout(ctx, 30*time.Second)
			defer syncCancel()
			changed, err := reconciler.BulkSync(syncCtx)
			if err != nil {
				logger.Warn("Startup bulk sync failed", zap.Error(err))
				return
			}
			for _, id := range changed {
				dispatcher.Publish(notify.Event{
					Type: notify.TypeBreakerUpdated,
					Data: map[string]any{"id": id},
				})
			}
		}
		listener.StartWithReconnect(ctx)
		defer listener.Close()
	}

	// External ledger edits trigger a full-state broadcast
	if watch := ledger.Watch(ctx); watch != nil {
		go func() {
			for range watch {
				if payload := snapshotPayload(logger, ledger); payload != nil {
					wsHub.BroadcastJSON(payload)
				}
			}
		}()
	}

	hubConnected := func() bool { return false }
	if listener != nil {
		hubConnected = listener.IsConnected
	}

	handler := handlers.NewHandler(
		logger,
		ledger,
		controller,
		engine,
		sessions,
		reconciler,
		wsHub,
		cfg.APIKey,
		cfg.PulseDuration,
		hubConnected,
	)

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	handler.RegisterRoutes(router)

	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Server started", zap.String("addr", server.Addr))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	engine.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

func openStore(ctx context.Context, logger *zap.Logger, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		return store.NewPostgresStore(ctx, logger, cfg.DatabaseURL)
	default:
		return store.NewFileStore(logger, cfg.DataPath, cfg.WatchInterval)
	}
}

func snapshotPayload(logger *zap.Logger, ledger store.Store) map[string]any {
	snap, err := ledger.Snapshot(context.Background())
	if err != nil {
		logger.Error("Failed to snapshot ledger", zap.Error(err))
		return nil
	}
	return map[string]any{
		"type":     string(notify.TypeModels),
		"tarjetas": snap.Tarjetas,
		"breakers": snap.Breakers,
		"arduinos": snap.Arduinos,
	}
}

func initLogger(debug bool) *zap.Logger {
	var config zap.Config
	if debug {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	logger, _ := config.Build()
	return logger
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-KEY")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
