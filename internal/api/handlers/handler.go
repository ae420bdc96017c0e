// Package handlers is the HTTP surface: REST control endpoints, the UI
// websocket and health/metrics.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"breakerpay/internal/charging"
	"breakerpay/internal/device"
	"breakerpay/internal/metering"
	"breakerpay/internal/reconcile"
	"breakerpay/internal/store"
	"breakerpay/pkg/ws"
)

// Handler carries the wired core components.
type Handler struct {
	logger     *zap.Logger
	store      store.Store
	controller *device.Controller
	engine     *metering.Engine
	sessions   *charging.Manager
	reconciler *reconcile.Reconciler
	wsHub      *ws.Hub
	upgrader   websocket.Upgrader

	apiKey       string
	pulseDefault time.Duration
	hubConnected func() bool
}

// NewHandler builds the HTTP handler set. pulseDefault is the pulse width
// used when the request does not override it; hubConnected may be nil.
func NewHandler(
	logger *zap.Logger,
	st store.Store,
	controller *device.Controller,
	engine *metering.Engine,
	sessions *charging.Manager,
	reconciler *reconcile.Reconciler,
	wsHub *ws.Hub,
	apiKey string,
	pulseDefault time.Duration,
	hubConnected func() bool,
) *Handler {
	return &Handler{
		logger:       logger,
		store:        st,
		controller:   controller,
		engine:       engine,
		sessions:     sessions,
		reconciler:   reconciler,
		wsHub:        wsHub,
		apiKey:       apiKey,
		pulseDefault: pulseDefault,
		hubConnected: hubConnected,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// RegisterRoutes registers every endpoint on the engine.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api")
	if h.apiKey != "" {
		api.Use(h.requireAPIKey())
	}
	{
		api.GET("/models", h.GetModels)

		api.POST("/breakers/:id/toggle", h.ToggleBreaker)
		api.POST("/breakers/:id/set", h.SetBreaker)
		api.POST("/breakers/:id/pulse", h.PulseBreaker)
		api.GET("/breakers/consumption", h.GetConsumption)

		api.POST("/tarjetas/:id/saldo", h.AdjustSaldo)

		api.POST("/rfid", h.IngestRFID)
		api.POST("/tick", h.RunTick)
		api.POST("/sync", h.RunSync)
	}

	r.GET("/ws", h.HandleWebSocket)
	r.GET("/health", h.HealthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (h *Handler) requireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-API-KEY") != h.apiKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		c.Next()
	}
}

// GetModels returns the full ledger snapshot.
func (h *Handler) GetModels(c *gin.Context) {
	snap, err := h.store.Snapshot(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to read snapshot", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read models"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tarjetas": snap.Tarjetas,
		"breakers": snap.Breakers,
		"arduinos": snap.Arduinos,
	})
}

// HandleWebSocket upgrades the connection and attaches it to the fan-out hub.
func (h *Handler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}
	client := ws.NewClient(h.wsHub, conn)
	client.Register()
	go client.WritePump()
	go client.ReadPump()
}

// HealthCheck reports process liveness plus hub stream state.
func (h *Handler) HealthCheck(c *gin.Context) {
	resp := gin.H{
		"status":  "ok",
		"clients": h.wsHub.ClientCount(),
	}
	if h.hubConnected != nil {
		resp["hub_connected"] = h.hubConnected()
	}
	c.JSON(http.StatusOK, resp)
}
