package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"breakerpay/internal/device"
	"breakerpay/internal/models"
	"breakerpay/internal/notify"
	"breakerpay/internal/store"
)

// mutateBreakerState flips or sets a breaker's logical state, then actuates
// the physical device outside the ledger critical section. The logical
// state is authoritative: actuation failure is reported, never rolled back.
func (h *Handler) mutateBreakerState(c *gin.Context, decide func(b *models.Breaker) bool) {
	id := c.Param("id")

	var target models.Breaker
	err := h.store.Mutate(c.Request.Context(), func(s *models.Snapshot) (bool, error) {
		b := s.Breaker(id)
		if b == nil {
			return false, store.ErrBreakerNotFound
		}
		b.Estado = decide(b)
		target = *b
		return true, nil
	})
	if errors.Is(err, store.ErrBreakerNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "breaker not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to persist breaker state", zap.String("id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update breaker"})
		return
	}

	res := h.controller.Actuate(c.Request.Context(), &target, target.Estado)
	h.publishActuation(target, res)

	c.JSON(http.StatusOK, gin.H{
		"id":     target.ID,
		"estado": target.Estado,
		"result": res,
	})
}

func (h *Handler) publishActuation(b models.Breaker, res device.Result) {
	h.wsHub.BroadcastJSON(notify.BreakerUpdated(b.ID, b.Estado, "request").Message())
	if res.Tuya != nil {
		h.wsHub.BroadcastJSON(map[string]any{
			"type":    string(notify.TypeTuyaResult),
			"id":      b.ID,
			"success": res.Tuya.Success,
			"msg":     res.Tuya.Message,
			"action":  res.Tuya.Action,
		})
	}
	if res.HA != nil {
		h.wsHub.BroadcastJSON(map[string]any{
			"type":    string(notify.TypeHAResult),
			"id":      b.ID,
			"success": res.HA.Success,
			"msg":     res.HA.Message,
			"action":  res.HA.Action,
		})
	}
}

// ToggleBreaker inverts the breaker's logical state.
func (h *Handler) ToggleBreaker(c *gin.Context) {
	h.mutateBreakerState(c, func(b *models.Breaker) bool { return !b.Estado })
}

type setBreakerRequest struct {
	Estado *bool `json:"estado" binding:"required"`
}

// SetBreaker forces the breaker to an explicit state.
func (h *Handler) SetBreaker(c *gin.Context) {
	var req setBreakerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "estado is required"})
		return
	}
	h.mutateBreakerState(c, func(b *models.Breaker) bool { return *req.Estado })
}

type pulseRequest struct {
	DurationMs int64 `json:"duration_ms"`
}

// PulseBreaker turns the breaker on, waits, then turns it off. The logical
// state is left off.
func (h *Handler) PulseBreaker(c *gin.Context) {
	id := c.Param("id")

	var req pulseRequest
	_ = c.ShouldBindJSON(&req)
	duration := h.pulseDefault
	if req.DurationMs > 0 {
		duration = time.Duration(req.DurationMs) * time.Millisecond
	}

	var target models.Breaker
	err := h.store.Mutate(c.Request.Context(), func(s *models.Snapshot) (bool, error) {
		b := s.Breaker(id)
		if b == nil {
			return false, store.ErrBreakerNotFound
		}
		b.Estado = false
		target = *b
		return true, nil
	})
	if errors.Is(err, store.ErrBreakerNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "breaker not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to persist breaker state", zap.String("id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update breaker"})
		return
	}

	res := h.controller.Pulse(c.Request.Context(), &target, duration)
	if res.Tuya != nil {
		h.wsHub.BroadcastJSON(map[string]any{
			"type":    string(notify.TypePulseResult),
			"id":      target.ID,
			"success": res.Tuya.Success,
			"msg":     res.Tuya.Message,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"id":     target.ID,
		"estado": false,
		"result": res,
	})
}

// GetConsumption lists the latest per-breaker metering figures.
func (h *Handler) GetConsumption(c *gin.Context) {
	snap, err := h.store.Snapshot(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to read snapshot", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read consumption"})
		return
	}

	out := make([]gin.H, 0, len(snap.Breakers))
	for _, b := range snap.Breakers {
		entry := gin.H{
			"id":     b.ID,
			"estado": b.Estado,
		}
		if b.Tarjeta != "" {
			entry["tarjeta"] = b.Tarjeta
			if t := snap.Tarjeta(b.Tarjeta); t != nil {
				entry["saldo"] = t.Saldo
			}
		}
		if b.ConsumptionPowerW != nil {
			entry["power"] = *b.ConsumptionPowerW
		}
		if b.ConsumptionLastWs != nil {
			entry["ws"] = *b.ConsumptionLastWs
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}
