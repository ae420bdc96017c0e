package handlers

import (
	"context"
	"errors"
	"math"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"breakerpay/internal/models"
	"breakerpay/internal/notify"
	"breakerpay/internal/store"
)

type saldoRequest struct {
	Saldo *float64 `json:"saldo"`
	Delta *float64 `json:"delta"`
}

// AdjustSaldo sets a card's balance absolutely (saldo) or relatively
// (delta), clamped at zero. Every breaker owned by the card is reconciled
// against the new balance: on when saldo > 0, off otherwise.
func (h *Handler) AdjustSaldo(c *gin.Context) {
	id := c.Param("id")

	var req saldoRequest
	if err := c.ShouldBindJSON(&req); err != nil || (req.Saldo == nil) == (req.Delta == nil) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "exactly one of saldo or delta is required"})
		return
	}

	var updated models.Tarjeta
	var toggled []models.Breaker
	err := h.store.Mutate(c.Request.Context(), func(s *models.Snapshot) (bool, error) {
		t := s.Tarjeta(id)
		if t == nil {
			return false, store.ErrTarjetaNotFound
		}

		next := t.Saldo
		if req.Saldo != nil {
			next = *req.Saldo
		} else {
			next += *req.Delta
		}
		t.Saldo = math.Max(0, next)
		updated = *t

		desired := t.Saldo > 0
		for _, b := range s.BreakersForTarjeta(id) {
			if b.Estado == desired {
				continue
			}
			b.Estado = desired
			toggled = append(toggled, *b)
		}
		return true, nil
	})
	if errors.Is(err, store.ErrTarjetaNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "tarjeta not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to adjust saldo", zap.String("id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to adjust saldo"})
		return
	}

	h.wsHub.BroadcastJSON(notify.TarjetaUpdated(updated.ID, updated.Saldo).Message())
	toggledIDs := make([]string, 0, len(toggled))
	for _, b := range toggled {
		toggledIDs = append(toggledIDs, b.ID)
		h.wsHub.BroadcastJSON(notify.BreakerUpdated(b.ID, b.Estado, "saldo").Message())

		breaker := b
		go func() {
			res := h.controller.Actuate(context.WithoutCancel(c.Request.Context()), &breaker, breaker.Estado)
			if res.Tuya != nil && !res.Tuya.Success {
				h.logger.Warn("Post-adjust actuation failed",
					zap.String("breaker", breaker.ID),
					zap.String("msg", res.Tuya.Message))
			}
		}()
	}

	c.JSON(http.StatusOK, gin.H{
		"tarjeta": updated,
		"toggled": toggledIDs,
	})
}
