package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"breakerpay/internal/metering"
	"breakerpay/internal/store"
)

// Hardware firmwares disagree on field names; the UID and reader id are
// probed under their known aliases, in order.
var (
	uidKeys    = []string{"uid", "rfid", "nfc", "card", "tag"}
	readerKeys = []string{"origen", "arduino", "reader", "id"}
)

func firstString(payload map[string]any, keys []string) string {
	for _, key := range keys {
		if v, ok := payload[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// IngestRFID handles one UID read reported by a reader or station. The full
// raw payload is persisted as the reader's last-seen report.
func (h *Handler) IngestRFID(c *gin.Context) {
	var payload map[string]any
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	uid := firstString(payload, uidKeys)
	if uid == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "uid is required"})
		return
	}
	readerID := firstString(payload, readerKeys)
	if readerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reader is required"})
		return
	}

	res, err := h.sessions.HandleRead(c.Request.Context(), readerID, uid, payload)
	switch {
	case errors.Is(err, store.ErrArduinoNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "reader not found"})
		return
	case err != nil:
		h.logger.Error("RFID ingestion failed", zap.String("reader", readerID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to ingest read"})
		return
	}
	c.JSON(http.StatusOK, res)
}

// RunTick applies one on-demand metering tick, debounced.
func (h *Handler) RunTick(c *gin.Context) {
	err := h.engine.RunNow(c.Request.Context())
	if errors.Is(err, metering.ErrDebounced) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "tick debounced"})
		return
	}
	if err != nil {
		h.logger.Error("On-demand tick failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "tick failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// RunSync triggers a bulk reconciliation against the hub.
func (h *Handler) RunSync(c *gin.Context) {
	changed, err := h.reconciler.BulkSync(c.Request.Context())
	if err != nil {
		h.logger.Error("Bulk sync failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "sync failed"})
		return
	}
	if changed == nil {
		changed = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"changed": changed})
}
