// Package device actuates breakers. A breaker can be reachable through two
// backends: a direct vendor-protocol client addressed by raw device id, and
// the home-automation hub addressed by entity reference. Both are
// best-effort; a failed physical actuation never rolls back the persisted
// logical state (the next reconciliation cycle corrects divergence).
package device

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"breakerpay/internal/metrics"
	"breakerpay/internal/models"
)

// Outcome is the normalized result of one physical actuation attempt.
type Outcome struct {
	Success bool   `json:"success"`
	Message string `json:"msg"`
	Action  string `json:"action"`
}

// Result collects the per-backend outcomes of a single actuation. A nil
// field means that backend was not attempted.
type Result struct {
	Tuya *Outcome `json:"tuya,omitempty"`
	HA   *Outcome `json:"ha,omitempty"`
}

// HubCaller is the slice of the hub REST client the controller needs.
type HubCaller interface {
	CallService(ctx context.Context, domain, service, entityID string) error
}

// DirectBackend sends on/off to a device over the vendor protocol.
type DirectBackend interface {
	Send(ctx context.Context, deviceID string, on bool) Outcome
}

// Controller dispatches actuations to the available backends.
type Controller struct {
	logger  *zap.Logger
	direct  DirectBackend
	hub     HubCaller // nil when hub credentials are not configured
	timeout time.Duration
}

// NewController wires the backends. hub may be nil.
func NewController(logger *zap.Logger, direct DirectBackend, hub HubCaller, timeout time.Duration) *Controller {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Controller{logger: logger, direct: direct, hub: hub, timeout: timeout}
}

// Target selects the physical identifier for a breaker. A hub-native entity
// reference (contains a domain separator) wins; otherwise the first
// populated raw identifier is used.
func Target(b *models.Breaker) string {
	if strings.Contains(b.EntityID, ".") {
		return b.EntityID
	}
	for _, id := range []string{b.DeviceID, b.TuyaID, b.EntityID} {
		if id != "" {
			return id
		}
	}
	return ""
}

// Actuate turns the breaker on or off through every applicable backend. The
// backends run independently: the hub call is attempted in addition to the
// direct one whenever the breaker carries a hub-native reference, and
// neither result blocks the other.
func (c *Controller) Actuate(ctx context.Context, b *models.Breaker, on bool) Result {
	action := "apagar"
	if on {
		action = "encender"
	}

	var res Result

	target := Target(b)
	if target == "" {
		res.Tuya = &Outcome{Success: false, Message: "no device identifier", Action: action}
	} else {
		sendCtx, cancel := context.WithTimeout(ctx, c.timeout)
		out := c.direct.Send(sendCtx, target, on)
		cancel()
		out.Action = action
		res.Tuya = &out
		metrics.RecordActuation("tuya", out.Success)
		if !out.Success {
			c.logger.Warn("Direct actuation failed",
				zap.String("breaker", b.ID),
				zap.String("device", target),
				zap.String("msg", out.Message))
		}
	}

	if c.hub != nil && strings.Contains(b.EntityID, ".") {
		svc := "turn_off"
		if on {
			svc = "turn_on"
		}
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := c.hub.CallService(callCtx, "switch", svc, b.EntityID)
		cancel()
		metrics.RecordActuation("ha", err == nil)
		if err != nil {
			res.HA = &Outcome{Success: false, Message: err.Error(), Action: action}
			c.logger.Warn("Hub actuation failed",
				zap.String("breaker", b.ID),
				zap.String("entity", b.EntityID),
				zap.Error(err))
		} else {
			res.HA = &Outcome{Success: true, Message: fmt.Sprintf("called HA service %s", svc), Action: action}
		}
	}

	return res
}

// Pulse turns the breaker on, waits duration, then turns it off. Success
// requires both sub-actions to succeed.
func (c *Controller) Pulse(ctx context.Context, b *models.Breaker, duration time.Duration) Result {
	onRes := c.Actuate(ctx, b, true)

	select {
	case <-ctx.Done():
	case <-time.After(duration):
	}

	offRes := c.Actuate(ctx, b, false)

	out := &Outcome{Action: "pulse"}
	onOut, offOut := onRes.Tuya, offRes.Tuya
	if onOut != nil && offOut != nil {
		out.Success = onOut.Success && offOut.Success
		out.Message = fmt.Sprintf("on: %s; off: %s", onOut.Message, offOut.Message)
	} else {
		out.Message = "pulse incomplete"
	}

	res := Result{Tuya: out}
	if onRes.HA != nil || offRes.HA != nil {
		ha := &Outcome{Action: "pulse"}
		switch {
		case onRes.HA != nil && offRes.HA != nil:
			ha.Success = onRes.HA.Success && offRes.HA.Success
			ha.Message = fmt.Sprintf("on: %s; off: %s", onRes.HA.Message, offRes.HA.Message)
		case onRes.HA != nil:
			*ha = *onRes.HA
			ha.Action = "pulse"
		default:
			*ha = *offRes.HA
			ha.Action = "pulse"
		}
		res.HA = ha
	}
	return res
}
