package device

import (
	"context"
	"fmt"
	"strings"
)

// Sender performs the actual vendor-protocol call. The transport is
// deliberately external to this package: production wiring injects a client
// for the local device protocol, tests inject a fake.
type Sender func(ctx context.Context, deviceID string, on bool) (bool, string)

// TuyaBackend is the direct-control backend. When direct control is
// disabled it either delegates hub-native targets to the hub backend or
// reports an emulated success, which keeps offline/dev setups working.
type TuyaBackend struct {
	enabled bool
	send    Sender
	hub     HubCaller // nil when hub credentials are not configured
}

// NewTuyaBackend builds the backend. send may be nil when direct control is
// disabled.
func NewTuyaBackend(enabled bool, send Sender, hub HubCaller) *TuyaBackend {
	return &TuyaBackend{enabled: enabled, send: send, hub: hub}
}

// Send issues on/off to the device identified by deviceID.
func (t *TuyaBackend) Send(ctx context.Context, deviceID string, on bool) Outcome {
	if !t.enabled {
		// A hub-native reference can still be served through the hub.
		if strings.Contains(deviceID, ".") && t.hub != nil {
			svc := "turn_off"
			if on {
				svc = "turn_on"
			}
			if err := t.hub.CallService(ctx, "switch", svc, deviceID); err != nil {
				return Outcome{Success: false, Message: fmt.Sprintf("ha call error: %v", err)}
			}
			return Outcome{Success: true, Message: fmt.Sprintf("called HA service %s", svc)}
		}
		return Outcome{Success: true, Message: "emulated: direct control disabled"}
	}

	if t.send == nil {
		return Outcome{Success: false, Message: "direct protocol client not configured"}
	}
	ok, msg := t.send(ctx, deviceID, on)
	return Outcome{Success: ok, Message: msg}
}
