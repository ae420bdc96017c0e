// Package notify carries domain events from the core to interested
// listeners (the UI hub, tests). Components emit through a Dispatcher they
// receive at construction time; nothing here reaches back into the ledger.
package notify

import "sync"

// Type enumerates the domain events the core emits. The values double as the
// wire-level "type" field sent to UI clients.
type Type string

const (
	TypeModels         Type = "models"               // full-snapshot refresh
	TypeTarjetaUpdated Type = "tarjetas:update"      // card balance changed
	TypeBreakerUpdated Type = "breakers:update"      // logical switch state changed
	TypeConsumption    Type = "breakers:consumption" // metrics/debit for one breaker
	TypeArduinoUpdated Type = "arduinos:update"      // station payload changed
	TypeRFID           Type = "rfid"                 // raw reader event
	TypeTuyaResult     Type = "tuya"                 // direct-backend actuation outcome
	TypeHAResult       Type = "ha"                   // hub-backend actuation outcome
	TypePulseResult    Type = "tuya:pulse"           // pulse actuation outcome
)

// Event is one domain event. Data holds the event-specific payload fields.
type Event struct {
	Type Type
	Data map[string]any
}

// Message flattens the event into the JSON shape UI clients expect:
// the payload fields plus a "type" discriminator.
func (e Event) Message() map[string]any {
	msg := make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		msg[k] = v
	}
	msg["type"] = string(e.Type)
	return msg
}

// Handler receives every published event. Handlers must be fast; slow
// consumers should buffer internally.
type Handler func(Event)

// Dispatcher fans events out to registered handlers.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Subscribe registers a handler for all subsequent events.
func (d *Dispatcher) Subscribe(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

// Publish delivers the event to every handler in subscription order.
func (d *Dispatcher) Publish(e Event) {
	d.mu.RLock()
	handlers := d.handlers
	d.mu.RUnlock()
	for _, h := range handlers {
		h(e)
	}
}

// BreakerUpdated builds the switch-state event. reason may be empty.
func BreakerUpdated(id string, estado bool, reason string) Event {
	state := "off"
	if estado {
		state = "on"
	}
	data := map[string]any{"id": id, "state": state}
	if reason != "" {
		data["reason"] = reason
	}
	return Event{Type: TypeBreakerUpdated, Data: data}
}

// TarjetaUpdated builds the balance-changed event.
func TarjetaUpdated(id string, saldo float64) Event {
	return Event{Type: TypeTarjetaUpdated, Data: map[string]any{
		"id":    id,
		"saldo": saldo,
	}}
}

// Consumption builds the per-tick debit event with before/after balance.
func Consumption(breakerID, tarjetaID string, powerW, energyWs, saldoBefore, saldoAfter float64) Event {
	return Event{Type: TypeConsumption, Data: map[string]any{
		"id":           breakerID,
		"tarjeta":      tarjetaID,
		"power":        powerW,
		"ws":           energyWs,
		"saldo_before": saldoBefore,
		"saldo_after":  saldoAfter,
	}}
}
