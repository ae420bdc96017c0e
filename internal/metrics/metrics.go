// Package metrics exposes the service's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const prefix = "breakerpay_"

var (
	// TicksTotal counts applied metering ticks by trigger source.
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: prefix + "ticks_total",
		Help: "Applied metering ticks",
	}, []string{"source"})

	// TicksDebounced counts on-demand ticks discarded by the debounce guard.
	TicksDebounced = promauto.NewCounter(prometheus.CounterOpts{
		Name: prefix + "ticks_debounced_total",
		Help: "Tick requests discarded within the minimum inter-tick interval",
	})

	// EnergyDebitedWs accumulates debited energy in watt-seconds.
	EnergyDebitedWs = promauto.NewCounter(prometheus.CounterOpts{
		Name: prefix + "energy_debited_ws_total",
		Help: "Energy debited from cards, watt-seconds",
	})

	// EnergyCreditedWs accumulates energy credited at session liquidation.
	EnergyCreditedWs = promauto.NewCounter(prometheus.CounterOpts{
		Name: prefix + "energy_credited_ws_total",
		Help: "Energy credited to cards, watt-seconds",
	})

	// ActuationsTotal counts physical actuations by backend and result.
	ActuationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: prefix + "actuations_total",
		Help: "Physical breaker actuations",
	}, []string{"backend", "result"})

	// HubEventsTotal counts processed hub state-change events by disposition.
	HubEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: prefix + "hub_events_total",
		Help: "Hub state_changed events by match disposition",
	}, []string{"match"})

	// BalanceExhaustions counts forced shutoffs due to an empty balance.
	BalanceExhaustions = promauto.NewCounter(prometheus.CounterOpts{
		Name: prefix + "balance_exhaustions_total",
		Help: "Breakers forced off because the owning card ran out of balance",
	})
)

// RecordActuation tallies one backend outcome.
func RecordActuation(backend string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	ActuationsTotal.WithLabelValues(backend, result).Inc()
}
