// Package reconcile keeps the local ledger aligned with the external hub:
// a one-shot bulk sync against the full state snapshot, and incremental
// ingestion of state_changed events with exact and fuzzy entity matching.
package reconcile

import (
	"context"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"breakerpay/internal/api/hass"
	"breakerpay/internal/metrics"
	"breakerpay/internal/models"
	"breakerpay/internal/notify"
	"breakerpay/internal/store"
)

// switchDomains are the entity domains whose state maps onto estado.
var switchDomains = map[string]bool{"switch": true, "input_boolean": true, "light": true}

// discoverySuffixes are the conventional metric-entity name suffixes probed
// during bulk sync, per metric, in priority order.
var discoverySuffixes = map[string][]string{
	metricPower:   {"_power", "_phase_a_power"},
	metricVoltage: {"_voltage", "_phase_a_voltage"},
	metricCurrent: {"_current", "_phase_a_current"},
	metricEnergy:  {"_energy", "_phase_a_energy"},
}

// Reconciler maps hub entity state onto local breakers.
type Reconciler struct {
	logger     *zap.Logger
	store      store.Store
	hub        *hass.Client
	dispatcher *notify.Dispatcher
}

// NewReconciler wires the reconciler against the hub client.
func NewReconciler(logger *zap.Logger, st store.Store, hub *hass.Client, dispatcher *notify.Dispatcher) *Reconciler {
	return &Reconciler{
		logger:     logger,
		store:      st,
		hub:        hub,
		dispatcher: dispatcher,
	}
}

// BulkSync fetches the full hub state snapshot, auto-discovers unconfigured
// metric entities by probing conventional suffixes, then resolves every
// breaker's entities against the snapshot in one batch. It returns the ids
// of the breakers that changed.
func (r *Reconciler) BulkSync(ctx context.Context) ([]string, error) {
	if r.hub == nil || !r.hub.Configured() {
		return nil, nil
	}

	states, err := r.hub.States(ctx)
	if err != nil {
		return nil, fmt.Errorf("bulk sync: %w", err)
	}
	index := make(map[string]hass.EntityState, len(states))
	for _, st := range states {
		index[st.EntityID] = st
	}

	var changed []string
	err = r.store.Mutate(ctx, func(s *models.Snapshot) (bool, error) {
		for _, b := range s.Breakers {
			dirty := false
			if r.discoverEntities(b, index) {
				dirty = true
			}
			if r.applySnapshot(b, index) {
				dirty = true
			}
			if dirty {
				changed = append(changed, b.ID)
			}
		}
		return len(changed) > 0, nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("Bulk sync complete",
		zap.Int("entities", len(index)),
		zap.Int("changed", len(changed)))
	return changed, nil
}

// discoverEntities fills empty metric-entity slots by probing name suffixes
// derived from the breaker's primary entity against the snapshot index.
func (r *Reconciler) discoverEntities(b *models.Breaker, index map[string]hass.EntityState) bool {
	if b.EntityID == "" || !strings.Contains(b.EntityID, ".") {
		return false
	}
	base := localName(b.EntityID)

	slots := map[string]*string{
		metricPower:   &b.PowerEntity,
		metricVoltage: &b.VoltageEntity,
		metricCurrent: &b.CurrentEntity,
		metricEnergy:  &b.EnergyEntity,
	}

	dirty := false
	for metric, slot := range slots {
		if *slot != "" {
			continue
		}
		for _, suffix := range discoverySuffixes[metric] {
			candidate := "sensor." + base + suffix
			if _, ok := index[candidate]; ok {
				*slot = candidate
				dirty = true
				r.logger.Debug("Discovered metric entity",
					zap.String("breaker", b.ID),
					zap.String("metric", metric),
					zap.String("entity", candidate))
				break
			}
		}
	}
	return dirty
}

// applySnapshot updates estado and metric fields from the snapshot index.
func (r *Reconciler) applySnapshot(b *models.Breaker, index map[string]hass.EntityState) bool {
	dirty := false

	if b.EntityID != "" {
		if st, ok := index[b.EntityID]; ok {
			on := st.State == "on"
			if b.Estado != on {
				b.Estado = on
				dirty = true
			}
		}
	}

	for metric, entity := range b.MetricEntities() {
		st, ok := index[entity]
		if !ok {
			continue
		}
		v, ok := parseNumericState(st.State)
		if !ok {
			continue
		}
		if setMetric(b, metric, v) {
			dirty = true
		}
	}
	return dirty
}

// HandleStateChange ingests one state_changed event. A failed persistence
// is logged, never propagated: the subscription must outlive bad events.
func (r *Reconciler) HandleStateChange(change hass.StateChange) {
	if change.NewState == nil || change.EntityID == "" {
		metrics.HubEventsTotal.WithLabelValues("malformed").Inc()
		return
	}
	st := *change.NewState

	var events []notify.Event
	match := "none"
	err := r.store.Mutate(context.Background(), func(s *models.Snapshot) (bool, error) {
		candidates := exactCandidates(s, change.EntityID)
		if len(candidates) == 0 {
			b := fuzzyMatch(s, change.EntityID)
			if b == nil {
				return false, nil
			}
			match = "fuzzy"
			r.adopt(b, change.EntityID)
			candidates = []*models.Breaker{b}
		} else {
			match = "exact"
		}

		changed := false
		for _, b := range candidates {
			if r.applyEvent(b, change.EntityID, st, &events) {
				changed = true
			}
		}
		return changed, nil
	})
	if err != nil {
		r.logger.Error("Event persistence failed",
			zap.String("entity", change.EntityID),
			zap.Error(err))
		return
	}
	metrics.HubEventsTotal.WithLabelValues(match).Inc()

	for _, ev := range events {
		r.dispatcher.Publish(ev)
	}
}

// exactCandidates returns the breakers whose primary entity, configured
// metric entities or auxiliary entity set contain entityID.
func exactCandidates(s *models.Snapshot, entityID string) []*models.Breaker {
	var out []*models.Breaker
	for _, b := range s.Breakers {
		if b.EntityID == entityID {
			out = append(out, b)
			continue
		}
		matched := false
		for _, entity := range b.MetricEntities() {
			if entity == entityID {
				out = append(out, b)
				matched = true
				break
			}
		}
		if matched {
			continue
		}
		for _, entity := range b.Entities {
			if entity == entityID {
				out = append(out, b)
				break
			}
		}
	}
	return out
}

// adopt persists a fuzzy-discovered association so future events match
// exactly: the entity joins the auxiliary set, and when its name names a
// metric with an empty slot it becomes that metric's entity.
func (r *Reconciler) adopt(b *models.Breaker, entityID string) {
	b.Entities = append(b.Entities, entityID)
	metric := metricFromName(localName(entityID))
	slots := map[string]*string{
		metricPower:   &b.PowerEntity,
		metricVoltage: &b.VoltageEntity,
		metricCurrent: &b.CurrentEntity,
		metricEnergy:  &b.EnergyEntity,
	}
	if slot, ok := slots[metric]; ok && *slot == "" {
		*slot = entityID
	}
	r.logger.Info("Fuzzy-matched entity adopted",
		zap.String("breaker", b.ID),
		zap.String("entity", entityID))
}

// applyEvent writes one event's state into a matched breaker. estado only
// changes when the event concerns the primary switch-type entity; metric
// fields change only when a value was actually resolved.
func (r *Reconciler) applyEvent(b *models.Breaker, entityID string, st hass.EntityState, events *[]notify.Event) bool {
	dirty := false

	if entityID == b.EntityID && switchDomains[entityDomain(entityID)] {
		on := st.State == "on"
		if b.Estado != on {
			b.Estado = on
			dirty = true
			*events = append(*events, notify.BreakerUpdated(b.ID, on, "hub"))
		}
	}

	resolved := extractMetrics(entityID, st, b.MetricEntities())
	for metric, v := range resolved {
		if setMetric(b, metric, v) {
			dirty = true
		}
	}
	if len(resolved) > 0 {
		*events = append(*events, notify.Event{
			Type: notify.TypeBreakerUpdated,
			Data: map[string]any{"id": b.ID, "metrics": resolved},
		})
	}
	return dirty
}

// setMetric stores v into the breaker's metric field, reporting whether the
// stored value changed.
func setMetric(b *models.Breaker, metric string, v float64) bool {
	var slot **float64
	switch metric {
	case metricPower:
		slot = &b.Power
	case metricVoltage:
		slot = &b.Voltage
	case metricCurrent:
		slot = &b.Current
	case metricEnergy:
		slot = &b.Energy
	default:
		return false
	}
	if *slot != nil && math.Abs(**slot-v) < 1e-9 {
		return false
	}
	*slot = models.Float(v)
	return true
}
