// Package charging handles RFID reads from stations and readers: a card
// presented at a charging station opens a session; the same card at a
// non-charging reader liquidates the session into a balance credit; a
// different card at the station supersedes and settles the open session.
package charging

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"breakerpay/internal/device"
	"breakerpay/internal/metrics"
	"breakerpay/internal/models"
	"breakerpay/internal/notify"
	"breakerpay/internal/store"
)

// Read outcomes surfaced to the transport layer.
const (
	ActionSessionOpened  = "session_opened"
	ActionSessionUpdated = "session_updated"
	ActionCredited       = "credited"
	ActionIgnored        = "ignored"
)

// Actuator is the slice of the device controller used to re-energize or cut
// breakers after a credit lands.
type Actuator interface {
	Actuate(ctx context.Context, b *models.Breaker, on bool) device.Result
}

// ReadResult describes what one RFID read did.
type ReadResult struct {
	Action     string   `json:"action"`
	ReaderID   string   `json:"reader"`
	UID        string   `json:"uid"`
	StationID  string   `json:"station,omitempty"`
	CreditedWs float64  `json:"credited_ws,omitempty"`
	Saldo      *float64 `json:"saldo,omitempty"`
}

// Manager owns the charging-session lifecycle.
type Manager struct {
	logger     *zap.Logger
	store      store.Store
	dispatcher *notify.Dispatcher
	actuator   Actuator
	cache      *SessionCache // nil disables the redis mirror
	machines   *machineSet

	now func() time.Time
}

// NewManager wires the session manager. cache may be nil.
func NewManager(logger *zap.Logger, st store.Store, dispatcher *notify.Dispatcher, actuator Actuator, cache *SessionCache) *Manager {
	m := &Manager{
		logger:     logger,
		store:      st,
		dispatcher: dispatcher,
		actuator:   actuator,
		cache:      cache,
		now:        time.Now,
	}
	m.machines = newMachineSet(func(stationID, from, to string) {
		logger.Info("Station state changed",
			zap.String("station", stationID),
			zap.String("from", from),
			zap.String("to", to))
	})
	return m
}

// breakerToggle is a physical actuation scheduled during a read, executed
// after the ledger mutation commits.
type breakerToggle struct {
	breaker models.Breaker
	on      bool
}

// sessionClose records a session removed during the mutation, for the redis
// mirror cleanup.
type sessionClose struct {
	stationID string
	ses       *models.Sesion
}

// readEffects collects the side effects of one read; they run after the
// ledger mutation commits, outside the critical section.
type readEffects struct {
	events  []notify.Event
	toggles []breakerToggle
	opened  *models.Sesion
	closed  []sessionClose
}

// HandleRead ingests one UID read from reader readerID. payload is the raw
// hardware report, persisted as the reader's last-seen state.
func (m *Manager) HandleRead(ctx context.Context, readerID, uid string, payload map[string]any) (*ReadResult, error) {
	result := &ReadResult{Action: ActionIgnored, ReaderID: readerID, UID: uid}
	eff := &readEffects{}

	err := m.store.Mutate(ctx, func(s *models.Snapshot) (bool, error) {
		reader := s.Arduino(readerID)
		if reader == nil {
			return false, store.ErrArduinoNotFound
		}
		reader.Last = payload
		eff.events = append(eff.events, notify.Event{
			Type: notify.TypeRFID,
			Data: map[string]any{"reader": readerID, "uid": uid},
		})

		if reader.EsEstacionCarga {
			m.openSession(s, reader, uid, payload, result, eff)
		} else {
			m.liquidate(s, uid, result, eff)
		}

		eff.events = append(eff.events, notify.Event{
			Type: notify.TypeArduinoUpdated,
			Data: map[string]any{"id": readerID},
		})
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	m.afterCommit(ctx, result, eff)
	return result, nil
}

// openSession opens a session for uid at the station, or refreshes the
// payload of an already-open one. started_at is never reset on refresh.
// A different card at the station supersedes whatever was charging there:
// the old sessions are closed and settled before the new one opens.
func (m *Manager) openSession(s *models.Snapshot, station *models.Arduino, uid string, payload map[string]any, result *ReadResult, eff *readEffects) {
	if station.Sesiones == nil {
		station.Sesiones = make(map[string]*models.Sesion)
	}
	result.StationID = station.ID

	if ses, ok := station.Sesiones[uid]; ok {
		ses.Last = payload
		result.Action = ActionSessionUpdated
		return
	}

	for other, ses := range station.Sesiones {
		m.closeSession(s, station, ses, eff)
		m.logger.Info("Charging session superseded",
			zap.String("station", station.ID),
			zap.String("old_uid", other),
			zap.String("new_uid", uid))
	}

	ses := &models.Sesion{
		UID:         uid,
		IniciadaMs:  m.now().UnixMilli(),
		WPorSegundo: station.WPorSegundo,
		Last:        payload,
	}
	station.Sesiones[uid] = ses
	eff.opened = ses
	result.Action = ActionSessionOpened
	m.logger.Info("Charging session opened",
		zap.String("station", station.ID),
		zap.String("uid", uid),
		zap.Float64("rate_w", station.WPorSegundo))
}

// liquidate closes uid's open session (searched across all stations) and
// credits rate * elapsed to the card, once.
func (m *Manager) liquidate(s *models.Snapshot, uid string, result *ReadResult, eff *readEffects) {
	for _, a := range s.Arduinos {
		ses, ok := a.Sesiones[uid]
		if !ok {
			continue
		}
		credit, saldo, ok := m.closeSession(s, a, ses, eff)
		if !ok {
			// orphan dropped, nothing to credit
			continue
		}
		result.Action = ActionCredited
		result.StationID = a.ID
		result.CreditedWs = credit
		result.Saldo = models.Float(saldo)
		return
	}
}

// closeSession removes the session and credits rate * elapsed to its card.
// A session whose UID has no card is dropped without credit (ok=false) so a
// stray record cannot 404 the reader forever. Breakers owned by the card
// are re-reconciled against the new balance.
func (m *Manager) closeSession(s *models.Snapshot, station *models.Arduino, ses *models.Sesion, eff *readEffects) (credit, saldo float64, ok bool) {
	delete(station.Sesiones, ses.UID)
	eff.closed = append(eff.closed, sessionClose{stationID: station.ID, ses: ses})

	tarjeta := s.Tarjeta(ses.UID)
	if tarjeta == nil {
		m.logger.Warn("Dropping session with unknown card",
			zap.String("station", station.ID),
			zap.String("uid", ses.UID))
		return 0, 0, false
	}

	elapsed := m.now().Sub(ses.IniciadaEn()).Seconds()
	credit = round6(ses.WPorSegundo * math.Max(0, elapsed))
	tarjeta.Saldo = round6(tarjeta.Saldo + credit)

	metrics.EnergyCreditedWs.Add(credit)
	eff.events = append(eff.events, notify.TarjetaUpdated(ses.UID, tarjeta.Saldo))
	m.logger.Info("Charging session closed",
		zap.String("station", station.ID),
		zap.String("uid", ses.UID),
		zap.Float64("credited_ws", credit),
		zap.Float64("saldo", tarjeta.Saldo))

	desired := tarjeta.Saldo > 0
	for _, b := range s.BreakersForTarjeta(ses.UID) {
		if b.Estado == desired {
			continue
		}
		b.Estado = desired
		eff.toggles = append(eff.toggles, breakerToggle{breaker: *b, on: desired})
		eff.events = append(eff.events, notify.BreakerUpdated(b.ID, desired, "saldo"))
	}
	return credit, tarjeta.Saldo, true
}

// afterCommit performs the side effects that must stay out of the ledger
// critical section: notifications, redis mirroring, lifecycle transitions
// and physical actuations.
func (m *Manager) afterCommit(ctx context.Context, result *ReadResult, eff *readEffects) {
	for _, ev := range eff.events {
		m.dispatcher.Publish(ev)
	}

	for _, cl := range eff.closed {
		if m.cache == nil {
			continue
		}
		if err := m.cache.Delete(ctx, cl.stationID, cl.ses.UID); err != nil {
			m.logger.Warn("Session cache delete failed", zap.Error(err))
		}
	}

	if eff.opened != nil && result.StationID != "" {
		machine := m.machines.getOrCreate(result.StationID, StateIdle)
		if err := machine.Trigger(EventCardPresented); err != nil {
			m.logger.Debug("Station transition skipped", zap.Error(err))
		}
		if m.cache != nil {
			if err := m.cache.Save(ctx, result.StationID, eff.opened); err != nil {
				m.logger.Warn("Session cache save failed", zap.Error(err))
			}
		}
	}

	if result.Action == ActionCredited && result.StationID != "" {
		machine := m.machines.getOrCreate(result.StationID, StateCharging)
		if err := machine.Trigger(EventLiquidated); err != nil {
			m.logger.Debug("Station transition skipped", zap.Error(err))
		}
	}

	for _, tg := range eff.toggles {
		b := tg.breaker
		on := tg.on
		go func() {
			res := m.actuator.Actuate(context.WithoutCancel(ctx), &b, on)
			if res.Tuya != nil && !res.Tuya.Success {
				m.logger.Warn("Post-credit actuation failed",
					zap.String("breaker", b.ID),
					zap.Bool("on", on),
					zap.String("msg", res.Tuya.Message))
			}
		}()
	}
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
