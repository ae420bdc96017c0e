// Package metering runs the billing tick: for every energized breaker it
// integrates the normalized power over the elapsed interval, debits the
// owning card in watt-seconds and forces the breaker off when the balance
// is exhausted.
package metering

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"breakerpay/internal/device"
	"breakerpay/internal/metrics"
	"breakerpay/internal/models"
	"breakerpay/internal/notify"
	"breakerpay/internal/power"
	"breakerpay/internal/store"
)

// ErrDebounced marks an on-demand tick discarded because it arrived within
// the minimum interval of the previous accepted on-demand tick.
var ErrDebounced = errors.New("tick debounced")

// Actuator is the slice of the device controller the engine needs.
type Actuator interface {
	Actuate(ctx context.Context, b *models.Breaker, on bool) device.Result
}

// Engine is the periodic metering loop.
type Engine struct {
	logger     *zap.Logger
	store      store.Store
	actuator   Actuator
	dispatcher *notify.Dispatcher

	interval    time.Duration // tick period
	minInterval time.Duration // debounce window for on-demand ticks

	mu          sync.Mutex
	lastTick    time.Time // last applied tick, timer or request
	lastRequest time.Time // last accepted on-demand tick
	running     bool
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// NewEngine wires the metering loop. interval defaults to 1s, minInterval
// to 2s.
func NewEngine(logger *zap.Logger, st store.Store, actuator Actuator, dispatcher *notify.Dispatcher, interval, minInterval time.Duration) *Engine {
	if interval <= 0 {
		interval = time.Second
	}
	if minInterval <= 0 {
		minInterval = 2 * time.Second
	}
	return &Engine{
		logger:      logger,
		store:       st,
		actuator:    actuator,
		dispatcher:  dispatcher,
		interval:    interval,
		minInterval: minInterval,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the tick loop.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.mu.Unlock()

	e.wg.Add(1)
	go e.loop(ctx)
	e.logger.Info("Metering engine started", zap.Duration("interval", e.interval))
}

// Stop lets the current tick finish, then exits the loop.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()

	e.wg.Wait()
	e.logger.Info("Metering engine stopped")
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case now := <-ticker.C:
			elapsed := e.sinceLastTick(now)
			if elapsed <= 0 {
				continue
			}
			if err := e.Tick(ctx, elapsed); err != nil {
				e.logger.Error("Tick failed", zap.Error(err))
			}
			metrics.TicksTotal.WithLabelValues("timer").Inc()
		}
	}
}

// sinceLastTick returns the interval to integrate for a tick at now. Timer
// and request ticks share the same clock, so energy is never billed twice
// for an overlapping window.
func (e *Engine) sinceLastTick(now time.Time) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastTick.IsZero() {
		return e.interval
	}
	return now.Sub(e.lastTick)
}

// RunNow applies one on-demand tick. Request ticks are debounced against
// each other only, never against the internal timer, so the endpoint stays
// usable while the loop runs.
func (e *Engine) RunNow(ctx context.Context) error {
	e.mu.Lock()
	now := time.Now()
	if !e.lastRequest.IsZero() && now.Sub(e.lastRequest) < e.minInterval {
		e.mu.Unlock()
		metrics.TicksDebounced.Inc()
		return ErrDebounced
	}
	// Claim the slot before releasing the lock so concurrent callers cannot
	// all pass the guard and debit more than once.
	e.lastRequest = now
	elapsed := e.interval
	if !e.lastTick.IsZero() {
		elapsed = now.Sub(e.lastTick)
	}
	e.mu.Unlock()

	if elapsed <= 0 {
		return nil
	}

	if err := e.Tick(ctx, elapsed); err != nil {
		return err
	}
	metrics.TicksTotal.WithLabelValues("request").Inc()
	return nil
}

// offAction is a physical shutoff scheduled during a tick, executed after
// the ledger mutation commits.
type offAction struct {
	breaker models.Breaker
	reason  string
}

// Tick processes one metering interval. The whole logical mutation runs as
// a single serialized read-modify-write; physical shutoffs happen after the
// commit, fire-and-forget. One breaker's failure (no power data, missing
// card) never aborts the rest of the batch.
func (e *Engine) Tick(ctx context.Context, elapsed time.Duration) error {
	seconds := elapsed.Seconds()
	if seconds <= 0 {
		return nil
	}

	var events []notify.Event
	var offs []offAction

	err := e.store.Mutate(ctx, func(s *models.Snapshot) (bool, error) {
		changed := false
		for _, b := range s.Breakers {
			if !b.Estado {
				continue
			}
			watts, ok := power.Normalize(b.Power, b.Voltage, b.Current)
			if !ok {
				e.logger.Debug("No power estimate, breaker skipped", zap.String("breaker", b.ID))
				continue
			}
			tarjeta := s.TarjetaForBreaker(b)
			if tarjeta == nil {
				continue
			}

			// Balance already empty: force off, no further debit this tick.
			if tarjeta.Saldo <= 0 {
				b.Estado = false
				offs = append(offs, offAction{breaker: *b, reason: "saldo=0"})
				events = append(events, notify.BreakerUpdated(b.ID, false, "saldo=0"))
				metrics.BalanceExhaustions.Inc()
				changed = true
				continue
			}

			energyWs := watts * seconds
			before := tarjeta.Saldo
			after := round6(math.Max(0, before-energyWs))
			tarjeta.Saldo = after
			b.ConsumptionLastWs = models.Float(round6(energyWs))
			b.ConsumptionPowerW = models.Float(round6(watts))
			changed = true

			metrics.EnergyDebitedWs.Add(before - after)
			events = append(events,
				notify.Consumption(b.ID, tarjeta.ID, watts, energyWs, before, after),
				notify.TarjetaUpdated(tarjeta.ID, after))

			e.logger.Debug("Debit applied",
				zap.String("breaker", b.ID),
				zap.String("tarjeta", tarjeta.ID),
				zap.Float64("watts", watts),
				zap.Float64("energy_ws", energyWs),
				zap.Float64("saldo_before", before),
				zap.Float64("saldo_after", after))

			if after <= 0 && b.Estado {
				b.Estado = false
				offs = append(offs, offAction{breaker: *b, reason: "saldo agotado"})
				events = append(events, notify.BreakerUpdated(b.ID, false, "saldo agotado"))
				metrics.BalanceExhaustions.Inc()
			}
		}
		return changed, nil
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.lastTick = time.Now()
	e.mu.Unlock()

	for _, ev := range events {
		e.dispatcher.Publish(ev)
	}
	for _, off := range offs {
		b := off.breaker
		e.logger.Warn("Balance exhausted, forcing breaker off",
			zap.String("breaker", b.ID),
			zap.String("reason", off.reason))
		go func() {
			res := e.actuator.Actuate(context.WithoutCancel(ctx), &b, false)
			if res.Tuya != nil && !res.Tuya.Success {
				e.logger.Warn("Shutoff actuation failed",
					zap.String("breaker", b.ID),
					zap.String("msg", res.Tuya.Message))
			}
		}()
	}
	return nil
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
