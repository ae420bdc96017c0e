package charging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"breakerpay/internal/device"
	"breakerpay/internal/models"
	"breakerpay/internal/notify"
	"breakerpay/internal/store"
)

type memStore struct {
	mu   sync.Mutex
	snap *models.Snapshot
}

func (m *memStore) Snapshot(ctx context.Context) (*models.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.Clone(), nil
}

func (m *memStore) Mutate(ctx context.Context, fn store.MutateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.snap.Clone()
	changed, err := fn(next)
	if err != nil {
		return err
	}
	if changed {
		m.snap = next
	}
	return nil
}

func (m *memStore) Watch(ctx context.Context) <-chan struct{} { return nil }
func (m *memStore) Close()                                    {}

type noopActuator struct {
	mu    sync.Mutex
	calls int
	done  chan struct{}
}

func (a *noopActuator) Actuate(ctx context.Context, b *models.Breaker, on bool) device.Result {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	if a.done != nil {
		a.done <- struct{}{}
	}
	return device.Result{Tuya: &device.Outcome{Success: true}}
}

func newTestManager(snap *models.Snapshot) (*Manager, *memStore, *noopActuator) {
	st := &memStore{snap: snap}
	act := &noopActuator{}
	m := NewManager(zap.NewNop(), st, notify.NewDispatcher(), act, nil)
	return m, st, act
}

func TestSessionOpenAndLiquidate(t *testing.T) {
	snap := &models.Snapshot{
		Tarjetas: []*models.Tarjeta{{ID: "U1", Saldo: 100}},
		Arduinos: []*models.Arduino{
			{ID: "S1", EsEstacionCarga: true, WPorSegundo: 5},
			{ID: "R1"},
		},
	}
	m, st, _ := newTestManager(snap)

	t0 := time.UnixMilli(1_700_000_000_000)
	m.now = func() time.Time { return t0 }

	res, err := m.HandleRead(context.Background(), "S1", "U1", map[string]any{"rssi": -40})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if res.Action != ActionSessionOpened {
		t.Fatalf("action = %q, want %q", res.Action, ActionSessionOpened)
	}

	got, _ := st.Snapshot(context.Background())
	ses := got.Arduino("S1").Sesiones["U1"]
	if ses == nil {
		t.Fatal("session not persisted")
	}
	if ses.WPorSegundo != 5 || ses.IniciadaMs != t0.UnixMilli() {
		t.Errorf("session = %+v", ses)
	}

	// 10 seconds later the card shows up at the plain reader.
	m.now = func() time.Time { return t0.Add(10 * time.Second) }
	res, err = m.HandleRead(context.Background(), "R1", "U1", nil)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if res.Action != ActionCredited {
		t.Fatalf("action = %q, want %q", res.Action, ActionCredited)
	}
	if res.CreditedWs != 50 {
		t.Errorf("credited = %v, want 50 (5 W for 10 s)", res.CreditedWs)
	}

	got, _ = st.Snapshot(context.Background())
	if saldo := got.Tarjeta("U1").Saldo; saldo != 150 {
		t.Errorf("saldo = %v, want 150", saldo)
	}
	if _, open := got.Arduino("S1").Sesiones["U1"]; open {
		t.Error("session still open after liquidation")
	}
}

func TestRepeatedStationReadKeepsStart(t *testing.T) {
	snap := &models.Snapshot{
		Tarjetas: []*models.Tarjeta{{ID: "U1", Saldo: 0}},
		Arduinos: []*models.Arduino{{ID: "S1", EsEstacionCarga: true, WPorSegundo: 5}},
	}
	m, st, _ := newTestManager(snap)

	t0 := time.UnixMilli(1_700_000_000_000)
	m.now = func() time.Time { return t0 }
	if _, err := m.HandleRead(context.Background(), "S1", "U1", nil); err != nil {
		t.Fatal(err)
	}

	m.now = func() time.Time { return t0.Add(5 * time.Second) }
	res, err := m.HandleRead(context.Background(), "S1", "U1", map[string]any{"n": 2})
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionSessionUpdated {
		t.Fatalf("action = %q, want %q", res.Action, ActionSessionUpdated)
	}

	got, _ := st.Snapshot(context.Background())
	ses := got.Arduino("S1").Sesiones["U1"]
	if ses.IniciadaMs != t0.UnixMilli() {
		t.Error("refresh reset started_at, credit would double count")
	}
}

func TestLiquidationReenergizesOwnedBreakers(t *testing.T) {
	snap := &models.Snapshot{
		Tarjetas: []*models.Tarjeta{{ID: "U1", Saldo: 0}},
		Breakers: []*models.Breaker{{ID: "b1", Tarjeta: "U1", Estado: false}},
		Arduinos: []*models.Arduino{
			{ID: "S1", EsEstacionCarga: true, WPorSegundo: 5,
				Sesiones: map[string]*models.Sesion{
					"U1": {UID: "U1", IniciadaMs: time.Now().Add(-10 * time.Second).UnixMilli(), WPorSegundo: 5},
				}},
			{ID: "R1"},
		},
	}
	m, st, act := newTestManager(snap)
	act.done = make(chan struct{}, 1)

	if _, err := m.HandleRead(context.Background(), "R1", "U1", nil); err != nil {
		t.Fatal(err)
	}

	got, _ := st.Snapshot(context.Background())
	if !got.Breaker("b1").Estado {
		t.Error("breaker not re-energized after credit")
	}
	select {
	case <-act.done:
	case <-time.After(time.Second):
		t.Fatal("re-energize actuation never issued")
	}
}

func TestUnknownReaderRejected(t *testing.T) {
	m, _, _ := newTestManager(&models.Snapshot{})
	if _, err := m.HandleRead(context.Background(), "ghost", "U1", nil); !errors.Is(err, store.ErrArduinoNotFound) {
		t.Fatalf("err = %v, want ErrArduinoNotFound", err)
	}
}

// A new card at a station takes the slot over: the previous session is
// settled at that moment, so its card is never credited for time after the
// takeover.
func TestNewCardSupersedesOpenSession(t *testing.T) {
	snap := &models.Snapshot{
		Tarjetas: []*models.Tarjeta{{ID: "U1", Saldo: 0}, {ID: "U2", Saldo: 0}},
		Arduinos: []*models.Arduino{
			{ID: "S1", EsEstacionCarga: true, WPorSegundo: 5},
			{ID: "R1"},
		},
	}
	m, st, _ := newTestManager(snap)

	t0 := time.UnixMilli(1_700_000_000_000)
	m.now = func() time.Time { return t0 }
	if _, err := m.HandleRead(context.Background(), "S1", "U1", nil); err != nil {
		t.Fatal(err)
	}

	// 5 seconds in, a different card shows up at the same station.
	m.now = func() time.Time { return t0.Add(5 * time.Second) }
	res, err := m.HandleRead(context.Background(), "S1", "U2", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionSessionOpened {
		t.Fatalf("action = %q, want %q", res.Action, ActionSessionOpened)
	}

	got, _ := st.Snapshot(context.Background())
	station := got.Arduino("S1")
	if _, open := station.Sesiones["U1"]; open {
		t.Error("superseded session still open")
	}
	ses := station.Sesiones["U2"]
	if ses == nil || ses.IniciadaMs != t0.Add(5*time.Second).UnixMilli() {
		t.Errorf("new session = %+v", ses)
	}
	if saldo := got.Tarjeta("U1").Saldo; saldo != 25 {
		t.Errorf("U1 saldo = %v, want 25 (5 W for the 5 s before takeover)", saldo)
	}

	// The old card later hits the plain reader: nothing left to liquidate,
	// so no second credit lands.
	m.now = func() time.Time { return t0.Add(10 * time.Second) }
	res, err = m.HandleRead(context.Background(), "R1", "U1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionIgnored {
		t.Fatalf("action = %q, want %q", res.Action, ActionIgnored)
	}
	got, _ = st.Snapshot(context.Background())
	if saldo := got.Tarjeta("U1").Saldo; saldo != 25 {
		t.Errorf("U1 saldo = %v, want 25 (credit must not repeat)", saldo)
	}
}

// A session whose UID matches no card is cleaned up on first contact, not
// left to fail the same read forever.
func TestOrphanSessionDroppedWithoutCredit(t *testing.T) {
	snap := &models.Snapshot{
		Arduinos: []*models.Arduino{
			{ID: "S1", EsEstacionCarga: true, WPorSegundo: 5,
				Sesiones: map[string]*models.Sesion{
					"stray": {UID: "stray", IniciadaMs: time.Now().UnixMilli(), WPorSegundo: 5},
				}},
			{ID: "R1"},
		},
	}
	m, st, _ := newTestManager(snap)

	res, err := m.HandleRead(context.Background(), "R1", "stray", nil)
	if err != nil {
		t.Fatalf("HandleRead: %v", err)
	}
	if res.Action != ActionIgnored {
		t.Fatalf("action = %q, want %q", res.Action, ActionIgnored)
	}
	got, _ := st.Snapshot(context.Background())
	if _, open := got.Arduino("S1").Sesiones["stray"]; open {
		t.Error("orphan session survived the read")
	}
}
