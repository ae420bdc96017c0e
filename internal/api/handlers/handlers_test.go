package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"breakerpay/internal/charging"
	"breakerpay/internal/device"
	"breakerpay/internal/metering"
	"breakerpay/internal/models"
	"breakerpay/internal/notify"
	"breakerpay/internal/reconcile"
	"breakerpay/internal/store"
	"breakerpay/pkg/ws"
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

func newTestRouter(t *testing.T, snap *models.Snapshot, apiKey string) (*gin.Engine, *memStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := zap.NewNop()
	st := &memStore{snap: snap}
	dispatcher := notify.NewDispatcher()

	backend := device.NewTuyaBackend(false, nil, nil) // emulation mode
	controller := device.NewController(logger, backend, nil, time.Second)
	engine := metering.NewEngine(logger, st, controller, dispatcher, time.Second, 2*time.Second)
	sessions := charging.NewManager(logger, st, dispatcher, controller, nil)
	reconciler := reconcile.NewReconciler(logger, st, nil, dispatcher)
	wsHub := ws.NewHub(logger)
	go wsHub.Run()

	h := NewHandler(logger, st, controller, engine, sessions, reconciler, wsHub,
		apiKey, 500*time.Millisecond, nil)

	r := gin.New()
	h.RegisterRoutes(r)
	return r, st
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var decoded map[string]any
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &decoded)
	}
	return w, decoded
}

func TestToggleBreaker(t *testing.T) {
	r, st := newTestRouter(t, &models.Snapshot{
		Breakers: []*models.Breaker{{ID: "b1", Estado: false, DeviceID: "dev1"}},
	}, "")

	w, resp := doJSON(t, r, http.MethodPost, "/api/breakers/b1/toggle", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if resp["estado"] != true {
		t.Errorf("estado = %v, want true", resp["estado"])
	}

	snap, _ := st.Snapshot(context.Background())
	if !snap.Breaker("b1").Estado {
		t.Error("toggle not persisted")
	}

	result := resp["result"].(map[string]any)
	tuya := result["tuya"].(map[string]any)
	if tuya["success"] != true {
		t.Errorf("emulated actuation outcome = %v", tuya)
	}
}

func TestToggleUnknownBreaker(t *testing.T) {
	r, _ := newTestRouter(t, &models.Snapshot{}, "")
	w, _ := doJSON(t, r, http.MethodPost, "/api/breakers/ghost/toggle", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestSetBreakerRequiresEstado(t *testing.T) {
	r, _ := newTestRouter(t, &models.Snapshot{
		Breakers: []*models.Breaker{{ID: "b1"}},
	}, "")

	w, _ := doJSON(t, r, http.MethodPost, "/api/breakers/b1/set", map[string]any{}, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}

	w, _ = doJSON(t, r, http.MethodPost, "/api/breakers/b1/set", map[string]any{"estado": true}, nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestAdjustSaldoDeltaAndReconcile(t *testing.T) {
	r, st := newTestRouter(t, &models.Snapshot{
		Tarjetas: []*models.Tarjeta{{ID: "U1", Saldo: 100}},
		Breakers: []*models.Breaker{{ID: "b1", Tarjeta: "U1", Estado: true}},
	}, "")

	// Delta below zero clamps and switches the owned breaker off.
	w, resp := doJSON(t, r, http.MethodPost, "/api/tarjetas/U1/saldo", map[string]any{"delta": -500.0}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	tarjeta := resp["tarjeta"].(map[string]any)
	if tarjeta["saldo"] != 0.0 {
		t.Errorf("saldo = %v, want 0", tarjeta["saldo"])
	}

	snap, _ := st.Snapshot(context.Background())
	if snap.Breaker("b1").Estado {
		t.Error("breaker left on with empty balance")
	}
}

func TestAdjustSaldoRejectsBothFields(t *testing.T) {
	r, _ := newTestRouter(t, &models.Snapshot{
		Tarjetas: []*models.Tarjeta{{ID: "U1"}},
	}, "")
	w, _ := doJSON(t, r, http.MethodPost, "/api/tarjetas/U1/saldo",
		map[string]any{"saldo": 10.0, "delta": 5.0}, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestTickDebounceSurfaced(t *testing.T) {
	r, _ := newTestRouter(t, &models.Snapshot{
		Tarjetas: []*models.Tarjeta{{ID: "U1", Saldo: 100}},
		Breakers: []*models.Breaker{{ID: "b1", Tarjeta: "U1", Estado: true, Power: models.Float(10)}},
	}, "")

	w, _ := doJSON(t, r, http.MethodPost, "/api/tick", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("first tick status = %d", w.Code)
	}
	w, _ = doJSON(t, r, http.MethodPost, "/api/tick", nil, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("second tick status = %d, want 429", w.Code)
	}
}

func TestAPIKeyMiddleware(t *testing.T) {
	r, _ := newTestRouter(t, &models.Snapshot{}, "secret")

	w, _ := doJSON(t, r, http.MethodGet, "/api/models", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status without key = %d, want 401", w.Code)
	}

	w, _ = doJSON(t, r, http.MethodGet, "/api/models", nil, map[string]string{"X-API-KEY": "secret"})
	if w.Code != http.StatusOK {
		t.Errorf("status with key = %d, want 200", w.Code)
	}

	// health stays open
	w, _ = doJSON(t, r, http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", w.Code)
	}
}

func TestIngestRFIDAliasKeys(t *testing.T) {
	r, st := newTestRouter(t, &models.Snapshot{
		Tarjetas: []*models.Tarjeta{{ID: "U1", Saldo: 0}},
		Arduinos: []*models.Arduino{{ID: "S1", EsEstacionCarga: true, WPorSegundo: 5}},
	}, "")

	// Firmware variant: "nfc" for the uid, "origen" for the reader.
	w, resp := doJSON(t, r, http.MethodPost, "/api/rfid",
		map[string]any{"nfc": "U1", "origen": "S1", "rssi": -40}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if resp["action"] != "session_opened" {
		t.Errorf("action = %v", resp["action"])
	}

	snap, _ := st.Snapshot(context.Background())
	if _, open := snap.Arduino("S1").Sesiones["U1"]; !open {
		t.Error("session not opened from aliased payload")
	}
}

func TestIngestRFIDUnknownReader(t *testing.T) {
	r, _ := newTestRouter(t, &models.Snapshot{}, "")
	w, _ := doJSON(t, r, http.MethodPost, "/api/rfid",
		map[string]any{"uid": "U1", "reader": "ghost"}, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestGetModels(t *testing.T) {
	r, _ := newTestRouter(t, &models.Snapshot{
		Tarjetas: []*models.Tarjeta{{ID: "U1", Saldo: 42}},
	}, "")
	w, resp := doJSON(t, r, http.MethodGet, "/api/models", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	tarjetas := resp["tarjetas"].([]any)
	if len(tarjetas) != 1 {
		t.Errorf("tarjetas = %v", tarjetas)
	}
}
