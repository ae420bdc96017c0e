package charging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// Station lifecycle states.
const (
	StateIdle     = "idle"
	StateCharging = "charging"
)

// Station lifecycle events.
const (
	EventCardPresented = "card_presented"
	EventLiquidated    = "liquidated"
)

// StationMachine tracks one station's charging lifecycle.
type StationMachine struct {
	mu        sync.RWMutex
	stationID string
	fsm       *fsm.FSM
	since     time.Time
	onChange  func(stationID, from, to string)
}

// NewStationMachine builds the per-station state machine.
func NewStationMachine(stationID, initial string, onChange func(stationID, from, to string)) *StationMachine {
	if initial == "" {
		initial = StateIdle
	}

	m := &StationMachine{
		stationID: stationID,
		since:     time.Now(),
		onChange:  onChange,
	}

	m.fsm = fsm.NewFSM(
		initial,
		fsm.Events{
			{Name: EventCardPresented, Src: []string{StateIdle, StateCharging}, Dst: StateCharging},
			{Name: EventLiquidated, Src: []string{StateCharging}, Dst: StateIdle},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				if m.onChange != nil && e.Src != e.Dst {
					m.onChange(m.stationID, e.Src, e.Dst)
				}
			},
		},
	)
	return m
}

// Current returns the machine's state.
func (m *StationMachine) Current() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Current()
}

// Since returns when the current state was entered.
func (m *StationMachine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Trigger fires a lifecycle event.
func (m *StationMachine) Trigger(event string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fsm.Event(context.Background(), event); err != nil {
		return fmt.Errorf("trigger event %s: %w", event, err)
	}
	m.since = time.Now()
	return nil
}

// machineSet holds one StationMachine per station id.
type machineSet struct {
	mu       sync.RWMutex
	machines map[string]*StationMachine
	onChange func(stationID, from, to string)
}

func newMachineSet(onChange func(stationID, from, to string)) *machineSet {
	return &machineSet{
		machines: make(map[string]*StationMachine),
		onChange: onChange,
	}
}

func (s *machineSet) getOrCreate(stationID, initial string) *StationMachine {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.machines[stationID]; ok {
		return m
	}
	m := NewStationMachine(stationID, initial, s.onChange)
	s.machines[stationID] = m
	return m
}
