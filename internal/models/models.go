package models

import "time"

// Tarjeta is a prepaid balance identity. Saldo is denominated in
// watt-seconds (1 Wh = 3600 W·s) and is never persisted negative.
type Tarjeta struct {
	ID    string  `json:"id" yaml:"id"`
	Saldo float64 `json:"saldo" yaml:"saldo"`
}

// Vacia reports whether the card has no balance left.
func (t *Tarjeta) Vacia() bool {
	return t.Saldo <= 0
}

// Breaker is a remotely controllable power switch with optional live
// electrical metrics and an optional owning card.
//
// Identifier priority for actuation: EntityID when it looks hub-native
// (contains a '.'), else the first non-empty of DeviceID, TuyaID, EntityID.
type Breaker struct {
	ID     string `json:"id" yaml:"id"`
	Nombre string `json:"nombre,omitempty" yaml:"nombre,omitempty"`
	Estado bool   `json:"estado" yaml:"estado"`

	// Owning card id, empty when unassigned.
	Tarjeta string `json:"tarjeta,omitempty" yaml:"tarjeta,omitempty"`

	// Device identifiers.
	EntityID string `json:"entity_id,omitempty" yaml:"entity_id,omitempty"`
	TuyaID   string `json:"tuya_id,omitempty" yaml:"tuya_id,omitempty"`
	DeviceID string `json:"device_id,omitempty" yaml:"device_id,omitempty"`

	// Auxiliary hub entities observed for this breaker.
	Entities []string `json:"entities,omitempty" yaml:"entities,omitempty"`

	// Explicitly configured (or auto-discovered) metric entities.
	PowerEntity   string `json:"power_entity,omitempty" yaml:"power_entity,omitempty"`
	VoltageEntity string `json:"voltage_entity,omitempty" yaml:"voltage_entity,omitempty"`
	CurrentEntity string `json:"current_entity,omitempty" yaml:"current_entity,omitempty"`
	EnergyEntity  string `json:"energy_entity,omitempty" yaml:"energy_entity,omitempty"`

	// Last-known readings; absent until reported.
	Power   *float64 `json:"power,omitempty" yaml:"power,omitempty"`
	Voltage *float64 `json:"voltage,omitempty" yaml:"voltage,omitempty"`
	Current *float64 `json:"current,omitempty" yaml:"current,omitempty"`
	Energy  *float64 `json:"energy,omitempty" yaml:"energy,omitempty"`

	// Derived by the metering engine on each applied tick.
	ConsumptionLastWs *float64 `json:"consumption_last_ws,omitempty" yaml:"consumption_last_ws,omitempty"`
	ConsumptionPowerW *float64 `json:"consumption_power_w,omitempty" yaml:"consumption_power_w,omitempty"`
}

// MetricEntities returns the configured metric entity ids keyed by metric name.
// Empty values are omitted.
func (b *Breaker) MetricEntities() map[string]string {
	out := make(map[string]string, 4)
	if b.PowerEntity != "" {
		out["power"] = b.PowerEntity
	}
	if b.VoltageEntity != "" {
		out["voltage"] = b.VoltageEntity
	}
	if b.CurrentEntity != "" {
		out["current"] = b.CurrentEntity
	}
	if b.EnergyEntity != "" {
		out["energy"] = b.EnergyEntity
	}
	return out
}

// Sesion is an open charging session: a card UID seen at a charging station.
// Credit is applied once, at liquidation, as WPorSegundo * elapsed seconds.
type Sesion struct {
	UID         string         `json:"uid" yaml:"uid"`
	IniciadaMs  int64          `json:"iniciada_ms" yaml:"iniciada_ms"`
	WPorSegundo float64        `json:"w_por_segundo" yaml:"w_por_segundo"`
	Last        map[string]any `json:"last,omitempty" yaml:"last,omitempty"`
}

// IniciadaEn returns the session start time.
func (s *Sesion) IniciadaEn() time.Time {
	return time.UnixMilli(s.IniciadaMs)
}

// Arduino is a card reader; when EsEstacionCarga is set it is a charging
// station that accrues credit for a present card at WPorSegundo watts.
type Arduino struct {
	ID              string             `json:"id" yaml:"id"`
	EsEstacionCarga bool               `json:"es_estacion_carga" yaml:"es_estacion_carga"`
	WPorSegundo     float64            `json:"w_por_segundo,omitempty" yaml:"w_por_segundo,omitempty"`
	Last            map[string]any     `json:"last,omitempty" yaml:"last,omitempty"`
	Sesiones        map[string]*Sesion `json:"sesiones,omitempty" yaml:"sesiones,omitempty"`
}

// Snapshot is the whole ledger document: three ordered collections.
type Snapshot struct {
	Tarjetas []*Tarjeta `json:"tarjetas" yaml:"tarjetas"`
	Breakers []*Breaker `json:"breakers" yaml:"breakers"`
	Arduinos []*Arduino `json:"arduinos" yaml:"arduinos"`
}

// Tarjeta finds a card by id, nil when absent.
func (s *Snapshot) Tarjeta(id string) *Tarjeta {
	for _, t := range s.Tarjetas {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Breaker finds a breaker by id, nil when absent.
func (s *Snapshot) Breaker(id string) *Breaker {
	for _, b := range s.Breakers {
		if b.ID == id {
			return b
		}
	}
	return nil
}

// Arduino finds a station/reader by id, nil when absent.
func (s *Snapshot) Arduino(id string) *Arduino {
	for _, a := range s.Arduinos {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// TarjetaForBreaker resolves the card owning b, nil when unassigned or unknown.
func (s *Snapshot) TarjetaForBreaker(b *Breaker) *Tarjeta {
	if b == nil || b.Tarjeta == "" {
		return nil
	}
	return s.Tarjeta(b.Tarjeta)
}

// BreakersForTarjeta lists the breakers owned by card id.
func (s *Snapshot) BreakersForTarjeta(id string) []*Breaker {
	var out []*Breaker
	for _, b := range s.Breakers {
		if b.Tarjeta == id {
			out = append(out, b)
		}
	}
	return out
}

// Clone returns a deep copy so callers can mutate without aliasing the
// store's in-memory state.
func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{
		Tarjetas: make([]*Tarjeta, len(s.Tarjetas)),
		Breakers: make([]*Breaker, len(s.Breakers)),
		Arduinos: make([]*Arduino, len(s.Arduinos)),
	}
	for i, t := range s.Tarjetas {
		c := *t
		out.Tarjetas[i] = &c
	}
	for i, b := range s.Breakers {
		c := *b
		c.Entities = append([]string(nil), b.Entities...)
		c.Power = cloneFloat(b.Power)
		c.Voltage = cloneFloat(b.Voltage)
		c.Current = cloneFloat(b.Current)
		c.Energy = cloneFloat(b.Energy)
		c.ConsumptionLastWs = cloneFloat(b.ConsumptionLastWs)
		c.ConsumptionPowerW = cloneFloat(b.ConsumptionPowerW)
		out.Breakers[i] = &c
	}
	for i, a := range s.Arduinos {
		c := *a
		c.Last = cloneMap(a.Last)
		if a.Sesiones != nil {
			c.Sesiones = make(map[string]*Sesion, len(a.Sesiones))
			for uid, ses := range a.Sesiones {
				sc := *ses
				sc.Last = cloneMap(ses.Last)
				c.Sesiones[uid] = &sc
			}
		}
		out.Arduinos[i] = &c
	}
	return out
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Float returns a pointer to v, for filling optional metric fields.
func Float(v float64) *float64 {
	return &v
}
