package hass

// EntityState is one entity in the hub's state index.
type EntityState struct {
	EntityID   string         `json:"entity_id"`
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// StateChange is the payload of one state_changed event.
type StateChange struct {
	EntityID string       `json:"entity_id"`
	OldState *EntityState `json:"old_state"`
	NewState *EntityState `json:"new_state"`
}

// wsMessage is the envelope of every frame on the hub websocket.
type wsMessage struct {
	ID      int     `json:"id,omitempty"`
	Type    string  `json:"type"`
	Success *bool   `json:"success,omitempty"`
	Event   wsEvent `json:"event,omitempty"`
}

type wsEvent struct {
	EventType string      `json:"event_type,omitempty"`
	Data      StateChange `json:"data,omitempty"`
}
