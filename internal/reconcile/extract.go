package reconcile

import (
	"encoding/base64"
	"encoding/binary"
	"strconv"
	"strings"

	"breakerpay/internal/api/hass"
)

// Metric names used as keys in extraction results.
const (
	metricPower   = "power"
	metricVoltage = "voltage"
	metricCurrent = "current"
	metricEnergy  = "energy"
)

// nameKeywords maps metric names to the local-name keywords that identify
// them, including Spanish synonyms. Phase-qualified names (phase_a_power)
// match through the plain keyword.
var nameKeywords = map[string][]string{
	metricPower:   {"power", "potencia"},
	metricVoltage: {"voltage", "voltaje", "tension"},
	metricCurrent: {"current", "corriente", "amperage"},
	metricEnergy:  {"energy", "energia"},
}

// attributeKeys maps metric names to the payload attribute keys probed by
// the generic-attribute fallback, in priority order.
var attributeKeys = map[string][]string{
	metricPower:   {"current_power_w", "power", "power_w"},
	metricVoltage: {"voltage", "voltage_v"},
	metricCurrent: {"current", "current_a"},
	metricEnergy:  {"today_energy_kwh", "energy", "total_energy_kwh"},
}

// packedAttributeKeys are the payload attributes that may carry a base64
// packed multi-metric record.
var packedAttributeKeys = []string{"phase_a", "packed_state", "raw_state"}

// localName strips the domain prefix from an entity id:
// "sensor.garage_power" -> "garage_power".
func localName(entityID string) string {
	if i := strings.IndexByte(entityID, '.'); i >= 0 {
		return entityID[i+1:]
	}
	return entityID
}

// entityDomain returns the domain prefix, empty when absent.
func entityDomain(entityID string) string {
	if i := strings.IndexByte(entityID, '.'); i >= 0 {
		return entityID[:i]
	}
	return ""
}

// metricFromName classifies an entity by its local name, empty when the
// name carries no recognizable metric keyword.
func metricFromName(local string) string {
	lower := strings.ToLower(local)
	for metric, keywords := range nameKeywords {
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				return metric
			}
		}
	}
	return ""
}

// parseNumericState parses the entity state as a float, rejecting the hub's
// unavailable/unknown placeholders.
func parseNumericState(state string) (float64, bool) {
	switch state {
	case "", "unavailable", "unknown", "none":
		return 0, false
	}
	v, err := strconv.ParseFloat(state, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// extractMetrics resolves metric values from one entity state for a breaker
// whose configured metric entities are given in configured (metric -> entity
// id). Strategies run in priority order: exact configured mapping, local-name
// keyword, generic attribute lookup, packed binary attribute. Only resolved
// fields appear in the result.
func extractMetrics(entityID string, st hass.EntityState, configured map[string]string) map[string]float64 {
	out := make(map[string]float64)

	// (a) exact configured metric-entity match
	for metric, configuredID := range configured {
		if configuredID != entityID {
			continue
		}
		if v, ok := parseNumericState(st.State); ok {
			out[metric] = v
		}
		return out
	}

	// (b) keyword heuristic on the local name
	if metric := metricFromName(localName(entityID)); metric != "" {
		if v, ok := parseNumericState(st.State); ok {
			out[metric] = v
			return out
		}
	}

	// (c) generic attribute lookup
	for metric, keys := range attributeKeys {
		for _, key := range keys {
			if v, ok := numericAttribute(st.Attributes, key); ok {
				out[metric] = v
				break
			}
		}
	}
	if len(out) > 0 {
		return out
	}

	// (d) packed binary attribute
	for _, key := range packedAttributeKeys {
		raw, ok := st.Attributes[key].(string)
		if !ok || raw == "" {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			continue
		}
		for metric, v := range decodePacked(decoded) {
			out[metric] = v
		}
		if len(out) > 0 {
			return out
		}
	}
	return out
}

func numericAttribute(attrs map[string]any, key string) (float64, bool) {
	raw, ok := attrs[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		return parseNumericState(v)
	}
	return 0, false
}

// Packed record tags and their fixed-point scales.
const (
	tagCurrent = 0x01 // milliamps -> amps
	tagPower   = 0x02 // deciwatts -> watts
	tagVoltage = 0x03 // decivolts -> volts
	tagEnergy  = 0x04 // hundredths of kWh -> kWh
)

// decodePacked parses the vendor multi-field record format: repeated
// fixed-width records of 1-byte tag, 1-byte type, 2-byte big-endian length,
// then length value bytes holding a big-endian unsigned integer.
func decodePacked(data []byte) map[string]float64 {
	out := make(map[string]float64)
	for len(data) >= 4 {
		tag := data[0]
		length := int(binary.BigEndian.Uint16(data[2:4]))
		data = data[4:]
		if length <= 0 || length > 8 || len(data) < length {
			break
		}
		var raw uint64
		for _, b := range data[:length] {
			raw = raw<<8 | uint64(b)
		}
		data = data[length:]

		switch tag {
		case tagCurrent:
			out[metricCurrent] = float64(raw) / 1000
		case tagPower:
			out[metricPower] = float64(raw) / 10
		case tagVoltage:
			out[metricVoltage] = float64(raw) / 10
		case tagEnergy:
			out[metricEnergy] = float64(raw) / 100
		}
	}
	return out
}
