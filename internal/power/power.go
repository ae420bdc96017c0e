// Package power turns heterogeneous power/voltage/current readings into a
// canonical watt value. Some sensors report power in kW (0.059) while others
// already report W (59), with no unit metadata; this is a heuristic, not an
// exact unit parser, and ambiguous small values resolve in favor of the
// kilowatt interpretation.
package power

// Normalize estimates power in watts from a reported power value and the
// optional voltage/current pair. It returns ok=false when there is no data
// to estimate from.
//
// Rules:
//   - inferred = voltage * current when both are present
//   - reported absent            -> use inferred
//   - inferred >> reported (x10) and reported < 10 -> reported was kW, scale x1000
//   - no inferred and reported < 10                -> assume kW, scale x1000
//   - otherwise reported is already watts
func Normalize(reported, voltage, current *float64) (watts float64, ok bool) {
	var inferred *float64
	if voltage != nil && current != nil {
		v := *voltage * *current
		inferred = &v
	}

	if reported == nil {
		if inferred == nil {
			return 0, false
		}
		return *inferred, true
	}

	p := *reported
	if inferred != nil {
		if *inferred > p*10 && p < 10 {
			return p * 1000, true
		}
		return p, true
	}
	if p < 10 {
		return p * 1000, true
	}
	return p, true
}
