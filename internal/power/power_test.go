package power

import "testing"

func f(v float64) *float64 { return &v }

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		reported *float64
		voltage  *float64
		current  *float64
		want     float64
		wantOK   bool
	}{
		{"no data", nil, nil, nil, 0, false},
		{"only voltage", nil, f(230), nil, 0, false},
		{"inferred only", nil, f(230), f(1.5), 345, true},
		{"plain watts", f(1200), nil, nil, 1200, true},
		{"watts with matching inferred", f(276), f(230), f(1.2), 276, true},
		// reported 0.059 kW, inferred 276 W >> 0.59 -> scale to 59 W
		{"kilowatts with inferred", f(0.059), f(230), f(1.2), 59, true},
		// small value, no corroboration: kilowatt interpretation wins
		{"kilowatts without inferred", f(2.5), nil, nil, 2500, true},
		// small value but inferred agrees, keep as watts
		{"small watts with small inferred", f(5), f(10), f(0.5), 5, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Normalize(tt.reported, tt.voltage, tt.current)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("watts = %v, want %v", got, tt.want)
			}
		})
	}
}

// Normalizing an already-normalized watt value must return the same value.
func TestNormalizeIdempotent(t *testing.T) {
	for _, w := range []float64{59, 276, 1200, 10} {
		first, ok := Normalize(f(w), nil, nil)
		if !ok {
			t.Fatalf("normalize %v: not ok", w)
		}
		second, ok := Normalize(f(first), nil, nil)
		if !ok || second != first {
			t.Errorf("normalize(normalize(%v)) = %v, want %v", w, second, first)
		}
	}
}
