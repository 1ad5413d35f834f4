package eta

import (
	"fmt"
	"strconv"
	"time"
)

// TrafficTable holds one speed multiplier per hour of day. A value below 1
// slows the bus down.
type TrafficTable [24]float64

// DefaultTrafficTable is a static time-of-day forecast with morning and
// evening rush hours.
func DefaultTrafficTable() TrafficTable {
	var t TrafficTable
	for h := range t {
		switch {
		case h <= 5:
			t[h] = 1.2
		case h == 6:
			t[h] = 1.0
		case h <= 9:
			t[h] = 0.65
		case h <= 15:
			t[h] = 0.9
		case h == 16:
			t[h] = 0.8
		case h <= 19:
			t[h] = 0.6
		case h <= 21:
			t[h] = 0.9
		default:
			t[h] = 1.1
		}
	}
	return t
}

// Factor returns the multiplier for the hour of at in loc.
func (t TrafficTable) Factor(at time.Time, loc *time.Location) float64 {
	if loc != nil {
		at = at.In(loc)
	}
	f := t[at.Hour()]
	if f <= 0 {
		return 1
	}
	return f
}

// WithOverrides returns a copy of t with the hours in overrides replaced.
// Keys are hour numbers "0".."23".
func (t TrafficTable) WithOverrides(overrides map[string]float64) (TrafficTable, error) {
	out := t
	for key, factor := range overrides {
		hour, err := strconv.Atoi(key)
		if err != nil || hour < 0 || hour > 23 {
			return t, fmt.Errorf("invalid traffic hour %q", key)
		}
		if factor <= 0 || factor > 3 {
			return t, fmt.Errorf("traffic factor for hour %d must be in (0, 3], got %v", hour, factor)
		}
		out[hour] = factor
	}
	return out, nil
}
