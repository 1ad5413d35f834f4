package pipeline

import (
	"fmt"
	"math"
	"time"

	"bustracker/pkg/types"
)

// ValidationError rejects a fix before any state is touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// normalizedFix is a fix that passed validation.
type normalizedFix struct {
	Latitude   float64
	Longitude  float64
	Speed      float64
	Accuracy   *float64
	Heading    *float64
	RecordedAt *time.Time
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Validate checks a fix and returns its normalized form.
// Negative speed is coerced to zero and heading is wrapped into [0,360).
func Validate(fix types.Fix, maxSpeedKmh float64) (normalizedFix, error) {
	var n normalizedFix

	if !finite(fix.Latitude) || fix.Latitude < -90 || fix.Latitude > 90 {
		return n, invalid("lat", "must be a number between -90 and 90")
	}
	if !finite(fix.Longitude) || fix.Longitude < -180 || fix.Longitude > 180 {
		return n, invalid("lon", "must be a number between -180 and 180")
	}
	if fix.Latitude == 0 && fix.Longitude == 0 {
		return n, invalid("lat/lon", "0,0 is not a valid fix")
	}
	n.Latitude = fix.Latitude
	n.Longitude = fix.Longitude

	if fix.Speed != nil {
		if !finite(*fix.Speed) {
			return n, invalid("speed", "must be a finite number")
		}
		n.Speed = math.Max(*fix.Speed, 0)
		if maxSpeedKmh > 0 && n.Speed > maxSpeedKmh {
			return n, invalid("speed", fmt.Sprintf("exceeds %.0f km/h", maxSpeedKmh))
		}
	}

	if fix.Accuracy != nil {
		if !finite(*fix.Accuracy) || *fix.Accuracy < 0 {
			return n, invalid("accuracy", "must be a non-negative number")
		}
		n.Accuracy = types.Float64(*fix.Accuracy)
	}

	if fix.Heading != nil {
		if !finite(*fix.Heading) {
			return n, invalid("heading", "must be a finite number")
		}
		h := math.Mod(*fix.Heading, 360)
		if h < 0 {
			h += 360
		}
		if h >= 360 {
			h = 0
		}
		n.Heading = types.Float64(h)
	}

	if fix.Timestamp != nil && !fix.Timestamp.IsZero() {
		ts := fix.Timestamp.UTC()
		n.RecordedAt = &ts
	}

	return n, nil
}
