// Package liveness decides whether a bus is online from the age of its last fix.
package liveness

import (
	"time"

	"bustracker/pkg/types"
)

// DefaultThreshold is used when no threshold is configured.
const DefaultThreshold = 30 * time.Second

// IsOnline reports whether a fix taken at updatedAt is recent enough at now.
// The boundary is inclusive: a fix exactly threshold old is still online.
// A zero updatedAt means the bus never reported and is offline.
func IsOnline(updatedAt time.Time, threshold time.Duration, now time.Time) bool {
	if updatedAt.IsZero() {
		return false
	}
	return now.Sub(updatedAt) <= threshold
}

// Evaluator applies one process-wide threshold everywhere liveness is needed.
type Evaluator struct {
	threshold time.Duration
	now       func() time.Time
}

// NewEvaluator returns an evaluator using the wall clock.
func NewEvaluator(threshold time.Duration) *Evaluator {
	return NewEvaluatorWithClock(threshold, time.Now)
}

// NewEvaluatorWithClock returns an evaluator reading time from now.
func NewEvaluatorWithClock(threshold time.Duration, now func() time.Time) *Evaluator {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if now == nil {
		now = time.Now
	}
	return &Evaluator{threshold: threshold, now: now}
}

func (e *Evaluator) Threshold() time.Duration {
	return e.threshold
}

// Now returns the evaluator's current time.
func (e *Evaluator) Now() time.Time {
	return e.now()
}

func (e *Evaluator) IsOnline(updatedAt time.Time) bool {
	return IsOnline(updatedAt, e.threshold, e.now())
}

// Tag computes the liveness view of a record.
func (e *Evaluator) Tag(record types.LocationRecord) types.TaggedLocation {
	now := e.now()
	tagged := types.TaggedLocation{
		LocationRecord: record,
		IsOnline:       IsOnline(record.UpdatedAt, e.threshold, now),
	}
	if !record.UpdatedAt.IsZero() {
		age := now.Sub(record.UpdatedAt)
		if age < 0 {
			age = 0
		}
		tagged.SecondsSinceUpdate = int64(age / time.Second)
	}
	return tagged
}

// TagAll tags every record with the same instant so counts are consistent.
func (e *Evaluator) TagAll(records []types.LocationRecord) []types.TaggedLocation {
	frozen := e.now()
	fixed := &Evaluator{threshold: e.threshold, now: func() time.Time { return frozen }}

	tagged := make([]types.TaggedLocation, 0, len(records))
	for _, record := range records {
		tagged = append(tagged, fixed.Tag(record))
	}
	return tagged
}
