// Package cache holds the latest known location of every bus.
package cache

import (
	"context"
	"errors"
	"fmt"

	"bustracker/pkg/types"
)

// ErrUnavailable wraps infrastructure failures of the backing store.
var ErrUnavailable = errors.New("location cache unavailable")

// Cache stores at most one record per bus. Writes overwrite in place and a
// reader never observes a partially written record.
type Cache interface {
	SetBusLocation(ctx context.Context, busID string, record types.LocationRecord) error
	// GetBusLocation returns nil with no error when the bus never reported.
	GetBusLocation(ctx context.Context, busID string) (*types.LocationRecord, error)
	GetAllBusLocations(ctx context.Context) ([]types.LocationRecord, error)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

// cloneRecord copies the pointer fields so callers cannot mutate stored state.
func cloneRecord(r types.LocationRecord) types.LocationRecord {
	if r.Heading != nil {
		r.Heading = types.Float64(*r.Heading)
	}
	if r.Accuracy != nil {
		r.Accuracy = types.Float64(*r.Accuracy)
	}
	if r.RecordedAt != nil {
		t := *r.RecordedAt
		r.RecordedAt = &t
	}
	return r
}
