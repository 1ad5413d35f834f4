// Package history is the append-only audit trail of accepted fixes.
package history

import (
	"context"
	"errors"

	"bustracker/pkg/types"
)

// DefaultLimit caps QueryHistory when the caller passes no limit.
const DefaultLimit = 500

// ErrInvalidQuery is returned when a query names neither a bus nor a driver.
var ErrInvalidQuery = errors.New("history query needs a bus id or a driver id")

// Query selects entries by bus or by driver, oldest first.
type Query struct {
	BusID    string
	DriverID string
	Limit    int
}

// Validate normalises the limit and checks the selector.
func (q *Query) Validate() error {
	if q.BusID == "" && q.DriverID == "" {
		return ErrInvalidQuery
	}
	if q.Limit <= 0 || q.Limit > DefaultLimit {
		q.Limit = DefaultLimit
	}
	return nil
}

// Store persists history entries. Entries are immutable once written and
// QueryHistory returns them ordered by timestamp ascending.
type Store interface {
	AppendHistory(ctx context.Context, entry types.HistoryEntry) error
	QueryHistory(ctx context.Context, q Query) ([]types.HistoryEntry, error)
}

// Discard drops every entry. Used when history.backend is "none".
type Discard struct{}

func (Discard) AppendHistory(context.Context, types.HistoryEntry) error { return nil }

func (Discard) QueryHistory(_ context.Context, q Query) ([]types.HistoryEntry, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return []types.HistoryEntry{}, nil
}
