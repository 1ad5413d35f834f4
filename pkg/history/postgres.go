package history

import (
	"context"
	"fmt"
	"strconv"

	"bustracker/pkg/types"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore writes entries to the location_history table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func NewPostgresStoreWithPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const insertHistorySQL = `
    INSERT INTO location_history
        (id, bus_id, driver_id, organization_id, latitude, longitude, speed, accuracy, heading, recorded_at)
    VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10)
`

const selectHistoryBase = `
    SELECT id, bus_id, COALESCE(driver_id::text, ''), organization_id, latitude, longitude, speed, accuracy, heading, recorded_at
    FROM (
        SELECT * FROM location_history
        WHERE `

func (s *PostgresStore) AppendHistory(ctx context.Context, entry types.HistoryEntry) error {
	_, err := s.pool.Exec(ctx, insertHistorySQL,
		entry.ID,
		entry.BusID,
		entry.DriverID,
		entry.OrganizationID,
		entry.Latitude,
		entry.Longitude,
		entry.Speed,
		entry.Accuracy,
		entry.Heading,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert history entry: %w", err)
	}
	return nil
}

// QueryHistory returns the most recent Limit entries, oldest first.
func (s *PostgresStore) QueryHistory(ctx context.Context, q Query) ([]types.HistoryEntry, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	args := []any{}
	clause := ""
	argPos := 1
	if q.BusID != "" {
		clause += "bus_id = $" + strconv.Itoa(argPos)
		args = append(args, q.BusID)
		argPos++
	}
	if q.DriverID != "" {
		if clause != "" {
			clause += " AND "
		}
		clause += "driver_id = $" + strconv.Itoa(argPos)
		args = append(args, q.DriverID)
		argPos++
	}
	args = append(args, q.Limit)

	sql := selectHistoryBase + clause +
		" ORDER BY recorded_at DESC LIMIT $" + strconv.Itoa(argPos) +
		"\n    ) recent\n    ORDER BY recorded_at ASC"

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	entries := make([]types.HistoryEntry, 0)
	for rows.Next() {
		var entry types.HistoryEntry
		if err := rows.Scan(
			&entry.ID,
			&entry.BusID,
			&entry.DriverID,
			&entry.OrganizationID,
			&entry.Latitude,
			&entry.Longitude,
			&entry.Speed,
			&entry.Accuracy,
			&entry.Heading,
			&entry.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
