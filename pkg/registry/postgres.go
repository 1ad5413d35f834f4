package registry

import (
	"context"
	"errors"
	"fmt"

	"bustracker/pkg/types"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres reads the fleet tables maintained by the management application.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a registry backed by a pgx pool.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// NewPostgresWithPool shares an existing pool.
func NewPostgresWithPool(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

const busColumns = `b.id, b.bus_number, COALESCE(b.bus_name, ''), b.organization_id, COALESCE(b.driver_id::text, '')`

const busByAPIKeySQL = `
    SELECT ` + busColumns + `
    FROM buses b
    WHERE b.api_key_hash = $1 AND b.is_active
`

const busByIDSQL = `
    SELECT ` + busColumns + `
    FROM buses b
    WHERE b.id = $1
`

const busByNumberSQL = `
    SELECT ` + busColumns + `
    FROM buses b
    WHERE b.organization_id = $1 AND b.bus_number = $2
`

const driverByIDSQL = `
    SELECT id, name, COALESCE(phone, ''), organization_id
    FROM drivers
    WHERE id = $1
`

const stopsByBusSQL = `
    SELECT s.id, s.name, s.latitude, s.longitude, s.stop_order
    FROM bus_stops s
    WHERE s.bus_id = $1
    ORDER BY s.stop_order
`

func (p *Postgres) BusByAPIKey(ctx context.Context, apiKey string) (Bus, error) {
	if apiKey == "" {
		return Bus{}, ErrNotFound
	}
	return p.queryBus(ctx, busByAPIKeySQL, HashAPIKey(apiKey))
}

func (p *Postgres) Bus(ctx context.Context, busID string) (Bus, error) {
	return p.queryBus(ctx, busByIDSQL, busID)
}

func (p *Postgres) BusByNumber(ctx context.Context, organizationID, number string) (Bus, error) {
	return p.queryBus(ctx, busByNumberSQL, organizationID, number)
}

func (p *Postgres) queryBus(ctx context.Context, sql string, args ...any) (Bus, error) {
	var bus Bus
	err := p.pool.QueryRow(ctx, sql, args...).Scan(
		&bus.ID,
		&bus.Number,
		&bus.Name,
		&bus.OrganizationID,
		&bus.DriverID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Bus{}, ErrNotFound
	}
	if err != nil {
		return Bus{}, fmt.Errorf("failed to query bus: %w", err)
	}
	return bus, nil
}

func (p *Postgres) Driver(ctx context.Context, driverID string) (Driver, error) {
	var driver Driver
	err := p.pool.QueryRow(ctx, driverByIDSQL, driverID).Scan(
		&driver.ID,
		&driver.Name,
		&driver.Phone,
		&driver.OrganizationID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Driver{}, ErrNotFound
	}
	if err != nil {
		return Driver{}, fmt.Errorf("failed to query driver: %w", err)
	}
	return driver, nil
}

func (p *Postgres) Stops(ctx context.Context, busID string) ([]types.Stop, error) {
	if _, err := p.Bus(ctx, busID); err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(ctx, stopsByBusSQL, busID)
	if err != nil {
		return nil, fmt.Errorf("failed to query stops: %w", err)
	}
	defer rows.Close()

	stops := make([]types.Stop, 0)
	for rows.Next() {
		var stop types.Stop
		if err := rows.Scan(&stop.ID, &stop.Name, &stop.Latitude, &stop.Longitude, &stop.Order); err != nil {
			return nil, err
		}
		stops = append(stops, stop)
	}
	return stops, rows.Err()
}
