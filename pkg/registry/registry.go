// Package registry reads the static bus, driver and stop metadata owned by
// the surrounding fleet-management application.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"sync"

	"bustracker/pkg/types"
)

// ErrNotFound is returned when a bus, driver or API key is unknown.
var ErrNotFound = errors.New("not found")

// Bus is the registered metadata for one vehicle.
type Bus struct {
	ID             string `json:"id"`
	Number         string `json:"bus_number"`
	Name           string `json:"bus_name,omitempty"`
	OrganizationID string `json:"organization_id"`
	DriverID       string `json:"driver_id,omitempty"`
}

type Driver struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Phone          string `json:"phone,omitempty"`
	OrganizationID string `json:"organization_id"`
}

// Registry is read-only from the pipeline's point of view.
type Registry interface {
	BusByAPIKey(ctx context.Context, apiKey string) (Bus, error)
	Bus(ctx context.Context, busID string) (Bus, error)
	BusByNumber(ctx context.Context, organizationID, number string) (Bus, error)
	Driver(ctx context.Context, driverID string) (Driver, error)
	// Stops returns the route stops of a bus ordered by Order.
	Stops(ctx context.Context, busID string) ([]types.Stop, error)
}

// HashAPIKey returns the digest stored in place of a device API key.
func HashAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// Memory is an in-process registry for development and tests.
type Memory struct {
	mu      sync.RWMutex
	buses   map[string]Bus
	keys    map[string]string // key digest -> bus id
	drivers map[string]Driver
	stops   map[string][]types.Stop
}

func NewMemory() *Memory {
	return &Memory{
		buses:   make(map[string]Bus),
		keys:    make(map[string]string),
		drivers: make(map[string]Driver),
		stops:   make(map[string][]types.Stop),
	}
}

// AddBus registers a bus. An empty apiKey registers a bus with no device.
func (m *Memory) AddBus(bus Bus, apiKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buses[bus.ID] = bus
	if apiKey != "" {
		m.keys[HashAPIKey(apiKey)] = bus.ID
	}
}

func (m *Memory) AddDriver(driver Driver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[driver.ID] = driver
}

func (m *Memory) SetStops(busID string, stops []types.Stop) {
	sorted := append([]types.Stop(nil), stops...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops[busID] = sorted
}

func (m *Memory) BusByAPIKey(_ context.Context, apiKey string) (Bus, error) {
	if apiKey == "" {
		return Bus{}, ErrNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	busID, ok := m.keys[HashAPIKey(apiKey)]
	if !ok {
		return Bus{}, ErrNotFound
	}
	return m.buses[busID], nil
}

func (m *Memory) Bus(_ context.Context, busID string) (Bus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bus, ok := m.buses[busID]
	if !ok {
		return Bus{}, ErrNotFound
	}
	return bus, nil
}

func (m *Memory) BusByNumber(_ context.Context, organizationID, number string) (Bus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, bus := range m.buses {
		if bus.OrganizationID == organizationID && bus.Number == number {
			return bus, nil
		}
	}
	return Bus{}, ErrNotFound
}

func (m *Memory) Driver(_ context.Context, driverID string) (Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	driver, ok := m.drivers[driverID]
	if !ok {
		return Driver{}, ErrNotFound
	}
	return driver, nil
}

func (m *Memory) Stops(_ context.Context, busID string) ([]types.Stop, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.buses[busID]; !ok {
		return nil, ErrNotFound
	}
	return append([]types.Stop(nil), m.stops[busID]...), nil
}
