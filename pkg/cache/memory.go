package cache

import (
	"context"
	"sort"
	"sync"

	"bustracker/pkg/types"
)

// Memory is a process-local cache. Each instance owns its own map.
type Memory struct {
	mu      sync.RWMutex
	records map[string]types.LocationRecord
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]types.LocationRecord)}
}

func (m *Memory) SetBusLocation(ctx context.Context, busID string, record types.LocationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	record = cloneRecord(record)
	record.BusID = busID

	m.mu.Lock()
	m.records[busID] = record
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetBusLocation(ctx context.Context, busID string) (*types.LocationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	record, ok := m.records[busID]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	record = cloneRecord(record)
	return &record, nil
}

// GetAllBusLocations returns a snapshot sorted by bus id.
func (m *Memory) GetAllBusLocations(ctx context.Context) ([]types.LocationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	records := make([]types.LocationRecord, 0, len(m.records))
	for _, record := range m.records {
		records = append(records, cloneRecord(record))
	}
	m.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool { return records[i].BusID < records[j].BusID })
	return records, nil
}
