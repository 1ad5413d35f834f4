package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"bustracker/pkg/types"

	"github.com/redis/go-redis/v9"
)

// DefaultHashKey is the Redis hash holding one JSON field per bus.
const DefaultHashKey = "bus_locations"

// Redis shares the cache between instances. HSET replaces a whole field
// atomically, so readers see either the old or the new record.
type Redis struct {
	client *redis.Client
	key    string
}

// NewRedis connects using a redis:// URL.
func NewRedis(url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return NewRedisWithClient(redis.NewClient(opts), DefaultHashKey), nil
}

func NewRedisWithClient(client *redis.Client, key string) *Redis {
	if key == "" {
		key = DefaultHashKey
	}
	return &Redis{client: client, key: key}
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) SetBusLocation(ctx context.Context, busID string, record types.LocationRecord) error {
	record.BusID = busID
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode location for bus %s: %w", busID, err)
	}
	if err := r.client.HSet(ctx, r.key, busID, payload).Err(); err != nil {
		return unavailable("set bus location", err)
	}
	return nil
}

func (r *Redis) GetBusLocation(ctx context.Context, busID string) (*types.LocationRecord, error) {
	payload, err := r.client.HGet(ctx, r.key, busID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get bus location", err)
	}

	var record types.LocationRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("failed to decode location for bus %s: %w", busID, err)
	}
	return &record, nil
}

// GetAllBusLocations skips fields that fail to decode rather than failing the snapshot.
func (r *Redis) GetAllBusLocations(ctx context.Context) ([]types.LocationRecord, error) {
	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, unavailable("get all bus locations", err)
	}

	records := make([]types.LocationRecord, 0, len(fields))
	for busID, payload := range fields {
		var record types.LocationRecord
		if err := json.Unmarshal([]byte(payload), &record); err != nil {
			slog.Warn("Skipping undecodable cache entry", "bus_id", busID, "error", err)
			continue
		}
		records = append(records, record)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].BusID < records[j].BusID })
	return records, nil
}
