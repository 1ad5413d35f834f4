package history

import (
	"context"
	"errors"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"bustracker/pkg/types"
)

type recordingStore struct {
	mu      sync.Mutex
	entries []types.HistoryEntry
	fail    bool
	block   chan struct{}
}

func (s *recordingStore) AppendHistory(ctx context.Context, entry types.HistoryEntry) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.fail {
		return errors.New("database unreachable")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *recordingStore) QueryHistory(context.Context, Query) ([]types.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.HistoryEntry(nil), s.entries...), nil
}

func (s *recordingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func TestQuery_Validate(t *testing.T) {
	tests := []struct {
		name      string
		query     Query
		wantErr   bool
		wantLimit int
	}{
		{"bus with limit", Query{BusID: "B1", Limit: 10}, false, 10},
		{"driver without limit", Query{DriverID: "D1"}, false, DefaultLimit},
		{"limit above cap", Query{BusID: "B1", Limit: 10000}, false, DefaultLimit},
		{"no selector", Query{Limit: 10}, true, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := tt.query
			err := q.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if q.Limit != tt.wantLimit {
				t.Errorf("Limit = %d, want %d", q.Limit, tt.wantLimit)
			}
		})
	}
}

func TestDispatcher_WritesEntries(t *testing.T) {
	store := &recordingStore{}
	d := NewDispatcher(store, DispatcherConfig{QueueSize: 10, Workers: 2})

	for i := 0; i < 5; i++ {
		if err := d.Enqueue(types.HistoryEntry{ID: "e", BusID: "B1"}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if store.count() != 5 {
		t.Errorf("Expected 5 entries written, got %d", store.count())
	}
}

func TestDispatcher_EnqueueNeverBlocks(t *testing.T) {
	store := &recordingStore{block: make(chan struct{})}
	d := NewDispatcher(store, DispatcherConfig{QueueSize: 1, Workers: 1, WriteTimeout: time.Second})

	// One entry held by the worker, one in the queue, the rest must be dropped.
	var dropped int
	start := time.Now()
	for i := 0; i < 10; i++ {
		if err := d.Enqueue(types.HistoryEntry{BusID: "B1"}); errors.Is(err, ErrQueueFull) {
			dropped++
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Enqueue blocked for %v", elapsed)
	}
	if dropped == 0 {
		t.Error("Expected some entries to be dropped when the queue is full")
	}

	close(store.block)
	_ = d.Close(context.Background())
}

func TestDispatcher_StoreFailureIsSwallowed(t *testing.T) {
	store := &recordingStore{fail: true}
	d := NewDispatcher(store, DispatcherConfig{QueueSize: 4, Workers: 1})

	if err := d.Enqueue(types.HistoryEntry{BusID: "B1"}); err != nil {
		t.Fatalf("Enqueue should succeed even when the store fails later, got %v", err)
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestDispatcher_EnqueueAfterClose(t *testing.T) {
	d := NewDispatcher(Discard{}, DispatcherConfig{})
	_ = d.Close(context.Background())

	if err := d.Enqueue(types.HistoryEntry{BusID: "B1"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	// Closing twice is safe
	if err := d.Close(context.Background()); err != nil {
		t.Errorf("Second Close returned %v", err)
	}
}

func TestDiscard_QueryHistory(t *testing.T) {
	entries, err := Discard{}.QueryHistory(context.Background(), Query{BusID: "B1"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected no entries, got %d", len(entries))
	}
	if _, err := (Discard{}).QueryHistory(context.Background(), Query{}); !errors.Is(err, ErrInvalidQuery) {
		t.Errorf("Expected ErrInvalidQuery, got %v", err)
	}
}

func TestSummarize(t *testing.T) {
	base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	// Roughly 1.11km per 0.01 degree of latitude
	entries := []types.HistoryEntry{
		{Latitude: 12.00, Longitude: 77.59, Speed: 20, Timestamp: base},
		{Latitude: 12.01, Longitude: 77.59, Speed: 35, Timestamp: base.Add(2 * time.Minute)},
		{Latitude: 12.02, Longitude: 77.59, Speed: 30, Timestamp: base.Add(4 * time.Minute)},
	}

	s := Summarize(entries)
	if s.Points != 3 {
		t.Errorf("Points = %d, want 3", s.Points)
	}
	if math.Abs(s.DistanceMeters-2224) > 20 {
		t.Errorf("DistanceMeters = %.1f, want about 2224", s.DistanceMeters)
	}
	if s.DurationSeconds != 240 {
		t.Errorf("DurationSeconds = %d, want 240", s.DurationSeconds)
	}
	if s.MaxSpeedKmh != 35 {
		t.Errorf("MaxSpeedKmh = %v, want 35", s.MaxSpeedKmh)
	}
	if math.Abs(s.AvgSpeedKmh-33.4) > 0.5 {
		t.Errorf("AvgSpeedKmh = %.2f, want about 33.4", s.AvgSpeedKmh)
	}
}

func TestSummarize_SkipsGlitches(t *testing.T) {
	base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	entries := []types.HistoryEntry{
		{Latitude: 12.00, Longitude: 77.59, Timestamp: base},
		{Latitude: 40.00, Longitude: -3.70, Timestamp: base.Add(time.Minute)},
	}

	if s := Summarize(entries); s.DistanceMeters != 0 {
		t.Errorf("DistanceMeters = %v, want 0 for an implausible jump", s.DistanceMeters)
	}
}

func TestSummarize_Empty(t *testing.T) {
	s := Summarize(nil)
	if s.Points != 0 || s.StartedAt != nil {
		t.Errorf("Summarize(nil) = %+v, want zero summary", s)
	}
}

func TestPostgresStore_RoundTrip(t *testing.T) {
	url := os.Getenv("BUSTRACKER_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("BUSTRACKER_TEST_DATABASE_URL not set")
	}

	store, err := NewPostgresStore(context.Background(), url)
	if err != nil {
		t.Fatalf("NewPostgresStore failed: %v", err)
	}
	defer store.Close()

	if _, err := store.QueryHistory(context.Background(), Query{}); !errors.Is(err, ErrInvalidQuery) {
		t.Errorf("Expected ErrInvalidQuery, got %v", err)
	}
}
