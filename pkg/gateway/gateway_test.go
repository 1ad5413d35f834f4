package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bustracker/pkg/auth"
	"bustracker/pkg/cache"
	"bustracker/pkg/pipeline"
	"bustracker/pkg/registry"

	"github.com/segmentio/kafka-go"
)

// fakeReader serves queued messages, then blocks until the context ends.
type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	fetchErrs []error
	committed []int64
	closed    bool
	drained   chan struct{}
}

func newFakeReader(values ...string) *fakeReader {
	r := &fakeReader{drained: make(chan struct{})}
	for i, v := range values {
		r.messages = append(r.messages, kafka.Message{Topic: "gps-fixes", Offset: int64(i), Value: []byte(v)})
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.fetchErrs) > 0 {
		err := r.fetchErrs[0]
		r.fetchErrs = r.fetchErrs[1:]
		r.mu.Unlock()
		return kafka.Message{}, err
	}
	if len(r.messages) > 0 {
		msg := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()

	select {
	case <-r.drained:
	default:
		close(r.drained)
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

func newPipeline(t *testing.T) (*pipeline.Pipeline, cache.Cache) {
	t.Helper()
	reg := registry.NewMemory()
	reg.AddBus(registry.Bus{ID: "B1", Number: "KA01-1234", OrganizationID: "org-a"}, "key-b1")
	reg.AddBus(registry.Bus{ID: "B2", Number: "KA01-5678", OrganizationID: "org-a"}, "key-b2")

	c := cache.NewMemory()
	p, err := pipeline.New(pipeline.Config{MaxSpeedKmh: 200}, c, nil, nil, reg)
	if err != nil {
		t.Fatal(err)
	}
	return p, c
}

func TestNewConsumer_Validation(t *testing.T) {
	p, _ := newPipeline(t)

	if _, err := NewConsumer(Config{Topic: "gps-fixes"}, p); err == nil {
		t.Error("Expected error for missing brokers")
	}
	if _, err := NewConsumer(Config{Brokers: []string{"localhost:9092"}}, p); err == nil {
		t.Error("Expected error for missing topic")
	}
}

func TestConfigDefaults(t *testing.T) {
	c := Config{}.withDefaults()
	if c.GroupID != "bustracker" {
		t.Errorf("GroupID = %q, want %q", c.GroupID, "bustracker")
	}
	if c.MinBytes != 1 || c.MaxBytes != 10e6 {
		t.Errorf("MinBytes/MaxBytes = %d/%d, want 1/10e6", c.MinBytes, c.MaxBytes)
	}
	if c.MaxWait != time.Second {
		t.Errorf("MaxWait = %v, want 1s", c.MaxWait)
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		msg     kafka.Message
		wantKey string
		wantErr bool
	}{
		{
			name:    "full message",
			msg:     kafka.Message{Value: []byte(`{"apiKey":"key-b1","lat":12.97,"lon":77.59,"speed":22,"heading":90,"timestamp":"2024-03-01T08:00:00Z"}`)},
			wantKey: "key-b1",
		},
		{
			name: "key from header",
			msg: kafka.Message{
				Value:   []byte(`{"lat":12.97,"lon":77.59}`),
				Headers: []kafka.Header{{Key: "api-key", Value: []byte("key-b2")}},
			},
			wantKey: "key-b2",
		},
		{
			name:    "missing key",
			msg:     kafka.Message{Value: []byte(`{"lat":12.97,"lon":77.59}`)},
			wantErr: true,
		},
		{
			name:    "missing coordinates",
			msg:     kafka.Message{Value: []byte(`{"apiKey":"key-b1","lat":12.97}`)},
			wantErr: true,
		},
		{
			name:    "not json",
			msg:     kafka.Message{Value: []byte(`lat=12.97`)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, fix, err := Decode(tt.msg)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformed) {
					t.Errorf("Decode error = %v, want ErrMalformed", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if key != tt.wantKey {
				t.Errorf("key = %q, want %q", key, tt.wantKey)
			}
			if fix.Latitude != 12.97 || fix.Longitude != 77.59 {
				t.Errorf("fix = %+v, want 12.97,77.59", fix)
			}
		})
	}
}

func TestDecode_ZeroCoordinatesAreKept(t *testing.T) {
	_, fix, err := Decode(kafka.Message{Value: []byte(`{"apiKey":"k","lat":0,"lon":0}`)})
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if fix.Latitude != 0 || fix.Longitude != 0 {
		t.Errorf("fix = %+v, want 0,0", fix)
	}
}

func TestHandle(t *testing.T) {
	p, _ := newPipeline(t)
	c := newConsumer(Config{Topic: "gps-fixes"}, newFakeReader(), p)
	ctx := context.Background()

	if err := c.Handle(ctx, kafka.Message{Value: []byte(`{"apiKey":"key-b1","lat":12.97,"lon":77.59}`)}); err != nil {
		t.Errorf("Handle valid fix = %v, want nil", err)
	}

	err := c.Handle(ctx, kafka.Message{Value: []byte(`{"apiKey":"nope","lat":12.97,"lon":77.59}`)})
	if !errors.Is(err, auth.ErrUnauthorized) {
		t.Errorf("Handle unknown key = %v, want ErrUnauthorized", err)
	}

	var verr *pipeline.ValidationError
	err = c.Handle(ctx, kafka.Message{Value: []byte(`{"apiKey":"key-b2","lat":95,"lon":77.59}`)})
	if !errors.As(err, &verr) {
		t.Errorf("Handle out-of-range fix = %v, want ValidationError", err)
	}
}

func TestRun_CommitsEveryMessage(t *testing.T) {
	p, c := newPipeline(t)
	r := newFakeReader(
		`{"apiKey":"key-b1","lat":12.97,"lon":77.59,"speed":30}`,
		`{"apiKey":"key-b2","lat":200,"lon":77.59}`,
		`garbage`,
		`{"apiKey":"unknown","lat":12.97,"lon":77.59}`,
	)
	consumer := newConsumer(Config{Topic: "gps-fixes"}, r, p)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	select {
	case <-r.drained:
	case <-time.After(2 * time.Second):
		t.Fatal("Consumer did not drain the queue")
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}

	r.mu.Lock()
	committed := append([]int64(nil), r.committed...)
	r.mu.Unlock()
	if len(committed) != 4 {
		t.Fatalf("committed = %v, want all 4 offsets", committed)
	}
	for i, off := range committed {
		if off != int64(i) {
			t.Errorf("committed[%d] = %d, want %d", i, off, i)
		}
	}

	record, err := c.GetBusLocation(context.Background(), "B1")
	if err != nil || record == nil {
		t.Fatalf("B1 not cached: %v", err)
	}
	if record.Source != "gateway" || record.Speed != 30 {
		t.Errorf("record = %+v, want gateway source at 30 km/h", record)
	}
	if record, _ := c.GetBusLocation(context.Background(), "B2"); record != nil {
		t.Errorf("B2 = %+v, want nothing cached for an invalid fix", record)
	}
}

func TestRun_RetriesFetchErrors(t *testing.T) {
	p, _ := newPipeline(t)
	r := newFakeReader(`{"apiKey":"key-b1","lat":12.97,"lon":77.59}`)
	r.fetchErrs = []error{errors.New("connection reset by peer")}
	consumer := newConsumer(Config{Topic: "gps-fixes"}, r, p)
	consumer.backoff = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	select {
	case <-r.drained:
	case <-time.After(2 * time.Second):
		t.Fatal("Consumer did not recover from the fetch error")
	}
	cancel()
	<-done

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.committed) != 1 {
		t.Errorf("committed = %v, want one offset after retry", r.committed)
	}
}
