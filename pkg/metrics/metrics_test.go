package metrics

import (
	"testing"
	"time"
)

func TestExportInterval(t *testing.T) {
	tests := []struct {
		env  string
		want time.Duration
	}{
		{"", 60 * time.Second},
		{"15000", 15 * time.Second},
		{"-5", 60 * time.Second},
		{"soon", 60 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			t.Setenv("OTEL_METRIC_EXPORT_INTERVAL", tt.env)
			if got := exportInterval(); got != tt.want {
				t.Errorf("exportInterval() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIngestGauges(t *testing.T) {
	lastIngestTimestamp.Store(0)
	for _, g := range processGauges {
		if g.name == "ingest.last_success.age" {
			if _, ok := g.observe(); ok {
				t.Error("age observed before any fix was accepted")
			}
		}
	}

	RecordLastIngestTimestamp()
	for _, g := range processGauges {
		if g.name == "ingest.last_success.age" {
			v, ok := g.observe()
			if !ok || v < 0 || v > 1 {
				t.Errorf("age = %d, %v, want about 0", v, ok)
			}
		}
	}
}

func TestInstrumentsBoundWithoutProvider(t *testing.T) {
	if IngestFixesTotal == nil || CacheOperationDuration == nil || GatewayMessagesTotal == nil {
		t.Fatal("instruments should be bound to the global meter at init")
	}
}
