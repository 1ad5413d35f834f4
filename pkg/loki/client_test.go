package loki

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bustracker/pkg/history"
	"bustracker/pkg/types"
)

func TestNewClient(t *testing.T) {
	client := NewClient("http://localhost:3100/", "user", "pass")

	if client == nil {
		t.Fatal("NewClient returned nil")
	}
	if client.baseURL != "http://localhost:3100" {
		t.Errorf("baseURL = %q, want %q", client.baseURL, "http://localhost:3100")
	}
	if client.username != "user" {
		t.Errorf("username = %q, want %q", client.username, "user")
	}
	if client.lookback != DefaultLookback {
		t.Errorf("lookback = %v, want %v", client.lookback, DefaultLookback)
	}
}

func TestAppendHistory_MockServer(t *testing.T) {
	var receivedBody []byte
	var receivedHeaders http.Header
	var receivedPath string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedPath = r.URL.Path
		receivedHeaders = r.Header
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "")

	ts := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	entry := types.HistoryEntry{
		ID:             "e1",
		BusID:          "B1",
		DriverID:       "D1",
		OrganizationID: "org-a",
		Latitude:       12.97,
		Longitude:      77.59,
		Speed:          22,
		Timestamp:      ts,
	}

	if err := client.AppendHistory(context.Background(), entry); err != nil {
		t.Fatalf("AppendHistory failed: %v", err)
	}

	if receivedPath != "/loki/api/v1/push" {
		t.Errorf("Expected path /loki/api/v1/push, got %s", receivedPath)
	}
	if ct := receivedHeaders.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected Content-Type application/json, got %s", ct)
	}
	if receivedHeaders.Get("Authorization") != "" {
		t.Error("Expected no Authorization header when credentials are empty")
	}

	var pushReq PushRequest
	if err := json.Unmarshal(receivedBody, &pushReq); err != nil {
		t.Fatalf("Failed to unmarshal request body: %v", err)
	}
	if len(pushReq.Streams) != 1 {
		t.Fatalf("Expected 1 stream, got %d", len(pushReq.Streams))
	}

	stream := pushReq.Streams[0]
	if stream.Stream["job"] != "bustracker" {
		t.Errorf("job label = %q, want bustracker", stream.Stream["job"])
	}
	if stream.Stream["bus_id"] != "B1" {
		t.Errorf("bus_id label = %q, want B1", stream.Stream["bus_id"])
	}
	if stream.Stream["organization_id"] != "org-a" {
		t.Errorf("organization_id label = %q, want org-a", stream.Stream["organization_id"])
	}
	if len(stream.Values) != 1 {
		t.Fatalf("Expected 1 value, got %d", len(stream.Values))
	}
	if stream.Values[0][0] != "1705314600000000000" {
		t.Errorf("timestamp = %s, want fix time in ns", stream.Values[0][0])
	}

	var line types.HistoryEntry
	if err := json.Unmarshal([]byte(stream.Values[0][1]), &line); err != nil {
		t.Fatalf("Log line is not a history entry: %v", err)
	}
	if line.DriverID != "D1" || line.Latitude != 12.97 {
		t.Errorf("Log line = %+v, want driver D1 at 12.97", line)
	}
}

func TestAppendHistory_BasicAuth(t *testing.T) {
	var user, pass string
	var ok bool

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok = r.BasicAuth()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewClient(server.URL, "123456", "token")
	if err := client.AppendHistory(context.Background(), types.HistoryEntry{BusID: "B1"}); err != nil {
		t.Fatalf("AppendHistory failed: %v", err)
	}

	if !ok || user != "123456" || pass != "token" {
		t.Errorf("BasicAuth = (%q, %q, %v), want (123456, token, true)", user, pass, ok)
	}
}

func TestAppendHistory_ServerError(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
	}{
		{"bad request", http.StatusBadRequest},
		{"rate limited", http.StatusTooManyRequests},
		{"internal error", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
			}))
			defer server.Close()

			client := NewClient(server.URL, "", "")
			err := client.AppendHistory(context.Background(), types.HistoryEntry{BusID: "B1"})
			if err == nil {
				t.Fatal("Expected error for non-2xx status")
			}
			if !strings.Contains(err.Error(), "status") {
				t.Errorf("Error should mention status, got %v", err)
			}
		})
	}
}

func TestQueryHistory_MockServer(t *testing.T) {
	var receivedQuery, receivedLimit, receivedPath string

	older := types.HistoryEntry{ID: "e1", BusID: "B1", Latitude: 12.97, Timestamp: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)}
	newer := types.HistoryEntry{ID: "e2", BusID: "B1", Latitude: 12.98, Timestamp: time.Date(2024, 1, 15, 10, 1, 0, 0, time.UTC)}
	olderLine, _ := json.Marshal(older)
	newerLine, _ := json.Marshal(newer)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedPath = r.URL.Path
		receivedQuery = r.URL.Query().Get("query")
		receivedLimit = r.URL.Query().Get("limit")

		// Loki returns backward direction: newest first
		resp := map[string]interface{}{
			"status": "success",
			"data": map[string]interface{}{
				"resultType": "streams",
				"result": []map[string]interface{}{
					{
						"stream": map[string]string{"job": "bustracker", "bus_id": "B1"},
						"values": [][]string{
							{"1705312860000000000", string(newerLine)},
							{"1705312800000000000", string(olderLine)},
							{"1705312700000000000", "not json"},
						},
					},
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "")
	entries, err := client.QueryHistory(context.Background(), history.Query{BusID: "B1", Limit: 50})
	if err != nil {
		t.Fatalf("QueryHistory failed: %v", err)
	}

	if receivedPath != "/loki/api/v1/query_range" {
		t.Errorf("Expected path /loki/api/v1/query_range, got %s", receivedPath)
	}
	if receivedQuery != `{job="bustracker", bus_id="B1"}` {
		t.Errorf("query = %s", receivedQuery)
	}
	if receivedLimit != "50" {
		t.Errorf("limit = %s, want 50", receivedLimit)
	}

	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].ID != "e1" || entries[1].ID != "e2" {
		t.Errorf("Expected ascending order [e1 e2], got [%s %s]", entries[0].ID, entries[1].ID)
	}
}

func TestQueryHistory_InvalidQuery(t *testing.T) {
	client := NewClient("http://localhost:3100", "", "")
	if _, err := client.QueryHistory(context.Background(), history.Query{}); !errors.Is(err, history.ErrInvalidQuery) {
		t.Errorf("Expected ErrInvalidQuery, got %v", err)
	}
}

func TestBuildQuery(t *testing.T) {
	tests := []struct {
		name     string
		query    history.Query
		expected string
	}{
		{"by bus", history.Query{BusID: "B1"}, `{job="bustracker", bus_id="B1"}`},
		{"by driver", history.Query{DriverID: "D1"}, `{job="bustracker"} | json | driver_id="D1"`},
		{"quotes escaped", history.Query{BusID: `B"1`}, `{job="bustracker", bus_id="B\"1"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildQuery(tt.query); got != tt.expected {
				t.Errorf("BuildQuery() = %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestClient_ImplementsStore(t *testing.T) {
	var _ history.Store = NewClient("http://localhost:3100", "", "")
}
