package types

import "time"

// Source identifies the trust boundary a fix arrived through.
type Source string

const (
	SourceDevice  Source = "device"
	SourceDriver  Source = "driver"
	SourceFeed    Source = "feed"
	SourceGateway Source = "gateway"
)

// LocationRecord is the latest known position of one bus. The cache holds
// at most one record per BusID and overwrites it in place.
type LocationRecord struct {
	BusID          string     `json:"bus_id"`
	BusNumber      string     `json:"bus_number"`
	BusName        string     `json:"bus_name,omitempty"`
	Latitude       float64    `json:"latitude"`
	Longitude      float64    `json:"longitude"`
	Speed          float64    `json:"speed"`              // km/h
	Heading        *float64   `json:"heading,omitempty"`  // degrees, [0,360)
	Accuracy       *float64   `json:"accuracy,omitempty"` // meters
	DriverID       string     `json:"driver_id,omitempty"`
	DriverName     string     `json:"driver_name,omitempty"`
	DriverPhone    string     `json:"driver_phone,omitempty"`
	OrganizationID string     `json:"organization_id"`
	Source         Source     `json:"source,omitempty"`
	RecordedAt     *time.Time `json:"recorded_at,omitempty"` // device clock, if reported
	UpdatedAt      time.Time  `json:"updated_at"`            // server receipt time
}

// TaggedLocation is a LocationRecord as seen by readers, with liveness
// computed at read time.
type TaggedLocation struct {
	LocationRecord
	IsOnline           bool  `json:"is_online"`
	SecondsSinceUpdate int64 `json:"seconds_since_update"`
}

// Fix is one GPS reading as submitted by a device or a driver.
type Fix struct {
	Latitude  float64    `json:"lat"`
	Longitude float64    `json:"lon"`
	Speed     *float64   `json:"speed,omitempty"`
	Accuracy  *float64   `json:"accuracy,omitempty"`
	Heading   *float64   `json:"heading,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// HistoryEntry is an immutable audit row written for every accepted fix.
type HistoryEntry struct {
	ID             string    `json:"id"`
	BusID          string    `json:"bus_id"`
	DriverID       string    `json:"driver_id,omitempty"`
	OrganizationID string    `json:"organization_id"`
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	Speed          float64   `json:"speed"`
	Accuracy       *float64  `json:"accuracy,omitempty"`
	Heading        *float64  `json:"heading,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Stop is a point along a bus route, ordered by Order.
type Stop struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Order     int     `json:"order"`
}

// ETA status values
const (
	ETAStatusOK          = "ok"
	ETAStatusArrived     = "arrived"
	ETAStatusPassed      = "passed"
	ETAStatusUnavailable = "unavailable"
)

// ETA confidence qualifiers
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
	ConfidenceStale  = "stale"
)

// ETAResult is the prediction for one destination or one route stop.
type ETAResult struct {
	StopID         string     `json:"stop_id,omitempty"`
	StopName       string     `json:"stop_name,omitempty"`
	StopOrder      int        `json:"stop_order,omitempty"`
	Available      bool       `json:"available"`
	Status         string     `json:"status"`
	Confidence     string     `json:"confidence,omitempty"`
	DistanceMeters float64    `json:"distance_meters"`
	ETASeconds     int64      `json:"eta_seconds"`
	ArrivalTime    *time.Time `json:"arrival_time,omitempty"`
	Reason         string     `json:"reason,omitempty"`
}

// Float64 returns a pointer to v.
func Float64(v float64) *float64 {
	return &v
}
