package feed

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/clbanning/mxj/v2"
	"go.opentelemetry.io/otel/attribute"
)

const activityPath = "Siri.ServiceDelivery.VehicleMonitoringDelivery.VehicleActivity"

// VehicleActivity is the part of a SIRI-VM activity the bridge needs.
type VehicleActivity struct {
	VehicleRef      string
	LineRef         string
	DirectionRef    string
	OperatorRef     string
	DestinationName string
	Latitude        float64
	Longitude       float64
	// Bearing in degrees, if reported.
	Bearing *float64
	// Velocity in m/s, if reported.
	Velocity   *float64
	RecordedAt time.Time
}

// ParseVehicleActivities extracts vehicle activities from a SIRI-VM document.
// Activities without a vehicle reference are skipped.
func (c *Client) ParseVehicleActivities(ctx context.Context, xmlData []byte) ([]VehicleActivity, error) {
	_, span := c.tracer.Start(ctx, "siri.parse")
	defer span.End()

	m, err := mxj.NewMapXml(xmlData)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to parse XML: %w", err)
	}

	// ValuesForPath flattens a single VehicleActivity and a list alike.
	values, err := m.ValuesForPath(activityPath)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to extract vehicle activities: %w", err)
	}

	vehicles := make([]VehicleActivity, 0, len(values))
	for _, v := range values {
		activity, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		if vehicle, ok := parseVehicleActivity(activity); ok {
			vehicles = append(vehicles, vehicle)
		}
	}

	span.SetAttributes(attribute.Int("vehicles_count", len(vehicles)))
	return vehicles, nil
}

func parseVehicleActivity(activity map[string]interface{}) (VehicleActivity, bool) {
	var vehicle VehicleActivity

	if rat, ok := activity["RecordedAtTime"].(string); ok {
		if t, err := time.Parse(time.RFC3339, strings.TrimSpace(rat)); err == nil {
			vehicle.RecordedAt = t.UTC()
		}
	}

	mvj, ok := activity["MonitoredVehicleJourney"].(map[string]interface{})
	if !ok {
		return vehicle, false
	}

	vehicle.LineRef = text(mvj, "LineRef")
	vehicle.DirectionRef = text(mvj, "DirectionRef")
	vehicle.OperatorRef = text(mvj, "OperatorRef")
	vehicle.DestinationName = formatStopName(text(mvj, "DestinationName"))
	vehicle.VehicleRef = text(mvj, "VehicleRef")

	if vehicle.VehicleRef == "" {
		if fvjr, ok := mvj["FramedVehicleJourneyRef"].(map[string]interface{}); ok {
			vehicle.VehicleRef = text(fvjr, "DatedVehicleJourneyRef")
		}
	}
	if vehicle.VehicleRef == "" {
		return vehicle, false
	}

	if location, ok := mvj["VehicleLocation"].(map[string]interface{}); ok {
		if f, ok := number(location, "Longitude"); ok {
			vehicle.Longitude = f
		}
		if f, ok := number(location, "Latitude"); ok {
			vehicle.Latitude = f
		}
	}

	// Bearing and Velocity sit on the journey in SIRI 2.0 and on the
	// location in some producers.
	for _, source := range []map[string]interface{}{mvj, asMap(mvj["VehicleLocation"])} {
		if f, ok := number(source, "Bearing"); ok && vehicle.Bearing == nil {
			vehicle.Bearing = &f
		}
		if f, ok := number(source, "Velocity"); ok && vehicle.Velocity == nil {
			vehicle.Velocity = &f
		}
	}

	return vehicle, true
}

func asMap(v interface{}) map[string]interface{} {
	m, _ := v.(map[string]interface{})
	return m
}

// text returns a child element's text, also when the element carries
// attributes and mxj stored its text under "#text".
func text(m map[string]interface{}, key string) string {
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]interface{}:
		if s, ok := v["#text"].(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func number(m map[string]interface{}, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	s := text(m, key)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// formatStopName cleans up stop names from BODS format:
// "Lyde_Green__Science_Park" becomes "Lyde Green - Science Park".
func formatStopName(name string) string {
	formatted := strings.ReplaceAll(name, "__", " - ")
	return strings.ReplaceAll(formatted, "_", " ")
}
