package history

import (
	"time"

	"bustracker/pkg/types"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// maxJumpMeters discards hops that imply a GPS glitch rather than travel.
const maxJumpMeters = 5000

// Summary describes a trip reconstructed from history entries.
type Summary struct {
	Points          int        `json:"points"`
	DistanceMeters  float64    `json:"distance_meters"`
	DurationSeconds int64      `json:"duration_seconds"`
	MaxSpeedKmh     float64    `json:"max_speed_kmh"`
	AvgSpeedKmh     float64    `json:"avg_speed_kmh"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
}

// Summarize walks entries in timestamp order and totals the distance.
// AvgSpeedKmh is distance over elapsed time, not the mean of reported speeds.
func Summarize(entries []types.HistoryEntry) Summary {
	s := Summary{Points: len(entries)}
	if len(entries) == 0 {
		return s
	}

	start := entries[0].Timestamp
	end := entries[len(entries)-1].Timestamp
	s.StartedAt = &start
	s.EndedAt = &end
	s.DurationSeconds = int64(end.Sub(start) / time.Second)

	var prev orb.Point
	for i, entry := range entries {
		if entry.Speed > s.MaxSpeedKmh {
			s.MaxSpeedKmh = entry.Speed
		}
		point := orb.Point{entry.Longitude, entry.Latitude}
		if i > 0 {
			if hop := geo.DistanceHaversine(prev, point); hop <= maxJumpMeters {
				s.DistanceMeters += hop
			}
		}
		prev = point
	}

	if s.DurationSeconds > 0 {
		s.AvgSpeedKmh = (s.DistanceMeters / 1000) / (float64(s.DurationSeconds) / 3600)
	}
	return s
}
