package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"bustracker/pkg/fleet"
	"bustracker/pkg/marker"
	"bustracker/pkg/registry"
	"bustracker/pkg/tracking"
	"bustracker/pkg/types"

	"github.com/gin-gonic/gin"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// handleGetLocation returns the current location of one bus
// GET /api/v1/buses/:busId/location
func (s *Server) handleGetLocation(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
	defer cancel()

	loc, err := s.deps.Locator.GetCurrentLocation(ctx, c.Param("busId"), tracking.Public())
	if err != nil {
		writeError(c, err)
		return
	}
	if loc == nil {
		c.JSON(http.StatusNotFound, gin.H{"status": "offline", "data": nil})
		return
	}

	status := "online"
	if !loc.IsOnline {
		status = "offline"
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "data": loc})
}

// handleListLocations returns the admin's fleet with online counts
// GET /api/v1/locations
func (s *Server) handleListLocations(c *gin.Context) {
	identity := identityFrom(c)

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
	defer cancel()

	locations, err := s.deps.Locator.GetAllLocations(ctx, tracking.OrganizationScope(identity))
	if err != nil {
		writeError(c, err)
		return
	}

	counts := fleet.Count(identity.OrganizationID(), locations, time.Now().UTC())
	c.JSON(http.StatusOK, gin.H{
		"data": locations,
		"meta": gin.H{
			"count":   counts.Total,
			"online":  counts.Online,
			"offline": counts.Offline,
		},
	})
}

// handleLocationsGeoJSON returns the admin's fleet as a FeatureCollection
// GET /api/v1/locations.geojson
func (s *Server) handleLocationsGeoJSON(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
	defer cancel()

	locations, err := s.deps.Locator.GetAllLocations(ctx, tracking.OrganizationScope(identityFrom(c)))
	if err != nil {
		writeError(c, err)
		return
	}

	data, err := FeatureCollection(locations).MarshalJSON()
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/geo+json", data)
}

// FeatureCollection renders tagged locations as GeoJSON points.
func FeatureCollection(locations []types.TaggedLocation) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, loc := range locations {
		f := geojson.NewFeature(orb.Point{loc.Longitude, loc.Latitude})
		f.ID = loc.BusID
		f.Properties["bus_id"] = loc.BusID
		f.Properties["bus_number"] = loc.BusNumber
		f.Properties["is_online"] = loc.IsOnline
		f.Properties["seconds_since_update"] = loc.SecondsSinceUpdate
		f.Properties["speed"] = loc.Speed
		if loc.Heading != nil {
			f.Properties["heading"] = *loc.Heading
		}
		if loc.BusName != "" {
			f.Properties["bus_name"] = loc.BusName
		}
		f.Properties["updated_at"] = loc.UpdatedAt
		fc.Append(f)
	}
	return fc
}

// handleMarker renders the map marker of one bus. A bus that never reported
// gets an offline marker.
// GET /api/v1/buses/:busId/marker.svg[?format=datauri]
func (s *Server) handleMarker(c *gin.Context) {
	loc, ok := s.markerLocation(c)
	if !ok {
		return
	}

	svg := s.deps.Markers.SVG(marker.FromLocation(loc))
	if c.Query("format") == "datauri" {
		c.JSON(http.StatusOK, gin.H{"data": marker.DataURI(svg)})
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, marker.ContentType, svg)
}

// handleBadge renders the status badge of one bus
// GET /api/v1/buses/:busId/badge.svg
func (s *Server) handleBadge(c *gin.Context) {
	loc, ok := s.markerLocation(c)
	if !ok {
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, marker.ContentType, s.deps.Markers.Badge(loc))
}

func (s *Server) markerLocation(c *gin.Context) (types.TaggedLocation, bool) {
	busID := c.Param("busId")

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
	defer cancel()

	loc, err := s.deps.Locator.GetCurrentLocation(ctx, busID, tracking.Public())
	if err != nil {
		writeError(c, err)
		return types.TaggedLocation{}, false
	}
	if loc != nil {
		return *loc, true
	}

	bus, err := s.deps.Registry.Bus(ctx, busID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "bus not found"})
			return types.TaggedLocation{}, false
		}
		writeError(c, err)
		return types.TaggedLocation{}, false
	}
	return types.TaggedLocation{
		LocationRecord:     types.LocationRecord{BusID: bus.ID, BusNumber: bus.Number, BusName: bus.Name, OrganizationID: bus.OrganizationID},
		SecondsSinceUpdate: -1,
	}, true
}
