package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"

	"bustracker/pkg/eta"
	"bustracker/pkg/types"

	"github.com/gin-gonic/gin"
)

type etaRequest struct {
	Latitude  *float64 `json:"lat"`
	Longitude *float64 `json:"lon"`
}

type routeRequest struct {
	Stops []types.Stop `json:"stops"`
}

func validCoordinate(lat, lon float64) bool {
	return !math.IsNaN(lat) && !math.IsNaN(lon) &&
		lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// handleETA estimates arrival at one destination
// POST /api/v1/buses/:busId/eta
func (s *Server) handleETA(c *gin.Context) {
	var req etaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}
	if req.Latitude == nil || req.Longitude == nil {
		badRequest(c, "lat and lon are required")
		return
	}
	if !validCoordinate(*req.Latitude, *req.Longitude) {
		badRequest(c, "destination out of range")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
	defer cancel()

	result, err := s.deps.Predictor.PredictETA(ctx, c.Param("busId"), eta.Destination(*req.Latitude, *req.Longitude))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

// handleRouteETA estimates every stop of a route. An empty body uses the
// stops registered for the bus.
// POST /api/v1/buses/:busId/eta/route
func (s *Server) handleRouteETA(c *gin.Context) {
	busID := c.Param("busId")

	var req routeRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "invalid JSON body")
		return
	}
	for i, stop := range req.Stops {
		if !validCoordinate(stop.Latitude, stop.Longitude) {
			badRequest(c, fmt.Sprintf("stops[%d] out of range", i))
			return
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
	defer cancel()

	stops := req.Stops
	if len(stops) == 0 {
		registered, err := s.deps.Registry.Stops(ctx, busID)
		if err != nil {
			writeError(c, err)
			return
		}
		stops = registered
	}
	if len(stops) == 0 {
		c.JSON(http.StatusOK, gin.H{
			"data": []types.ETAResult{},
			"meta": gin.H{"count": 0, "reason": eta.ReasonNoStops},
		})
		return
	}

	results, err := s.deps.Predictor.PredictRouteETAs(ctx, busID, stops)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data": results,
		"meta": gin.H{"count": len(results)},
	})
}
