package server

import (
	"context"
	"net/http"
	"time"

	"bustracker/pkg/pipeline"
	"bustracker/pkg/types"

	"github.com/gin-gonic/gin"
)

type fixRequest struct {
	APIKey    string     `json:"apiKey"`
	Latitude  *float64   `json:"lat"`
	Longitude *float64   `json:"lon"`
	Speed     *float64   `json:"speed"`
	Accuracy  *float64   `json:"accuracy"`
	Heading   *float64   `json:"heading"`
	Timestamp *time.Time `json:"timestamp"`
}

func (r fixRequest) fix() (types.Fix, error) {
	if r.Latitude == nil {
		return types.Fix{}, &pipeline.ValidationError{Field: "lat", Reason: "is required"}
	}
	if r.Longitude == nil {
		return types.Fix{}, &pipeline.ValidationError{Field: "lon", Reason: "is required"}
	}
	return types.Fix{
		Latitude:  *r.Latitude,
		Longitude: *r.Longitude,
		Speed:     r.Speed,
		Accuracy:  r.Accuracy,
		Heading:   r.Heading,
		Timestamp: r.Timestamp,
	}, nil
}

// handleDeviceFix accepts a fix from a hardware device.
// POST /api/v1/gps/device
func (s *Server) handleDeviceFix(c *gin.Context) {
	var req fixRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}

	apiKey := c.GetHeader("X-API-Key")
	if apiKey == "" {
		apiKey = req.APIKey
	}
	if apiKey == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "api key is required"})
		return
	}

	fix, err := req.fix()
	if err != nil {
		writeError(c, err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
	defer cancel()

	result, err := s.deps.Ingester.IngestDevice(ctx, apiKey, fix)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

// handleDriverFix accepts a fix from a driver session for the assigned bus.
// POST /api/v1/gps/driver
func (s *Server) handleDriverFix(c *gin.Context) {
	var req fixRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}

	fix, err := req.fix()
	if err != nil {
		writeError(c, err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
	defer cancel()

	result, err := s.deps.Ingester.IngestDriver(ctx, identityFrom(c), fix)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}
