package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"bustracker/pkg/auth"
	"bustracker/pkg/history"
	"bustracker/pkg/registry"
	"bustracker/pkg/types"

	"github.com/gin-gonic/gin"
)

// handleHistory returns the recorded trail of one bus, oldest first
// GET /api/v1/buses/:busId/history?limit=
func (s *Server) handleHistory(c *gin.Context) {
	entries, ok := s.queryHistory(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data": entries,
		"meta": gin.H{"count": len(entries)},
	})
}

// handleHistorySummary returns distance and speed totals over the trail
// GET /api/v1/buses/:busId/history/summary?limit=
func (s *Server) handleHistorySummary(c *gin.Context) {
	entries, ok := s.queryHistory(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": history.Summarize(entries)})
}

func (s *Server) queryHistory(c *gin.Context) ([]types.HistoryEntry, bool) {
	busID := c.Param("busId")
	identity := identityFrom(c)

	limit := history.DefaultLimit
	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed <= 0 {
			badRequest(c, "invalid limit")
			return nil, false
		}
		limit = parsed
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
	defer cancel()

	bus, err := s.deps.Registry.Bus(ctx, busID)
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		writeError(c, err)
		return nil, false
	}
	// Another tenant's bus looks exactly like an unknown one.
	if err != nil || bus.OrganizationID != identity.OrganizationID() {
		c.JSON(http.StatusNotFound, gin.H{"error": "bus not found"})
		return nil, false
	}
	if identity.Role() == auth.RoleDriver && identity.BusID() != busID {
		writeError(c, fmt.Errorf("%w: drivers may only read their own bus", auth.ErrForbidden))
		return nil, false
	}

	entries, err := s.deps.History.QueryHistory(ctx, history.Query{BusID: busID, Limit: limit})
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	return entries, true
}
