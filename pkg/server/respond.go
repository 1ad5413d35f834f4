package server

import (
	"errors"
	"log/slog"
	"net/http"

	"bustracker/pkg/auth"
	"bustracker/pkg/cache"
	"bustracker/pkg/history"
	"bustracker/pkg/pipeline"
	"bustracker/pkg/registry"

	"github.com/gin-gonic/gin"
)

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var verr *pipeline.ValidationError
	switch {
	case errors.As(err, &verr), errors.Is(err, history.ErrInvalidQuery):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrStaleFix):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrThrottled):
		return http.StatusTooManyRequests
	case errors.Is(err, cache.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(c *gin.Context, err error) (int, gin.H) {
	status := statusFor(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "path", c.FullPath(), "error", err)
		message = http.StatusText(status)
	}

	body := gin.H{"error": message}
	var verr *pipeline.ValidationError
	if errors.As(err, &verr) {
		body["field"] = verr.Field
	}
	return status, body
}

func writeError(c *gin.Context, err error) {
	c.JSON(errorBody(c, err))
}

func abortWithError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(errorBody(c, err))
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": message})
}
