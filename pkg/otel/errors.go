package otel

import (
	"context"
	"errors"
	"net"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Values of the error.type span attribute.
const (
	ErrorTypeNetwork    = "network"
	ErrorTypeHTTP       = "http"
	ErrorTypeParse      = "parse"
	ErrorTypeValidation = "validation"
	ErrorTypeAuth       = "auth"
	ErrorTypeCache      = "cache"
	ErrorTypeStorage    = "storage"
	ErrorTypeMessaging  = "messaging"
)

// RecordError attaches err to span with error.type and error.transient and
// marks the span failed.
func RecordError(span trace.Span, err error, errorType string, transient bool) {
	span.RecordError(err, trace.WithAttributes(
		attribute.String("error.type", errorType),
		attribute.Bool("error.transient", transient),
	))
	span.SetStatus(codes.Error, err.Error())
}

func SetSpanOk(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// IsTransient reports whether err is a timeout or a network failure that a
// retry could clear.
func IsTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
