// Package tracking is the read path over the location cache. Every record
// it returns carries liveness computed at read time.
package tracking

import (
	"context"
	"fmt"

	"bustracker/pkg/auth"
	"bustracker/pkg/cache"
	"bustracker/pkg/liveness"
	"bustracker/pkg/otel"
	"bustracker/pkg/types"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Scope limits which organizations a reader may see. The zero Scope is the
// public scope: single buses by ID, never a fleet listing.
type Scope struct {
	organizationID string
}

// Public is the scope of an unauthenticated tracking viewer.
func Public() Scope {
	return Scope{}
}

// OrganizationScope is the scope of a verified identity.
func OrganizationScope(identity auth.Identity) Scope {
	return Scope{organizationID: identity.OrganizationID()}
}

func (s Scope) OrganizationID() string {
	return s.organizationID
}

func (s Scope) IsPublic() bool {
	return s.organizationID == ""
}

// Allows reports whether a record of organizationID is visible in s.
func (s Scope) Allows(organizationID string) bool {
	return s.IsPublic() || s.organizationID == organizationID
}

type Service struct {
	cache     cache.Cache
	evaluator *liveness.Evaluator
	tracer    trace.Tracer
}

func NewService(c cache.Cache, evaluator *liveness.Evaluator) *Service {
	return &Service{
		cache:     c,
		evaluator: evaluator,
		tracer:    otelapi.Tracer("tracking"),
	}
}

// GetCurrentLocation returns nil when the bus never reported or belongs to
// an organization outside scope. Errors are infrastructure failures.
func (s *Service) GetCurrentLocation(ctx context.Context, busID string, scope Scope) (*types.TaggedLocation, error) {
	ctx, span := s.tracer.Start(ctx, "tracking.get_current_location",
		trace.WithAttributes(attribute.String("bus_id", busID)),
	)
	defer span.End()

	record, err := s.cache.GetBusLocation(ctx, busID)
	if err != nil {
		otel.RecordError(span, err, otel.ErrorTypeCache, true)
		return nil, fmt.Errorf("failed to read location of bus %s: %w", busID, err)
	}
	if record == nil || !scope.Allows(record.OrganizationID) {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, nil
	}

	tagged := s.evaluator.Tag(*record)
	span.SetAttributes(
		attribute.Bool("found", true),
		attribute.Bool("is_online", tagged.IsOnline),
	)
	return &tagged, nil
}

// GetAllLocations returns every bus of the scope's organization, tagged at
// one instant.
func (s *Service) GetAllLocations(ctx context.Context, scope Scope) ([]types.TaggedLocation, error) {
	if scope.IsPublic() {
		return nil, fmt.Errorf("%w: fleet listing requires an organization", auth.ErrForbidden)
	}

	ctx, span := s.tracer.Start(ctx, "tracking.get_all_locations",
		trace.WithAttributes(attribute.String("organization_id", scope.OrganizationID())),
	)
	defer span.End()

	records, err := s.cache.GetAllBusLocations(ctx)
	if err != nil {
		otel.RecordError(span, err, otel.ErrorTypeCache, true)
		return nil, fmt.Errorf("failed to read fleet locations: %w", err)
	}

	tagged := s.evaluator.TagAll(FilterOrganization(records, scope.OrganizationID()))
	span.SetAttributes(attribute.Int("buses", len(tagged)))
	return tagged, nil
}

// FilterOrganization keeps the records belonging to organizationID.
func FilterOrganization(records []types.LocationRecord, organizationID string) []types.LocationRecord {
	out := make([]types.LocationRecord, 0, len(records))
	for _, r := range records {
		if r.OrganizationID == organizationID {
			out = append(out, r)
		}
	}
	return out
}
