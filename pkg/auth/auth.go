// Package auth verifies session credentials and exposes the claims the
// pipeline trusts.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnauthorized means the credential is missing, malformed or expired.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden means the identity is valid but lacks the required role or scope.
	ErrForbidden = errors.New("forbidden")
)

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleDriver  Role = "driver"
	RoleStudent Role = "student"
)

// Identity is a verified set of claims. Its fields are unexported so the
// only way to obtain one with an organization is through a Verifier.
type Identity struct {
	subject        string
	organizationID string
	role           Role
	busID          string
}

func (i Identity) Subject() string        { return i.subject }
func (i Identity) OrganizationID() string { return i.organizationID }
func (i Identity) Role() Role             { return i.role }
func (i Identity) BusID() string          { return i.busID }

// IsZero reports whether the identity was never verified.
func (i Identity) IsZero() bool {
	return i.organizationID == "" && i.subject == ""
}

// Require returns ErrForbidden unless the identity holds one of roles.
func (i Identity) Require(roles ...Role) error {
	for _, r := range roles {
		if i.role == r {
			return nil
		}
	}
	return fmt.Errorf("%w: role %q not allowed", ErrForbidden, i.role)
}

// Verifier turns a bearer credential into an Identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// Claims is the JWT payload issued by the surrounding application.
type Claims struct {
	OrganizationID string `json:"organizationId"`
	Role           Role   `json:"role"`
	BusID          string `json:"busId,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewJWTVerifier(secret string) (*JWTVerifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	return &JWTVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(5*time.Second),
		),
	}, nil
}

func (v *JWTVerifier) Verify(_ context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return Identity{}, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}

	var claims Claims
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return identityFromClaims(claims.Subject, claims.OrganizationID, claims.Role, claims.BusID)
}

// Sign issues a token for the given claims. Used by tooling and tests.
func (v *JWTVerifier) Sign(subject, organizationID string, role Role, busID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		OrganizationID: organizationID,
		Role:           role,
		BusID:          busID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

func identityFromClaims(subject, organizationID string, role Role, busID string) (Identity, error) {
	if organizationID == "" {
		return Identity{}, fmt.Errorf("%w: token has no organization", ErrUnauthorized)
	}
	switch role {
	case RoleAdmin, RoleDriver, RoleStudent:
	default:
		return Identity{}, fmt.Errorf("%w: unknown role %q", ErrUnauthorized, role)
	}
	return Identity{
		subject:        subject,
		organizationID: organizationID,
		role:           role,
		busID:          busID,
	}, nil
}

// StaticClaims describes one token accepted by a StaticVerifier.
type StaticClaims struct {
	Subject        string
	OrganizationID string
	Role           Role
	BusID          string
}

// StaticVerifier accepts a fixed set of opaque tokens. Local development only.
type StaticVerifier map[string]StaticClaims

func (v StaticVerifier) Verify(_ context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	claims, ok := v[token]
	if !ok {
		return Identity{}, fmt.Errorf("%w: unknown token", ErrUnauthorized)
	}
	return identityFromClaims(claims.Subject, claims.OrganizationID, claims.Role, claims.BusID)
}
