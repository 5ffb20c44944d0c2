// Package identity turns bearer tokens into actors.
//
// Tokens are HS256 JWTs issued by the match platform. The subject is the
// actor id, team_id binds a player to one side of a match and role grants
// player or admin rights. A request without a token is an anonymous viewer.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mcdev12/veto/go/internal/models"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims is the token payload.
type Claims struct {
	TeamID string      `json:"team_id,omitempty"`
	Role   models.Role `json:"role"`
	jwt.RegisteredClaims
}

// Resolver verifies tokens signed with a shared secret.
type Resolver struct {
	secret []byte
	issuer string
	now    func() time.Time
}

type Option func(*Resolver)

// WithIssuer requires the iss claim to match.
func WithIssuer(issuer string) Option {
	return func(r *Resolver) { r.issuer = issuer }
}

// WithTimeFunc replaces the clock used to check expiry.
func WithTimeFunc(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

func NewResolver(secret string, opts ...Option) *Resolver {
	r := &Resolver{secret: []byte(secret), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the actor for token. An empty token is anonymous.
func (r *Resolver) Resolve(_ context.Context, token string) (models.Actor, error) {
	if token == "" {
		return models.Anonymous, nil
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(r.now),
		jwt.WithExpirationRequired(),
	}
	if r.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(r.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return r.secret, nil
	}, parserOpts...)
	if err != nil {
		return models.Actor{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if claims.Subject == "" {
		return models.Actor{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	switch claims.Role {
	case models.RolePlayer:
		if claims.TeamID == "" {
			return models.Actor{}, fmt.Errorf("%w: player token without team_id", ErrInvalidToken)
		}
	case models.RoleAdmin, models.RoleViewer:
	case "":
		claims.Role = models.RoleViewer
	default:
		return models.Actor{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}

	return models.Actor{ID: claims.Subject, TeamID: claims.TeamID, Role: claims.Role}, nil
}

// Issue signs a token for actor. Used by tooling and tests; production
// tokens come from the match platform.
func (r *Resolver) Issue(actor models.Actor, ttl time.Duration) (string, error) {
	now := r.now()
	claims := Claims{
		TeamID: actor.TeamID,
		Role:   actor.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    r.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
