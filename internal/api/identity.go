package api

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"labreserve/internal/config"
	"labreserve/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc/metadata"
)

const (
	headerUserID = "x-user-id"
	headerRole   = "x-user-role"
)

var errUnauthenticated = errors.New("missing or invalid caller identity")

type identityKey struct{}

func withIdentity(ctx context.Context, id models.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the caller identity resolved by the transport.
func IdentityFrom(ctx context.Context) (models.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(models.Identity)
	return id, ok
}

// IdentityClaims are the JWT claims carrying the caller identity.
type IdentityClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// IdentityResolver extracts the caller from a bearer token, or from trusted gateway
// headers when JWT is disabled.
type IdentityResolver struct {
	cfg config.JWTConfig
}

func NewIdentityResolver(cfg config.JWTConfig) *IdentityResolver {
	return &IdentityResolver{cfg: cfg}
}

// Resolve reads the identity from an Authorization value and the gateway header getter.
func (r *IdentityResolver) Resolve(authorization string, header func(string) string) (models.Identity, error) {
	if r.cfg.Enabled {
		raw, ok := strings.CutPrefix(strings.TrimSpace(authorization), "Bearer ")
		if !ok || raw == "" {
			return models.Identity{}, fmt.Errorf("%w: missing bearer token", errUnauthenticated)
		}
		return r.parseToken(raw)
	}

	userID, err := strconv.ParseInt(strings.TrimSpace(header(headerUserID)), 10, 64)
	if err != nil || userID <= 0 {
		return models.Identity{}, fmt.Errorf("%w: %s header required", errUnauthenticated, headerUserID)
	}
	role := models.RoleStudent
	if raw := header(headerRole); raw != "" {
		if role, err = models.ParseRole(raw); err != nil {
			return models.Identity{}, fmt.Errorf("%w: %v", errUnauthenticated, err)
		}
	}
	return models.Identity{UserID: userID, Role: role}, nil
}

// ResolveMetadata reads the identity from gRPC metadata.
func (r *IdentityResolver) ResolveMetadata(md metadata.MD) (models.Identity, error) {
	return r.Resolve(firstValue(md, "authorization"), func(key string) string {
		return firstValue(md, key)
	})
}

func (r *IdentityResolver) parseToken(raw string) (models.Identity, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if r.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.cfg.Issuer))
	}

	var claims IdentityClaims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(r.cfg.Secret), nil
	}, opts...)
	if err != nil || !tok.Valid {
		return models.Identity{}, fmt.Errorf("%w: invalid token", errUnauthenticated)
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return models.Identity{}, fmt.Errorf("%w: invalid subject", errUnauthenticated)
	}
	role, err := models.ParseRole(claims.Role)
	if err != nil {
		return models.Identity{}, fmt.Errorf("%w: %v", errUnauthenticated, err)
	}
	return models.Identity{UserID: userID, Role: role}, nil
}

// IssueToken signs an HS256 identity token valid for ttl.
func IssueToken(cfg config.JWTConfig, id models.Identity, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := IdentityClaims{
		Role: string(id.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(id.UserID, 10),
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
}
