// Package identity resolves the caller of a request to an authenticated
// user or an anonymous session.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

const (
	// SessionHeader carries the anonymous session token for guests.
	SessionHeader = "X-Session-Token"

	contextKey = "parlor_identity"
)

var ErrNoIdentity = errors.New("no identity on request")

// Identity is the resolved caller. Exactly one of UserID / AnonHash is set.
type Identity struct {
	UserID   string
	AnonHash string
	Entitled bool
}

// IsAuthenticated reports whether the caller carries a user identity.
func (i Identity) IsAuthenticated() bool {
	return i.UserID != ""
}

// Key returns a stable limiter/ownership key for the identity.
func (i Identity) Key() string {
	if i.UserID != "" {
		return "user:" + i.UserID
	}
	return "anon:" + i.AnonHash
}

// Resolver resolves and caches the caller identity per request.
type Resolver struct{}

func NewResolver() *Resolver { return &Resolver{} }

// Resolve returns the caller identity, preferring JWT claims and falling
// back to the anonymous session header. The result is cached on the echo
// context so repeated calls within one request cost nothing.
func (r *Resolver) Resolve(c echo.Context) (Identity, error) {
	if cached, ok := c.Get(contextKey).(Identity); ok {
		return cached, nil
	}

	id, err := resolve(c)
	if err != nil {
		return Identity{}, err
	}
	c.Set(contextKey, id)
	return id, nil
}

func resolve(c echo.Context) (Identity, error) {
	if token, ok := c.Get("user").(*jwt.Token); ok && token != nil && token.Valid {
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			return Identity{}, fmt.Errorf("invalid token claims")
		}
		userID := claimString(claims, "user_id")
		if userID == "" {
			userID = claimString(claims, "sub")
		}
		if userID == "" {
			return Identity{}, fmt.Errorf("user id missing from token")
		}
		return Identity{
			UserID:   userID,
			Entitled: claimBool(claims, "entitled"),
		}, nil
	}

	sessionToken := strings.TrimSpace(c.Request().Header.Get(SessionHeader))
	if sessionToken == "" {
		return Identity{}, ErrNoIdentity
	}
	return Identity{AnonHash: HashSessionToken(sessionToken)}, nil
}

// HashSessionToken derives the stored owner hash from a raw session token.
// The raw token never reaches the database.
func HashSessionToken(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}

func claimString(claims jwt.MapClaims, key string) string {
	raw, ok := claims[key]
	if !ok || raw == nil {
		return ""
	}
	switch v := raw.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(raw)
	}
}

func claimBool(claims jwt.MapClaims, key string) bool {
	raw, ok := claims[key]
	if !ok {
		return false
	}
	v, ok := raw.(bool)
	return ok && v
}
