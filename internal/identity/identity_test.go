package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

func newTestContext(t *testing.T) echo.Context {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/chat/stream", nil)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec)
}

func TestResolveFromJWTClaims(t *testing.T) {
	t.Parallel()

	secret := "test-secret"
	signed, _, err := GenerateToken("user-42", true, secret, time.Hour)
	assert.NoError(t, err)

	token, err := jwt.Parse(signed, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	assert.NoError(t, err)

	c := newTestContext(t)
	c.Set("user", token)

	id, err := NewResolver().Resolve(c)
	assert.NoError(t, err)
	assert.Equal(t, "user-42", id.UserID)
	assert.True(t, id.Entitled)
	assert.True(t, id.IsAuthenticated())
	assert.Equal(t, "user:user-42", id.Key())
}

func TestResolveFromSessionHeader(t *testing.T) {
	t.Parallel()

	c := newTestContext(t)
	c.Request().Header.Set(SessionHeader, "raw-session-token")

	id, err := NewResolver().Resolve(c)
	assert.NoError(t, err)
	assert.False(t, id.IsAuthenticated())
	assert.Equal(t, HashSessionToken("raw-session-token"), id.AnonHash)
	assert.NotContains(t, id.Key(), "raw-session-token")
}

func TestResolveNoIdentity(t *testing.T) {
	t.Parallel()

	_, err := NewResolver().Resolve(newTestContext(t))
	assert.ErrorIs(t, err, ErrNoIdentity)
}

func TestResolveCachesOnContext(t *testing.T) {
	t.Parallel()

	c := newTestContext(t)
	c.Request().Header.Set(SessionHeader, "tok")
	r := NewResolver()

	first, err := r.Resolve(c)
	assert.NoError(t, err)

	// Header changes after the first resolution must not change the
	// cached identity.
	c.Request().Header.Set(SessionHeader, "other")
	second, err := r.Resolve(c)
	assert.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestHashSessionTokenStable(t *testing.T) {
	t.Parallel()

	a := HashSessionToken("token-1")
	assert.Equal(t, a, HashSessionToken("  token-1  "))
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, HashSessionToken("token-2"))
}

func TestGenerateTokenValidation(t *testing.T) {
	t.Parallel()

	if _, _, err := GenerateToken("", false, "s", time.Hour); err == nil {
		t.Fatalf("empty user id must fail")
	}
	if _, _, err := GenerateToken("u", false, "", time.Hour); err == nil {
		t.Fatalf("empty secret must fail")
	}
	if _, _, err := GenerateToken("u", false, "s", 0); err == nil {
		t.Fatalf("non-positive lifetime must fail")
	}
}
