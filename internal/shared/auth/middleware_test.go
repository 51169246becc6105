package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autonome-sdmis/platform/internal/shared/config"
)

const testSecret = "test-secret"

func signToken(t *testing.T, claims Claims, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func validClaims() Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "11111111-2222-3333-4444-555555555555",
			Audience:  jwt.ClaimStrings{"authenticated"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Email:     "jean.dupont@sdmis.fr",
		Role:      "authenticated",
		SessionID: "sess-1",
	}
}

func TestVerify(t *testing.T) {
	v := NewVerifier(config.AuthConfig{JWTSecret: testSecret, Audience: "authenticated"})

	user, err := v.Verify(signToken(t, validClaims(), testSecret))
	require.NoError(t, err)
	assert.Equal(t, "11111111-2222-3333-4444-555555555555", user.ID.String())
	assert.Equal(t, "sess-1", user.SessionID)
	assert.Equal(t, "jean.dupont@sdmis.fr", user.Email)
}

func TestVerifyRejects(t *testing.T) {
	v := NewVerifier(config.AuthConfig{JWTSecret: testSecret, Audience: "authenticated"})

	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	wrongAud := validClaims()
	wrongAud.Audience = jwt.ClaimStrings{"service_role"}

	noExp := validClaims()
	noExp.ExpiresAt = nil

	tests := []struct {
		name  string
		token string
	}{
		{"wrong secret", signToken(t, validClaims(), "other")},
		{"expired", signToken(t, expired, testSecret)},
		{"wrong audience", signToken(t, wrongAud, testSecret)},
		{"no expiry", signToken(t, noExp, testSecret)},
		{"garbage", "not-a-token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			assert.Error(t, err)
		})
	}
}

func TestVerifyDefaultsSessionID(t *testing.T) {
	v := NewVerifier(config.AuthConfig{JWTSecret: testSecret})
	claims := validClaims()
	claims.SessionID = ""

	user, err := v.Verify(signToken(t, claims, testSecret))
	require.NoError(t, err)
	assert.Equal(t, "user:"+claims.Subject, user.SessionID)
}

func TestMiddlewareAttachesUser(t *testing.T) {
	v := NewVerifier(config.AuthConfig{JWTSecret: testSecret, Audience: "authenticated"})
	token := signToken(t, validClaims(), testSecret)

	var seen *User
	var seenToken string
	h := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetUser(r.Context())
		seenToken = GetToken(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.NotNil(t, seen)
	assert.Equal(t, "sess-1", seen.SessionID)
	assert.Equal(t, token, seenToken)
}

func TestMiddlewarePassesAnonymous(t *testing.T) {
	v := NewVerifier(config.AuthConfig{JWTSecret: testSecret})

	called := false
	h := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		assert.Nil(t, GetUser(r.Context()))
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer invalid")
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.True(t, called)
}
