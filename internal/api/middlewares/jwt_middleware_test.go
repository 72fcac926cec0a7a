package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func sign(t *testing.T, key string, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	require.NoError(t, err)
	return tok
}

func run(t *testing.T, authHeader string) (*httptest.ResponseRecorder, string) {
	t.Helper()
	var seen string
	h := JWTMiddleware(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/files", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, seen
}

func TestJWTMiddleware(t *testing.T) {
	exp := time.Now().Add(time.Hour).Unix()

	rec, user := run(t, "Bearer "+sign(t, secret, jwt.MapClaims{"user_id": "u-1", "exp": exp}))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "u-1", user)

	rec, user = run(t, "Bearer "+sign(t, secret, jwt.MapClaims{"sub": "u-2", "exp": exp}))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "u-2", user)

	cases := map[string]string{
		"missing header": "",
		"not bearer":     "Basic abc",
		"wrong key":      "Bearer " + sign(t, "other", jwt.MapClaims{"user_id": "u-1", "exp": exp}),
		"expired":        "Bearer " + sign(t, secret, jwt.MapClaims{"user_id": "u-1", "exp": time.Now().Add(-time.Hour).Unix()}),
		"no subject":     "Bearer " + sign(t, secret, jwt.MapClaims{"exp": exp}),
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			rec, user := run(t, header)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Empty(t, user)
		})
	}
}
