package auth_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/pool-ledger/internal/address"
	"github.com/atmx/pool-ledger/internal/auth"
)

const depositPath = "/api/v1/pools/p/deposit"

func newKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

func TestSignAndVerify(t *testing.T) {
	pub, priv := newKey(t)
	token, err := auth.Sign(priv, http.MethodPost, depositPath, time.Minute, time.Now())
	require.NoError(t, err)

	caller, err := auth.NewVerifier(5 * time.Minute).Verify(token, http.MethodPost, depositPath)
	require.NoError(t, err)
	assert.Equal(t, address.FromPublicKey(pub), caller)
}

func TestVerify_Expired(t *testing.T) {
	_, priv := newKey(t)
	token, err := auth.Sign(priv, http.MethodPost, depositPath, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)

	_, err = auth.NewVerifier(5 * time.Minute).Verify(token, http.MethodPost, depositPath)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestVerify_LifetimeTooLong(t *testing.T) {
	_, priv := newKey(t)
	token, err := auth.Sign(priv, http.MethodPost, depositPath, time.Hour, time.Now())
	require.NoError(t, err)

	_, err = auth.NewVerifier(5 * time.Minute).Verify(token, http.MethodPost, depositPath)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestVerify_SubjectNotSigner(t *testing.T) {
	_, priv := newKey(t)
	victim, _ := newKey(t)
	now := time.Now()

	// Signed by one key, claiming to be another.
	claims := jwt.RegisteredClaims{
		Subject:   address.FromPublicKey(victim).String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(priv)
	require.NoError(t, err)

	_, err = auth.NewVerifier(5 * time.Minute).Verify(token, http.MethodPost, depositPath)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestVerify_RejectsHMAC(t *testing.T) {
	pub, _ := newKey(t)
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   address.FromPublicKey(pub).String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(pub))
	require.NoError(t, err)

	_, err = auth.NewVerifier(5 * time.Minute).Verify(token, http.MethodPost, depositPath)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestMiddleware(t *testing.T) {
	pub, priv := newKey(t)
	v := auth.NewVerifier(5 * time.Minute)

	var seen address.Address
	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := auth.CallerFrom(r.Context())
		require.True(t, ok)
		seen = caller
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		status int
	}{
		{name: "missing header", header: "", status: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", status: http.StatusUnauthorized},
		{name: "garbage token", header: "Bearer not.a.jwt", status: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, w.Body.String(), `"error"`)
		})
	}

	token, err := auth.Sign(priv, http.MethodPost, depositPath, time.Minute, time.Now())
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, depositPath, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, address.FromPublicKey(pub), seen)

	// The same token cannot be presented again.
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestVerify_BoundToRequest(t *testing.T) {
	_, priv := newKey(t)
	v := auth.NewVerifier(5 * time.Minute)

	tests := []struct {
		name   string
		method string
		path   string
	}{
		{name: "other path", method: http.MethodPost, path: "/api/v1/pools/p/withdraw"},
		{name: "other pool", method: http.MethodPost, path: "/api/v1/pools/q/deposit"},
		{name: "other method", method: http.MethodGet, path: depositPath},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := auth.Sign(priv, http.MethodPost, depositPath, time.Minute, time.Now())
			require.NoError(t, err)
			_, err = v.Verify(token, tt.method, tt.path)
			assert.ErrorIs(t, err, auth.ErrInvalidToken)
		})
	}
}

func TestVerify_SingleUse(t *testing.T) {
	_, priv := newKey(t)
	v := auth.NewVerifier(5 * time.Minute)
	token, err := auth.Sign(priv, http.MethodPost, depositPath, time.Minute, time.Now())
	require.NoError(t, err)

	_, err = v.Verify(token, http.MethodPost, depositPath)
	require.NoError(t, err)
	_, err = v.Verify(token, http.MethodPost, depositPath)
	assert.ErrorIs(t, err, auth.ErrTokenReused)

	other, err := auth.Sign(priv, http.MethodPost, depositPath, time.Minute, time.Now())
	require.NoError(t, err)
	_, err = v.Verify(other, http.MethodPost, depositPath)
	assert.NoError(t, err)
}

func TestVerify_MissingID(t *testing.T) {
	pub, priv := newKey(t)
	now := time.Now()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   address.FromPublicKey(pub).String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
		Method: http.MethodPost,
		Path:   depositPath,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(priv)
	require.NoError(t, err)

	_, err = auth.NewVerifier(5 * time.Minute).Verify(token, http.MethodPost, depositPath)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}
