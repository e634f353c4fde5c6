// Package auth verifies who is calling. A caller proves control of an
// identity by presenting a short-lived JWT signed (EdDSA) with that
// identity's ed25519 key; the token subject is the base58 public key.
//
// A token is bound to one request method and path and is accepted once.
// The body is not covered, so TLS must protect it in transit.
package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/atmx/pool-ledger/internal/address"
)

const authHeaderName = "Authorization"

var (
	ErrMissingToken = errors.New("auth: missing bearer token")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrTokenReused  = errors.New("auth: token already used")
)

// Claims are the registered claims plus the request the token is for.
type Claims struct {
	jwt.RegisteredClaims
	Method string `json:"htm"`
	Path   string `json:"htu"`
}

// Sign issues a single-use token for the identity behind priv, valid for
// ttl from now and only for a request with the given method and path.
func Sign(priv ed25519.PrivateKey, method, path string, ttl time.Duration, now time.Time) (string, error) {
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return "", fmt.Errorf("auth: unexpected public key type %T", priv.Public())
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   address.FromPublicKey(pub).String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Method: method,
		Path:   path,
	}
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(priv)
}

// Verifier checks caller tokens. Used token IDs are remembered in process
// until the token expires.
type Verifier struct {
	maxAge time.Duration
	now    func() time.Time

	mu   sync.Mutex
	used map[string]time.Time
}

// NewVerifier accepts tokens whose lifetime does not exceed maxAge.
func NewVerifier(maxAge time.Duration) *Verifier {
	return &Verifier{maxAge: maxAge, now: time.Now, used: make(map[string]time.Time)}
}

// WithClock overrides the verification time source.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify returns the identity that signed tokenString for a request with
// the given method and path, and marks the token used.
func (v *Verifier) Verify(tokenString, method, path string) (address.Address, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		sub, err := token.Claims.GetSubject()
		if err != nil {
			return nil, err
		}
		caller, err := address.Parse(sub)
		if err != nil {
			return nil, err
		}
		return caller.PublicKey(), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return address.Zero, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.IssuedAt == nil || claims.ExpiresAt.Sub(claims.IssuedAt.Time) > v.maxAge {
		return address.Zero, fmt.Errorf("%w: lifetime exceeds %s", ErrInvalidToken, v.maxAge)
	}

	if claims.Method != method || claims.Path != path {
		return address.Zero, fmt.Errorf("%w: issued for %s %s", ErrInvalidToken, claims.Method, claims.Path)
	}
	if claims.ID == "" {
		return address.Zero, fmt.Errorf("%w: missing jti", ErrInvalidToken)
	}
	if err := v.consume(claims.ID, claims.ExpiresAt.Time); err != nil {
		return address.Zero, err
	}

	// Subject was parsed inside the keyfunc already.
	caller, _ := address.Parse(claims.Subject)
	return caller, nil
}

func (v *Verifier) consume(id string, expires time.Time) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	for k, exp := range v.used {
		if !exp.After(now) {
			delete(v.used, k)
		}
	}
	if _, ok := v.used[id]; ok {
		return fmt.Errorf("%w: %w", ErrInvalidToken, ErrTokenReused)
	}
	v.used[id] = expires
	return nil
}

// Middleware rejects requests without a valid bearer token and stores the
// verified caller in the request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(authHeaderName)
		parts := strings.Split(header, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			unauthorized(w, ErrMissingToken)
			return
		}

		caller, err := v.Verify(parts[1], r.Method, r.URL.Path)
		if err != nil {
			unauthorized(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

func unauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

type callerKey struct{}

// WithCaller returns ctx carrying a verified caller.
func WithCaller(ctx context.Context, caller address.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom returns the verified caller stored in ctx.
func CallerFrom(ctx context.Context) (address.Address, bool) {
	caller, ok := ctx.Value(callerKey{}).(address.Address)
	return caller, ok
}
