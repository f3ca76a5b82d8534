package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Caller identifies the authenticated caller of the trigger surface.
type Caller struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

// Verifier validates bearer tokens against a JWKS endpoint. Keys are
// cached with background refresh so verification stays off the network
// on the hot path.
type Verifier struct {
	jwksURL string
	cache   *jwk.Cache
}

// NewVerifier registers the JWKS URL and warms the key cache.
func NewVerifier(ctx context.Context, jwksURL string) (*Verifier, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(5*time.Minute)); err != nil {
		return nil, fmt.Errorf("register JWKS URL: %w", err)
	}

	warmCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cache.Refresh(warmCtx, jwksURL); err != nil {
		return nil, fmt.Errorf("initial JWKS fetch: %w", err)
	}

	return &Verifier{jwksURL: jwksURL, cache: cache}, nil
}

// CallerFromRequest parses and validates the Authorization header.
func (v *Verifier) CallerFromRequest(r *http.Request) (*Caller, error) {
	keySet, err := v.cache.Get(r.Context(), v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("load key set: %w", err)
	}

	token, err := jwt.ParseRequest(r,
		jwt.WithKeySet(keySet),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("parse bearer token: %w", err)
	}

	userID := token.Subject()
	if userID == "" {
		return nil, fmt.Errorf("token missing subject")
	}

	caller := &Caller{UserID: userID}
	if claim, ok := token.Get("email"); ok {
		caller.Email, _ = claim.(string)
	}
	return caller, nil
}
