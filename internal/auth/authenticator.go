// Package auth verifies the shared key presented by realtime clients and
// publishing services.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// HeaderAPIKey carries the shared key on HTTP requests
const HeaderAPIKey = "X-API-Key"

var (
	// ErrMissingKey is returned when a request carries no key
	ErrMissingKey = errors.New("missing api key")
	// ErrInvalidKey is returned when the key does not match
	ErrInvalidKey = errors.New("invalid api key")
)

// Authenticator defines the interface for request authentication
type Authenticator interface {
	// Authenticate authenticates the request
	Authenticate(ctx context.Context, r *http.Request) error
}

// APIKeyVerifier checks keys against the configured shared key. A configured
// value starting with "$2" is treated as a bcrypt hash.
type APIKeyVerifier struct {
	secret []byte
	hashed bool
}

// NewAPIKeyVerifier creates a verifier for secret. An empty secret rejects
// every key.
func NewAPIKeyVerifier(secret string) *APIKeyVerifier {
	return &APIKeyVerifier{
		secret: []byte(secret),
		hashed: strings.HasPrefix(secret, "$2"),
	}
}

// Verify reports whether key matches the shared key
func (v *APIKeyVerifier) Verify(key string) bool {
	if len(v.secret) == 0 || key == "" {
		return false
	}
	if v.hashed {
		return bcrypt.CompareHashAndPassword(v.secret, []byte(key)) == nil
	}
	return subtle.ConstantTimeCompare(v.secret, []byte(key)) == 1
}

// APIKeyAuthenticator implements header based API key authentication
type APIKeyAuthenticator struct {
	Header   string
	Verifier *APIKeyVerifier
}

// NewAPIKeyAuthenticator reads the key from the X-API-Key header
func NewAPIKeyAuthenticator(v *APIKeyVerifier) *APIKeyAuthenticator {
	return &APIKeyAuthenticator{Header: HeaderAPIKey, Verifier: v}
}

// Authenticate implements Authenticator.Authenticate
func (a *APIKeyAuthenticator) Authenticate(_ context.Context, r *http.Request) error {
	key := r.Header.Get(a.Header)
	if key == "" {
		return ErrMissingKey
	}
	if !a.Verifier.Verify(key) {
		return ErrInvalidKey
	}
	return nil
}
