package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
)

// SecretAuthenticator validates the shared runner secret from the
// x-automn-runner-secret header. It reads the current secret through a
// callback rather than a fixed value so that secret rotation (P6) is
// picked up without reconstructing the middleware.
type SecretAuthenticator struct {
	currentSecret func() string
}

// NewSecretAuthenticator creates an authenticator backed by currentSecret,
// which must return the runner's live secret (or "" if none is stored).
func NewSecretAuthenticator(currentSecret func() string) *SecretAuthenticator {
	return &SecretAuthenticator{currentSecret: currentSecret}
}

// Authenticate checks the request's secret header against the runner's
// current secret in constant time.
func (a *SecretAuthenticator) Authenticate(r *http.Request) error {
	secret := a.currentSecret()
	if secret == "" {
		return ErrNotConfigured
	}

	got := r.Header.Get(SecretHeader)
	if got == "" {
		return ErrMissingSecret
	}

	if !constantTimeEqual(got, secret) {
		return ErrInvalidSecret
	}

	return nil
}

func constantTimeEqual(a, b string) bool {
	ah := sha256.Sum256([]byte(a))
	bh := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ah[:], bh[:]) == 1
}
