package auth

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Authenticator validates a request's shared secret.
type Authenticator interface {
	Authenticate(r *http.Request) error
}

// Middleware enforces secret authentication on the runner HTTP surface.
type Middleware struct {
	authenticator Authenticator
	skipPaths     map[string]bool
}

// NewMiddleware creates an authentication middleware. config may be nil,
// in which case DefaultConfig is used.
func NewMiddleware(config *Config, authenticator Authenticator) *Middleware {
	if config == nil {
		config = DefaultConfig()
	}

	skipPaths := make(map[string]bool, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skipPaths[path] = true
	}

	return &Middleware{
		authenticator: authenticator,
		skipPaths:     skipPaths,
	}
}

// Handler wraps next, rejecting requests that fail secret authentication.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.shouldSkip(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if m.authenticator == nil {
			m.writeError(w, ErrNotConfigured)
			return
		}

		if err := m.authenticator.Authenticate(r); err != nil {
			m.writeError(w, err)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) shouldSkip(path string) bool {
	if m.skipPaths[path] {
		return true
	}
	for skipPath := range m.skipPaths {
		if skipPath == "" {
			continue
		}
		if strings.HasPrefix(path, skipPath) && (len(path) == len(skipPath) || path[len(skipPath)] == '/') {
			return true
		}
	}
	return false
}

func (m *Middleware) writeError(w http.ResponseWriter, err error) {
	authErr, ok := err.(*AuthError)
	if !ok {
		authErr = &AuthError{
			StatusCode: http.StatusInternalServerError,
			ErrorCode:  "INTERNAL_ERROR",
			Message:    "Internal authentication error",
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(authErr.StatusCode)

	json.NewEncoder(w).Encode(map[string]any{
		"error":      authErr.Message,
		"error_code": authErr.ErrorCode,
	})
}
