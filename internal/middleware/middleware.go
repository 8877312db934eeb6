// Package middleware wires the X-API-Key authentication and sliding-window
// rate limiting into HTTP handlers. Grounded on internal/middleware's
// AuthMiddleware (context-key storage, generic error messages to avoid
// leaking which part of auth failed) and internal/middleware/ratelimit.go.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"memoria/internal/auth"
	"memoria/internal/ratelimit"
)

// envelope is the response shape every wire endpoint uses, success or
// failure alike.
type envelope struct {
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeError(w http.ResponseWriter, code int, errCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(envelope{Status: "error", Error: errCode, Message: message})
}

type contextKey string

const authContextKey contextKey = "memoria-auth"

// AuthInfo is the authenticated caller's identity and grants, attached to
// the request context for downstream handlers.
type AuthInfo struct {
	KeyID       string
	Name        string
	Permissions []auth.Permission
	RateLimit   int
}

// FromContext retrieves the authenticated caller, or nil if unauthenticated.
func FromContext(ctx context.Context) *AuthInfo {
	v, _ := ctx.Value(authContextKey).(*AuthInfo)
	return v
}

// HasPermission reports whether info grants p, admin acting as a superset.
func (i *AuthInfo) HasPermission(p auth.Permission) bool {
	if i == nil {
		return false
	}
	for _, have := range i.Permissions {
		if have == auth.PermAdmin || have == p {
			return true
		}
	}
	return false
}

// Auth returns middleware that validates the X-API-Key header against
// store and attaches the resulting AuthInfo to the request context.
// A request without a key gets 401 "API key required". A key that fails
// validation gets a generic 403 "access denied" that does not reveal
// whether it was unrecognized, revoked, or expired.
func Auth(store *auth.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get("X-API-Key")
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "API key required")
				return
			}

			info, err := store.Validate(raw)
			if err != nil {
				writeError(w, http.StatusForbidden, "forbidden", "access denied")
				return
			}

			ctx := context.WithValue(r.Context(), authContextKey, &AuthInfo{
				KeyID:       info.KeyID,
				Name:        info.Name,
				Permissions: info.Permissions,
				RateLimit:   info.RateLimit,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequirePermission returns middleware that rejects requests whose
// authenticated caller lacks p, assuming Auth already ran.
func RequirePermission(p auth.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info := FromContext(r.Context())
			if !info.HasPermission(p) {
				writeError(w, http.StatusForbidden, "forbidden", "access denied")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit returns middleware that enforces limiter against the
// authenticated caller's key id, falling back to the remote address for
// unauthenticated requests.
func RateLimit(limiter *ratelimit.SlidingWindow) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identifier := r.RemoteAddr
			if info := FromContext(r.Context()); info != nil {
				identifier = info.KeyID
			}

			result := limiter.Allow(identifier)
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			if !result.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(result.RetryAfter/time.Second)))
				writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Chain applies middlewares in order, the first wrapping outermost.
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
