package middleware

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"memoria/internal/auth"
	"memoria/internal/ratelimit"
)

func newAuthStore(t *testing.T) *auth.Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	s := auth.NewStore(db, 4)
	if err := s.Migrate(); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestAuthMiddlewareRejectsMissingKey(t *testing.T) {
	store := newAuthStore(t)
	handler := Auth(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthMiddlewareAcceptsValidKey(t *testing.T) {
	store := newAuthStore(t)
	resp, err := store.CreateKey(auth.CreateKeyRequest{Name: "c1", Permissions: []auth.Permission{auth.PermRead}})
	if err != nil {
		t.Fatal(err)
	}

	var observed *AuthInfo
	handler := Auth(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		observed = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", resp.RawKey)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if observed == nil || observed.Name != "c1" {
		t.Fatalf("expected auth info attached, got %+v", observed)
	}
}

func TestRequirePermissionRejectsInsufficientGrant(t *testing.T) {
	store := newAuthStore(t)
	resp, _ := store.CreateKey(auth.CreateKeyRequest{Name: "reader", Permissions: []auth.Permission{auth.PermRead}})

	handler := Chain(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }),
		Auth(store),
		RequirePermission(auth.PermAdmin),
	)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", resp.RawKey)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestRateLimitMiddlewareBlocksOverLimit(t *testing.T) {
	limiter := ratelimit.New(time.Minute, 1, time.Hour)
	defer limiter.Stop()

	handler := RateLimit(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "1.2.3.4:5555"

	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req)
	if rec1.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", rec1.Code)
	}

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec2.Code)
	}
}
