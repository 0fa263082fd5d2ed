package auth

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMiddlewareRejectsMissingIdentity(t *testing.T) {
	var logs bytes.Buffer
	called := false
	handler := Middleware(MiddlewareConfig{Audit: slog.New(slog.NewJSONHandler(&logs, nil))})(
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if called {
		t.Fatalf("handler must not run without identity")
	}
	if !strings.Contains(logs.String(), "access_denied") {
		t.Fatalf("denial not audited: %s", logs.String())
	}
}

func TestMiddlewareStoresUser(t *testing.T) {
	var logs bytes.Buffer
	var seen string
	handler := Middleware(MiddlewareConfig{Header: "X-Forwarded-User", Audit: slog.New(slog.NewJSONHandler(&logs, nil))})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen, _ = UserFromContext(r.Context())
			w.WriteHeader(http.StatusAccepted)
		}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil)
	req.Header.Set("X-Forwarded-User", " alice ")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted || seen != "alice" {
		t.Fatalf("unexpected result: code=%d user=%q", rec.Code, seen)
	}
	if !strings.Contains(logs.String(), `"status":202`) {
		t.Fatalf("request status not audited: %s", logs.String())
	}
}

func TestUserFromContext(t *testing.T) {
	if _, ok := UserFromContext(context.Background()); ok {
		t.Fatalf("empty context should carry no user")
	}
	if ctx := WithUser(context.Background(), ""); ctx.Value(userKey{}) != nil {
		t.Fatalf("empty ids must not be stored")
	}
	if id, ok := UserFromContext(WithUser(context.Background(), "u1")); !ok || id != "u1" {
		t.Fatalf("unexpected user %q", id)
	}
}
