package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		target  string
		header  string
		want    string
		wantErr error
	}{
		{name: "bearer", header: "Bearer test-key", want: "test-key"},
		{name: "lowercase scheme", header: "bearer test-key", want: "test-key"},
		{name: "padded", header: "Bearer   test-key ", want: "test-key"},
		{name: "query", target: "/events?api_key=q-key", want: "q-key"},
		{name: "header wins over query", target: "/events?api_key=q-key", header: "Bearer h-key", want: "h-key"},
		{name: "missing", wantErr: errNoKey},
		{name: "basic", header: "Basic abc", wantErr: errBadScheme},
		{name: "blank", header: "Bearer   ", wantErr: errNoKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := tt.target
			if target == "" {
				target = "/events"
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			got, err := requestKey(req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("key = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKeysMatch(t *testing.T) {
	t.Parallel()

	if !keysMatch("provided", "provided") {
		t.Fatalf("expected match")
	}
	if keysMatch("provided", "other") || keysMatch("short", "longer-key") {
		t.Fatalf("expected mismatch")
	}
	if keysMatch("", "") || keysMatch("", "configured") || keysMatch("provided", "") {
		t.Fatalf("empty keys must never match")
	}
}

func TestRequireKey(t *testing.T) {
	t.Parallel()

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	open := New(Config{}, Deps{}, logger).requireKey(ok)
	rec := httptest.NewRecorder()
	open.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("no key configured: status = %d, want 204", rec.Code)
	}

	guarded := New(Config{APIKey: "secret"}, Deps{}, logger).requireKey(ok)
	cases := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{"missing", "/events", "", http.StatusUnauthorized},
		{"wrong", "/events", "Bearer nope", http.StatusUnauthorized},
		{"header", "/events", "Bearer secret", http.StatusNoContent},
		{"query", "/events?api_key=secret", "", http.StatusNoContent},
	}
	for _, c := range cases {
		req := httptest.NewRequest(http.MethodGet, c.target, nil)
		if c.header != "" {
			req.Header.Set("Authorization", c.header)
		}
		rec := httptest.NewRecorder()
		guarded.ServeHTTP(rec, req)
		if rec.Code != c.want {
			t.Fatalf("%s: status = %d, want %d", c.name, rec.Code, c.want)
		}
	}
}
