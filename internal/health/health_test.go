package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/voxrelay/internal/health"
)

type body struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func get(t *testing.T, h *health.Handler, path string) (int, body) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var b body
	if err := json.NewDecoder(rec.Body).Decode(&b); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rec.Code, b
}

func TestHealthz(t *testing.T) {
	h := health.New(health.Checker{Name: "never", Check: func(context.Context) error { return errors.New("x") }})
	code, b := get(t, h, "/healthz")
	if code != http.StatusOK || b.Status != "ok" {
		t.Errorf("got %d %+v", code, b)
	}
}

func TestReadyz(t *testing.T) {
	loaded := false
	tests := []struct {
		name       string
		loaded     bool
		wantCode   int
		wantStatus string
		wantModel  string
	}{
		{"not loaded", false, http.StatusServiceUnavailable, "fail", "fail: model not loaded"},
		{"loaded", true, http.StatusOK, "ok", "ok"},
	}
	h := health.New(
		health.Flag("model", func() bool { return loaded }, errors.New("model not loaded")),
		health.Checker{Name: "static", Check: func(context.Context) error { return nil }},
	)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loaded = tt.loaded
			code, b := get(t, h, "/readyz")
			if code != tt.wantCode || b.Status != tt.wantStatus {
				t.Errorf("got %d %q, want %d %q", code, b.Status, tt.wantCode, tt.wantStatus)
			}
			if b.Checks["model"] != tt.wantModel || b.Checks["static"] != "ok" {
				t.Errorf("checks = %v", b.Checks)
			}
		})
	}
}

func TestReadyz_Draining(t *testing.T) {
	h := health.New()
	if code, _ := get(t, h, "/readyz"); code != http.StatusOK {
		t.Fatalf("before drain: %d", code)
	}
	h.Drain()
	code, b := get(t, h, "/readyz")
	if code != http.StatusServiceUnavailable || b.Checks["process"] == "" {
		t.Errorf("after drain: %d %+v", code, b)
	}
}
