package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wudi/wasmbridge/internal/config"
)

func TestNewServerNoPlugins(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Admin.Enabled = true

	terminal := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("terminal"))
	})
	s, err := NewServer(cfg, terminal)
	if err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	s.main.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Body.String() != "terminal" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("request id middleware not applied")
	}

	admin := s.adminHandler()

	rec = httptest.NewRecorder()
	admin.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != 200 || !strings.Contains(rec.Body.String(), "ok") {
		t.Errorf("healthz = %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	admin.ServeHTTP(rec, httptest.NewRequest("GET", "/stats", nil))
	if rec.Code != 200 {
		t.Errorf("stats = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	admin.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 || !strings.Contains(rec.Body.String(), "wasmbridge_requests_total") {
		t.Errorf("metrics = %d", rec.Code)
	}
}

func TestNewServerBadPlugin(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Plugins = []config.PluginConfig{{Name: "ghost", Path: "/nonexistent.wasm"}}

	if _, err := NewServer(cfg, http.NotFoundHandler()); err == nil {
		t.Fatal("expected error for missing plugin module")
	}
}

func TestTerminalFromConfig(t *testing.T) {
	h, err := TerminalFromConfig("")
	if err != nil || h == nil {
		t.Fatalf("empty upstream: %v", err)
	}

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("from backend"))
	}))
	defer backend.Close()

	h, err = TerminalFromConfig(backend.URL)
	if err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Body.String() != "from backend" {
		t.Errorf("body = %q", rec.Body.String())
	}

	if _, err := TerminalFromConfig("http://bad url^"); err == nil {
		t.Error("expected error for invalid upstream")
	}
}
