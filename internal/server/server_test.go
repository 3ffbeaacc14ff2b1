package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dukerupert/walletbackup/internal/backup"
	"github.com/dukerupert/walletbackup/internal/config"
	"github.com/dukerupert/walletbackup/internal/handler"
	"github.com/dukerupert/walletbackup/internal/logging"
	"github.com/dukerupert/walletbackup/internal/model"
)

type stubManager struct {
	restores int
}

func (s *stubManager) Provider() string { return "container" }
func (s *stubManager) Status() backup.Status {
	return backup.Status{Provider: "container", State: backup.StateEnabled}
}
func (s *stubManager) Restore(context.Context, string) (*backup.RestoreResult, error) {
	s.restores++
	return &backup.RestoreResult{}, nil
}
func (s *stubManager) Enable(context.Context) error        { return nil }
func (s *stubManager) Disable(context.Context) error       { return nil }
func (s *stubManager) History(int) ([]model.Backup, error) { return nil, nil }

type stubTrigger struct{}

func (stubTrigger) SignalPossibleChange()        {}
func (stubTrigger) RunNow(context.Context) error { return nil }
func (stubTrigger) Cancel()                      {}

func newTestServer(token string) (*Server, *stubManager) {
	m := &stubManager{}
	cfg := config.ServerConfig{Addr: "127.0.0.1:0", Token: token, RestoreLimit: 2, RestoreWindow: time.Minute}
	return New(cfg, []handler.Provider{{Manager: m, Scheduler: stubTrigger{}}}, logging.Discard()), m
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer("secret")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestMetricsPublic(t *testing.T) {
	s, _ := newTestServer("secret")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestAPIRequiresToken(t *testing.T) {
	s, _ := newTestServer("secret")
	router := s.Router()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/status", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}

	req := httptest.NewRequest("GET", "/api/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"provider":"container"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestRestoreRateLimited(t *testing.T) {
	s, m := newTestServer("")
	router := s.Router()

	var last int
	for range 3 {
		req := httptest.NewRequest("POST", "/api/providers/container/restore", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		last = w.Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("third restore status = %d, want 429", last)
	}
	if m.restores != 2 {
		t.Errorf("restores = %d, want 2", m.restores)
	}
}
