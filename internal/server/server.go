package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/walletbackup/internal/backup"
	"github.com/dukerupert/walletbackup/internal/config"
	"github.com/dukerupert/walletbackup/internal/handler"
	"github.com/dukerupert/walletbackup/internal/middleware"
	ws "github.com/dukerupert/walletbackup/internal/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Publisher is a manager whose status changes can be streamed.
type Publisher interface {
	Subscribe() *backup.Subscription
}

type Server struct {
	cfg         config.ServerConfig
	hub         *ws.Hub
	backupH     *handler.BackupHandler
	providers   []handler.Provider
	rateLimiter *middleware.RateLimiter
	logger      *slog.Logger
}

func New(cfg config.ServerConfig, providers []handler.Provider, logger *slog.Logger) *Server {
	return &Server{
		cfg:         cfg,
		hub:         ws.NewHub(logger.With("component", "websocket")),
		backupH:     handler.NewBackupHandler(providers, logger.With("component", "backup_handler")),
		providers:   providers,
		rateLimiter: middleware.NewRateLimiter(cfg.RestoreLimit, cfg.RestoreWindow),
		logger:      logger,
	}
}

// Hub returns the websocket hub.
func (s *Server) Hub() *ws.Hub {
	return s.hub
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

// Start relays every provider's status to websocket clients and prunes the
// rate limiter until ctx is done.
func (s *Server) Start(ctx context.Context) {
	for _, p := range s.providers {
		if pub, ok := p.Manager.(Publisher); ok {
			go s.hub.Relay(ctx, pub.Subscribe())
		}
	}

	go func() {
		ticker := time.NewTicker(s.cfg.RestoreWindow)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.rateLimiter.Cleanup()
			}
		}
	}()
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	// Public routes
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.Handle("GET /metrics", promhttp.Handler())

	auth := middleware.RequireToken(s.cfg.Token)

	mux.Handle("GET /ws", auth(ws.HandleWebSocket(s.hub, s.backupH.Snapshot)))
	mux.Handle("GET /api/status", auth(http.HandlerFunc(s.backupH.Status)))
	mux.Handle("GET /api/providers/{provider}/history", auth(http.HandlerFunc(s.backupH.History)))

	mux.Handle("POST /api/signal", auth(http.HandlerFunc(s.backupH.Signal)))
	mux.Handle("POST /api/providers/{provider}/backup", auth(http.HandlerFunc(s.backupH.Backup)))
	mux.Handle("POST /api/providers/{provider}/restore", auth(s.rateLimited(s.backupH.Restore)))
	mux.Handle("POST /api/providers/{provider}/enable", auth(http.HandlerFunc(s.backupH.Enable)))
	mux.Handle("POST /api/providers/{provider}/disable", auth(http.HandlerFunc(s.backupH.Disable)))

	return middleware.RequestLogger(s.logger.With("component", "http"))(mux)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) rateLimited(h http.HandlerFunc) http.Handler {
	rl := middleware.RateLimit(s.rateLimiter, middleware.ClientIP)
	return rl(h)
}
