package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dukerupert/walletbackup/internal/backup"
	"github.com/dukerupert/walletbackup/internal/model"
	"github.com/dukerupert/walletbackup/internal/websocket"
)

// Controller is the part of a backup manager the HTTP surface drives.
type Controller interface {
	Provider() string
	Status() backup.Status
	Restore(ctx context.Context, password string) (*backup.RestoreResult, error)
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
	History(limit int) ([]model.Backup, error)
}

// Trigger starts backups on a provider.
type Trigger interface {
	SignalPossibleChange()
	RunNow(ctx context.Context) error
	Cancel()
}

// Provider pairs a manager with its scheduler.
type Provider struct {
	Manager   Controller
	Scheduler Trigger
}

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

type BackupHandler struct {
	providers map[string]Provider
	order     []string
	logger    *slog.Logger
}

func NewBackupHandler(providers []Provider, logger *slog.Logger) *BackupHandler {
	h := &BackupHandler{providers: make(map[string]Provider, len(providers)), logger: logger}
	for _, p := range providers {
		name := p.Manager.Provider()
		h.providers[name] = p
		h.order = append(h.order, name)
	}
	return h
}

func (h *BackupHandler) lookup(w http.ResponseWriter, r *http.Request) (Provider, bool) {
	name := r.PathValue("provider")
	p, ok := h.providers[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown provider: " + name, Code: "unknown_provider"})
	}
	return p, ok
}

// Statuses returns the current status of every provider.
func (h *BackupHandler) Statuses() []backup.Status {
	out := make([]backup.Status, 0, len(h.order))
	for _, name := range h.order {
		out = append(out, h.providers[name].Manager.Status())
	}
	return out
}

// Snapshot returns one websocket message per provider.
func (h *BackupHandler) Snapshot() []websocket.Message {
	statuses := h.Statuses()
	msgs := make([]websocket.Message, 0, len(statuses))
	for _, st := range statuses {
		msgs = append(msgs, websocket.NewStatusMessage(st))
	}
	return msgs
}

func (h *BackupHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Statuses())
}

// Signal tells every provider's scheduler that the wallet may have changed.
func (h *BackupHandler) Signal(w http.ResponseWriter, r *http.Request) {
	for _, name := range h.order {
		h.providers[name].Scheduler.SignalPossibleChange()
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

// Backup runs a forced backup and waits for it. The attempt outlives the
// request so a disconnecting client does not abort an upload.
func (h *BackupHandler) Backup(w http.ResponseWriter, r *http.Request) {
	p, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := p.Scheduler.RunNow(context.WithoutCancel(r.Context())); err != nil {
		h.logger.Warn("backup request failed", "provider", p.Manager.Provider(), "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p.Manager.Status())
}

func (h *BackupHandler) Restore(w http.ResponseWriter, r *http.Request) {
	p, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var req struct {
		Password string `json:"password"`
	}
	// An empty body means no password.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON", Code: "bad_request"})
		return
	}

	res, err := p.Manager.Restore(context.WithoutCancel(r.Context()), req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *BackupHandler) Enable(w http.ResponseWriter, r *http.Request) {
	p, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := p.Manager.Enable(context.WithoutCancel(r.Context())); err != nil {
		// The provider is enabled even if the first backup failed.
		h.logger.Warn("first backup after enable failed", "provider", p.Manager.Provider(), "error", err)
		status, code := errorStatus(err)
		writeJSON(w, status, struct {
			errorBody
			Status backup.Status `json:"status"`
		}{errorBody{Error: err.Error(), Code: code}, p.Manager.Status()})
		return
	}
	writeJSON(w, http.StatusOK, p.Manager.Status())
}

func (h *BackupHandler) Disable(w http.ResponseWriter, r *http.Request) {
	p, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := p.Manager.Disable(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	// Drop any armed debounce so it cannot fire after the toggle.
	p.Scheduler.Cancel()
	writeJSON(w, http.StatusOK, p.Manager.Status())
}

func (h *BackupHandler) History(w http.ResponseWriter, r *http.Request) {
	p, ok := h.lookup(w, r)
	if !ok {
		return
	}
	limit := defaultHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a positive integer", Code: "bad_request"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	rows, err := p.Manager.History(limit)
	if err != nil {
		h.logger.Error("list history", "provider", p.Manager.Provider(), "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "failed to list history", Code: "internal"})
		return
	}
	if rows == nil {
		rows = []model.Backup{}
	}
	writeJSON(w, http.StatusOK, rows)
}
