package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dukerupert/walletbackup/internal/metrics"
	"github.com/dukerupert/walletbackup/internal/remote"
)

// RestoreResult describes a completed restore.
type RestoreResult struct {
	Artifact   string    `json:"artifact"`
	Encrypted  bool      `json:"encrypted"`
	ModifiedAt time.Time `json:"modified_at"`
	Files      []string  `json:"files"`
	DBDir      string    `json:"db_dir"`
}

// Restore replaces the wallet database directory with the authoritative
// remote backup. An encrypted backup needs password; without one the call
// fails with ErrPasswordRequired before anything is downloaded.
func (m *Manager) Restore(ctx context.Context, password string) (*RestoreResult, error) {
	if !m.opMu.TryLock() {
		metrics.RecordRestore(m.Provider(), metrics.ResultBusy)
		return nil, ErrBusy
	}
	defer m.opMu.Unlock()

	release := m.guard.Begin("restore:" + m.Provider())
	defer release()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if m.reach != nil {
		sub := m.reach.Subscribe()
		defer sub.Close()
		if !m.reach.Online() {
			metrics.RecordRestore(m.Provider(), metrics.ResultFailure)
			return nil, fmt.Errorf("%w: %w", ErrDownloadFailed, ErrNoInternetConnection)
		}
		stop := m.watchOffline(ctx, sub, cancel)
		defer stop()
	}

	m.logger.Info("restore started")
	res, err := m.restore(ctx, password)
	if err != nil {
		if errors.Is(context.Cause(ctx), ErrNoInternetConnection) && !errors.Is(err, ErrNoInternetConnection) {
			err = fmt.Errorf("%w: %w", ErrNoInternetConnection, err)
		}
		metrics.RecordRestore(m.Provider(), metrics.ResultFailure)
		m.logger.Error("restore failed", "error", err)
		return nil, err
	}
	metrics.RecordRestore(m.Provider(), metrics.ResultSuccess)
	m.logger.Info("restore completed", "artifact", res.Artifact, "files", len(res.Files))
	return res, nil
}

func (m *Manager) restore(ctx context.Context, password string) (*RestoreResult, error) {
	enc, plain, err := lookupCandidates(ctx, m.store, m.cfg.WalletID)
	if err != nil {
		return nil, m.transferErr(err, ErrDownloadFailed)
	}
	winner, err := Resolve(enc, plain)
	if err != nil {
		return nil, err
	}
	if winner.Encrypted && password == "" {
		return nil, ErrPasswordRequired
	}

	if err := m.clearScratch(); err != nil {
		return nil, fmt.Errorf("%w: clear scratch dir: %w", ErrDownloadFailed, err)
	}
	local, err := m.download(ctx, winner.Name)
	if err != nil {
		return nil, err
	}

	encrypted := winner.Encrypted
	if !encrypted {
		// An unencrypted name can still hold sealed bytes.
		sealed, err := IsEncrypted(local)
		if err != nil {
			return nil, fmt.Errorf("%w: inspect artifact: %w", ErrDownloadFailed, err)
		}
		if sealed {
			if password == "" {
				return nil, ErrPasswordRequired
			}
			encrypted = true
		}
	}

	archive := local
	if encrypted {
		archive = filepath.Join(m.cfg.ScratchDir, "restore.zip")
		if err := DecryptFile(local, archive, password); err != nil {
			if !errors.Is(err, ErrInvalidPassword) {
				err = fmt.Errorf("%w: %w", ErrInvalidPassword, err)
			}
			return nil, err
		}
	}

	files, err := m.install(ctx, archive)
	if err != nil {
		return nil, err
	}

	if encrypted && m.creds != nil {
		if err := m.creds.SavePassword(ctx, password); err != nil {
			m.logger.Warn("remember backup password", "error", err)
		}
	}
	if err := m.clearScratch(); err != nil {
		m.logger.Warn("clear scratch dir", "error", err)
	}

	return &RestoreResult{
		Artifact:   winner.Name,
		Encrypted:  encrypted,
		ModifiedAt: winner.ModifiedAt,
		Files:      files,
		DBDir:      m.cfg.DBDir,
	}, nil
}

// download fetches name into the scratch dir, re-authenticating once if the
// session has expired.
func (m *Manager) download(ctx context.Context, name string) (string, error) {
	local, err := m.store.Download(ctx, name, m.cfg.ScratchDir)
	if errors.Is(err, remote.ErrNotAuthenticated) {
		m.logger.Info("remote session expired, re-authenticating")
		if aerr := m.reauthenticate(ctx); aerr != nil {
			return "", aerr
		}
		local, err = m.store.Download(ctx, name, m.cfg.ScratchDir)
	}
	if err != nil {
		return "", m.transferErr(err, ErrDownloadFailed)
	}
	return local, nil
}

// transferErr maps a store error into the restore taxonomy.
func (m *Manager) transferErr(err, kind error) error {
	switch {
	case errors.Is(err, remote.ErrOffline):
		return fmt.Errorf("%w: %w", kind, ErrNoInternetConnection)
	case errors.Is(err, remote.ErrNotAuthenticated):
		return fmt.Errorf("%w: %w", ErrRemoteAuthRequired, err)
	case errors.Is(err, remote.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNoBackupExists, err)
	default:
		return fmt.Errorf("%w: %w", kind, err)
	}
}

// install unpacks archive into a staging directory beside DBDir and swaps it
// into place. The previous directory is restored if the swap fails.
func (m *Manager) install(ctx context.Context, archive string) ([]string, error) {
	parent := filepath.Dir(m.cfg.DBDir)
	if err := os.MkdirAll(parent, 0700); err != nil {
		return nil, fmt.Errorf("create wallet parent dir: %w", err)
	}
	staging, err := os.MkdirTemp(parent, filepath.Base(m.cfg.DBDir)+".restore-*")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	files, err := Unpack(ctx, archive, staging)
	if err != nil {
		os.RemoveAll(staging)
		return nil, err
	}

	previous := ""
	if _, err := os.Stat(m.cfg.DBDir); err == nil {
		previous = staging + ".previous"
		if err := os.Rename(m.cfg.DBDir, previous); err != nil {
			os.RemoveAll(staging)
			return nil, fmt.Errorf("move current wallet aside: %w", err)
		}
	}
	if err := os.Rename(staging, m.cfg.DBDir); err != nil {
		if previous != "" {
			if rerr := os.Rename(previous, m.cfg.DBDir); rerr != nil {
				m.logger.Error("roll back wallet dir", "previous", previous, "error", rerr)
			}
		}
		os.RemoveAll(staging)
		return nil, fmt.Errorf("install restored wallet: %w", err)
	}
	if previous != "" {
		if err := os.RemoveAll(previous); err != nil {
			m.logger.Warn("remove previous wallet dir", "path", previous, "error", err)
		}
	}

	installed := make([]string, 0, len(files))
	for _, f := range files {
		rel, err := filepath.Rel(staging, f)
		if err != nil {
			continue
		}
		installed = append(installed, filepath.Join(m.cfg.DBDir, rel))
	}
	return installed, nil
}
