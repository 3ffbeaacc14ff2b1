package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dukerupert/walletbackup/internal/metrics"
	"github.com/dukerupert/walletbackup/internal/model"
	"github.com/dukerupert/walletbackup/internal/reachability"
	"github.com/dukerupert/walletbackup/internal/remote"
)

// Config holds the per-provider backup configuration.
type Config struct {
	// WalletID names the remote folder. It is the wallet's public identity.
	WalletID string
	// SourceFiles are the wallet database files packaged into each backup.
	SourceFiles []string
	// DBDir is the directory a restore replaces.
	DBDir string
	// ScratchDir holds intermediate artifacts. It is emptied before every
	// attempt and after every success.
	ScratchDir string
	// DeleteOtherKind removes the artifact of the opposite encryption kind
	// after a successful upload.
	DeleteOtherKind bool
	// KeepHistory is how many uploads a history-keeping store retains.
	KeepHistory int
	// HistoryRetention drops attempt records older than this. Zero keeps all.
	HistoryRetention time.Duration
}

// CredentialSource supplies the optional backup password.
type CredentialSource interface {
	LoadPassword(ctx context.Context) (password string, ok bool, err error)
	SavePassword(ctx context.Context, password string) error
}

// SettingsRepository persists the per-provider enabled flag and sync date.
type SettingsRepository interface {
	Get(provider string) (*model.ProviderSettings, error)
	SetEnabled(provider string, enabled bool) error
	SetLastSuccess(provider string, at time.Time) error
}

// HistoryRepository records backup attempts.
type HistoryRepository interface {
	Create(provider, walletID, artifact string, encrypted bool) (*model.Backup, error)
	UpdateStatus(id int64, status model.BackupStatus, errorMsg string) error
	UpdateCompleted(id, sizeBytes int64) error
	List(provider string, limit int) ([]model.Backup, error)
	DeleteOlderThan(provider string, before time.Time) (int64, error)
}

// Option customizes a Manager.
type Option func(*Manager)

// WithCredentials sets the password source. Without one, backups are not
// encrypted.
func WithCredentials(c CredentialSource) Option { return func(m *Manager) { m.creds = c } }

// WithHistory records every attempt in h.
func WithHistory(h HistoryRepository) Option { return func(m *Manager) { m.history = h } }

// WithGuard protects remote work with g.
func WithGuard(g Guard) Option { return func(m *Manager) { m.guard = g } }

// WithReachability cancels remote work when r reports the network is gone.
func WithReachability(r *reachability.Monitor) Option { return func(m *Manager) { m.reach = r } }

// WithSurface sets where interactive sign-in is presented.
func WithSurface(s remote.Surface) Option { return func(m *Manager) { m.surface = s } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// Manager owns the backup state of a single provider. It is the only writer
// of that provider's Status.
type Manager struct {
	cfg      Config
	store    remote.Store
	settings SettingsRepository
	history  HistoryRepository
	creds    CredentialSource
	guard    Guard
	reach    *reachability.Monitor
	surface  remote.Surface
	logger   *slog.Logger
	now      func() time.Time

	// opMu serializes backup and restore. It is only ever TryLocked.
	opMu sync.Mutex

	mu       sync.RWMutex
	status   Status
	cancelOp context.CancelCauseFunc
	feed     *statusFeed
}

// NewManager loads the persisted settings for store and returns a manager
// in the matching state.
func NewManager(cfg Config, store remote.Store, settings SettingsRepository, logger *slog.Logger, opts ...Option) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.KeepHistory < 1 {
		cfg.KeepHistory = 1
	}
	m := &Manager{
		cfg:      cfg,
		store:    store,
		settings: settings,
		guard:    NopGuard{},
		surface:  remote.NoSurface,
		logger:   logger.With("provider", store.Name()),
		now:      time.Now,
		feed:     newStatusFeed(),
	}
	for _, opt := range opts {
		opt(m)
	}

	ps, err := settings.Get(store.Name())
	if err != nil {
		return nil, fmt.Errorf("load settings for %s: %w", store.Name(), err)
	}
	m.status = Status{Provider: store.Name(), State: StateDisabled, LastSuccess: ps.LastSuccessAt}
	if ps.Enabled {
		m.status.State = StateEnabled
	}
	return m, nil
}

// Provider returns the name of the managed store.
func (m *Manager) Provider() string { return m.store.Name() }

// Status returns the current status snapshot.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Subscribe returns a subscription primed with the current status.
func (m *Manager) Subscribe() *Subscription {
	// Publishers hold m.mu, so nothing can land between priming and
	// registration.
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub := m.feed.subscribe()
	sub.ch <- m.status
	return sub
}

// update mutates the status and publishes the result under m.mu so
// subscribers see snapshots in the order they were made.
func (m *Manager) update(fn func(*Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.status)
	m.feed.publish(m.status)
}

func (m *Manager) setProgress(p float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.State != StateInProgress || p <= m.status.Progress {
		return
	}
	m.status.Progress = p
	metrics.SetProgress(m.Provider(), p)
	m.feed.publish(m.status)
}

// Enable turns backups on and immediately runs a forced backup.
func (m *Manager) Enable(ctx context.Context) error {
	if err := m.settings.SetEnabled(m.Provider(), true); err != nil {
		return fmt.Errorf("persist enabled: %w", err)
	}
	m.update(func(s *Status) {
		if s.State == StateDisabled {
			s.State = StateEnabled
		}
	})
	m.logger.Info("backup enabled")
	return m.RunBackup(ctx, true)
}

// Disable turns backups off and cancels a backup in flight.
func (m *Manager) Disable(ctx context.Context) error {
	if err := m.settings.SetEnabled(m.Provider(), false); err != nil {
		return fmt.Errorf("persist disabled: %w", err)
	}
	m.update(func(s *Status) {
		if m.cancelOp != nil {
			m.cancelOp(ErrDisabled)
		}
		*s = s.withErr(nil)
		s.State = StateDisabled
		s.Progress = 0
	})
	m.logger.Info("backup disabled")
	return nil
}

// RunBackup performs one backup attempt. A disabled provider is a no-op.
// Unless forced, the attempt is skipped when the wallet files have not
// changed since the last successful upload. ErrBusy means another backup or
// restore holds the provider.
func (m *Manager) RunBackup(ctx context.Context, forced bool) error {
	if m.Status().State == StateDisabled {
		return nil
	}
	if !m.opMu.TryLock() {
		metrics.RecordBackup(m.Provider(), metrics.ResultBusy, 0)
		return ErrBusy
	}
	defer m.opMu.Unlock()

	st := m.Status()
	if st.State == StateDisabled {
		return nil
	}
	if !forced && st.State != StateFailed && !m.filesChangedSince(st.LastSuccess) {
		m.logger.Debug("backup skipped, already satisfied")
		metrics.RecordBackup(m.Provider(), metrics.ResultSkipped, 0)
		return nil
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	// Disable may have landed since the check above. Entering in_progress
	// and publishing cancelOp happen together so Disable either sees the
	// attempt and cancels it, or the attempt sees disabled and stops.
	started := false
	m.update(func(s *Status) {
		if s.State == StateDisabled {
			return
		}
		m.cancelOp = cancel
		s.State = StateInProgress
		s.Progress = 0
		started = true
	})
	if !started {
		return nil
	}
	defer func() {
		m.mu.Lock()
		m.cancelOp = nil
		m.mu.Unlock()
	}()

	release := m.guard.Begin("backup:" + m.Provider())
	defer release()

	start := m.now()
	metrics.SetProgress(m.Provider(), 0)
	m.logger.Info("backup started", "forced", forced)

	err := m.backup(ctx, start)
	if err != nil {
		if errors.Is(context.Cause(ctx), ErrDisabled) {
			m.update(func(s *Status) {
				// A later Enable wins.
				if s.State == StateEnabled {
					return
				}
				*s = s.withErr(nil)
				s.State = StateDisabled
				s.Progress = 0
			})
			m.logger.Info("backup cancelled, provider disabled")
			return fmt.Errorf("%w: %w", ErrDisabled, err)
		}
		m.update(func(s *Status) {
			if s.State == StateDisabled {
				return
			}
			*s = s.withErr(err)
			s.State = StateFailed
			s.Progress = 0
		})
		metrics.RecordBackup(m.Provider(), metrics.ResultFailure, m.now().Sub(start))
		m.logger.Error("backup failed", "error", err)
		return err
	}
	metrics.RecordBackup(m.Provider(), metrics.ResultSuccess, m.now().Sub(start))
	return nil
}

func (m *Manager) backup(ctx context.Context, snapshot time.Time) error {
	password, encrypt, err := m.loadPassword(ctx)
	if err != nil {
		return fmt.Errorf("%w: load password: %w", ErrEncryptionFailed, err)
	}
	artifact, other := ArtifactName, EncryptedArtifactName
	if encrypt {
		artifact, other = EncryptedArtifactName, ArtifactName
	}

	var rec *model.Backup
	if m.history != nil {
		rec, err = m.history.Create(m.Provider(), m.cfg.WalletID, artifact, encrypt)
		if err != nil {
			m.logger.Warn("record backup attempt", "error", err)
		}
	}

	local, err := m.prepare(ctx, password, encrypt)
	if err != nil {
		m.recordFailure(rec, err)
		return err
	}

	if rec != nil {
		if err := m.history.UpdateStatus(rec.ID, model.BackupStatusUploading, ""); err != nil {
			m.logger.Warn("record upload start", "error", err)
		}
	}
	remoteName := remote.Join(m.cfg.WalletID, artifact)
	if err := m.upload(ctx, local, remoteName); err != nil {
		m.recordFailure(rec, err)
		return err
	}

	var size int64
	if fi, err := os.Stat(local); err == nil {
		size = fi.Size()
	}

	synced := snapshot.UTC()
	if err := m.settings.SetLastSuccess(m.Provider(), synced); err != nil {
		m.logger.Error("persist sync date", "error", err)
	}
	m.update(func(s *Status) {
		*s = s.withErr(nil)
		if s.State != StateDisabled {
			s.State = StateEnabled
		}
		s.Progress = 0
		s.LastSuccess = &synced
	})
	if rec != nil {
		if err := m.history.UpdateCompleted(rec.ID, size); err != nil {
			m.logger.Warn("record backup completion", "error", err)
		}
	}
	metrics.RecordUploaded(m.Provider(), size, synced)
	m.logger.Info("backup completed", "artifact", remoteName, "size", size)

	if err := m.clearScratch(); err != nil {
		m.logger.Warn("clear scratch dir", "error", err)
	}
	m.cleanupRemote(ctx, remoteName, remote.Join(m.cfg.WalletID, other))
	m.pruneRecords()
	return nil
}

// prepare packages the wallet files and encrypts them if requested. It
// returns the path of the file to upload.
func (m *Manager) prepare(ctx context.Context, password string, encrypt bool) (string, error) {
	if err := m.clearScratch(); err != nil {
		return "", fmt.Errorf("%w: clear scratch dir: %w", ErrPackagingFailed, err)
	}
	archive, err := Package(ctx, m.cfg.SourceFiles, filepath.Join(m.cfg.ScratchDir, ArtifactName))
	if err != nil {
		return "", err
	}
	if !encrypt {
		return archive, nil
	}

	sealed := filepath.Join(m.cfg.ScratchDir, EncryptedArtifactName)
	if err := EncryptFile(archive, sealed, password); err != nil {
		if !errors.Is(err, ErrEncryptionFailed) {
			err = fmt.Errorf("%w: %w", ErrEncryptionFailed, err)
		}
		return "", err
	}
	return sealed, nil
}

// upload ensures the wallet folder and uploads local to remoteName. One
// interactive re-authentication is attempted per call.
func (m *Manager) upload(ctx context.Context, local, remoteName string) error {
	if m.reach != nil {
		sub := m.reach.Subscribe()
		defer sub.Close()
		if !m.reach.Online() {
			return fmt.Errorf("%w: %w", ErrUploadFailed, ErrNoInternetConnection)
		}
		stop := m.watchOffline(ctx, sub, m.currentCancel())
		defer stop()
	}

	reauthed := false
	if !m.store.IsAuthenticated(ctx) {
		if err := m.reauthenticate(ctx); err != nil {
			return err
		}
		reauthed = true
	}

	for {
		err := m.push(ctx, local, remoteName)
		if err == nil {
			return nil
		}
		if errors.Is(err, remote.ErrNotAuthenticated) {
			if reauthed {
				return fmt.Errorf("%w: %w", ErrRemoteAuthRequired, err)
			}
			m.logger.Info("remote session expired, re-authenticating")
			if err := m.reauthenticate(ctx); err != nil {
				return err
			}
			reauthed = true
			continue
		}
		if errors.Is(context.Cause(ctx), ErrNoInternetConnection) || errors.Is(err, remote.ErrOffline) {
			return fmt.Errorf("%w: %w", ErrUploadFailed, ErrNoInternetConnection)
		}
		return err
	}
}

func (m *Manager) push(ctx context.Context, local, remoteName string) error {
	if err := m.store.CreateFolderIfAbsent(ctx, m.cfg.WalletID); err != nil {
		if errors.Is(err, remote.ErrNotAuthenticated) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrFolderCreationFailed, err)
	}

	progress := remote.NewProgress(m.setProgress)
	if err := m.store.Upload(ctx, local, remoteName, progress.Report); err != nil {
		if errors.Is(err, remote.ErrNotAuthenticated) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	return nil
}

func (m *Manager) reauthenticate(ctx context.Context) error {
	err := m.store.BeginInteractiveAuth(ctx, m.surface)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, remote.ErrAuthCancelled):
		return fmt.Errorf("%w: %w", ErrRemoteAuthCancelled, err)
	default:
		return fmt.Errorf("%w: %w", ErrRemoteAuthRequired, err)
	}
}

// watchOffline calls cancel with ErrNoInternetConnection when sub reports
// the network went away. The returned func stops watching.
func (m *Manager) watchOffline(ctx context.Context, sub *reachability.Subscription, cancel context.CancelCauseFunc) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case online := <-sub.C:
				if !online {
					m.logger.Warn("network lost, cancelling remote transfer")
					if cancel != nil {
						cancel(ErrNoInternetConnection)
					}
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (m *Manager) currentCancel() context.CancelCauseFunc {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cancelOp
}

// cleanupRemote removes the competing artifact and trims stored history.
// Failures here never fail the backup.
func (m *Manager) cleanupRemote(ctx context.Context, uploaded, other string) {
	if m.cfg.DeleteOtherKind {
		err := m.store.Delete(ctx, other)
		if err != nil && !errors.Is(err, remote.ErrNotFound) {
			m.logger.Warn("remove competing artifact", "artifact", other, "error", fmt.Errorf("%w: %w", ErrDeleteFailed, err))
		}
	}
	if pruner, ok := m.store.(remote.HistoryPruner); ok {
		n, err := pruner.PruneHistory(ctx, uploaded, m.cfg.KeepHistory)
		if err != nil {
			m.logger.Warn("prune upload history", "error", err)
		} else if n > 0 {
			m.logger.Debug("pruned upload history", "removed", n)
		}
	}
}

func (m *Manager) pruneRecords() {
	if m.history == nil || m.cfg.HistoryRetention <= 0 {
		return
	}
	before := m.now().Add(-m.cfg.HistoryRetention)
	if _, err := m.history.DeleteOlderThan(m.Provider(), before); err != nil {
		m.logger.Warn("prune attempt history", "error", err)
	}
}

func (m *Manager) recordFailure(rec *model.Backup, err error) {
	if rec == nil {
		return
	}
	if uerr := m.history.UpdateStatus(rec.ID, model.BackupStatusFailed, err.Error()); uerr != nil {
		m.logger.Warn("record backup failure", "error", uerr)
	}
}

func (m *Manager) loadPassword(ctx context.Context) (string, bool, error) {
	if m.creds == nil {
		return "", false, nil
	}
	password, ok, err := m.creds.LoadPassword(ctx)
	if err != nil {
		return "", false, err
	}
	return password, ok && password != "", nil
}

// filesChangedSince reports whether any wallet file was modified after t.
// A file that cannot be examined counts as changed so the attempt runs and
// reports the problem.
func (m *Manager) filesChangedSince(t *time.Time) bool {
	if t == nil {
		return true
	}
	for _, src := range m.cfg.SourceFiles {
		fi, err := os.Stat(src)
		if err != nil || fi.ModTime().After(*t) {
			return true
		}
	}
	return false
}

func (m *Manager) clearScratch() error {
	if err := os.RemoveAll(m.cfg.ScratchDir); err != nil {
		return err
	}
	return os.MkdirAll(m.cfg.ScratchDir, 0700)
}

// Reconcile re-examines the remote state at startup. It reports whether a
// backup should be scheduled: no artifact exists remotely, or the wallet
// files are newer than the newest one.
func (m *Manager) Reconcile(ctx context.Context) (bool, error) {
	if m.Status().State == StateDisabled {
		return false, nil
	}

	enc, plain, err := lookupCandidates(ctx, m.store, m.cfg.WalletID)
	if err != nil {
		if errors.Is(err, remote.ErrNotAuthenticated) {
			err = fmt.Errorf("%w: %w", ErrRemoteAuthRequired, err)
		}
		m.update(func(s *Status) {
			if s.State == StateDisabled {
				return
			}
			*s = s.withErr(err)
			s.State = StateFailed
		})
		m.logger.Error("reconcile failed", "error", err)
		return false, err
	}

	newest, err := Resolve(enc, plain)
	if errors.Is(err, ErrNoBackupExists) {
		m.logger.Info("no remote backup found")
		return true, nil
	}
	at := newest.ModifiedAt
	if m.filesChangedSince(&at) {
		m.logger.Info("wallet changed since last remote backup", "remote_modified", at)
		return true, nil
	}
	return false, nil
}

// History lists recorded attempts, newest first.
func (m *Manager) History(limit int) ([]model.Backup, error) {
	if m.history == nil {
		return nil, nil
	}
	return m.history.List(m.Provider(), limit)
}
