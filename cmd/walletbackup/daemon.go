package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dukerupert/walletbackup/internal/backup"
	"github.com/dukerupert/walletbackup/internal/config"
	"github.com/dukerupert/walletbackup/internal/credential"
	"github.com/dukerupert/walletbackup/internal/database"
	"github.com/dukerupert/walletbackup/internal/handler"
	"github.com/dukerupert/walletbackup/internal/logging"
	"github.com/dukerupert/walletbackup/internal/reachability"
	"github.com/dukerupert/walletbackup/internal/remote"
	"github.com/dukerupert/walletbackup/internal/remote/container"
	"github.com/dukerupert/walletbackup/internal/remote/s3store"
	"github.com/dukerupert/walletbackup/internal/server"
	"github.com/dukerupert/walletbackup/internal/store"
	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the backup daemon",
	Long: "Run the backup engine and its local control API. Backups are scheduled\n" +
		"when the wallet signals a change and on startup when the remote copy is stale.",
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

type providerRuntime struct {
	manager   *backup.Manager
	scheduler *backup.Scheduler
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	if err := os.MkdirAll(filepath.Dir(cfg.Backup.SettingsDB), 0700); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	db, err := database.Open(cfg.Backup.SettingsDB)
	if err != nil {
		return fmt.Errorf("open settings database: %w", err)
	}
	defer db.Close()

	ctx := cmd.Context()

	reach := reachability.New(cfg.Reachability.ProbeAddr, cfg.Reachability.Interval, logger.With("component", "reachability"))
	reach.Start(ctx)
	defer reach.Stop()

	// Scheduled backups run on their own context so a shutdown signal lets
	// them finish within the shutdown timeout.
	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()

	guard := backup.NewShutdownGuard()
	providers, err := buildProviders(runCtx, cfg, db, reach, guard, logger)
	if err != nil {
		return err
	}

	handlers := make([]handler.Provider, 0, len(providers))
	for _, p := range providers {
		handlers = append(handlers, handler.Provider{Manager: p.manager, Scheduler: p.scheduler})
	}
	srv := server.New(cfg.Server, handlers, logger)
	srv.Start(ctx)

	httpServer := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     srv.Router(),
		ReadTimeout: 5 * time.Second,
		// Backup and restore requests are held open until they finish.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("daemon listening", "addr", cfg.Server.Addr, "providers", len(providers))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	for _, p := range providers {
		go reconcile(ctx, p, logger)
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info("shutting down")
	for _, p := range providers {
		p.scheduler.Cancel()
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), cfg.Backup.ShutdownTimeout)
	if err := guard.Wait(waitCtx); err != nil {
		logger.Warn("shutdown timeout with work in flight", "active", guard.Active())
	}
	cancel()

	for _, p := range providers {
		p.scheduler.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func buildProviders(ctx context.Context, cfg *config.Config, db *sql.DB, reach *reachability.Monitor, guard *backup.ShutdownGuard, logger *slog.Logger) ([]providerRuntime, error) {
	var stores []remote.Store
	if cfg.S3.Enabled {
		stores = append(stores, s3store.New(s3store.Config{
			Endpoint:  cfg.S3.Endpoint,
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Prefix:    cfg.S3.Prefix,
			PartSize:  cfg.S3.PartSize,
		}, logger.With("component", "s3")))
	}
	if cfg.Container.Enabled {
		stores = append(stores, container.New(container.Config{
			Root:         cfg.Container.Root,
			PollInterval: cfg.Container.PollInterval,
		}, reach, logger.With("component", "container")))
	}

	settings := store.NewSettingsStore(db)
	history := store.NewBackupStore(db)
	surface := newTerminalSurface()

	opts := []backup.Option{
		backup.WithHistory(history),
		backup.WithGuard(guard),
		backup.WithReachability(reach),
		backup.WithSurface(surface),
	}
	if creds := credentialSource(cfg); creds != nil {
		opts = append(opts, backup.WithCredentials(creds))
	}

	providers := make([]providerRuntime, 0, len(stores))
	for _, st := range stores {
		bcfg := backup.Config{
			WalletID:         cfg.Wallet.ID,
			SourceFiles:      cfg.SourceFiles(),
			DBDir:            cfg.Wallet.DBDir,
			ScratchDir:       cfg.ScratchDir(st.Name()),
			DeleteOtherKind:  cfg.Backup.DeleteOtherKind,
			HistoryRetention: cfg.Backup.HistoryRetention,
		}
		if st.Kind() == remote.KindContainer {
			bcfg.KeepHistory = cfg.Container.KeepHistory
		}

		mgr, err := backup.NewManager(bcfg, st, settings, logger.With("component", "backup"), opts...)
		if err != nil {
			return nil, err
		}
		sched := backup.NewScheduler(mgr, cfg.Backup.Debounce, logger.With("component", "scheduler", "provider", st.Name()))
		sched.Start(ctx)
		providers = append(providers, providerRuntime{manager: mgr, scheduler: sched})
	}
	return providers, nil
}

func credentialSource(cfg *config.Config) backup.CredentialSource {
	switch {
	case cfg.PasswordEnv != "":
		return credential.NewEnvSource(cfg.PasswordEnv)
	case cfg.PasswordFile != "":
		return credential.NewFileSource(cfg.PasswordFile)
	default:
		return nil
	}
}

// reconcile schedules a backup when the remote copy is missing or older
// than the wallet on disk.
func reconcile(ctx context.Context, p providerRuntime, logger *slog.Logger) {
	due, err := p.manager.Reconcile(ctx)
	if err != nil {
		logger.Warn("startup reconciliation failed", "provider", p.manager.Provider(), "error", err)
		return
	}
	if due {
		logger.Info("remote backup is stale, scheduling", "provider", p.manager.Provider())
		p.scheduler.SignalPossibleChange()
	}
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
