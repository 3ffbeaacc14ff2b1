package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/walletbackup/internal/model"
)

const backupColumns = `id, provider, wallet_id, artifact, encrypted, size_bytes, status, error_message, started_at, completed_at, created_at, updated_at`

type BackupStore struct {
	db *sql.DB
}

func NewBackupStore(db *sql.DB) *BackupStore {
	return &BackupStore{db: db}
}

func (s *BackupStore) Create(provider, walletID, artifact string, encrypted bool) (*model.Backup, error) {
	now := time.Now().UTC()
	result, err := s.db.Exec(
		`INSERT INTO backups (provider, wallet_id, artifact, encrypted, status, started_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		provider, walletID, artifact, encrypted, model.BackupStatusPending, now, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create backup: %w", err)
	}
	id, _ := result.LastInsertId()
	return &model.Backup{
		ID:        id,
		Provider:  provider,
		WalletID:  walletID,
		Artifact:  artifact,
		Encrypted: encrypted,
		Status:    model.BackupStatusPending,
		StartedAt: &now,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *BackupStore) GetByID(id int64) (*model.Backup, error) {
	b, err := scanBackup(s.db.QueryRow(`SELECT `+backupColumns+` FROM backups WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get backup %d: %w", id, err)
	}
	return b, nil
}

func (s *BackupStore) List(provider string, limit int) ([]model.Backup, error) {
	rows, err := s.db.Query(
		`SELECT `+backupColumns+` FROM backups WHERE provider = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		provider, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	defer rows.Close()

	var backups []model.Backup
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backup: %w", err)
		}
		backups = append(backups, *b)
	}
	return backups, rows.Err()
}

func (s *BackupStore) UpdateStatus(id int64, status model.BackupStatus, errorMsg string) error {
	var errPtr *string
	if errorMsg != "" {
		errPtr = &errorMsg
	}
	_, err := s.db.Exec(
		`UPDATE backups SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		status, errPtr, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update backup status: %w", err)
	}
	return nil
}

func (s *BackupStore) UpdateCompleted(id, sizeBytes int64) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`UPDATE backups SET status = ?, size_bytes = ?, error_message = NULL, completed_at = ?, updated_at = ? WHERE id = ?`,
		model.BackupStatusCompleted, sizeBytes, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("update backup completed: %w", err)
	}
	return nil
}

func (s *BackupStore) LatestCompleted(provider string) (*model.Backup, error) {
	b, err := scanBackup(s.db.QueryRow(
		`SELECT `+backupColumns+` FROM backups WHERE provider = ? AND status = ? ORDER BY completed_at DESC, id DESC LIMIT 1`,
		provider, model.BackupStatusCompleted,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest completed backup: %w", err)
	}
	return b, nil
}

// DeleteOlderThan prunes attempt history rows created before the given time
// and returns how many were removed.
func (s *BackupStore) DeleteOlderThan(provider string, before time.Time) (int64, error) {
	result, err := s.db.Exec(
		`DELETE FROM backups WHERE provider = ? AND created_at < ?`,
		provider, before,
	)
	if err != nil {
		return 0, fmt.Errorf("delete old backups: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBackup(row rowScanner) (*model.Backup, error) {
	b := &model.Backup{}
	var errMsg sql.NullString
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&b.ID, &b.Provider, &b.WalletID, &b.Artifact, &b.Encrypted, &b.SizeBytes, &b.Status,
		&errMsg, &startedAt, &completedAt, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.ErrorMessage = errMsg.String
	if startedAt.Valid {
		b.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		b.CompletedAt = &completedAt.Time
	}
	return b, nil
}
