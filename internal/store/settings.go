package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/walletbackup/internal/model"
)

// SettingsStore persists the per-provider enabled flag and last sync date.
type SettingsStore struct {
	db *sql.DB
}

func NewSettingsStore(db *sql.DB) *SettingsStore {
	return &SettingsStore{db: db}
}

// Get returns the stored settings for provider. A provider that was never
// written reads back as disabled with no last success.
func (s *SettingsStore) Get(provider string) (*model.ProviderSettings, error) {
	ps := &model.ProviderSettings{Provider: provider}
	var lastSuccess sql.NullTime
	err := s.db.QueryRow(
		`SELECT enabled, last_success_at, updated_at FROM provider_settings WHERE provider = ?`, provider,
	).Scan(&ps.Enabled, &lastSuccess, &ps.UpdatedAt)
	if err == sql.ErrNoRows {
		return ps, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get settings %q: %w", provider, err)
	}
	if lastSuccess.Valid {
		t := lastSuccess.Time.UTC()
		ps.LastSuccessAt = &t
	}
	return ps, nil
}

func (s *SettingsStore) List() ([]model.ProviderSettings, error) {
	rows, err := s.db.Query(`SELECT provider, enabled, last_success_at, updated_at FROM provider_settings ORDER BY provider`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	var out []model.ProviderSettings
	for rows.Next() {
		var ps model.ProviderSettings
		var lastSuccess sql.NullTime
		if err := rows.Scan(&ps.Provider, &ps.Enabled, &lastSuccess, &ps.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan settings: %w", err)
		}
		if lastSuccess.Valid {
			t := lastSuccess.Time.UTC()
			ps.LastSuccessAt = &t
		}
		out = append(out, ps)
	}
	return out, rows.Err()
}

func (s *SettingsStore) SetEnabled(provider string, enabled bool) error {
	_, err := s.db.Exec(
		`INSERT INTO provider_settings (provider, enabled, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(provider) DO UPDATE SET enabled = excluded.enabled, updated_at = excluded.updated_at`,
		provider, enabled, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set enabled %q: %w", provider, err)
	}
	return nil
}

func (s *SettingsStore) SetLastSuccess(provider string, at time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO provider_settings (provider, last_success_at, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(provider) DO UPDATE SET last_success_at = excluded.last_success_at, updated_at = excluded.updated_at`,
		provider, at.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set last success %q: %w", provider, err)
	}
	return nil
}
