package model

import "time"

// ProviderSettings is the persisted subset of a provider's backup state.
type ProviderSettings struct {
	Provider      string     `json:"provider"`
	Enabled       bool       `json:"enabled"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
