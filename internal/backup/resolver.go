package backup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dukerupert/walletbackup/internal/remote"
)

const (
	// ArtifactName is the unencrypted backup object in a wallet folder.
	ArtifactName = "wallet-backup.zip"
	// EncryptedArtifactName is the encrypted backup object in a wallet folder.
	EncryptedArtifactName = "wallet-backup.zip.enc"
)

// Candidate is one of the two possible remote backups of a wallet.
type Candidate struct {
	Name       string    `json:"name"`
	Encrypted  bool      `json:"encrypted"`
	Exists     bool      `json:"exists"`
	ModifiedAt time.Time `json:"modified_at"`
}

// TiePrefersUnencrypted decides equal timestamps. An unencrypted artifact can
// be restored without prompting, so it wins ties.
const TiePrefersUnencrypted = true

// Resolve picks the authoritative candidate: the only one that exists, or the
// newer of two. Neither existing fails with ErrNoBackupExists.
func Resolve(encrypted, plain Candidate) (Candidate, error) {
	switch {
	case !encrypted.Exists && !plain.Exists:
		return Candidate{}, ErrNoBackupExists
	case !plain.Exists:
		return encrypted, nil
	case !encrypted.Exists:
		return plain, nil
	}

	if encrypted.ModifiedAt.Equal(plain.ModifiedAt) {
		if TiePrefersUnencrypted {
			return plain, nil
		}
		return encrypted, nil
	}
	if encrypted.ModifiedAt.After(plain.ModifiedAt) {
		return encrypted, nil
	}
	return plain, nil
}

// lookupCandidates fetches both candidates in parallel. A lookup failure is
// returned as is; only a clean "does not exist" reads as absence.
func lookupCandidates(ctx context.Context, store remote.Store, folder string) (encrypted, plain Candidate, err error) {
	encrypted = Candidate{Name: remote.Join(folder, EncryptedArtifactName), Encrypted: true}
	plain = Candidate{Name: remote.Join(folder, ArtifactName)}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range []*Candidate{&encrypted, &plain} {
		g.Go(func() error {
			md, err := store.Metadata(gctx, c.Name)
			if err != nil {
				if errors.Is(err, remote.ErrNotFound) {
					return nil
				}
				return fmt.Errorf("lookup %s: %w", c.Name, err)
			}
			c.Exists = md.Exists
			c.ModifiedAt = md.ModifiedAt
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Candidate{}, Candidate{}, err
	}
	return encrypted, plain, nil
}
