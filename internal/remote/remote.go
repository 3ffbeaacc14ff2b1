// Package remote defines the contract every backup storage provider satisfies.
//
// Two provider families exist. Explicit stores (S3-style) upload and download
// on request and overwrite objects by fixed name. Container stores (synced
// folder style) keep every upload as a sibling and rely on a background sync
// agent to move bytes, so reads may hit a placeholder that first needs to be
// materialized.
package remote

import (
	"context"
	"errors"
	"path"
	"time"
)

var (
	// ErrNotFound means the named object does not exist remotely.
	ErrNotFound = errors.New("remote: object not found")
	// ErrNotAuthenticated means the provider session is missing or expired.
	ErrNotAuthenticated = errors.New("remote: not authenticated")
	// ErrAuthCancelled means the user dismissed an interactive sign-in.
	ErrAuthCancelled = errors.New("remote: authentication cancelled")
	// ErrOffline means the store cannot make progress without connectivity.
	ErrOffline = errors.New("remote: network unreachable")
)

// Kind identifies the provider family.
type Kind string

const (
	KindExplicit  Kind = "explicit"
	KindContainer Kind = "container"
)

// ProgressFunc receives the fraction of an upload completed so far, 0..1.
type ProgressFunc func(fraction float64)

// Metadata describes a remote object.
type Metadata struct {
	Exists     bool
	ModifiedAt time.Time
	Size       int64
}

// Credentials are the secrets an interactive sign-in yields.
type Credentials struct {
	AccessKey    string
	SecretKey    string
	SessionToken string
}

// Surface is whatever can present a sign-in flow to the user.
// It returns ErrAuthCancelled if the user backs out.
type Surface interface {
	RequestCredentials(ctx context.Context, provider string) (Credentials, error)
}

// Store is a single provider's object store.
type Store interface {
	Name() string
	Kind() Kind
	CreateFolderIfAbsent(ctx context.Context, folder string) error
	Upload(ctx context.Context, localPath, remoteName string, onProgress ProgressFunc) error
	Download(ctx context.Context, remoteName, localDir string) (string, error)
	Metadata(ctx context.Context, remoteName string) (Metadata, error)
	Delete(ctx context.Context, remoteName string) error
	IsAuthenticated(ctx context.Context) bool
	BeginInteractiveAuth(ctx context.Context, surface Surface) error
}

// HistoryPruner is implemented by stores that retain older uploads of the
// same name. PruneHistory keeps the newest keep entries.
type HistoryPruner interface {
	PruneHistory(ctx context.Context, remoteName string, keep int) (int, error)
}

// Reachability reports whether the network is currently usable.
type Reachability interface {
	Online() bool
}

// Join builds a remote object name inside folder.
func Join(folder, name string) string {
	return path.Join(folder, name)
}

// SurfaceFunc adapts a function to Surface.
type SurfaceFunc func(ctx context.Context, provider string) (Credentials, error)

func (f SurfaceFunc) RequestCredentials(ctx context.Context, provider string) (Credentials, error) {
	return f(ctx, provider)
}

// NoSurface refuses every sign-in. Used where nobody can answer a prompt.
var NoSurface Surface = SurfaceFunc(func(context.Context, string) (Credentials, error) {
	return Credentials{}, ErrAuthCancelled
})

// Progress clamps fractions into 0..1 and never lets the reported value go
// backwards. It is safe for use by a single upload.
type Progress struct {
	fn   ProgressFunc
	last float64
}

// NewProgress wraps fn. A nil fn yields a Progress that reports nowhere.
func NewProgress(fn ProgressFunc) *Progress {
	return &Progress{fn: fn, last: -1}
}

// Report forwards fraction if it moves progress forward.
func (p *Progress) Report(fraction float64) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	if fraction <= p.last {
		return
	}
	p.last = fraction
	if p.fn != nil {
		p.fn(fraction)
	}
}
