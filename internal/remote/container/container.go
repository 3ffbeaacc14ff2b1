// Package container implements remote.Store on top of a folder that a
// platform sync agent mirrors to the cloud.
//
// Every upload becomes a new sibling inside a per-object directory; the newest
// sibling is authoritative. The sync agent may leave a placeholder in place of
// a sibling whose bytes have not been fetched yet, which reads must
// materialize first.
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/dukerupert/walletbackup/internal/remote"
)

const (
	placeholderPrefix = "."
	placeholderSuffix = ".icloud"
	partialSuffix     = ".partial"
	siblingExt        = ".bak"
)

var errNotYet = errors.New("container: sync pending")

// Materializer asks the sync agent to fetch a placeholder's bytes.
type Materializer interface {
	RequestDownload(ctx context.Context, placeholderPath string) error
}

// SyncMonitor reports how much of a local file the sync agent has pushed to
// the cloud, 0..1.
type SyncMonitor interface {
	UploadProgress(ctx context.Context, localPath string) (float64, error)
}

// Config configures a container store.
type Config struct {
	Root         string
	PollInterval time.Duration
}

// Store is a remote.Store over a synced container directory.
type Store struct {
	cfg          Config
	reach        remote.Reachability
	materializer Materializer
	monitor      SyncMonitor
	logger       *slog.Logger
	now          func() time.Time
}

var (
	_ remote.Store         = (*Store)(nil)
	_ remote.HistoryPruner = (*Store)(nil)
)

// Option customizes a Store.
type Option func(*Store)

// WithMaterializer sets the placeholder fetcher.
func WithMaterializer(m Materializer) Option { return func(s *Store) { s.materializer = m } }

// WithSyncMonitor sets the upload confirmation source.
func WithSyncMonitor(m SyncMonitor) Option { return func(s *Store) { s.monitor = m } }

// New creates a container store rooted at cfg.Root. reach may be nil.
func New(cfg Config, reach remote.Reachability, logger *slog.Logger, opts ...Option) *Store {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		cfg:          cfg,
		reach:        reach,
		materializer: localAgent{},
		monitor:      localAgent{},
		logger:       logger,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Name() string      { return "container" }
func (s *Store) Kind() remote.Kind { return remote.KindContainer }

func (s *Store) online() bool {
	return s.reach == nil || s.reach.Online()
}

// IsAuthenticated reports whether the container is mounted. An absent
// container means the user is signed out of the sync account.
func (s *Store) IsAuthenticated(_ context.Context) bool {
	info, err := os.Stat(s.cfg.Root)
	return err == nil && info.IsDir()
}

// BeginInteractiveAuth asks the user to sign in, then checks the container
// came back.
func (s *Store) BeginInteractiveAuth(ctx context.Context, surface remote.Surface) error {
	if surface == nil {
		surface = remote.NoSurface
	}
	if _, err := surface.RequestCredentials(ctx, s.Name()); err != nil {
		if errors.Is(err, remote.ErrAuthCancelled) {
			return err
		}
		return fmt.Errorf("sign in: %w", err)
	}
	if !s.IsAuthenticated(ctx) {
		return fmt.Errorf("container %s still unavailable: %w", s.cfg.Root, remote.ErrNotAuthenticated)
	}
	return nil
}

func (s *Store) objectDir(remoteName string) string {
	return filepath.Join(s.cfg.Root, filepath.FromSlash(path.Clean("/"+remoteName)))
}

func (s *Store) CreateFolderIfAbsent(ctx context.Context, folder string) error {
	if !s.IsAuthenticated(ctx) {
		return remote.ErrNotAuthenticated
	}
	if err := os.MkdirAll(s.objectDir(folder), 0700); err != nil {
		return fmt.Errorf("create folder %s: %w", folder, err)
	}
	return nil
}

// Upload copies localPath into a new sibling and waits until the sync agent
// reports it pushed. The copy is the first half of progress, the sync the
// second.
func (s *Store) Upload(ctx context.Context, localPath, remoteName string, onProgress remote.ProgressFunc) error {
	if !s.IsAuthenticated(ctx) {
		return remote.ErrNotAuthenticated
	}
	dir := s.objectDir(remoteName)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}

	progress := remote.NewProgress(onProgress)
	progress.Report(0)

	sibling := filepath.Join(dir, s.siblingName())
	if err := copyWithProgress(ctx, localPath, sibling, func(f float64) { progress.Report(f / 2) }); err != nil {
		return err
	}

	err := s.poll(ctx, func(ctx context.Context) error {
		p, err := s.monitor.UploadProgress(ctx, sibling)
		if err != nil {
			return fmt.Errorf("query sync state: %w", err)
		}
		progress.Report(0.5 + p/2)
		if p < 1 {
			return retry.RetryableError(errNotYet)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("await sync of %s: %w", remoteName, err)
	}

	progress.Report(1)
	s.logger.Debug("sibling synced", "object", remoteName, "sibling", filepath.Base(sibling))
	return nil
}

func (s *Store) siblingName() string {
	return fmt.Sprintf("%020d-%s%s", s.now().UTC().UnixNano(), uuid.NewString(), siblingExt)
}

// poll runs check until it stops asking for a retry. It has no deadline of
// its own: it waits while the network is up and gives up the moment it drops.
func (s *Store) poll(ctx context.Context, check retry.RetryFunc) error {
	return retry.Do(ctx, retry.NewConstant(s.cfg.PollInterval), func(ctx context.Context) error {
		if !s.online() {
			return remote.ErrOffline
		}
		return check(ctx)
	})
}

type sibling struct {
	name        string
	path        string
	created     time.Time
	placeholder bool
}

// siblings lists an object's entries newest first.
func (s *Store) siblings(remoteName string) ([]sibling, error) {
	dir := s.objectDir(remoteName)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", remoteName, err)
	}

	var out []sibling
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), partialSuffix) {
			continue
		}
		name := e.Name()
		placeholder := false
		if strings.HasPrefix(name, placeholderPrefix) && strings.HasSuffix(name, placeholderSuffix) {
			name = strings.TrimSuffix(strings.TrimPrefix(name, placeholderPrefix), placeholderSuffix)
			placeholder = true
		}
		created, ok := parseCreated(name)
		if !ok {
			continue
		}
		out = append(out, sibling{
			name:        name,
			path:        filepath.Join(dir, e.Name()),
			created:     created,
			placeholder: placeholder,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].created.Equal(out[j].created) {
			return out[i].name > out[j].name
		}
		return out[i].created.After(out[j].created)
	})
	return out, nil
}

func parseCreated(name string) (time.Time, bool) {
	stamp, _, ok := strings.Cut(name, "-")
	if !ok {
		return time.Time{}, false
	}
	nanos, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, nanos).UTC(), true
}

// Metadata describes the newest sibling of remoteName.
func (s *Store) Metadata(ctx context.Context, remoteName string) (remote.Metadata, error) {
	if !s.IsAuthenticated(ctx) {
		return remote.Metadata{}, remote.ErrNotAuthenticated
	}
	sibs, err := s.siblings(remoteName)
	if err != nil {
		return remote.Metadata{}, err
	}
	if len(sibs) == 0 {
		return remote.Metadata{}, nil
	}

	newest := sibs[0]
	md := remote.Metadata{Exists: true, ModifiedAt: newest.created}
	if !newest.placeholder {
		if info, err := os.Stat(newest.path); err == nil {
			md.Size = info.Size()
		}
	}
	return md, nil
}

// Download copies the newest sibling into localDir, materializing it first if
// the sync agent only left a placeholder.
func (s *Store) Download(ctx context.Context, remoteName, localDir string) (string, error) {
	if !s.IsAuthenticated(ctx) {
		return "", remote.ErrNotAuthenticated
	}
	sibs, err := s.siblings(remoteName)
	if err != nil {
		return "", err
	}
	if len(sibs) == 0 {
		return "", fmt.Errorf("%s: %w", remoteName, remote.ErrNotFound)
	}

	newest := sibs[0]
	realPath := filepath.Join(filepath.Dir(newest.path), newest.name)
	if newest.placeholder {
		if err := s.materialize(ctx, newest.path, realPath); err != nil {
			return "", err
		}
	}

	dst := filepath.Join(localDir, path.Base(remoteName))
	if err := copyWithProgress(ctx, realPath, dst, nil); err != nil {
		return "", err
	}
	return dst, nil
}

func (s *Store) materialize(ctx context.Context, placeholder, realPath string) error {
	if !s.online() {
		return remote.ErrOffline
	}
	if err := s.materializer.RequestDownload(ctx, placeholder); err != nil {
		return fmt.Errorf("request download: %w", err)
	}
	s.logger.Info("waiting for placeholder to materialize", "path", realPath)

	return s.poll(ctx, func(context.Context) error {
		if _, err := os.Stat(realPath); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return retry.RetryableError(errNotYet)
			}
			return err
		}
		return nil
	})
}

// Delete removes every sibling of remoteName.
func (s *Store) Delete(ctx context.Context, remoteName string) error {
	if !s.IsAuthenticated(ctx) {
		return remote.ErrNotAuthenticated
	}
	if err := os.RemoveAll(s.objectDir(remoteName)); err != nil {
		return fmt.Errorf("delete %s: %w", remoteName, err)
	}
	return nil
}

// PruneHistory removes all but the newest keep siblings of remoteName.
func (s *Store) PruneHistory(ctx context.Context, remoteName string, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	sibs, err := s.siblings(remoteName)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, sib := range sibs[min(keep, len(sibs)):] {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if err := os.Remove(sib.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("remove sibling %s: %w", sib.name, err)
		}
		removed++
	}
	return removed, nil
}

// copyWithProgress writes src to a temp file beside dst and renames it into
// place, so readers never see a half-written file.
func copyWithProgress(ctx context.Context, src, dst string, report func(float64)) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}
	size := info.Size()

	tmp := dst + partialSuffix
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}

	var written int64
	buf := make([]byte, 256<<10)
	for {
		if err := ctx.Err(); err != nil {
			out.Close()
			os.Remove(tmp)
			return err
		}
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				out.Close()
				os.Remove(tmp)
				return fmt.Errorf("write %s: %w", tmp, werr)
			}
			written += int64(n)
			if report != nil && size > 0 {
				report(float64(written) / float64(size))
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			out.Close()
			os.Remove(tmp)
			return fmt.Errorf("read %s: %w", src, rerr)
		}
	}

	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename into place: %w", err)
	}
	if report != nil {
		report(1)
	}
	return nil
}

// localAgent is used when nothing mirrors the container: files are always
// materialized and always considered pushed.
type localAgent struct{}

func (localAgent) RequestDownload(context.Context, string) error { return nil }

func (localAgent) UploadProgress(context.Context, string) (float64, error) { return 1, nil }
