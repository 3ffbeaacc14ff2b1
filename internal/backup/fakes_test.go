package backup

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/walletbackup/internal/database"
	"github.com/dukerupert/walletbackup/internal/logging"
	"github.com/dukerupert/walletbackup/internal/remote"
	"github.com/dukerupert/walletbackup/internal/store"
)

type fakeObject struct {
	data []byte
	at   time.Time
}

// fakeStore is an in-memory remote.Store with failure injection.
type fakeStore struct {
	mu      sync.Mutex
	name    string
	kind    remote.Kind
	objects map[string]fakeObject
	folders map[string]bool
	now     func() time.Time

	authed  bool
	authErr error

	metadataErr error
	folderErr   error
	uploadErr   error
	downloadErr error
	// uploadAuthFailures makes that many uploads fail as unauthenticated.
	uploadAuthFailures int
	// progress is reported in order during each upload.
	progress []float64
	// uploadHook runs mid-upload; its error fails the upload.
	uploadHook func(ctx context.Context) error

	uploads   int
	downloads int
	deletes   int
	authCalls int
	prunes    []int
}

var _ remote.Store = (*fakeStore)(nil)
var _ remote.HistoryPruner = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		name:    "fake",
		kind:    remote.KindExplicit,
		objects: make(map[string]fakeObject),
		folders: make(map[string]bool),
		now:     time.Now,
		authed:  true,
	}
}

func (s *fakeStore) put(name string, data []byte, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[name] = fakeObject{data: data, at: at}
}

func (s *fakeStore) get(name string) (fakeObject, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[name]
	return o, ok
}

func (s *fakeStore) counts() (uploads, downloads int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploads, s.downloads
}

func (s *fakeStore) Name() string      { return s.name }
func (s *fakeStore) Kind() remote.Kind { return s.kind }

func (s *fakeStore) CreateFolderIfAbsent(_ context.Context, folder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.folderErr != nil {
		return s.folderErr
	}
	s.folders[folder] = true
	return nil
}

func (s *fakeStore) Upload(ctx context.Context, localPath, remoteName string, onProgress remote.ProgressFunc) error {
	s.mu.Lock()
	s.uploads++
	if s.uploadAuthFailures > 0 {
		s.uploadAuthFailures--
		s.mu.Unlock()
		return remote.ErrNotAuthenticated
	}
	uploadErr, hook, progress := s.uploadErr, s.uploadHook, s.progress
	s.mu.Unlock()

	if uploadErr != nil {
		return uploadErr
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	for _, p := range progress {
		if onProgress != nil {
			onProgress(p)
		}
	}
	if hook != nil {
		if err := hook(ctx); err != nil {
			return err
		}
	}
	if onProgress != nil {
		onProgress(1)
	}
	s.put(remoteName, data, s.now())
	return nil
}

func (s *fakeStore) Download(_ context.Context, remoteName, localDir string) (string, error) {
	s.mu.Lock()
	s.downloads++
	o, ok := s.objects[remoteName]
	derr := s.downloadErr
	s.mu.Unlock()

	if derr != nil {
		return "", derr
	}
	if !ok {
		return "", remote.ErrNotFound
	}
	local := filepath.Join(localDir, filepath.Base(remoteName))
	if err := os.WriteFile(local, o.data, 0600); err != nil {
		return "", err
	}
	return local, nil
}

func (s *fakeStore) Metadata(_ context.Context, remoteName string) (remote.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metadataErr != nil {
		return remote.Metadata{}, s.metadataErr
	}
	o, ok := s.objects[remoteName]
	if !ok {
		return remote.Metadata{}, nil
	}
	return remote.Metadata{Exists: true, ModifiedAt: o.at, Size: int64(len(o.data))}, nil
}

func (s *fakeStore) Delete(_ context.Context, remoteName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	if _, ok := s.objects[remoteName]; !ok {
		return remote.ErrNotFound
	}
	delete(s.objects, remoteName)
	return nil
}

func (s *fakeStore) IsAuthenticated(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authed
}

func (s *fakeStore) BeginInteractiveAuth(ctx context.Context, surface remote.Surface) error {
	s.mu.Lock()
	s.authCalls++
	authErr := s.authErr
	s.mu.Unlock()

	if authErr != nil {
		return authErr
	}
	if _, err := surface.RequestCredentials(ctx, s.name); err != nil {
		return err
	}
	s.mu.Lock()
	s.authed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) PruneHistory(_ context.Context, _ string, keep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prunes = append(s.prunes, keep)
	return 0, nil
}

// countingGuard tracks how many protected operations are open.
type countingGuard struct {
	mu    sync.Mutex
	begun int
	open  int

	// onBegin runs inside Begin, after the operation is counted.
	onBegin func()
}

func (g *countingGuard) Begin(string) func() {
	g.mu.Lock()
	g.begun++
	g.open++
	hook := g.onBegin
	g.mu.Unlock()

	if hook != nil {
		hook()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.open--
			g.mu.Unlock()
		})
	}
}

func (g *countingGuard) state() (begun, open int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.begun, g.open
}

type fakeCreds struct {
	mu       sync.Mutex
	password string
	loadErr  error
	saved    []string
}

func (c *fakeCreds) LoadPassword(context.Context) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loadErr != nil {
		return "", false, c.loadErr
	}
	return c.password, c.password != "", nil
}

func (c *fakeCreds) SavePassword(_ context.Context, password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.password = password
	c.saved = append(c.saved, password)
	return nil
}

var okSurface = remote.SurfaceFunc(func(context.Context, string) (remote.Credentials, error) {
	return remote.Credentials{AccessKey: "k", SecretKey: "s"}, nil
})

// testEnv is a wallet on disk plus everything a Manager needs.
type testEnv struct {
	t        *testing.T
	cfg      Config
	store    *fakeStore
	settings *store.SettingsStore
	history  *store.BackupStore
	guard    *countingGuard
	clock    time.Time
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	walletDir := filepath.Join(dir, "wallet")
	if err := os.MkdirAll(walletDir, 0700); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"wallet.db":     "key material",
		"wallet.db-wal": "journal",
	}
	var sources []string
	for name, body := range files {
		p := filepath.Join(walletDir, name)
		if err := os.WriteFile(p, []byte(body), 0600); err != nil {
			t.Fatal(err)
		}
		sources = append(sources, p)
	}

	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	e := &testEnv{
		t: t,
		cfg: Config{
			WalletID:    "wallet-1",
			SourceFiles: sources,
			DBDir:       walletDir,
			ScratchDir:  filepath.Join(dir, "scratch"),
		},
		store:    newFakeStore(),
		settings: store.NewSettingsStore(db),
		history:  store.NewBackupStore(db),
		guard:    &countingGuard{},
		clock:    baseTime,
	}
	e.store.now = func() time.Time { return e.clock }
	e.touch(baseTime.Add(-time.Hour))
	return e
}

// touch sets the modification time of every wallet file.
func (e *testEnv) touch(at time.Time) {
	e.t.Helper()
	for _, p := range e.cfg.SourceFiles {
		if err := os.Chtimes(p, at, at); err != nil {
			e.t.Fatal(err)
		}
	}
}

func (e *testEnv) manager(opts ...Option) *Manager {
	e.t.Helper()
	base := []Option{
		WithHistory(e.history),
		WithGuard(e.guard),
		WithSurface(okSurface),
		WithClock(func() time.Time { return e.clock }),
	}
	m, err := NewManager(e.cfg, e.store, e.settings, logging.Discard(), append(base, opts...)...)
	if err != nil {
		e.t.Fatalf("new manager: %v", err)
	}
	return m
}

// enabledManager returns a manager whose provider is already switched on
// without having run a backup.
func (e *testEnv) enabledManager(opts ...Option) *Manager {
	e.t.Helper()
	if err := e.settings.SetEnabled(e.store.Name(), true); err != nil {
		e.t.Fatal(err)
	}
	return e.manager(opts...)
}

func (e *testEnv) assertGuardBalanced() {
	e.t.Helper()
	begun, open := e.guard.state()
	if open != 0 {
		e.t.Errorf("guard open = %d after %d begins", open, begun)
	}
}

func (e *testEnv) scratchEmpty() bool {
	entries, err := os.ReadDir(e.cfg.ScratchDir)
	if os.IsNotExist(err) {
		return true
	}
	return err == nil && len(entries) == 0
}

// archiveBytes packages files (name -> body) and returns the zip bytes.
func archiveBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	dir := t.TempDir()
	var sources []string
	for name, body := range files {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(body), 0600); err != nil {
			t.Fatal(err)
		}
		sources = append(sources, p)
	}
	out, err := Package(context.Background(), sources, filepath.Join(dir, "out", "a.zip"))
	if err != nil {
		t.Fatalf("package: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	return data
}
