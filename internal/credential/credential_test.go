package credential

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFileSourceMissing(t *testing.T) {
	s := NewFileSource(filepath.Join(t.TempDir(), "password"))

	pw, ok, err := s.LoadPassword(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok || pw != "" {
		t.Errorf("got %q, %v; want no password", pw, ok)
	}
}

func TestFileSourceSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets", "password")
	s := NewFileSource(path)
	ctx := context.Background()

	if err := s.SavePassword(ctx, "s3cret"); err != nil {
		t.Fatalf("save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("mode = %o, want 600", perm)
	}

	pw, ok, err := s.LoadPassword(ctx)
	if err != nil || !ok || pw != "s3cret" {
		t.Errorf("load = %q, %v, %v", pw, ok, err)
	}

	if err := s.SavePassword(ctx, ""); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok, _ := s.LoadPassword(ctx); ok {
		t.Error("password should be gone")
	}
}

func TestFileSourceTrimsNewline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "password")
	if err := os.WriteFile(path, []byte("typed\n"), 0600); err != nil {
		t.Fatal(err)
	}

	pw, _, err := NewFileSource(path).LoadPassword(context.Background())
	if err != nil || pw != "typed" {
		t.Errorf("load = %q, %v", pw, err)
	}
}

func TestEnvSource(t *testing.T) {
	t.Setenv("WALLETBACKUP_TEST_PASSWORD", "from-env")
	s := NewEnvSource("WALLETBACKUP_TEST_PASSWORD")

	pw, ok, err := s.LoadPassword(context.Background())
	if err != nil || !ok || pw != "from-env" {
		t.Errorf("load = %q, %v, %v", pw, ok, err)
	}
	if err := s.SavePassword(context.Background(), "x"); !errors.Is(err, ErrReadOnly) {
		t.Errorf("save err = %v, want ErrReadOnly", err)
	}
}
