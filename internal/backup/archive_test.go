package backup

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
)

func writeWalletFiles(t *testing.T, dir string, files map[string][]byte) []string {
	t.Helper()
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	var paths []string
	for name, data := range files {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, data, 0600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		paths = append(paths, p)
	}
	return paths
}

func TestPackageUnpackRoundTrip(t *testing.T) {
	files := map[string][]byte{
		"wallet.db":     bytes.Repeat([]byte{0x00, 0x01, 0xfe}, 5000),
		"wallet.db-wal": []byte("write-ahead"),
		"empty":         {},
	}
	srcDir := filepath.Join(t.TempDir(), "src")
	sources := writeWalletFiles(t, srcDir, files)

	archive := filepath.Join(t.TempDir(), "out", "wallet-backup.zip")
	got, err := Package(context.Background(), sources, archive)
	if err != nil {
		t.Fatalf("package: %v", err)
	}
	if got != archive {
		t.Errorf("path = %q, want %q", got, archive)
	}

	dest := filepath.Join(t.TempDir(), "restored")
	extracted, err := Unpack(context.Background(), archive, dest)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if len(extracted) != len(files) {
		t.Fatalf("extracted %d files, want %d", len(extracted), len(files))
	}
	for name, want := range files {
		data, err := os.ReadFile(filepath.Join(dest, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if !bytes.Equal(data, want) {
			t.Errorf("%s differs after round trip", name)
		}
	}
}

func TestPackageEntriesSorted(t *testing.T) {
	srcDir := t.TempDir()
	sources := writeWalletFiles(t, srcDir, map[string][]byte{"b.db": []byte("b"), "a.db": []byte("a"), "c.db": []byte("c")})
	archive := filepath.Join(t.TempDir(), "a.zip")

	if _, err := Package(context.Background(), sources, archive); err != nil {
		t.Fatalf("package: %v", err)
	}
	zr, err := zip.OpenReader(archive)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer zr.Close()

	want := []string{"a.db", "b.db", "c.db"}
	for i, f := range zr.File {
		if f.Name != want[i] {
			t.Errorf("entry %d = %q, want %q", i, f.Name, want[i])
		}
	}
}

func TestPackageMissingSource(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "a.zip")
	_, err := Package(context.Background(), []string{filepath.Join(t.TempDir(), "missing.db")}, archive)
	if !errors.Is(err, ErrPackagingFailed) {
		t.Fatalf("err = %v, want ErrPackagingFailed", err)
	}
	if _, statErr := os.Stat(archive); !os.IsNotExist(statErr) {
		t.Error("failed packaging should not leave an archive behind")
	}
}

func TestPackageNoSources(t *testing.T) {
	if _, err := Package(context.Background(), nil, filepath.Join(t.TempDir(), "a.zip")); !errors.Is(err, ErrPackagingFailed) {
		t.Errorf("err = %v, want ErrPackagingFailed", err)
	}
}

func TestPackageUncreatableDestination(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	os.WriteFile(blocker, []byte("x"), 0600)
	sources := writeWalletFiles(t, t.TempDir(), map[string][]byte{"wallet.db": []byte("x")})

	_, err := Package(context.Background(), sources, filepath.Join(blocker, "sub", "a.zip"))
	if !errors.Is(err, ErrPackagingFailed) {
		t.Errorf("err = %v, want ErrPackagingFailed", err)
	}
}

func TestUnpackNotAnArchive(t *testing.T) {
	bogus := filepath.Join(t.TempDir(), "bogus.zip")
	os.WriteFile(bogus, []byte("definitely not a zip file"), 0600)

	_, err := Unpack(context.Background(), bogus, t.TempDir())
	if !errors.Is(err, ErrCorruptArchive) {
		t.Fatalf("err = %v, want ErrCorruptArchive", err)
	}
}

func TestUnpackRejectsTraversal(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "evil.zip")
	f, _ := os.Create(archive)
	zw := zip.NewWriter(f)
	w, _ := zw.Create("../escape.db")
	w.Write([]byte("x"))
	zw.Close()
	f.Close()

	dest := filepath.Join(t.TempDir(), "dest")
	_, err := Unpack(context.Background(), archive, dest)
	if !errors.Is(err, ErrCorruptArchive) {
		t.Fatalf("err = %v, want ErrCorruptArchive", err)
	}
	if _, statErr := os.Stat(filepath.Join(filepath.Dir(dest), "escape.db")); !os.IsNotExist(statErr) {
		t.Error("traversal entry was written outside destination")
	}
}
