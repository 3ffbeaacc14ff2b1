package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"
)

// Package zips sources into a single archive at dst. Entries are stored by
// base name in sorted order. A missing or unreadable source, or a destination
// that cannot be created, fails with ErrPackagingFailed.
func Package(ctx context.Context, sources []string, dst string) (string, error) {
	if len(sources) == 0 {
		return "", fmt.Errorf("%w: no source files", ErrPackagingFailed)
	}

	sorted := append([]string(nil), sources...)
	sort.Slice(sorted, func(i, j int) bool {
		return filepath.Base(sorted[i]) < filepath.Base(sorted[j])
	})
	seen := make(map[string]bool, len(sorted))
	for _, src := range sorted {
		name := filepath.Base(src)
		if seen[name] {
			return "", fmt.Errorf("%w: duplicate entry %q", ErrPackagingFailed, name)
		}
		seen[name] = true
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0700); err != nil {
		return "", fmt.Errorf("%w: create destination dir: %w", ErrPackagingFailed, err)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return "", fmt.Errorf("%w: create archive: %w", ErrPackagingFailed, err)
	}

	fail := func(err error) (string, error) {
		out.Close()
		os.Remove(dst)
		return "", fmt.Errorf("%w: %w", ErrPackagingFailed, err)
	}

	zw := zip.NewWriter(out)
	for _, src := range sorted {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		if err := addFile(zw, src); err != nil {
			return fail(err)
		}
	}
	if err := zw.Close(); err != nil {
		return fail(fmt.Errorf("finalize archive: %w", err))
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("%w: close archive: %w", ErrPackagingFailed, err)
	}
	return dst, nil
}

func addFile(zw *zip.Writer, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", src)
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("header for %s: %w", src, err)
	}
	header.Name = filepath.Base(src)
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("create entry %s: %w", header.Name, err)
	}
	if _, err := io.Copy(w, in); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return nil
}

// Unpack extracts archivePath into destDir and returns the extracted paths.
// Anything that is not a valid archive, or that names an entry outside
// destDir, fails with ErrCorruptArchive.
func Unpack(ctx context.Context, archivePath, destDir string) ([]string, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptArchive, err)
	}
	defer zr.Close()

	if err := os.MkdirAll(destDir, 0700); err != nil {
		return nil, fmt.Errorf("create %s: %w", destDir, err)
	}

	var files []string
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return files, err
		}
		target, err := entryPath(destDir, f.Name)
		if err != nil {
			return files, err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0700); err != nil {
				return files, fmt.Errorf("create dir %s: %w", target, err)
			}
			continue
		}
		if err := extractFile(f, target); err != nil {
			return files, err
		}
		files = append(files, target)
	}
	return files, nil
}

func entryPath(destDir, name string) (string, error) {
	if name == "" || filepath.IsAbs(name) || strings.Contains(name, `\`) {
		return "", fmt.Errorf("%w: illegal entry name %q", ErrCorruptArchive, name)
	}
	target := filepath.Join(destDir, filepath.FromSlash(name))
	rel, err := filepath.Rel(destDir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: entry %q escapes destination", ErrCorruptArchive, name)
	}
	return target, nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
		return fmt.Errorf("create dir for %s: %w", target, err)
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("%w: open entry %s: %w", ErrCorruptArchive, f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		if errors.Is(err, zip.ErrChecksum) || errors.Is(err, zip.ErrFormat) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: entry %s: %w", ErrCorruptArchive, f.Name, err)
		}
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	return out.Close()
}
