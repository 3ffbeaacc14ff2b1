// Package credential provides sources for the optional backup password.
package credential

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrReadOnly is returned when saving to a source that cannot be written.
var ErrReadOnly = errors.New("credential source is read-only")

// FileSource keeps the password in a file readable only by the owner.
type FileSource struct {
	path string
}

// NewFileSource returns a source backed by path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// LoadPassword returns the stored password. A missing file means no
// password is configured.
func (s *FileSource) LoadPassword(ctx context.Context) (string, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read password file: %w", err)
	}
	password := strings.TrimRight(string(data), "\r\n")
	return password, password != "", nil
}

// SavePassword replaces the stored password. An empty password removes it.
func (s *FileSource) SavePassword(ctx context.Context, password string) error {
	if password == "" {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove password file: %w", err)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create password dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(password), 0600); err != nil {
		return fmt.Errorf("write password file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace password file: %w", err)
	}
	return nil
}

// EnvSource reads the password from an environment variable.
type EnvSource struct {
	name string
}

// NewEnvSource returns a source reading the variable name.
func NewEnvSource(name string) *EnvSource {
	return &EnvSource{name: name}
}

func (s *EnvSource) LoadPassword(ctx context.Context) (string, bool, error) {
	v := os.Getenv(s.name)
	return v, v != "", nil
}

func (s *EnvSource) SavePassword(ctx context.Context, password string) error {
	return fmt.Errorf("%s: %w", s.name, ErrReadOnly)
}
