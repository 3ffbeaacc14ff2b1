// Package config loads daemon and CLI configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// WALLETBACKUP_ environment variables. A double underscore in a variable
// name separates sections, so WALLETBACKUP_S3__BUCKET sets s3.bucket.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "WALLETBACKUP_"

// PathEnvVar overrides the config file location.
const PathEnvVar = EnvPrefix + "CONFIG"

// DefaultPaths are searched in order when no path is given.
var DefaultPaths = []string{
	"walletbackup.yaml",
	"walletbackup.yml",
	"/etc/walletbackup/config.yaml",
}

type Config struct {
	Wallet       WalletConfig       `koanf:"wallet"`
	Backup       BackupConfig       `koanf:"backup"`
	S3           S3Config           `koanf:"s3"`
	Container    ContainerConfig    `koanf:"container"`
	Reachability ReachabilityConfig `koanf:"reachability"`
	Server       ServerConfig       `koanf:"server"`
	Logging      LoggingConfig      `koanf:"logging"`

	// PasswordEnv names the variable holding the backup password. When set
	// it takes precedence over PasswordFile.
	PasswordEnv  string `koanf:"password_env"`
	PasswordFile string `koanf:"password_file"`
}

type WalletConfig struct {
	// ID is the wallet's public identity; it names the remote folder.
	ID    string   `koanf:"id" validate:"required"`
	DBDir string   `koanf:"db_dir" validate:"required"`
	Files []string `koanf:"files" validate:"required,min=1,dive,required"`
}

type BackupConfig struct {
	ScratchDir       string        `koanf:"scratch_dir" validate:"required"`
	SettingsDB       string        `koanf:"settings_db" validate:"required"`
	Debounce         time.Duration `koanf:"debounce" validate:"gt=0"`
	DeleteOtherKind  bool          `koanf:"delete_other_kind"`
	HistoryRetention time.Duration `koanf:"history_retention" validate:"gte=0"`
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

type S3Config struct {
	Enabled   bool   `koanf:"enabled"`
	Endpoint  string `koanf:"endpoint" validate:"omitempty,url"`
	Bucket    string `koanf:"bucket" validate:"required_if=Enabled true"`
	Region    string `koanf:"region"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
	Prefix    string `koanf:"prefix"`
	PartSize  int64  `koanf:"part_size" validate:"omitempty,min=5242880"`
}

type ContainerConfig struct {
	Enabled      bool          `koanf:"enabled"`
	Root         string        `koanf:"root" validate:"required_if=Enabled true"`
	KeepHistory  int           `koanf:"keep_history" validate:"min=1"`
	PollInterval time.Duration `koanf:"poll_interval" validate:"gt=0"`
}

type ReachabilityConfig struct {
	ProbeAddr string        `koanf:"probe_addr" validate:"omitempty,hostname_port"`
	Interval  time.Duration `koanf:"interval" validate:"gt=0"`
}

type ServerConfig struct {
	Addr string `koanf:"addr" validate:"required"`
	// Token, when set, is required as a bearer token on mutating routes.
	Token string `koanf:"token"`
	// RestoreLimit is how many restore requests one client may make per
	// RestoreWindow.
	RestoreLimit  int           `koanf:"restore_limit" validate:"min=1"`
	RestoreWindow time.Duration `koanf:"restore_window" validate:"gt=0"`
}

type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, ".walletbackup")
	return &Config{
		Wallet: WalletConfig{
			DBDir: filepath.Join(base, "wallet"),
			Files: []string{"wallet.db"},
		},
		Backup: BackupConfig{
			ScratchDir:       filepath.Join(base, "scratch"),
			SettingsDB:       filepath.Join(base, "walletbackup.db"),
			Debounce:         5 * time.Second,
			DeleteOtherKind:  true,
			HistoryRetention: 90 * 24 * time.Hour,
			ShutdownTimeout:  30 * time.Second,
		},
		S3: S3Config{
			Region:   "us-east-1",
			PartSize: 8 << 20,
		},
		Container: ContainerConfig{
			KeepHistory:  1,
			PollInterval: 500 * time.Millisecond,
		},
		Reachability: ReachabilityConfig{
			Interval: 15 * time.Second,
		},
		Server: ServerConfig{
			Addr:          "127.0.0.1:8741",
			RestoreLimit:  5,
			RestoreWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		PasswordFile: filepath.Join(base, "password"),
	}
}

// Load reads configuration. An empty path searches PathEnvVar and then
// DefaultPaths; finding no file is not an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = findFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	if err := splitList(k, "wallet.files"); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func findFile() string {
	if p := os.Getenv(PathEnvVar); p != "" {
		return p
	}
	for _, p := range DefaultPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envKey maps WALLETBACKUP_S3__ACCESS_KEY to s3.access_key.
func envKey(key string) string {
	key = strings.TrimPrefix(key, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

// splitList turns a comma-separated string (as env vars deliver lists) into
// a slice.
func splitList(k *koanf.Koanf, path string) error {
	s, ok := k.Get(path).(string)
	if !ok {
		return nil
	}
	var parts []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if err := k.Set(path, parts); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	return nil
}

// Validate checks field constraints and that at least one provider is on.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	if !c.S3.Enabled && !c.Container.Enabled {
		return errors.New("no provider enabled: set s3.enabled or container.enabled")
	}
	return nil
}

// SourceFiles returns the wallet files as paths. Relative entries are
// resolved against the wallet directory.
func (c *Config) SourceFiles() []string {
	files := make([]string, 0, len(c.Wallet.Files))
	for _, f := range c.Wallet.Files {
		if !filepath.IsAbs(f) {
			f = filepath.Join(c.Wallet.DBDir, f)
		}
		files = append(files, f)
	}
	return files
}

// ScratchDir returns the scratch directory for one provider.
func (c *Config) ScratchDir(provider string) string {
	return filepath.Join(c.Backup.ScratchDir, provider)
}
