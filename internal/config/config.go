// Package config holds the collector's runtime settings. Values come from an
// optional YAML file, then command-line flags, then the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// TokenHashEnv overrides Config.UploadTokenHash when set.
const TokenHashEnv = "SESSIONLOG_UPLOAD_TOKEN_HASH"

// Config is the top-level configuration passed to the server and sync loop.
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string `yaml:"listen_addr"`

	// LogDir is the directory holding the stored .json log files.
	LogDir string `yaml:"log_dir"`

	// WebDir serves the landing page when set; otherwise a built-in page is used.
	WebDir string `yaml:"web_dir"`

	// MaxUploadBytes caps the size of an /upload request body.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`

	// UploadTokenHash is a bcrypt hash. When set, /upload and /logs
	// require a matching bearer token.
	UploadTokenHash string `yaml:"upload_token_hash"`

	Sync SyncConfig `yaml:"sync"`
}

// SyncConfig configures the device sync loop.
type SyncConfig struct {
	Enabled bool `yaml:"enabled"`

	// ADBPath is the device bridge binary.
	ADBPath string `yaml:"adb_path"`

	// Serial selects a device when several are attached.
	Serial string `yaml:"serial"`

	// RemoteDir is the folder on the device holding exported logs.
	RemoteDir string `yaml:"remote_dir"`

	Interval       time.Duration `yaml:"interval"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:     ":5007",
		LogDir:         "session_logs",
		MaxUploadBytes: 32 << 20,
		Sync: SyncConfig{
			Enabled:        true,
			ADBPath:        "adb",
			RemoteDir:      "/sdcard/Download/PhishSafe",
			Interval:       5 * time.Second,
			CommandTimeout: 30 * time.Second,
		},
	}
}

// LoadFile merges the YAML file at path over c. Keys missing from the file
// keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// BindFlags registers flags that write into c. Defaults shown in help are
// c's current values.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "HTTP listen address")
	fs.StringVar(&c.LogDir, "log-dir", c.LogDir, "directory for stored .json log files")
	fs.StringVar(&c.WebDir, "web", c.WebDir, "directory with static landing page files")
	fs.Int64Var(&c.MaxUploadBytes, "max-upload-bytes", c.MaxUploadBytes, "maximum upload request size")
	fs.StringVar(&c.UploadTokenHash, "upload-token-hash", c.UploadTokenHash, "bcrypt hash of the upload bearer token (empty disables auth)")
	fs.BoolVar(&c.Sync.Enabled, "sync", c.Sync.Enabled, "pull logs from a connected device")
	fs.StringVar(&c.Sync.ADBPath, "adb", c.Sync.ADBPath, "path to the adb binary")
	fs.StringVar(&c.Sync.Serial, "serial", c.Sync.Serial, "device serial (adb -s)")
	fs.StringVar(&c.Sync.RemoteDir, "remote-dir", c.Sync.RemoteDir, "log folder on the device")
	fs.DurationVar(&c.Sync.Interval, "sync-interval", c.Sync.Interval, "pause between device sync cycles")
	fs.DurationVar(&c.Sync.CommandTimeout, "adb-timeout", c.Sync.CommandTimeout, "timeout for each adb command")
}

// ApplyEnv applies environment overrides.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(TokenHashEnv); v != "" {
		c.UploadTokenHash = v
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if c.LogDir == "" {
		return errors.New("log directory is required")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("max upload bytes must be positive, got %d", c.MaxUploadBytes)
	}
	if c.Sync.Enabled {
		if c.Sync.RemoteDir == "" {
			return errors.New("sync remote directory is required")
		}
		if c.Sync.ADBPath == "" {
			return errors.New("adb path is required")
		}
		if c.Sync.Interval <= 0 {
			return fmt.Errorf("sync interval must be positive, got %v", c.Sync.Interval)
		}
		if c.Sync.CommandTimeout < 0 {
			return fmt.Errorf("adb timeout must not be negative, got %v", c.Sync.CommandTimeout)
		}
	}
	return nil
}
