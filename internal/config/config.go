package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/sys/unix"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	StateDir    string `toml:"state_dir"`
	LogDir      string `toml:"log_dir"`
	DownloadDir string `toml:"download_dir"`
	InstallRoot string `toml:"install_root"`
	CatalogDir  string `toml:"catalog_dir"`
	APIBind     string `toml:"api_bind"`
}

// Orchestrator contains per-stage concurrency and drain settings.
type Orchestrator struct {
	// MaxDownloadConcurrency caps concurrent download workers; 0 means unbounded.
	MaxDownloadConcurrency int `toml:"max_download_concurrency"`
	OperationConcurrency   int `toml:"operation_concurrency"`
	DrainTimeoutSeconds    int `toml:"drain_timeout_seconds"`
	// CompletedHistory bounds how many finished requests the daemon remembers.
	CompletedHistory int `toml:"completed_history"`
}

// Download contains settings for fetching installer payloads.
type Download struct {
	TimeoutSeconds int    `toml:"timeout_seconds"`
	UserAgent      string `toml:"user_agent"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format          string            `toml:"format"`
	Level           string            `toml:"level"`
	RetentionDays   int               `toml:"retention_days"`
	ComponentLevels map[string]string `toml:"component_levels"`
}

// Metrics toggles the Prometheus endpoint served next to the status API.
type Metrics struct {
	Enabled bool `toml:"enabled"`
}

// Config encapsulates all configuration values for stevedore.
//
// Configuration sections by subsystem:
//   - Paths: state, log, download, install, and catalog directories plus the
//     HTTP bind address
//   - Orchestrator: stage concurrency limits and shutdown drain timeout
//   - Download: payload fetch timeout and user agent
//   - Logging: log format, level, retention, and per-component levels
//   - Metrics: Prometheus exposition toggle
type Config struct {
	Paths        Paths        `toml:"paths"`
	Orchestrator Orchestrator `toml:"orchestrator"`
	Download     Download     `toml:"download"`
	Logging      Logging      `toml:"logging"`
	Metrics      Metrics      `toml:"metrics"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			var strict *toml.StrictMissingError
			if errors.As(err, &strict) {
				return nil, "", false, fmt.Errorf("parse config: %s", strict.String())
			}
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("stevedore.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation and
// verifies the process can write to each of them.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.StateDir, c.Paths.LogDir, c.Paths.DownloadDir, c.Paths.InstallRoot}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
		if err := unix.Access(dir, unix.W_OK|unix.X_OK); err != nil {
			return fmt.Errorf("directory %q is not writable: %w", dir, err)
		}
	}
	// The catalog is read-only input; a missing directory simply yields no packages.
	if strings.TrimSpace(c.Paths.CatalogDir) != "" {
		_ = os.MkdirAll(c.Paths.CatalogDir, 0o755)
	}
	return nil
}

// SocketPath returns the JSON-RPC socket location.
func (c *Config) SocketPath() string {
	return filepath.Join(c.Paths.StateDir, "stevedore.sock")
}

// LockPath returns the single-instance lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "stevedore.lock")
}

// DatabasePath returns the SQLite state database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.StateDir, "state.db")
}

// DrainTimeout returns how long shutdown waits for running items.
func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.Orchestrator.DrainTimeoutSeconds) * time.Second
}

// DownloadTimeout returns the per-request HTTP timeout for payload fetches.
func (c *Config) DownloadTimeout() time.Duration {
	return time.Duration(c.Download.TimeoutSeconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
