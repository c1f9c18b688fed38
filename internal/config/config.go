// Package config loads the supervisor configuration. Engine-facing settings
// (install directory, connection port, timeouts, engine log level) live in a
// JSON file that is created with defaults when missing and can be written
// back after in-process edits. Daemon-facing settings (listen address,
// journal path, supervisor log level) come from environment variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "workspace.db"
	defaultFilePath   = "workspace.cfg"

	envListenAddr = "WORKSPACE_LISTEN_ADDR"
	envDBPath     = "WORKSPACE_DB_PATH"
	envConfigPath = "WORKSPACE_CONFIG"
	envLogLevel   = "WORKSPACE_LOG_LEVEL"
)

// Engine connection defaults, written to the config file on first use.
const (
	DefaultPort                = 58660
	DefaultTerminateTimeoutSec = 10
	DefaultRunOnceTimeoutSec   = 10
	DefaultEngineLogLevel      = 6
)

// File holds the engine-facing settings persisted in the JSON config file.
type File struct {
	InstallDir          string `json:"install_dir"`
	ConnectionPort      int    `json:"connection_port"`
	TerminateTimeoutSec int    `json:"terminate_timeout_sec"`
	RunOnceTimeoutSec   int    `json:"runonce_timeout_sec"`
	EngineLogLevel      int    `json:"log_level"`

	path string
}

// Config holds the full daemon configuration.
type Config struct {
	ListenAddr string
	DBPath     string
	ConfigPath string
	LogLevel   slog.Level
}

// Load reads daemon configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr: defaultListenAddr,
		DBPath:     defaultDBPath,
		ConfigPath: defaultFilePath,
		LogLevel:   slog.LevelInfo,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envConfigPath); v != "" {
		cfg.ConfigPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}

	return cfg
}

func defaultFile(path string) *File {
	return &File{
		InstallDir:          "/opt/workspace",
		ConnectionPort:      DefaultPort,
		TerminateTimeoutSec: DefaultTerminateTimeoutSec,
		RunOnceTimeoutSec:   DefaultRunOnceTimeoutSec,
		EngineLogLevel:      DefaultEngineLogLevel,
		path:                path,
	}
}

// LoadFile reads the engine config file at path. A missing file is not an
// error: the file is created with default values and those defaults are
// returned, so a fresh install works without manual setup.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		f := defaultFile(path)
		if err := f.Save(); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	f := defaultFile(path)
	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return f, nil
}

// Save writes the config file back to disk, persisting any in-process edits.
func (f *File) Save() error {
	data, err := json.MarshalIndent(f, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(f.path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", f.path, err)
	}
	return nil
}

// Path returns the location the config file was loaded from.
func (f *File) Path() string {
	return f.path
}

// EngineBin returns the path of the workflow engine binary under the
// configured install directory.
func (f *File) EngineBin() string {
	return filepath.Join(f.InstallDir, "bin", "workflow-engine")
}

// TerminateTimeout returns the termination escalation timeout as a Duration.
func (f *File) TerminateTimeout() time.Duration {
	return time.Duration(f.TerminateTimeoutSec) * time.Second
}

// RunOnceTimeout returns the run-once adapter timeout as a Duration.
func (f *File) RunOnceTimeout() time.Duration {
	return time.Duration(f.RunOnceTimeoutSec) * time.Second
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
