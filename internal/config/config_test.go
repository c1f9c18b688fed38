package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(envListenAddr, "")
	t.Setenv(envDBPath, "")
	t.Setenv(envConfigPath, "")
	t.Setenv(envLogLevel, "")

	cfg := Load()

	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.DBPath != defaultDBPath {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, defaultDBPath)
	}
	if cfg.ConfigPath != defaultFilePath {
		t.Errorf("ConfigPath = %q, want %q", cfg.ConfigPath, defaultFilePath)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envDBPath, "/tmp/test.db")
	t.Setenv(envConfigPath, "/tmp/test.cfg")
	t.Setenv(envLogLevel, "debug")

	cfg := Load()

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "/tmp/test.db")
	}
	if cfg.ConfigPath != "/tmp/test.cfg" {
		t.Errorf("ConfigPath = %q, want %q", cfg.ConfigPath, "/tmp/test.cfg")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := parseLogLevel(tt.input); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestLoadFileCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workspace.cfg")

	f, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if f.ConnectionPort != DefaultPort {
		t.Errorf("ConnectionPort = %d, want %d", f.ConnectionPort, DefaultPort)
	}
	if f.TerminateTimeoutSec != DefaultTerminateTimeoutSec {
		t.Errorf("TerminateTimeoutSec = %d, want %d", f.TerminateTimeoutSec, DefaultTerminateTimeoutSec)
	}
	if f.EngineLogLevel != DefaultEngineLogLevel {
		t.Errorf("EngineLogLevel = %d, want %d", f.EngineLogLevel, DefaultEngineLogLevel)
	}

	// The file must now exist on disk with the defaults.
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file was not created: %v", err)
	}
}

func TestLoadFileParsesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workspace.cfg")
	content := `{"install_dir": "/usr/local/workspace", "connection_port": 59001, "terminate_timeout_sec": 3}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	f, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if f.InstallDir != "/usr/local/workspace" {
		t.Errorf("InstallDir = %q, want %q", f.InstallDir, "/usr/local/workspace")
	}
	if f.ConnectionPort != 59001 {
		t.Errorf("ConnectionPort = %d, want 59001", f.ConnectionPort)
	}
	// Unset keys keep their defaults.
	if f.RunOnceTimeoutSec != DefaultRunOnceTimeoutSec {
		t.Errorf("RunOnceTimeoutSec = %d, want %d", f.RunOnceTimeoutSec, DefaultRunOnceTimeoutSec)
	}
	if f.EngineBin() != "/usr/local/workspace/bin/workflow-engine" {
		t.Errorf("EngineBin() = %q", f.EngineBin())
	}
}

func TestLoadFileRejectsInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workspace.cfg")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := LoadFile(path); err == nil {
		t.Fatal("LoadFile accepted invalid JSON")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workspace.cfg")

	f, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	f.ConnectionPort = 60123
	f.TerminateTimeoutSec = 1
	if err := f.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.ConnectionPort != 60123 {
		t.Errorf("ConnectionPort = %d, want 60123", reloaded.ConnectionPort)
	}
	if reloaded.TerminateTimeoutSec != 1 {
		t.Errorf("TerminateTimeoutSec = %d, want 1", reloaded.TerminateTimeoutSec)
	}
}
