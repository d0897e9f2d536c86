package config

import (
	"os"
	"path/filepath"
	"testing"
)

func loadWithConfig(t *testing.T, yaml string, env map[string]string) (*Config, error) {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if yaml != "" {
		if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}

	t.Setenv("TERMINALSYNC_CONFIG", path)
	// Neutralize ambient overrides, then apply the test's.
	for _, key := range []string{
		"TERMINALSYNC_TOKEN", "TERMINALSYNC_HOST", "TERMINALSYNC_PORT",
		"TERMINALSYNC_MAX_CLIENTS", "TERMINALSYNC_SCROLLBACK_LINES",
		"TERMINALSYNC_DEFAULT_SHELL", "TERMINALSYNC_WEB_ROOT", "TERMINALSYNC_DB_PATH",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	for k, v := range env {
		t.Setenv(k, v)
	}

	return Load()
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadWithConfig(t, "token: abc\n", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Host != "0.0.0.0" {
		t.Errorf("default host: got %q", cfg.Host)
	}
	if cfg.Port != 8089 {
		t.Errorf("default port: got %d", cfg.Port)
	}
	if cfg.MaxClients != 10 {
		t.Errorf("default max_clients: got %d", cfg.MaxClients)
	}
	if cfg.ScrollbackLines != 1000 {
		t.Errorf("default scrollback_lines: got %d", cfg.ScrollbackLines)
	}
	if cfg.DefaultShell == "" {
		t.Error("default shell should never be empty")
	}
}

func TestFileOverridesDefaults(t *testing.T) {
	cfg, err := loadWithConfig(t, "token: abc\nport: 9001\nmax_clients: 3\n", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9001 || cfg.MaxClients != 3 {
		t.Fatalf("file values not applied: port=%d max_clients=%d", cfg.Port, cfg.MaxClients)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	cfg, err := loadWithConfig(t, "token: from-file\nport: 9001\n", map[string]string{
		"TERMINALSYNC_TOKEN": "from-env",
		"TERMINALSYNC_PORT":  "9002",
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Token != "from-env" {
		t.Errorf("env token should win, got %q", cfg.Token)
	}
	if cfg.Port != 9002 {
		t.Errorf("env port should win, got %d", cfg.Port)
	}
}

func TestTokenGeneratedAndSaved(t *testing.T) {
	cfg, err := loadWithConfig(t, "", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Token) != 32 {
		t.Fatalf("expected 32-char generated token, got %q", cfg.Token)
	}

	data, err := os.ReadFile(cfg.ConfigPath)
	if err != nil {
		t.Fatalf("config file should have been written: %v", err)
	}
	if string(data) == "" {
		t.Fatal("saved config is empty")
	}

	// A second load reuses the persisted token.
	t.Setenv("TERMINALSYNC_CONFIG", cfg.ConfigPath)
	again, err := Load()
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if again.Token != cfg.Token {
		t.Fatalf("token changed across loads: %q vs %q", again.Token, cfg.Token)
	}
}

func TestInvalidPortRejected(t *testing.T) {
	if _, err := loadWithConfig(t, "token: abc\nport: 70000\n", nil); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}

func TestShellArgvSplitsArguments(t *testing.T) {
	cfg := &Config{DefaultShell: `/bin/bash --login -c 'echo hi'`}
	argv, err := cfg.ShellArgv()
	if err != nil {
		t.Fatalf("ShellArgv: %v", err)
	}
	want := []string{"/bin/bash", "--login", "-c", "echo hi"}
	if len(argv) != len(want) {
		t.Fatalf("expected %d words, got %v", len(want), argv)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Fatalf("word %d: got %q, want %q", i, argv[i], want[i])
		}
	}
}

func TestShellArgvRejectsUnbalancedQuotes(t *testing.T) {
	cfg := &Config{DefaultShell: `/bin/sh -c 'oops`}
	if _, err := cfg.ShellArgv(); err == nil {
		t.Fatal("expected error for unbalanced quote")
	}
}
