package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	shellquote "github.com/kballard/go-shellquote"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration. Precedence, lowest to
// highest: built-in defaults, the YAML config file, TERMINALSYNC_*
// environment variables. No command-line flag overrides these fields.
type Config struct {
	Token           string `yaml:"token"`
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	MaxClients      int    `yaml:"max_clients"`
	ScrollbackLines int    `yaml:"scrollback_lines"`
	DefaultShell    string `yaml:"default_shell"`
	WebRoot         string `yaml:"web_root"`
	DBPath          string `yaml:"db_path"`

	// ConfigPath is where the file was (or will be) read; not a key.
	ConfigPath string `yaml:"-"`
}

// Load builds the configuration from defaults, the config file, and the
// environment. A missing config file is not an error; a missing token
// is generated and saved so restarts keep the same secret.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	configDir := filepath.Join(homeDir, ".config", "terminalsync")

	cfg := &Config{
		Host:            "0.0.0.0",
		Port:            8089,
		MaxClients:      10,
		ScrollbackLines: 1000,
		DefaultShell:    defaultShell(),
		WebRoot:         filepath.Join(configDir, "web"),
		DBPath:          filepath.Join(configDir, "terminalsync.db"),
		ConfigPath:      filepath.Join(configDir, "config.yaml"),
	}

	if path := os.Getenv("TERMINALSYNC_CONFIG"); path != "" {
		cfg.ConfigPath = path
	}

	if err := cfg.loadFromFile(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}
	cfg.applyEnv()

	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d: must be between 1 and 65535", cfg.Port)
	}
	if cfg.MaxClients < 1 {
		return nil, fmt.Errorf("invalid max_clients %d: must be at least 1", cfg.MaxClients)
	}

	if cfg.Token == "" {
		token, err := generateToken()
		if err != nil {
			return nil, fmt.Errorf("failed to generate token: %w", err)
		}
		cfg.Token = token
		if err := cfg.saveToFile(); err != nil {
			return nil, fmt.Errorf("failed to save config file: %w", err)
		}
	}

	return cfg, nil
}

func defaultShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/sh"
}

// ShellArgv splits default_shell into an argv; the value may carry
// arguments ("/bin/bash --login").
func (c *Config) ShellArgv() ([]string, error) {
	argv, err := shellquote.Split(c.DefaultShell)
	if err != nil {
		return nil, fmt.Errorf("invalid default_shell %q: %w", c.DefaultShell, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("default_shell is empty")
	}
	return argv, nil
}

// PIDPath is where main writes the process id file.
func (c *Config) PIDPath() string {
	return filepath.Join(filepath.Dir(c.ConfigPath), "terminalsync.pid")
}

func (c *Config) loadFromFile() error {
	data, err := os.ReadFile(c.ConfigPath)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("invalid YAML in %s: %w", c.ConfigPath, err)
	}
	return nil
}

func (c *Config) saveToFile() error {
	dir := filepath.Dir(c.ConfigPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.ConfigPath, data, 0o600)
}

// applyEnv overlays TERMINALSYNC_* variables; malformed integers are
// ignored in favor of the current value.
func (c *Config) applyEnv() {
	if v := os.Getenv("TERMINALSYNC_TOKEN"); v != "" {
		c.Token = v
	}
	if v := os.Getenv("TERMINALSYNC_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("TERMINALSYNC_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := os.Getenv("TERMINALSYNC_MAX_CLIENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxClients = n
		}
	}
	if v := os.Getenv("TERMINALSYNC_SCROLLBACK_LINES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ScrollbackLines = n
		}
	}
	if v := os.Getenv("TERMINALSYNC_DEFAULT_SHELL"); v != "" {
		c.DefaultShell = v
	}
	if v := os.Getenv("TERMINALSYNC_WEB_ROOT"); v != "" {
		c.WebRoot = v
	}
	if v := os.Getenv("TERMINALSYNC_DB_PATH"); v != "" {
		c.DBPath = v
	}
}

func generateToken() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
