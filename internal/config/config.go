// Copyright (c) 2025 Opentalk Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for opentalk.
//
// Configuration is TOML with environment variable overrides and
// validation. Chat settings (API key, base URL, model choice) live in
// the settings store, not here; this file covers the machine-local
// knobs: paths, timeouts, the local HTTP server, and the UI.
//
// Locations (in order of precedence):
//   - OPENTALK_* environment variables
//   - ~/.opentalk/config.toml
//   - Built-in defaults
package config

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/opentalk-app/opentalk/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete opentalk configuration.
type Config struct {
	Version string `toml:"version"`

	Storage  StorageConfig  `toml:"storage"`
	Provider ProviderConfig `toml:"provider"`
	Server   ServerConfig   `toml:"server"`
	UI       UIConfig       `toml:"ui"`
	Log      LogConfig      `toml:"log"`
}

// StorageConfig locates the durable state.
type StorageConfig struct {
	// DataDir holds the database, key file, and logs. Empty means
	// ~/.opentalk.
	DataDir string `toml:"data_dir"`
	// EncryptAPIKey stores the provider API key encrypted at rest.
	EncryptAPIKey bool `toml:"encrypt_api_key"`
}

// ProviderConfig tunes the completion client.
type ProviderConfig struct {
	// FirstByteTimeoutSecs bounds the wait for the first streamed event.
	FirstByteTimeoutSecs int `toml:"first_byte_timeout_secs"`
	// StreamTimeoutSecs bounds the gap between streamed events.
	StreamTimeoutSecs int `toml:"stream_timeout_secs"`
	// RequestsPerSecond caps outgoing API requests.
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// ServerConfig tunes the optional local HTTP API.
type ServerConfig struct {
	// ListenAddr is the address the API binds to. Loopback by default;
	// exposing it wider is a deliberate choice.
	ListenAddr string `toml:"listen_addr"`
	// RateLimitRPS caps requests per second per server.
	RateLimitRPS float64 `toml:"rate_limit_rps"`
	// MaxBodyBytes caps request body size.
	MaxBodyBytes int64 `toml:"max_body_bytes"`
}

// UIConfig tunes the terminal front end.
type UIConfig struct {
	// Theme is "dark", "light", or "auto".
	Theme string `toml:"theme"`
	// Markdown renders assistant replies as styled markdown.
	Markdown bool `toml:"markdown"`
	// ShowReasoning displays the reasoning side channel when present.
	ShowReasoning bool `toml:"show_reasoning"`
}

// LogConfig tunes logging.
type LogConfig struct {
	// Level is trace, debug, info, warn, or error.
	Level string `toml:"level"`
	// Pretty switches to human-readable console output.
	Pretty bool `toml:"pretty"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Version: "1.0.0",
		Storage: StorageConfig{
			EncryptAPIKey: true,
		},
		Provider: ProviderConfig{
			FirstByteTimeoutSecs: 30,
			StreamTimeoutSecs:    120,
			RequestsPerSecond:    5,
		},
		Server: ServerConfig{
			ListenAddr:   "127.0.0.1:4317",
			RateLimitRPS: 20,
			MaxBodyBytes: 32 * 1024 * 1024,
		},
		UI: UIConfig{
			Theme:    "auto",
			Markdown: true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// =============================================================================
// PATH HELPERS
// =============================================================================

// DataDir returns the opentalk data directory, honoring the configured
// override.
func (c *Config) DataDir() (string, error) {
	if c.Storage.DataDir != "" {
		return c.Storage.DataDir, nil
	}
	return DefaultDataDir()
}

// DefaultDataDir returns ~/.opentalk.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".opentalk"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := DefaultDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// EnsureDataDir creates the data directory if missing.
func EnsureDataDir(cfg *Config) (string, error) {
	dir, err := cfg.DataDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating data directory: %w", err)
	}
	return dir, nil
}

// =============================================================================
// LOAD / SAVE
// =============================================================================

// Load loads the configuration from the default path, layering env
// overrides over the file over the defaults.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFromPath(path)
}

// LoadFromPath loads the configuration from path. A missing file is
// not an error; the defaults apply.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", path, err)
		}
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to path atomically with owner-only
// permissions.
func (c *Config) Save(path string) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return util.AtomicWriteFile(path, buf.Bytes(), 0o600)
}

// =============================================================================
// ENV OVERRIDES
// =============================================================================

// ApplyEnvOverrides layers OPENTALK_* environment variables over the
// loaded values.
func (c *Config) ApplyEnvOverrides() {
	if dir := os.Getenv("OPENTALK_DATA_DIR"); dir != "" {
		c.Storage.DataDir = dir
	}
	if addr := os.Getenv("OPENTALK_LISTEN_ADDR"); addr != "" {
		c.Server.ListenAddr = addr
	}
	if level := os.Getenv("OPENTALK_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if theme := os.Getenv("OPENTALK_THEME"); theme != "" {
		c.UI.Theme = theme
	}
	if rps := os.Getenv("OPENTALK_REQUESTS_PER_SECOND"); rps != "" {
		if v, err := strconv.ParseFloat(rps, 64); err == nil {
			c.Provider.RequestsPerSecond = v
		}
	}
	if enc := os.Getenv("OPENTALK_ENCRYPT_API_KEY"); enc != "" {
		c.Storage.EncryptAPIKey = enc == "1" || strings.EqualFold(enc, "true")
	}
}

// SetDefaults fills zero fields with defaults.
func (c *Config) SetDefaults() {
	d := Default()
	if c.Version == "" {
		c.Version = d.Version
	}
	if c.Provider.FirstByteTimeoutSecs <= 0 {
		c.Provider.FirstByteTimeoutSecs = d.Provider.FirstByteTimeoutSecs
	}
	if c.Provider.StreamTimeoutSecs <= 0 {
		c.Provider.StreamTimeoutSecs = d.Provider.StreamTimeoutSecs
	}
	if c.Provider.RequestsPerSecond <= 0 {
		c.Provider.RequestsPerSecond = d.Provider.RequestsPerSecond
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = d.Server.ListenAddr
	}
	if c.Server.RateLimitRPS <= 0 {
		c.Server.RateLimitRPS = d.Server.RateLimitRPS
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = d.Server.MaxBodyBytes
	}
	if c.UI.Theme == "" {
		c.UI.Theme = d.UI.Theme
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError describes one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors aggregates validation failures.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs ValidateErrors

	validThemes := map[string]bool{"dark": true, "light": true, "auto": true}
	if !validThemes[strings.ToLower(c.UI.Theme)] {
		errs = append(errs, ValidationError{
			Field:   "ui.theme",
			Message: fmt.Sprintf("invalid theme %q, must be one of: dark, light, auto", c.UI.Theme),
		})
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, ValidationError{
			Field:   "log.level",
			Message: fmt.Sprintf("invalid level %q, must be one of: trace, debug, info, warn, error", c.Log.Level),
		})
	}

	if _, _, err := net.SplitHostPort(c.Server.ListenAddr); err != nil {
		errs = append(errs, ValidationError{
			Field:   "server.listen_addr",
			Message: fmt.Sprintf("invalid address %q: %v", c.Server.ListenAddr, err),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// GLOBAL INSTANCE
// =============================================================================

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
	globalConfigMu   sync.RWMutex
)

// Global returns the global configuration instance, loading it on
// first access.
func Global() *Config {
	globalConfigOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
			cfg = Default()
		}
		globalConfig = cfg
	})

	globalConfigMu.RLock()
	defer globalConfigMu.RUnlock()
	return globalConfig
}

// ReloadGlobal reloads the global configuration from disk.
func ReloadGlobal() error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
	return nil
}

// SetGlobal replaces the global configuration instance.
func SetGlobal(cfg *Config) {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// ResetGlobalForTesting resets global state between tests.
func ResetGlobalForTesting() {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = nil
	globalConfigOnce = sync.Once{}
}
