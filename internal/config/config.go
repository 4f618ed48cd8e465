/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package config provides configuration management for the page cache.

The configuration system supports multiple sources with clear precedence:
 1. Command-line flags (highest priority)
 2. Environment variables
 3. Configuration file
 4. Default values (lowest priority)

Configuration File Format:
The configuration file uses a flat TOML subset.

Example configuration file:

	# pagecache configuration
	data_dir = "/var/lib/pagecache"
	buffers = 0              # 0 = auto-size based on available memory
	latch_wait_ms = 1000
	lock_wait_ms = 5000
	free_watermark = 0.1     # wake the background writer below this free fraction
	max_dirty_skips = 16
	precedence_budget = 256
	write_on_release = false
	shadow_dirs = "/mnt/a/shadow,/mnt/b/shadow"
	shadow_retries = 2
	bgwriter_interval_ms = 200
	bgwriter_max_pages = 64
	checkpoint_secs = 60
	encryption_enabled = false
	backup_dir = "/var/lib/pagecache/backup"
	log_level = "info"
	log_json = false
	metrics_addr = ":9187"

The encryption passphrase is never read from a file. Set
PAGECACHE_ENCRYPTION_PASSPHRASE or enter it at the prompt.

Environment Variables:
  - PAGECACHE_DATA_DIR: Directory holding the page files
  - PAGECACHE_BUFFERS: Number of buffers in the pool
  - PAGECACHE_LATCH_WAIT_MS: Default latch wait in milliseconds
  - PAGECACHE_LOCK_WAIT_MS: Default page lock wait in milliseconds
  - PAGECACHE_WRITE_ON_RELEASE: Write dirty pages when their last latch is released
  - PAGECACHE_SHADOW_DIRS: Comma-separated shadow directories
  - PAGECACHE_CHECKPOINT_SECS: Checkpoint interval (0 = disabled)
  - PAGECACHE_ENCRYPTION_ENABLED: Enable page encryption (true/false)
  - PAGECACHE_ENCRYPTION_PASSPHRASE: Passphrase for key derivation
  - PAGECACHE_BACKUP_DIR: Directory for the backup difference file
  - PAGECACHE_LOG_LEVEL: Log level (debug, info, warn, error)
  - PAGECACHE_LOG_JSON: Enable JSON logging (true/false)
  - PAGECACHE_METRICS_ADDR: Listen address for /metrics and /health
  - PAGECACHE_CONFIG_FILE: Path to configuration file
*/
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Environment variable names for configuration.
const (
	EnvDataDir              = "PAGECACHE_DATA_DIR"
	EnvBuffers              = "PAGECACHE_BUFFERS"
	EnvLatchWaitMs          = "PAGECACHE_LATCH_WAIT_MS"
	EnvLockWaitMs           = "PAGECACHE_LOCK_WAIT_MS"
	EnvFreeWatermark        = "PAGECACHE_FREE_WATERMARK"
	EnvMaxDirtySkips        = "PAGECACHE_MAX_DIRTY_SKIPS"
	EnvPrecedenceBudget     = "PAGECACHE_PRECEDENCE_BUDGET"
	EnvWriteOnRelease       = "PAGECACHE_WRITE_ON_RELEASE"
	EnvShadowDirs           = "PAGECACHE_SHADOW_DIRS"
	EnvShadowRetries        = "PAGECACHE_SHADOW_RETRIES"
	EnvBgWriterIntervalMs   = "PAGECACHE_BGWRITER_INTERVAL_MS"
	EnvBgWriterMaxPages     = "PAGECACHE_BGWRITER_MAX_PAGES"
	EnvCheckpointSecs       = "PAGECACHE_CHECKPOINT_SECS"
	EnvEncryptionEnabled    = "PAGECACHE_ENCRYPTION_ENABLED"
	EnvEncryptionPassphrase = "PAGECACHE_ENCRYPTION_PASSPHRASE"
	EnvBackupDir            = "PAGECACHE_BACKUP_DIR"
	EnvLogLevel             = "PAGECACHE_LOG_LEVEL"
	EnvLogJSON              = "PAGECACHE_LOG_JSON"
	EnvMetricsAddr          = "PAGECACHE_METRICS_ADDR"
	EnvConfigFile           = "PAGECACHE_CONFIG_FILE"
)

// GetDefaultDataDir returns the default directory for page files.
// For root users, it uses /var/lib/pagecache (Filesystem Hierarchy Standard).
// For non-root users, it uses ~/.local/share/pagecache (XDG Base Directory).
func GetDefaultDataDir() string {
	if os.Getuid() == 0 {
		return "/var/lib/pagecache"
	}
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "pagecache")
	}
	if home := os.Getenv("HOME"); home != "" {
		return filepath.Join(home, ".local", "share", "pagecache")
	}
	return "./data"
}

// Default configuration file paths (searched in order).
var DefaultConfigPaths = []string{
	"/etc/pagecache/pagecache.conf",
	"$HOME/.config/pagecache/pagecache.conf",
	"./pagecache.conf",
}

// Config holds all configuration values for the page cache.
type Config struct {
	// Storage
	DataDir string `toml:"data_dir" json:"data_dir"`
	Buffers int    `toml:"buffers" json:"buffers"` // 0 = auto-size

	// Waits
	LatchWaitMs int `toml:"latch_wait_ms" json:"latch_wait_ms"`
	LockWaitMs  int `toml:"lock_wait_ms" json:"lock_wait_ms"`

	// Replacement and write ordering
	FreeWatermark    float64 `toml:"free_watermark" json:"free_watermark"`
	MaxDirtySkips    int     `toml:"max_dirty_skips" json:"max_dirty_skips"`
	PrecedenceBudget int     `toml:"precedence_budget" json:"precedence_budget"`
	WriteOnRelease   bool    `toml:"write_on_release" json:"write_on_release"`

	// Shadows
	ShadowDirs    []string `toml:"shadow_dirs" json:"shadow_dirs"`
	ShadowRetries int      `toml:"shadow_retries" json:"shadow_retries"`

	// Background work
	BgWriterIntervalMs int `toml:"bgwriter_interval_ms" json:"bgwriter_interval_ms"`
	BgWriterMaxPages   int `toml:"bgwriter_max_pages" json:"bgwriter_max_pages"`
	CheckpointSecs     int `toml:"checkpoint_secs" json:"checkpoint_secs"` // 0 = disabled

	// Encryption of pages at rest
	EncryptionEnabled    bool   `toml:"encryption_enabled" json:"encryption_enabled"`
	EncryptionPassphrase string `toml:"-" json:"-"` // Not persisted to file

	BackupDir string `toml:"backup_dir" json:"backup_dir"`

	// Logging and metrics
	LogLevel    string `toml:"log_level" json:"log_level"`
	LogJSON     bool   `toml:"log_json" json:"log_json"`
	MetricsAddr string `toml:"metrics_addr" json:"metrics_addr"`

	// Metadata
	ConfigFile string `toml:"-" json:"-"`
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		DataDir:            GetDefaultDataDir(),
		Buffers:            0,
		LatchWaitMs:        1000,
		LockWaitMs:         5000,
		FreeWatermark:      0.1,
		MaxDirtySkips:      16,
		PrecedenceBudget:   256,
		WriteOnRelease:     false,
		ShadowRetries:      2,
		BgWriterIntervalMs: 200,
		BgWriterMaxPages:   64,
		CheckpointSecs:     60,
		EncryptionEnabled:  false,
		LogLevel:           "info",
		LogJSON:            false,
	}
}

// LatchWait returns the default latch wait as a duration.
func (c *Config) LatchWait() time.Duration {
	return time.Duration(c.LatchWaitMs) * time.Millisecond
}

// LockWait returns the default page lock wait as a duration.
func (c *Config) LockWait() time.Duration {
	return time.Duration(c.LockWaitMs) * time.Millisecond
}

// Manager handles configuration loading, validation, and access.
type Manager struct {
	config *Config
	mu     sync.RWMutex

	onReload []func(*Config)
}

// NewManager creates a new configuration manager with default values.
func NewManager() *Manager {
	return &Manager{
		config:   DefaultConfig(),
		onReload: make([]func(*Config), 0),
	}
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg := *m.config
	cfg.ShadowDirs = append([]string(nil), m.config.ShadowDirs...)
	return &cfg
}

// Set updates the configuration.
func (m *Manager) Set(cfg *Config) {
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
}

// OnReload registers a callback to be called when configuration is reloaded.
func (m *Manager) OnReload(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReload = append(m.onReload, fn)
}

func (m *Manager) notifyReload() {
	m.mu.RLock()
	callbacks := make([]func(*Config), len(m.onReload))
	copy(callbacks, m.onReload)
	cfg := m.config
	m.mu.RUnlock()

	for _, fn := range callbacks {
		fn(cfg)
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	if c.DataDir == "" {
		errs = append(errs, "data_dir cannot be empty")
	}
	if c.Buffers < 0 {
		errs = append(errs, fmt.Sprintf("invalid buffers: %d (must be >= 0)", c.Buffers))
	}
	if c.Buffers > 0 && c.Buffers < MinBuffers {
		errs = append(errs, fmt.Sprintf("invalid buffers: %d (must be at least %d)", c.Buffers, MinBuffers))
	}
	if c.LatchWaitMs < 0 {
		errs = append(errs, fmt.Sprintf("invalid latch_wait_ms: %d (must be >= 0)", c.LatchWaitMs))
	}
	if c.LockWaitMs < 0 {
		errs = append(errs, fmt.Sprintf("invalid lock_wait_ms: %d (must be >= 0)", c.LockWaitMs))
	}
	if c.FreeWatermark < 0 || c.FreeWatermark >= 1 {
		errs = append(errs, fmt.Sprintf("invalid free_watermark: %g (must be in [0, 1))", c.FreeWatermark))
	}
	if c.MaxDirtySkips < 0 {
		errs = append(errs, fmt.Sprintf("invalid max_dirty_skips: %d (must be >= 0)", c.MaxDirtySkips))
	}
	if c.PrecedenceBudget < 1 {
		errs = append(errs, fmt.Sprintf("invalid precedence_budget: %d (must be >= 1)", c.PrecedenceBudget))
	}
	if c.ShadowRetries < 0 {
		errs = append(errs, fmt.Sprintf("invalid shadow_retries: %d (must be >= 0)", c.ShadowRetries))
	}
	if c.BgWriterIntervalMs < 0 {
		errs = append(errs, fmt.Sprintf("invalid bgwriter_interval_ms: %d (must be >= 0)", c.BgWriterIntervalMs))
	}
	if c.BgWriterMaxPages < 1 {
		errs = append(errs, fmt.Sprintf("invalid bgwriter_max_pages: %d (must be >= 1)", c.BgWriterMaxPages))
	}
	if c.CheckpointSecs < 0 {
		errs = append(errs, fmt.Sprintf("invalid checkpoint_secs: %d (must be >= 0)", c.CheckpointSecs))
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel))
	}

	// The passphrase is checked when the codec is built so the CLI can
	// prompt for it instead of failing here.

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// MinBuffers is the smallest explicit pool size accepted.
const MinBuffers = 8

// LoadFromFile loads configuration from a TOML file.
func (m *Manager) LoadFromFile(path string) error {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := parseTOML(string(data), cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ConfigFile = path
	m.Set(cfg)
	return nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment values override file values.
func (m *Manager) LoadFromEnv() {
	cfg := m.Get()

	for _, env := range envKeys {
		v := os.Getenv(env.name)
		if v == "" {
			continue
		}
		// Malformed values are ignored like the file parser would reject
		// them; the existing value stays in place.
		_ = applyConfigValue(cfg, env.key, v)
	}
	if v := os.Getenv(EnvEncryptionPassphrase); v != "" {
		cfg.EncryptionPassphrase = v
	}

	m.Set(cfg)
}

var envKeys = []struct {
	name string
	key  string
}{
	{EnvDataDir, "data_dir"},
	{EnvBuffers, "buffers"},
	{EnvLatchWaitMs, "latch_wait_ms"},
	{EnvLockWaitMs, "lock_wait_ms"},
	{EnvFreeWatermark, "free_watermark"},
	{EnvMaxDirtySkips, "max_dirty_skips"},
	{EnvPrecedenceBudget, "precedence_budget"},
	{EnvWriteOnRelease, "write_on_release"},
	{EnvShadowDirs, "shadow_dirs"},
	{EnvShadowRetries, "shadow_retries"},
	{EnvBgWriterIntervalMs, "bgwriter_interval_ms"},
	{EnvBgWriterMaxPages, "bgwriter_max_pages"},
	{EnvCheckpointSecs, "checkpoint_secs"},
	{EnvEncryptionEnabled, "encryption_enabled"},
	{EnvBackupDir, "backup_dir"},
	{EnvLogLevel, "log_level"},
	{EnvLogJSON, "log_json"},
	{EnvMetricsAddr, "metrics_addr"},
}

// FindConfigFile searches for a configuration file in default locations.
// Returns the path to the first file found, or empty string if none found.
func FindConfigFile() string {
	if envPath := os.Getenv(EnvConfigFile); envPath != "" {
		if _, err := os.Stat(os.ExpandEnv(envPath)); err == nil {
			return os.ExpandEnv(envPath)
		}
	}

	for _, path := range DefaultConfigPaths {
		expandedPath := os.ExpandEnv(path)
		if _, err := os.Stat(expandedPath); err == nil {
			return expandedPath
		}
	}

	return ""
}

// Load loads configuration from all sources with proper precedence.
// Order: defaults -> config file -> environment variables
// Command-line flags should be applied after calling this function.
func (m *Manager) Load() error {
	if configPath := FindConfigFile(); configPath != "" {
		if err := m.LoadFromFile(configPath); err != nil {
			return err
		}
	}
	m.LoadFromEnv()
	return nil
}

// Reload reloads configuration from file and environment.
func (m *Manager) Reload() error {
	configPath := m.Get().ConfigFile
	if configPath == "" {
		configPath = FindConfigFile()
	}

	m.Set(DefaultConfig())

	if configPath != "" {
		if err := m.LoadFromFile(configPath); err != nil {
			return err
		}
	}
	m.LoadFromEnv()
	m.notifyReload()

	return nil
}

// parseTOML is a simple TOML parser for our configuration format.
// It handles the flat key = value subset we need.
func parseTOML(data string, cfg *Config) error {
	lines := strings.Split(data, "\n")

	for lineNum, line := range lines {
		if idx := strings.Index(line, "#"); idx != -1 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("line %d: invalid syntax: %s", lineNum+1, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if len(value) >= 2 && ((value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'')) {
			value = value[1 : len(value)-1]
		}

		if err := applyConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("line %d: %w", lineNum+1, err)
		}
	}

	return nil
}

func parseBool(value string) bool {
	return strings.ToLower(value) == "true" || value == "1"
}

func parseInt(key, value string, dst *int) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid %s value: %s", key, value)
	}
	*dst = n
	return nil
}

// applyConfigValue applies a key-value pair to the configuration.
func applyConfigValue(cfg *Config, key, value string) error {
	switch key {
	case "data_dir":
		cfg.DataDir = value
	case "buffers":
		return parseInt(key, value, &cfg.Buffers)
	case "latch_wait_ms":
		return parseInt(key, value, &cfg.LatchWaitMs)
	case "lock_wait_ms":
		return parseInt(key, value, &cfg.LockWaitMs)
	case "free_watermark":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid free_watermark value: %s", value)
		}
		cfg.FreeWatermark = f
	case "max_dirty_skips":
		return parseInt(key, value, &cfg.MaxDirtySkips)
	case "precedence_budget":
		return parseInt(key, value, &cfg.PrecedenceBudget)
	case "write_on_release":
		cfg.WriteOnRelease = parseBool(value)
	case "shadow_dirs":
		cfg.ShadowDirs = nil
		for _, dir := range strings.Split(value, ",") {
			if dir = strings.TrimSpace(dir); dir != "" {
				cfg.ShadowDirs = append(cfg.ShadowDirs, dir)
			}
		}
	case "shadow_retries":
		return parseInt(key, value, &cfg.ShadowRetries)
	case "bgwriter_interval_ms":
		return parseInt(key, value, &cfg.BgWriterIntervalMs)
	case "bgwriter_max_pages":
		return parseInt(key, value, &cfg.BgWriterMaxPages)
	case "checkpoint_secs":
		return parseInt(key, value, &cfg.CheckpointSecs)
	case "encryption_enabled":
		cfg.EncryptionEnabled = parseBool(value)
	case "backup_dir":
		cfg.BackupDir = value
	case "log_level":
		cfg.LogLevel = value
	case "log_json":
		cfg.LogJSON = parseBool(value)
	case "metrics_addr":
		cfg.MetricsAddr = value
	default:
		// Ignore unknown keys for forward compatibility
	}

	return nil
}

// String returns a string representation of the configuration.
func (c *Config) String() string {
	var sb strings.Builder
	sb.WriteString("pagecache configuration:\n")
	sb.WriteString(fmt.Sprintf("  Data Dir:          %s\n", c.DataDir))
	sb.WriteString(fmt.Sprintf("  Buffers:           %d\n", c.Buffers))
	sb.WriteString(fmt.Sprintf("  Latch Wait:        %s\n", c.LatchWait()))
	sb.WriteString(fmt.Sprintf("  Lock Wait:         %s\n", c.LockWait()))
	sb.WriteString(fmt.Sprintf("  Write On Release:  %v\n", c.WriteOnRelease))
	if len(c.ShadowDirs) > 0 {
		sb.WriteString(fmt.Sprintf("  Shadows:           %s\n", strings.Join(c.ShadowDirs, ", ")))
	}
	sb.WriteString(fmt.Sprintf("  Checkpoint:        %ds\n", c.CheckpointSecs))
	sb.WriteString(fmt.Sprintf("  Encryption:        %v\n", c.EncryptionEnabled))
	sb.WriteString(fmt.Sprintf("  Log Level:         %s\n", c.LogLevel))
	if c.MetricsAddr != "" {
		sb.WriteString(fmt.Sprintf("  Metrics:           %s\n", c.MetricsAddr))
	}
	if c.ConfigFile != "" {
		sb.WriteString(fmt.Sprintf("  Config File:       %s\n", c.ConfigFile))
	}
	return sb.String()
}

// ToTOML returns the configuration as a TOML string.
func (c *Config) ToTOML() string {
	var sb strings.Builder
	sb.WriteString("# pagecache configuration file\n\n")
	sb.WriteString("# Storage\n")
	sb.WriteString(fmt.Sprintf("data_dir = \"%s\"\n", c.DataDir))
	sb.WriteString(fmt.Sprintf("buffers = %d\n\n", c.Buffers))
	sb.WriteString("# Waits in milliseconds\n")
	sb.WriteString(fmt.Sprintf("latch_wait_ms = %d\n", c.LatchWaitMs))
	sb.WriteString(fmt.Sprintf("lock_wait_ms = %d\n\n", c.LockWaitMs))
	sb.WriteString("# Replacement and write ordering\n")
	sb.WriteString(fmt.Sprintf("free_watermark = %g\n", c.FreeWatermark))
	sb.WriteString(fmt.Sprintf("max_dirty_skips = %d\n", c.MaxDirtySkips))
	sb.WriteString(fmt.Sprintf("precedence_budget = %d\n", c.PrecedenceBudget))
	sb.WriteString(fmt.Sprintf("write_on_release = %v\n\n", c.WriteOnRelease))
	sb.WriteString("# Shadows\n")
	sb.WriteString(fmt.Sprintf("shadow_dirs = \"%s\"\n", strings.Join(c.ShadowDirs, ",")))
	sb.WriteString(fmt.Sprintf("shadow_retries = %d\n\n", c.ShadowRetries))
	sb.WriteString("# Background work\n")
	sb.WriteString(fmt.Sprintf("bgwriter_interval_ms = %d\n", c.BgWriterIntervalMs))
	sb.WriteString(fmt.Sprintf("bgwriter_max_pages = %d\n", c.BgWriterMaxPages))
	sb.WriteString(fmt.Sprintf("checkpoint_secs = %d\n\n", c.CheckpointSecs))
	sb.WriteString("# Page encryption; set PAGECACHE_ENCRYPTION_PASSPHRASE when enabled\n")
	sb.WriteString(fmt.Sprintf("encryption_enabled = %v\n\n", c.EncryptionEnabled))
	if c.BackupDir != "" {
		sb.WriteString(fmt.Sprintf("backup_dir = \"%s\"\n\n", c.BackupDir))
	}
	sb.WriteString("# Logging\n")
	sb.WriteString(fmt.Sprintf("log_level = \"%s\"\n", c.LogLevel))
	sb.WriteString(fmt.Sprintf("log_json = %v\n", c.LogJSON))
	if c.MetricsAddr != "" {
		sb.WriteString(fmt.Sprintf("metrics_addr = \"%s\"\n", c.MetricsAddr))
	}
	return sb.String()
}

// SaveToFile saves the configuration to a file.
func (c *Config) SaveToFile(path string) error {
	path = os.ExpandEnv(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(c.ToTOML()), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
