// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/jeranaias/hmchat/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// CurrentVersion is written to new config files.
const CurrentVersion = "1"

// Config represents the complete hmchat process configuration.
type Config struct {
	Version string `toml:"version"`

	// Storage configuration
	Storage StorageConfig `toml:"storage"`

	// Completion client configuration
	Client ClientConfig `toml:"client"`

	// Logging configuration
	Log LogConfig `toml:"log"`

	// UI configuration
	UI UIConfig `toml:"ui"`
}

// StorageConfig locates the database.
type StorageConfig struct {
	// Path of the SQLite database. Empty means hmchat.db in the config dir.
	Path string `toml:"path"`
}

// ClientConfig tunes the completion client.
type ClientConfig struct {
	// TimeoutSecs bounds each request and the gap between stream frames.
	TimeoutSecs int `toml:"timeout_secs"`

	// RequestsPerMinute caps outgoing requests. 0 disables the cap.
	RequestsPerMinute int `toml:"requests_per_minute"`

	// Stream enables incremental replies.
	Stream bool `toml:"stream"`
}

// Timeout returns TimeoutSecs as a duration.
func (c ClientConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// LogConfig controls diagnostics.
type LogConfig struct {
	// Level is trace, debug, info, warn or error.
	Level string `toml:"level"`

	// File receives log output. Empty means stderr.
	File string `toml:"file"`
}

// UIConfig controls terminal rendering.
type UIConfig struct {
	// Markdown renders assistant replies with glamour when stdout is a TTY.
	Markdown bool `toml:"markdown"`

	// WordWrap is the render width. 0 means the terminal width.
	WordWrap int `toml:"word_wrap"`

	// Color is auto, always or never.
	Color string `toml:"color"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Version: CurrentVersion,
		Client: ClientConfig{
			TimeoutSecs:       60,
			RequestsPerMinute: 0,
			Stream:            true,
		},
		Log: LogConfig{
			Level: "warn",
		},
		UI: UIConfig{
			Markdown: true,
			WordWrap: 0,
			Color:    "auto",
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the hmchat configuration directory: $HMCHAT_HOME, or
// ~/.hmchat.
func ConfigDir() (string, error) {
	if dir := os.Getenv("HMCHAT_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".hmchat"), nil
}

// Path returns the path to the TOML config file.
func Path() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0700)
}

// DatabasePath returns Storage.Path, or hmchat.db in the config dir.
func (c *Config) DatabasePath() (string, error) {
	if c.Storage.Path != "" {
		return expandHome(c.Storage.Path)
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "hmchat.db"), nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// LoadEnvFiles loads .env files into the environment. Missing files are
// skipped; variables already set are never overwritten.
func LoadEnvFiles(paths ...string) error {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
	}
	return nil
}

// Load reads .env files (the working directory, then the config dir), then
// ~/.hmchat/config.toml if it exists, then applies environment overrides.
func Load() (*Config, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	if err := LoadEnvFiles(".env", filepath.Join(dir, ".env")); err != nil {
		return nil, err
	}

	path := filepath.Join(dir, "config.toml")
	if _, err := os.Stat(path); err == nil {
		return LoadFromPath(path)
	}
	return finish(Default())
}

// LoadFromPath loads configuration from a specific TOML file with full
// validation. Values absent from the file keep their defaults.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if err := decodeTOML(cfg, path); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}
	return finish(cfg)
}

// ReadFile returns the configuration stored at path without environment
// overrides, for editing and saving back. A missing file yields defaults.
func ReadFile(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if err := decodeTOML(cfg, path); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}
	cfg.SetDefaults()
	return cfg, nil
}

func decodeTOML(cfg *Config, path string) error {
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

func finish(cfg *Config) (*Config, error) {
	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes the configuration atomically with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	var buf bytes.Buffer
	buf.WriteString("# hmchat configuration file\n")
	buf.WriteString("# Provider settings (API URL, key, model) are stored in the database;\n")
	buf.WriteString("# use `hmchat settings set` to change them.\n\n")

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

var validLevels = map[string]bool{
	"trace": true, "debug": true, "info": true,
	"warn": true, "warning": true, "error": true,
}

var validColors = map[string]bool{"auto": true, "always": true, "never": true}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if c.Client.TimeoutSecs < 1 || c.Client.TimeoutSecs > 3600 {
		errs = append(errs, ValidationError{
			Field:   "client.timeout_secs",
			Message: fmt.Sprintf("must be between 1 and 3600, got %d", c.Client.TimeoutSecs),
		})
	}
	if c.Client.RequestsPerMinute < 0 {
		errs = append(errs, ValidationError{
			Field:   "client.requests_per_minute",
			Message: "must not be negative",
		})
	}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, ValidationError{
			Field:   "log.level",
			Message: fmt.Sprintf("invalid level '%s', must be one of: trace, debug, info, warn, error", c.Log.Level),
		})
	}
	if c.UI.WordWrap < 0 {
		errs = append(errs, ValidationError{
			Field:   "ui.word_wrap",
			Message: "must not be negative",
		})
	}
	if !validColors[strings.ToLower(c.UI.Color)] {
		errs = append(errs, ValidationError{
			Field:   "ui.color",
			Message: fmt.Sprintf("invalid value '%s', must be one of: auto, always, never", c.UI.Color),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// SetDefaults fills zero values that have no meaning of their own.
func (c *Config) SetDefaults() {
	defaults := Default()
	if c.Version == "" {
		c.Version = defaults.Version
	}
	if c.Client.TimeoutSecs == 0 {
		c.Client.TimeoutSecs = defaults.Client.TimeoutSecs
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.UI.Color == "" {
		c.UI.Color = defaults.UI.Color
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides:
//   - HMCHAT_DB: overrides storage.path
//   - HMCHAT_LOG_LEVEL: overrides log.level
//   - HMCHAT_LOG_FILE: overrides log.file
//   - HMCHAT_TIMEOUT: overrides client.timeout_secs
//   - HMCHAT_RPM: overrides client.requests_per_minute
//   - HMCHAT_STREAM: overrides client.stream
//
// Unparseable numbers are ignored.
func (c *Config) ApplyEnvOverrides() {
	if db := os.Getenv("HMCHAT_DB"); db != "" {
		c.Storage.Path = db
	}
	if level := os.Getenv("HMCHAT_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if file := os.Getenv("HMCHAT_LOG_FILE"); file != "" {
		c.Log.File = file
	}
	if timeout := os.Getenv("HMCHAT_TIMEOUT"); timeout != "" {
		if n, err := strconv.Atoi(timeout); err == nil {
			c.Client.TimeoutSecs = n
		}
	}
	if rpm := os.Getenv("HMCHAT_RPM"); rpm != "" {
		if n, err := strconv.Atoi(rpm); err == nil {
			c.Client.RequestsPerMinute = n
		}
	}
	if stream := os.Getenv("HMCHAT_STREAM"); stream != "" {
		c.Client.Stream = parseBool(stream)
	}
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// lookup walks a dotted TOML key (e.g. "client.timeout_secs") to its field.
func (c *Config) lookup(key string) (reflect.Value, error) {
	if strings.TrimSpace(key) == "" {
		return reflect.Value{}, errors.New("empty key")
	}
	parts := strings.Split(key, ".")

	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		field, ok := fieldByTag(v, part)
		if !ok {
			return reflect.Value{}, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			if field.Kind() == reflect.Struct {
				return reflect.Value{}, fmt.Errorf("field '%s' is a section", key)
			}
			return field, nil
		}
		if field.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field '%s' is not a section", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return reflect.Value{}, fmt.Errorf("invalid key: %s", key)
}

func fieldByTag(v reflect.Value, name string) (reflect.Value, bool) {
	name = strings.ReplaceAll(strings.ToLower(name), "-", "_")
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).Tag.Get("toml") == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// Get retrieves a configuration value using dot notation.
func (c *Config) Get(key string) (interface{}, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// Set sets a configuration value using dot notation. String values are
// converted to the field's type. The result is validated; on failure the
// previous value is restored.
func (c *Config) Set(key string, value interface{}) error {
	field, err := c.lookup(key)
	if err != nil {
		return err
	}
	old := reflect.New(field.Type()).Elem()
	old.Set(field)

	if err := setFieldValue(field, value); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if err := c.Validate(); err != nil {
		field.Set(old)
		return err
	}
	return nil
}

// setFieldValue sets a reflect.Value from an interface{} value with type conversion.
func setFieldValue(field reflect.Value, value interface{}) error {
	if strVal, ok := value.(string); ok {
		switch field.Kind() {
		case reflect.String:
			field.SetString(strVal)
			return nil
		case reflect.Int, reflect.Int64:
			intVal, err := strconv.ParseInt(strings.TrimSpace(strVal), 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %v", err)
			}
			field.SetInt(intVal)
			return nil
		case reflect.Bool:
			boolVal, err := strconv.ParseBool(strings.TrimSpace(strVal))
			if err != nil {
				boolVal = parseBool(strVal)
			}
			field.SetBool(boolVal)
			return nil
		}
	}

	val := reflect.ValueOf(value)
	if !val.IsValid() {
		return errors.New("nil value")
	}
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Type().ConvertibleTo(field.Type()) && val.Kind() != reflect.String {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// Keys returns all configuration keys in dot notation.
func Keys() []string {
	return []string{
		"version",
		"storage.path",
		"client.timeout_secs",
		"client.requests_per_minute",
		"client.stream",
		"log.level",
		"log.file",
		"ui.markdown",
		"ui.word_wrap",
		"ui.color",
	}
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// String renders the configuration as TOML.
func (c *Config) String() string {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Sprintf("<config: %v>", err)
	}
	return buf.String()
}

// =============================================================================
// SINGLETON PATTERN (THREAD-SAFE)
// =============================================================================

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
	globalConfigMu   sync.RWMutex
)

// Global returns the process configuration, loading it on first access.
// A load failure falls back to defaults. Thread-safe.
func Global() *Config {
	globalConfigOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
			cfg = Default()
		}
		globalConfigMu.Lock()
		globalConfig = cfg
		globalConfigMu.Unlock()
	})

	globalConfigMu.RLock()
	defer globalConfigMu.RUnlock()
	return globalConfig
}

// ReloadGlobal reloads the process configuration from disk. Thread-safe.
func ReloadGlobal() error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	SetGlobal(cfg)
	return nil
}

// SetGlobal replaces the process configuration. Thread-safe.
func SetGlobal(cfg *Config) {
	globalConfigOnce.Do(func() {})
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// ResetGlobalForTesting resets the global config state for testing.
func ResetGlobalForTesting() {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = nil
	globalConfigOnce = sync.Once{}
}
