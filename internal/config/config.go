// Package config loads the otpctl configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the configuration file name inside the otpctl directory.
const FileName = "config.yaml"

// Defaults applied when the file is missing or a field is omitted.
const (
	DefaultSessionTimeout    = 5 * time.Minute
	DefaultMinPasswordLength = 8
	DefaultHOTPLookAhead     = 10
)

// Duration wraps time.Duration so YAML values like "10m" parse.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("config: invalid duration: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the user-editable configuration.
type Config struct {
	// VaultDir overrides the vault location. Empty means ~/.otpctl.
	VaultDir string `yaml:"vault_dir"`

	// SessionTimeout is how long an unlocked session stays valid.
	SessionTimeout Duration `yaml:"session_timeout"`

	// MinPasswordLength is the minimum master password length.
	MinPasswordLength int `yaml:"min_password_length"`

	// HOTPLookAhead is the resynchronization window for HOTP validation.
	HOTPLookAhead int `yaml:"hotp_look_ahead"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		VaultDir:          DefaultDir(),
		SessionTimeout:    Duration(DefaultSessionTimeout),
		MinPasswordLength: DefaultMinPasswordLength,
		HOTPLookAhead:     DefaultHOTPLookAhead,
	}
}

// DefaultDir returns ~/.otpctl, falling back to a relative directory when
// the home directory cannot be determined.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".otpctl"
	}
	return filepath.Join(home, ".otpctl")
}

// Load reads the configuration from dir. A missing file yields the
// defaults; a malformed file is an error rather than a silent fallback.
func Load(dir string) (*Config, error) {
	cfg := Default()
	if dir != "" {
		cfg.VaultDir = dir
	}

	data, err := os.ReadFile(filepath.Join(cfg.VaultDir, FileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the vault cannot operate with.
func (c *Config) Validate() error {
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("config: session_timeout must be positive, got %s", time.Duration(c.SessionTimeout))
	}
	if c.MinPasswordLength < DefaultMinPasswordLength {
		return fmt.Errorf("config: min_password_length must be at least %d, got %d",
			DefaultMinPasswordLength, c.MinPasswordLength)
	}
	if c.HOTPLookAhead < 0 {
		return fmt.Errorf("config: hotp_look_ahead must not be negative, got %d", c.HOTPLookAhead)
	}
	return nil
}
