// Package config loads and validates the engine configuration from an optional
// .env file, an optional YAML file and NFC_ENGINE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dotside-studios/tagengine/nfc"
)

// FileEnv names the environment variable holding the YAML config path.
const FileEnv = "NFC_ENGINE_CONFIG"

// Config holds all engine and server settings.
type Config struct {
	// Radio settings.
	Platform    string `yaml:"platform"` // "android", "ios" or "desktop"
	Device      string `yaml:"device"`   // libnfc connection string, empty for the first reader
	Mock        bool   `yaml:"mock"`     // serve an in-memory tag instead of a reader
	SealedLocks bool   `yaml:"sealed_locks"`

	Policy PolicyOverrides `yaml:"policy"`

	// Server settings.
	Port           int           `yaml:"port"`
	APISecret      string        `yaml:"api_secret"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	MDNS           bool          `yaml:"mdns"`
	TLS            TLSConfig     `yaml:"tls"`

	// Operational settings.
	LogLevel    string `yaml:"log_level"`
	TraceStdout bool   `yaml:"trace_stdout"`
}

// PolicyOverrides replaces individual preset values. Zero keeps the preset.
type PolicyOverrides struct {
	TechnologyTimeout time.Duration `yaml:"technology_timeout"`
	WriteAttempts     int           `yaml:"write_attempts"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	TransientRetries  int           `yaml:"transient_retries"`
}

// TLSConfig enables HTTPS with a locally trusted certificate.
type TLSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	BootstrapPort int    `yaml:"bootstrap_port"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Platform:       string(nfc.PlatformDesktop),
		Port:           18080,
		SessionTimeout: time.Minute,
		MDNS:           true,
		LogLevel:       "info",
		TLS: TLSConfig{
			Dir:           defaultTLSDir(),
			BootstrapPort: 18081,
		},
	}
}

func defaultTLSDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".nfc-engine"
	}
	return filepath.Join(dir, "nfc-engine")
}

// Load reads the configuration. Sources are applied in order: defaults, the
// YAML file named by NFC_ENGINE_CONFIG, then NFC_ENGINE_* variables. A .env
// file in the working directory is loaded into the environment first.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile merges a YAML file into c. Keys missing from the file keep their
// current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	c.Platform = envStr("NFC_ENGINE_PLATFORM", c.Platform)
	c.Device = envStr("NFC_ENGINE_DEVICE", c.Device)
	c.APISecret = envStr("NFC_ENGINE_API_SECRET", c.APISecret)
	c.LogLevel = envStr("NFC_ENGINE_LOG_LEVEL", c.LogLevel)
	c.TLS.Dir = envStr("NFC_ENGINE_TLS_DIR", c.TLS.Dir)

	var err error
	c.Mock, err = envBool("NFC_ENGINE_MOCK", c.Mock)
	collect(err)
	c.SealedLocks, err = envBool("NFC_ENGINE_SEALED_LOCKS", c.SealedLocks)
	collect(err)
	c.MDNS, err = envBool("NFC_ENGINE_MDNS", c.MDNS)
	collect(err)
	c.TraceStdout, err = envBool("NFC_ENGINE_TRACE_STDOUT", c.TraceStdout)
	collect(err)
	c.TLS.Enabled, err = envBool("NFC_ENGINE_TLS", c.TLS.Enabled)
	collect(err)

	c.Port, err = envInt("NFC_ENGINE_PORT", c.Port)
	collect(err)
	c.TLS.BootstrapPort, err = envInt("NFC_ENGINE_TLS_BOOTSTRAP_PORT", c.TLS.BootstrapPort)
	collect(err)
	c.Policy.WriteAttempts, err = envInt("NFC_ENGINE_WRITE_ATTEMPTS", c.Policy.WriteAttempts)
	collect(err)
	c.Policy.TransientRetries, err = envInt("NFC_ENGINE_TRANSIENT_RETRIES", c.Policy.TransientRetries)
	collect(err)

	c.SessionTimeout, err = envDuration("NFC_ENGINE_SESSION_TIMEOUT", c.SessionTimeout)
	collect(err)
	c.Policy.TechnologyTimeout, err = envDuration("NFC_ENGINE_TECHNOLOGY_TIMEOUT", c.Policy.TechnologyTimeout)
	collect(err)
	c.Policy.RetryDelay, err = envDuration("NFC_ENGINE_RETRY_DELAY", c.Policy.RetryDelay)
	collect(err)

	return errors.Join(errs...)
}

// Validate checks that the configuration can start an engine.
func (c Config) Validate() error {
	if _, err := c.PlatformPolicy(); err != nil {
		return err
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: NFC_ENGINE_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("config: NFC_ENGINE_SESSION_TIMEOUT must be positive")
	}
	if c.TLS.Enabled {
		if c.TLS.Dir == "" {
			return fmt.Errorf("config: NFC_ENGINE_TLS_DIR is required when TLS is enabled")
		}
		if c.TLS.BootstrapPort <= 0 || c.TLS.BootstrapPort == c.Port {
			return fmt.Errorf("config: NFC_ENGINE_TLS_BOOTSTRAP_PORT must be positive and differ from the API port")
		}
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// PlatformPolicy returns the platform preset with the overrides applied.
func (c Config) PlatformPolicy() (nfc.PlatformPolicy, error) {
	p, err := nfc.PolicyFor(c.Platform)
	if err != nil {
		return nfc.PlatformPolicy{}, fmt.Errorf("config: NFC_ENGINE_PLATFORM: %w", err)
	}
	o := c.Policy
	if o.TechnologyTimeout != 0 {
		p.TechnologyTimeout = o.TechnologyTimeout
	}
	if o.WriteAttempts != 0 {
		p.WriteAttempts = o.WriteAttempts
	}
	if o.RetryDelay != 0 {
		p.RetryDelay = o.RetryDelay
	}
	if o.TransientRetries != 0 {
		p.TransientRetries = o.TransientRetries
	}
	if err := p.Validate(); err != nil {
		return nfc.PlatformPolicy{}, fmt.Errorf("config: policy: %w", err)
	}
	return p, nil
}

// SlogLevel parses LogLevel.
func (c Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: NFC_ENGINE_LOG_LEVEL: %w", err)
	}
	return level, nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
