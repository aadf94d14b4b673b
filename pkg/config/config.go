// Package config loads wamd settings from defaults, an optional YAML file and
// WAMD_* environment variables, in that order of precedence.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ZentaChain/wamd/pkg/appstate"
)

const (
	DefaultServerURL = "wss://web.whatsapp.com/ws/chat"
	DefaultOrigin    = "https://web.whatsapp.com"
)

type Config struct {
	// ServerURL is the websocket endpoint of the chat server.
	ServerURL string `yaml:"server_url"`
	// Origin is sent as the Origin header when dialing.
	Origin string `yaml:"origin"`

	// DataDir is the directory where wamd stores local state.
	DataDir string `yaml:"data_dir"`
	// DBPath is the device database. Defaults to <DataDir>/device.db.
	DBPath string `yaml:"db_path"`
	// DBPassphrase seals secret key material in the database when set.
	DBPassphrase string `yaml:"db_passphrase"`

	LogLevel       string `yaml:"log_level"`
	LogDevelopment bool   `yaml:"log_development"`

	// APIAddr is the listen address of the status API. Empty disables it.
	APIAddr string `yaml:"api_addr"`
	// APIKey, when set, must be sent as X-API-Key on /api/v1 requests.
	APIKey string `yaml:"api_key"`

	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// PreKeyBatch is the number of one-time pre-keys generated at a time.
	PreKeyBatch int `yaml:"prekey_batch"`

	AppStateTypes []string `yaml:"app_state_types"`

	// RootCertKey is the hex Ed25519 key that signs server certificates.
	RootCertKey            string `yaml:"root_cert_key"`
	InsecureSkipCertVerify bool   `yaml:"insecure_skip_cert_verify"`
}

// Default returns the built-in configuration.
func Default() *Config {
	dataDir := ".wamd"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".wamd")
	}

	types := make([]string, len(appstate.AllTypes))
	for i, t := range appstate.AllTypes {
		types[i] = string(t)
	}

	return &Config{
		ServerURL:     DefaultServerURL,
		Origin:        DefaultOrigin,
		DataDir:       dataDir,
		LogLevel:      "info",
		DialTimeout:   10 * time.Second,
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  10 * time.Second,
		PreKeyBatch:   30,
		AppStateTypes: types,
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and the environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "device.db")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("WAMD_SERVER_URL"); v != "" {
		c.ServerURL = v
	}
	if v := os.Getenv("WAMD_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("WAMD_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("WAMD_DB_PASSPHRASE"); v != "" {
		c.DBPassphrase = v
	}
	if v := os.Getenv("WAMD_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("WAMD_API_ADDR"); v != "" {
		c.APIAddr = v
	}
	if v := os.Getenv("WAMD_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("WAMD_DEBUG"); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid WAMD_DEBUG %q: %w", v, err)
		}
		if debug {
			c.LogLevel = "debug"
			c.LogDevelopment = true
		}
	}
	return nil
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		errs = append(errs, fmt.Errorf("server_url %q must be a ws:// or wss:// URL", c.ServerURL))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log_level %q (expected debug, info, warn or error)", c.LogLevel))
	}
	if c.DialTimeout <= 0 || c.ReadTimeout <= 0 || c.WriteTimeout <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	if c.PreKeyBatch <= 0 || c.PreKeyBatch > 812 {
		errs = append(errs, fmt.Errorf("prekey_batch %d out of range 1-812", c.PreKeyBatch))
	}
	for _, t := range c.AppStateTypes {
		if _, err := appstate.ParseType(t); err != nil {
			errs = append(errs, fmt.Errorf("app_state_types: %w", err))
		}
	}
	if c.RootCertKey != "" {
		if key, err := hex.DecodeString(c.RootCertKey); err != nil || len(key) != 32 {
			errs = append(errs, errors.New("root_cert_key must be 64 hex characters"))
		}
	}
	return errors.Join(errs...)
}

// RootKey returns the decoded certificate root key, or nil when unset.
func (c *Config) RootKey() []byte {
	key, err := hex.DecodeString(c.RootCertKey)
	if err != nil || len(key) == 0 {
		return nil
	}
	return key
}

// Types returns the configured app state collections.
func (c *Config) Types() []appstate.Type {
	out := make([]appstate.Type, 0, len(c.AppStateTypes))
	for _, t := range c.AppStateTypes {
		out = append(out, appstate.Type(t))
	}
	return out
}

// EnsureDataDir creates the data directory.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0700)
}
