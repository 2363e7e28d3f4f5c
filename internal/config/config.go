// Package config loads the immutable runtime configuration: a YAML file
// under the state directory with environment overrides on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvAccountDir signals that the process runs inside a per-account isolated
// directory; when it matches the account-<id> scheme it is authoritative
// for identity.
const EnvAccountDir = "ACCTKEEPER_ACCOUNT_DIR"

// Config is read once at startup and treated as immutable.
type Config struct {
	// Paths
	StateDir           string `yaml:"state_dir"`
	DBPath             string `yaml:"db_path"`
	CredentialFile     string `yaml:"credential_file"`      // shared with the external host
	ExternalConfigFile string `yaml:"external_config_file"` // host-owned, declares active email
	GlobalConfigFile   string `yaml:"global_config_file"`   // source of comfort settings
	AccountDirBase     string `yaml:"account_dir_base"`
	RecoveryFile       string `yaml:"recovery_file"`

	// Server
	ListenAddr string `yaml:"listen_addr"`

	// Lifecycle
	RefreshInterval    time.Duration `yaml:"refresh_interval"`
	RefreshBuffer      time.Duration `yaml:"refresh_buffer"`
	ExchangeTimeout    time.Duration `yaml:"exchange_timeout"`
	ExchangesPerSecond float64       `yaml:"exchanges_per_second"`
	TokenEndpoint      string        `yaml:"token_endpoint"`
	ClientID           string        `yaml:"client_id"`

	// Sessions
	StalenessMinutes int `yaml:"staleness_minutes"`
	DeadSessionHours int `yaml:"dead_session_hours"`

	// Watcher
	PollInterval   time.Duration `yaml:"poll_interval"`
	ForceTickEvery int           `yaml:"force_tick_every"`

	// Refresh-token history pruning
	TokenHistoryMaxAge time.Duration `yaml:"token_history_max_age"`
	TokenHistoryCap    int           `yaml:"token_history_cap"`

	// Extra credential locations to offer for import, ~ and globs allowed.
	DiscoveryPaths []string `yaml:"discovery_paths"`
}

// Default returns the built-in configuration rooted at ~/.acctkeeper.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	stateDir := filepath.Join(home, ".acctkeeper")
	return &Config{
		StateDir:           stateDir,
		DBPath:             filepath.Join(stateDir, "acctkeeper.db"),
		CredentialFile:     filepath.Join(home, ".config", "host", "credentials.json"),
		ExternalConfigFile: filepath.Join(home, ".config", "host", "config.json"),
		GlobalConfigFile:   filepath.Join(home, ".config", "host", "settings.json"),
		AccountDirBase:     filepath.Join(stateDir, "accounts"),
		RecoveryFile:       filepath.Join(stateDir, "token-recovery.json"),
		ListenAddr:         "127.0.0.1:8411",
		RefreshInterval:    5 * time.Minute,
		RefreshBuffer:      5 * time.Minute,
		ExchangeTimeout:    30 * time.Second,
		ExchangesPerSecond: 2,
		TokenEndpoint:      "",
		ClientID:           "",
		StalenessMinutes:   60,
		DeadSessionHours:   24,
		PollInterval:       2 * time.Second,
		ForceTickEvery:     15,
		TokenHistoryMaxAge: 90 * 24 * time.Hour,
		TokenHistoryCap:    500,
	}
}

// Load builds the configuration: defaults, then the YAML file (when
// present), then environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	// Best-effort .env for development; silence is fine in production.
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		path = filepath.Join(cfg.StateDir, "config.yaml")
	}
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setString("ACCTKEEPER_DB_PATH", &cfg.DBPath)
	setString("ACCTKEEPER_CREDENTIAL_FILE", &cfg.CredentialFile)
	setString("ACCTKEEPER_EXTERNAL_CONFIG_FILE", &cfg.ExternalConfigFile)
	setString("ACCTKEEPER_GLOBAL_CONFIG_FILE", &cfg.GlobalConfigFile)
	setString("ACCTKEEPER_ACCOUNT_DIR_BASE", &cfg.AccountDirBase)
	setString("ACCTKEEPER_RECOVERY_FILE", &cfg.RecoveryFile)
	setString("ACCTKEEPER_LISTEN_ADDR", &cfg.ListenAddr)
	setString("ACCTKEEPER_TOKEN_ENDPOINT", &cfg.TokenEndpoint)
	setString("ACCTKEEPER_CLIENT_ID", &cfg.ClientID)
	setDuration("ACCTKEEPER_REFRESH_INTERVAL", &cfg.RefreshInterval)
	setDuration("ACCTKEEPER_REFRESH_BUFFER", &cfg.RefreshBuffer)
	setDuration("ACCTKEEPER_EXCHANGE_TIMEOUT", &cfg.ExchangeTimeout)
	setDuration("ACCTKEEPER_POLL_INTERVAL", &cfg.PollInterval)
	setInt("ACCTKEEPER_STALENESS_MINUTES", &cfg.StalenessMinutes)
	setInt("ACCTKEEPER_DEAD_SESSION_HOURS", &cfg.DeadSessionHours)
	setInt("ACCTKEEPER_FORCE_TICK_EVERY", &cfg.ForceTickEvery)
}

// AccountDirFromEnv returns the isolated-directory path from the
// environment, or empty when unset.
func AccountDirFromEnv() string {
	return os.Getenv(EnvAccountDir)
}
