// ABOUTME: Configuration loading and parsing for krapbott-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete krapbott-gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Platforms PlatformsConfig `yaml:"platforms"`
	Queue     QueueConfig     `yaml:"queue"`
	Verifier  VerifierConfig  `yaml:"verifier"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the overlay HTTP surface's listen address.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds Postgres connection configuration.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// QueueConfig holds queue-engine timing configuration.
type QueueConfig struct {
	TxTimeout    time.Duration `yaml:"-"`
	TxTimeoutRaw string        `yaml:"tx_timeout"`
}

// PlatformsConfig holds configuration for both chat platform integrations.
type PlatformsConfig struct {
	Twitch TwitchConfig `yaml:"twitch"`
	Kick   KickConfig   `yaml:"kick"`
}

// TwitchConfig holds Twitch IRC + app-token credentials.
type TwitchConfig struct {
	Enabled      bool     `yaml:"enabled"`
	BotLogin     string   `yaml:"bot_login"`
	OAuthToken   string   `yaml:"oauth_token"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Channels     []string `yaml:"channels"`

	ReconnectBaseDelay    time.Duration `yaml:"-"`
	ReconnectBaseDelayRaw string        `yaml:"reconnect_base_delay"`
}

// KickConfig holds Kick OAuth + websocket credentials.
type KickConfig struct {
	Enabled      bool     `yaml:"enabled"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURL  string   `yaml:"redirect_url"`
	TokenPath    string   `yaml:"token_path"`
	Channels     []string `yaml:"channels"`

	ReconnectDelay    time.Duration `yaml:"-"`
	ReconnectDelayRaw string        `yaml:"reconnect_delay"`
}

// VerifierConfig holds Bungie API credentials for resolving claimed
// "name#dddd" Bungie names during the connect/register flows.
type VerifierConfig struct {
	APIKey string `yaml:"api_key"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Queue.TxTimeoutRaw != "" {
		cfg.Queue.TxTimeout, err = time.ParseDuration(cfg.Queue.TxTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing tx_timeout %q: %w", cfg.Queue.TxTimeoutRaw, err)
		}
	}

	if cfg.Platforms.Twitch.ReconnectBaseDelayRaw != "" {
		cfg.Platforms.Twitch.ReconnectBaseDelay, err = time.ParseDuration(cfg.Platforms.Twitch.ReconnectBaseDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing twitch reconnect_base_delay %q: %w", cfg.Platforms.Twitch.ReconnectBaseDelayRaw, err)
		}
	}

	if cfg.Platforms.Kick.ReconnectDelayRaw != "" {
		cfg.Platforms.Kick.ReconnectDelay, err = time.ParseDuration(cfg.Platforms.Kick.ReconnectDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing kick reconnect_delay %q: %w", cfg.Platforms.Kick.ReconnectDelayRaw, err)
		}
	}

	if cfg.Platforms.Kick.TokenPath == "" {
		cfg.Platforms.Kick.TokenPath = ".secrets/kick_oauth_tokens.json"
	}

	return nil
}
