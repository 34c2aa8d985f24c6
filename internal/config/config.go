// ABOUTME: Configuration loading and parsing for warelay
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete warelay configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Sessions SessionsConfig `yaml:"sessions"`
	Media    MediaConfig    `yaml:"media"`
	Bot      BotConfig      `yaml:"bot"`
	Export   ExportConfig   `yaml:"export"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds document store configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// SessionsConfig holds platform session configuration
type SessionsConfig struct {
	AuthDir string `yaml:"auth_dir"`
}

// MediaConfig holds inbound voice blob storage configuration
type MediaConfig struct {
	Root   string `yaml:"root"`
	Bucket string `yaml:"bucket"`
}

// BotConfig holds the bot pipeline timing and phrase lists
type BotConfig struct {
	Debounce time.Duration `yaml:"-"`
	HardCap  time.Duration `yaml:"-"`
	GCIdle   time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	DebounceRaw string `yaml:"debounce"`
	HardCapRaw  string `yaml:"hard_cap"`
	GCIdleRaw   string `yaml:"gc_idle"`

	Finalizers   []string `yaml:"finalizers"`
	VoicePhrases []string `yaml:"voice_phrases"`
	TextPhrases  []string `yaml:"text_phrases"`
}

// ExportConfig holds the optional AMQP event export settings
type ExportConfig struct {
	AMQPURL  string `yaml:"amqp_url"`
	Exchange string `yaml:"exchange"`
}

// LoggingConfig holds logging configuration
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

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
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

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Sessions.AuthDir == "" {
		return fmt.Errorf("sessions.auth_dir is required")
	}
	if c.Media.Root == "" {
		return fmt.Errorf("media.root is required")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Bot.DebounceRaw != "" {
		cfg.Bot.Debounce, err = time.ParseDuration(cfg.Bot.DebounceRaw)
		if err != nil {
			return fmt.Errorf("parsing debounce %q: %w", cfg.Bot.DebounceRaw, err)
		}
	}

	if cfg.Bot.HardCapRaw != "" {
		cfg.Bot.HardCap, err = time.ParseDuration(cfg.Bot.HardCapRaw)
		if err != nil {
			return fmt.Errorf("parsing hard_cap %q: %w", cfg.Bot.HardCapRaw, err)
		}
	}

	if cfg.Bot.GCIdleRaw != "" {
		cfg.Bot.GCIdle, err = time.ParseDuration(cfg.Bot.GCIdleRaw)
		if err != nil {
			return fmt.Errorf("parsing gc_idle %q: %w", cfg.Bot.GCIdleRaw, err)
		}
	}

	return nil
}
