// ABOUTME: Configuration loading for the ember-matrix bot
// ABOUTME: Loads TOML config from XDG path with environment variable expansion

package main

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Matrix  MatrixConfig  `toml:"matrix"`
	LLM     LLMConfig     `toml:"llm"`
	Armory  ArmoryConfig  `toml:"armory"`
	Bridge  BridgeConfig  `toml:"bridge"`
	Logging LoggingConfig `toml:"logging"`
}

type MatrixConfig struct {
	Homeserver  string `toml:"homeserver"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
	RecoveryKey string `toml:"recovery_key"`
}

// LLMConfig points at an OpenAI-compatible chat completion server.
// An empty URL disables conversational replies.
type LLMConfig struct {
	URL string `toml:"url"`
}

// ArmoryConfig carries Battle.net API credentials and profile coordinates.
// Empty client credentials disable the character commands.
type ArmoryConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	TokenURL     string `toml:"token_url"`
	APIBase      string `toml:"api_base"`
	Realm        string `toml:"realm"`
	Namespace    string `toml:"namespace"`
	Locale       string `toml:"locale"`
}

type BridgeConfig struct {
	AllowedRooms    []string `toml:"allowed_rooms"`
	TypingIndicator bool     `toml:"typing_indicator"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

// Load reads config from the given path, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables (${VAR} syntax)
	expanded := expandEnvVars(string(data))

	var cfg Config
	if _, err := toml.Decode(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

// Validate checks that required config fields are present and valid.
// The llm and armory sections are optional; the bot runs without them and
// the affected commands explain that they are disabled.
func (c *Config) Validate() error {
	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}
	if _, err := url.Parse(c.Matrix.Homeserver); err != nil {
		return fmt.Errorf("matrix.homeserver is not a valid URL: %w", err)
	}
	if c.Matrix.Username == "" {
		return fmt.Errorf("matrix.username is required")
	}
	if c.Matrix.Password == "" {
		return fmt.Errorf("matrix.password is required")
	}
	if c.LLM.URL != "" {
		u, err := url.Parse(c.LLM.URL)
		if err != nil {
			return fmt.Errorf("llm.url is not a valid URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("llm.url must use http or https scheme")
		}
	}
	if c.Armory.ClientID != "" && c.Armory.ClientSecret == "" {
		return fmt.Errorf("armory.client_secret is required when armory.client_id is set")
	}
	return nil
}
