// ABOUTME: Configuration loading and parsing for mcp-slackbot.
// ABOUTME: Supports YAML files with environment variable expansion and eager validation.

package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// DefaultHistoryWindow is the number of recent messages supplied to the model
// when the config does not override it.
const DefaultHistoryWindow = 5

// DefaultModel is the chat model used when model.name is not set.
const DefaultModel = "gpt-4o-mini"

// Config represents the complete mcp-slackbot configuration.
type Config struct {
	Slack    SlackConfig         `yaml:"slack"`
	Model    ModelConfig         `yaml:"model"`
	Backends []BackendDescriptor `yaml:"backends"`
	History  HistoryConfig       `yaml:"history"`
	Database DatabaseConfig      `yaml:"database"`
	Logging  LoggingConfig       `yaml:"logging"`
}

// SlackConfig holds Slack Socket Mode credentials and transport settings.
type SlackConfig struct {
	BotToken  string `yaml:"bot_token"` // xoxb- token for the Web API
	AppToken  string `yaml:"app_token"` // xapp- token for Socket Mode
	HTTPProxy string `yaml:"http_proxy"`
}

// ModelConfig holds model-invocation settings. Exactly one provider is used:
// Azure when azure_endpoint is set, otherwise OpenAI (optionally through a
// proxy base URL).
type ModelConfig struct {
	APIKey        string  `yaml:"api_key"`
	BaseURL       string  `yaml:"base_url"`
	AzureEndpoint string  `yaml:"azure_endpoint"`
	APIVersion    string  `yaml:"api_version"`
	Name          string  `yaml:"name"`
	Temperature   float32 `yaml:"temperature"`
}

// BackendDescriptor describes one tool-backend subprocess. The set is loaded
// once at startup and is immutable afterwards.
type BackendDescriptor struct {
	ID      string            `yaml:"id"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

// HistoryConfig bounds the conversation window read for each generation.
type HistoryConfig struct {
	Window int `yaml:"window"`
}

// DatabaseConfig holds the optional transcript ledger location.
// An empty path disables the ledger.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded before
// parsing, and defaults are applied before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.History.Window <= 0 {
		c.History.Window = DefaultHistoryWindow
	}
	if c.Model.Name == "" {
		c.Model.Name = DefaultModel
	}
}

// Validate checks that all required configuration fields are present and
// valid. Backend descriptors are checked here so a malformed entry fails at
// load time rather than at subprocess launch.
func (c *Config) Validate() error {
	if c.Slack.BotToken == "" {
		return fmt.Errorf("slack.bot_token is required")
	}
	if c.Slack.AppToken == "" {
		return fmt.Errorf("slack.app_token is required")
	}

	seen := make(map[string]bool, len(c.Backends))
	for i, b := range c.Backends {
		if b.ID == "" {
			return fmt.Errorf("backends[%d]: id is required", i)
		}
		if b.Command == "" {
			return fmt.Errorf("backends[%d] (%s): command is required", i, b.ID)
		}
		if seen[b.ID] {
			return fmt.Errorf("backends[%d]: duplicate backend id %q", i, b.ID)
		}
		seen[b.ID] = true
	}

	return nil
}
