package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"ollama-chat/internal/ollama"
)

const (
	DefaultConfigDir     = ".ollama-chat"
	DefaultConfigFile    = "config.yaml"
	DefaultHistoryLength = 10
)

// Config holds the application settings. Model is read and written from
// the session engine while streams may be running, so access to it goes
// through the locked accessors.
type Config struct {
	mu sync.Mutex

	Host string `yaml:"host"`

	// Model is the currently selected model id. The engine updates it on
	// chat switch and persists it onto the active chat on model switch.
	Model string `yaml:"model"`

	// HistoryLength bounds how many prior messages are sent as context.
	// 0 means no prior context.
	HistoryLength int `yaml:"history_length"`

	// SystemPrompt is the default system prompt; SystemPrompts overrides
	// it per model id.
	SystemPrompt  string            `yaml:"system_prompt"`
	SystemPrompts map[string]string `yaml:"system_prompts"`
}

func DefaultConfig() *Config {
	return &Config{
		Host:          ollama.DefaultHost,
		HistoryLength: DefaultHistoryLength,
		SystemPrompts: map[string]string{},
	}
}

// CurrentModel returns the selected model id.
func (c *Config) CurrentModel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Model
}

// SetCurrentModel updates the selected model id.
func (c *Config) SetCurrentModel(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Model = model
}

// HistoryWindow returns the configured history length, never negative.
func (c *Config) HistoryWindow() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.HistoryLength < 0 {
		return 0
	}
	return c.HistoryLength
}

// CurrentSystemPrompt returns the system prompt applicable to the given
// model: the per-model entry when present, the default otherwise, empty
// when neither is configured.
func (c *Config) CurrentSystemPrompt(model string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prompt, ok := c.SystemPrompts[model]; ok && prompt != "" {
		return prompt
	}
	return c.SystemPrompt
}

// GetConfigPath returns the path to the config file
func GetConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(homeDir, DefaultConfigDir)
	return filepath.Join(configDir, DefaultConfigFile), nil
}

// EnsureConfigDir creates the config directory if it doesn't exist
func EnsureConfigDir() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(homeDir, DefaultConfigDir)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return nil
}

// Load loads the configuration from file, creating default if not exists
func Load() (*Config, error) {
	configPath, err := GetConfigPath()
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		// Config file doesn't exist, create default. If save fails, return
		// the default anyway so the app still works.
		cfg := DefaultConfig()
		if err := Save(cfg); err != nil {
			return cfg, nil
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if cfg.Host == "" {
		cfg.Host = ollama.DefaultHost
	}
	if cfg.SystemPrompts == nil {
		cfg.SystemPrompts = map[string]string{}
	}

	return &cfg, nil
}

// Save saves the configuration to file
func Save(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("cannot save invalid config: %w", err)
	}

	if err := EnsureConfigDir(); err != nil {
		return err
	}

	configPath, err := GetConfigPath()
	if err != nil {
		return err
	}

	cfg.mu.Lock()
	data, err := yaml.Marshal(cfg)
	cfg.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration values
func (c *Config) Validate() error {
	if c.HistoryLength < 0 {
		return fmt.Errorf("history_length must be non-negative, got %d", c.HistoryLength)
	}
	return nil
}
