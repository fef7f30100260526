package config

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/kvashee/protopt/errors"
	"gopkg.in/yaml.v3"
)

// AgentConfig describes one of the two agents bound to the protocol.
type AgentConfig struct {
	Name string `yaml:"name"`
	Role string `yaml:"role"`
}

type Config struct {
	// LLMClient selects the model provider: openai, anthropic, gemini,
	// bedrock, or mock.
	LLMClient string `yaml:"llm"`
	// Model is the model used by the agents during a handshake.
	Model string `yaml:"model"`
	// VariationModel is the model used to reword protocol rules. Defaults
	// to Model when empty.
	VariationModel string `yaml:"variation_model"`
	// Encoding names the tiktoken encoding used to price messages. When
	// empty the encoding is derived from Model.
	Encoding string `yaml:"encoding"`

	Agents     []AgentConfig `yaml:"agents"`
	Protocol   string        `yaml:"protocol"`
	EntryAgent string        `yaml:"entry_agent"`

	// Prompts are inline task prompts used by the optimizer. PromptFiles
	// are doublestar globs; each matched file contributes its contents as
	// one additional prompt.
	Prompts     []string `yaml:"prompts"`
	PromptFiles []string `yaml:"prompt_files"`

	Rounds         int    `yaml:"rounds"`
	VariationCount int    `yaml:"variation_count"`
	Selection      string `yaml:"selection"` // "always" (default) or "improve"

	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"log_level"`
}

const configDir = ".protopt"

// LoadConfig loads configuration from the user's home directory and the
// current working directory, with the latter taking precedence.
func LoadConfig() (*Config, error) {
	cfg := defaults()

	// User-level config first.
	home, err := os.UserHomeDir()
	if err == nil {
		userConfigPath := filepath.Join(home, configDir, "config.yaml")
		if _, err := os.Stat(userConfigPath); err == nil {
			if err := loadFromFile(userConfigPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
		}
	}

	// Project-level config overrides user-level.
	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	projectConfigPath := filepath.Join(wd, configDir, "config.yaml")
	if _, err := os.Stat(projectConfigPath); err == nil {
		if err := loadFromFile(projectConfigPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
	}

	return cfg, nil
}

// LoadFile loads configuration from an explicit path, skipping the merge of
// user and project config.
func LoadFile(path string) (*Config, error) {
	cfg := defaults()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, errors.Wrapf(err, "error loading config %s", path)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		LLMClient:      "mock",
		Rounds:         3,
		VariationCount: 5,
		Selection:      "always",
		Listen:         ":8080",
		LogLevel:       "info",
	}
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Unmarshal overwrites fields present in the YAML, giving a simple
	// merge where project-level config replaces user-level.
	return yaml.Unmarshal(data, cfg)
}

// Validate checks the parts of the config the core cannot default its way
// around.
func (c *Config) Validate() error {
	if len(c.Agents) != 2 {
		return errors.New("config must declare exactly two agents, got %d", len(c.Agents))
	}
	for _, a := range c.Agents {
		if a.Name == "" || a.Role == "" {
			return errors.New("every agent needs both a name and a role")
		}
	}
	if c.Rounds < 1 {
		return errors.New("rounds must be at least 1, got %d", c.Rounds)
	}
	if c.VariationCount < 1 {
		return errors.New("variation_count must be at least 1, got %d", c.VariationCount)
	}
	switch c.Selection {
	case "", "always", "improve":
	default:
		return errors.New("selection must be 'always' or 'improve', got %q", c.Selection)
	}
	return nil
}

// ExpandPrompts returns the inline prompts followed by the contents of every
// file matched by the prompt_files globs, in deterministic path order.
func (c *Config) ExpandPrompts() ([]string, error) {
	prompts := append([]string(nil), c.Prompts...)
	for _, pattern := range c.PromptFiles {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid prompt_files glob %q", pattern)
		}
		sort.Strings(matches)
		for _, path := range matches {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, errors.Wrapf(err, "could not read prompt file %s", path)
			}
			prompts = append(prompts, string(data))
		}
	}
	return prompts, nil
}
