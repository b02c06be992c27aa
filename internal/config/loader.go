package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/rickgao/ovh-sniper/internal/cryptoutils"
)

// SealedPrefix marks a value sealed with the site secret.
const SealedPrefix = "sealed:"

// LoadEnvFile loads KEY=VALUE pairs into the process environment.
// A missing file is not an error; existing variables are not overridden.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse expands environment variables in data and decodes it.
func Parse(data []byte) (*Config, error) {
	// Expand ${VAR} environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults loads config and applies default values.
func LoadWithDefaults(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadAndValidate loads config, applies defaults, opens sealed secrets and validates.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := LoadWithDefaults(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.OpenSealed(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// OpenSealed replaces sealed API secrets with their plaintext.
func (c *Config) OpenSealed() error {
	fields := []struct {
		name  string
		value *string
	}{
		{"api.app_secret", &c.API.AppSecret},
		{"api.consumer_key", &c.API.ConsumerKey},
		{"notify.telegram.bot_token", &c.Notify.Telegram.BotToken},
	}
	for _, f := range fields {
		if !strings.HasPrefix(*f.value, SealedPrefix) {
			continue
		}
		if c.API.SiteSecret == "" {
			return fmt.Errorf("%s is sealed but api.site_secret is empty", f.name)
		}
		plain, err := cryptoutils.Open(strings.TrimPrefix(*f.value, SealedPrefix), c.API.SiteSecret)
		if err != nil {
			return fmt.Errorf("open %s: %w", f.name, err)
		}
		*f.value = plain
	}
	return nil
}
