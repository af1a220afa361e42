package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/MegaGrindStone/llama-relay/internal/models"
	"github.com/MegaGrindStone/llama-relay/internal/services"
	"gopkg.in/yaml.v3"
)

const (
	appDirName = "llama-relay"

	historyBackendJSON = "json"
	historyBackendBolt = "bolt"
)

type config struct {
	Host     string                 `yaml:"host" toml:"host"`
	Port     string                 `yaml:"port" toml:"port"`
	LogLevel string                 `yaml:"logLevel" toml:"logLevel"`
	History  historyConfig          `yaml:"history" toml:"history"`
	Backend  backendConfig          `yaml:"backend" toml:"backend"`
	Models   map[string]modelConfig `yaml:"models" toml:"models"`
	Default  string                 `yaml:"default" toml:"default"`
}

type historyConfig struct {
	Backend string `yaml:"backend" toml:"backend"`
	Path    string `yaml:"path" toml:"path"`
}

type backendConfig struct {
	Executable  string        `yaml:"executable" toml:"executable"`
	Host        string        `yaml:"host" toml:"host"`
	Port        int           `yaml:"port" toml:"port"`
	StopTimeout time.Duration `yaml:"stopTimeout" toml:"stopTimeout"`
	LogFile     string        `yaml:"logFile" toml:"logFile"`
}

type modelConfig struct {
	Path string   `yaml:"path" toml:"path"`
	Args []string `yaml:"args" toml:"args"`
}

// ConfigError reports a config file the server refuses to run with.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Message)
}

func defaultConfigDir() (string, error) {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("error getting user config dir: %w", err)
	}
	return filepath.Join(cfgDir, appDirName), nil
}

// loadConfig reads the config file at path. Files ending in .toml are decoded as TOML, anything else as
// YAML, which also covers plain JSON. Unset keys get their defaults, relative to dataDir for files.
func loadConfig(path, dataDir string) (config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}

	var cfg config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	}

	cfg.applyDefaults(dataDir)
	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c *config) applyDefaults(dataDir string) {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == "" {
		c.Port = "3001"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.History.Backend == "" {
		c.History.Backend = historyBackendJSON
	}
	if c.History.Path == "" {
		switch c.History.Backend {
		case historyBackendBolt:
			c.History.Path = filepath.Join(dataDir, "store.db")
		default:
			c.History.Path = filepath.Join(dataDir, "chat_history.json")
		}
	}

	if c.Backend.Executable == "" {
		c.Backend.Executable = "llama-server"
	}
	if c.Backend.Host == "" {
		c.Backend.Host = "127.0.0.1"
	}
	if c.Backend.Port == 0 {
		c.Backend.Port = 8080
	}
	if c.Backend.StopTimeout == 0 {
		c.Backend.StopTimeout = services.DefaultStopTimeout
	}
}

func (c config) validate() error {
	if len(c.Models) == 0 {
		return &ConfigError{Field: "models", Message: "at least one model is required"}
	}
	for id, m := range c.Models {
		if id == "" {
			return &ConfigError{Field: "models", Message: "model identifier must not be empty"}
		}
		if m.Path == "" {
			return &ConfigError{Field: "models." + id + ".path", Message: "model path is required"}
		}
	}
	if c.Default == "" {
		return &ConfigError{Field: "default", Message: "default model is required"}
	}

	if _, err := c.logLevel(); err != nil {
		return &ConfigError{Field: "logLevel", Message: err.Error()}
	}
	if p, err := strconv.Atoi(c.Port); err != nil || p < 1 || p > 65535 {
		return &ConfigError{Field: "port", Message: fmt.Sprintf("%q is not a valid port", c.Port)}
	}
	if c.Backend.Port < 1 || c.Backend.Port > 65535 {
		return &ConfigError{Field: "backend.port", Message: fmt.Sprintf("%d is not a valid port", c.Backend.Port)}
	}
	if c.Backend.StopTimeout < 0 {
		return &ConfigError{Field: "backend.stopTimeout", Message: "must not be negative"}
	}

	switch c.History.Backend {
	case historyBackendJSON, historyBackendBolt:
	default:
		return &ConfigError{
			Field:   "history.backend",
			Message: fmt.Sprintf("unknown backend %q, expected %q or %q", c.History.Backend, historyBackendJSON, historyBackendBolt),
		}
	}

	return nil
}

func (c config) logLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, errors.New("expected one of debug, info, warn, error")
	}
	return level, nil
}

func (c config) serverConfig() models.ServerConfig {
	ms := make(map[string]models.ModelConfig, len(c.Models))
	for id, m := range c.Models {
		ms[id] = models.ModelConfig{
			ID:   id,
			Path: m.Path,
			Args: m.Args,
		}
	}
	return models.ServerConfig{
		Models:  ms,
		Default: c.Default,
	}
}

func (c config) addr() string {
	return c.Host + ":" + c.Port
}

func (c config) backendURL() string {
	return "http://" + c.Backend.Host + ":" + strconv.Itoa(c.Backend.Port)
}
