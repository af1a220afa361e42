package main

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	llamarelay "github.com/MegaGrindStone/llama-relay"
	"github.com/MegaGrindStone/llama-relay/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigJSON(t *testing.T) {
	path := writeConfig(t, "models.json", `{
		"models": {
			"llama": {"path": "/models/llama.gguf", "args": ["--ctx-size", "2048"]},
			"mistral": {"path": "/models/mistral.gguf", "args": []}
		},
		"default": "llama"
	}`)

	cfg, err := loadConfig(path, "/data")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:3001", cfg.addr())
	assert.Equal(t, "http://127.0.0.1:8080", cfg.backendURL())
	assert.Equal(t, "llama-server", cfg.Backend.Executable)
	assert.Equal(t, 10*time.Second, cfg.Backend.StopTimeout)
	assert.Equal(t, historyBackendJSON, cfg.History.Backend)
	assert.Equal(t, filepath.Join("/data", "chat_history.json"), cfg.History.Path)

	level, err := cfg.logLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)

	assert.Equal(t, models.ServerConfig{
		Models: map[string]models.ModelConfig{
			"llama":   {ID: "llama", Path: "/models/llama.gguf", Args: []string{"--ctx-size", "2048"}},
			"mistral": {ID: "mistral", Path: "/models/mistral.gguf", Args: []string{}},
		},
		Default: "llama",
	}, cfg.serverConfig())
}

func TestLoadConfigYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
host: 0.0.0.0
port: 4000
logLevel: debug
history:
  backend: bolt
backend:
  executable: /opt/llama.cpp/llama-server
  host: 10.0.0.2
  port: 9090
  stopTimeout: 3s
  logFile: /tmp/backend.log
models:
  llama:
    path: /models/llama.gguf
default: llama
`)

	cfg, err := loadConfig(path, "/data")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:4000", cfg.addr())
	assert.Equal(t, "http://10.0.0.2:9090", cfg.backendURL())
	assert.Equal(t, "/opt/llama.cpp/llama-server", cfg.Backend.Executable)
	assert.Equal(t, 3*time.Second, cfg.Backend.StopTimeout)
	assert.Equal(t, "/tmp/backend.log", cfg.Backend.LogFile)
	assert.Equal(t, filepath.Join("/data", "store.db"), cfg.History.Path)

	level, err := cfg.logLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestLoadConfigTOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `
port = "3100"
default = "llama"

[history]
path = "/var/lib/relay/history.json"

[backend]
stopTimeout = "1m"

[models.llama]
path = "/models/llama.gguf"
args = ["-ngl", "99"]
`)

	cfg, err := loadConfig(path, "/data")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:3100", cfg.addr())
	assert.Equal(t, time.Minute, cfg.Backend.StopTimeout)
	assert.Equal(t, "/var/lib/relay/history.json", cfg.History.Path)
	assert.Equal(t, []string{"-ngl", "99"}, cfg.Models["llama"].Args)
}

func TestLoadConfigExample(t *testing.T) {
	path := writeConfig(t, "config.yaml", string(llamarelay.ExampleConfig))

	cfg, err := loadConfig(path, "/data")
	require.NoError(t, err)
	assert.Contains(t, cfg.Models, cfg.Default)
}

func TestLoadConfigUnknownDefaultIsAllowed(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
models:
  llama:
    path: /models/llama.gguf
default: placeholder
`)

	cfg, err := loadConfig(path, "/data")
	require.NoError(t, err)
	assert.Equal(t, "placeholder", cfg.Default)
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantField string
	}{
		{
			name:      "no models",
			content:   `default: llama`,
			wantField: "models",
		},
		{
			name: "no default",
			content: `
models:
  llama:
    path: /models/llama.gguf
`,
			wantField: "default",
		},
		{
			name: "model without path",
			content: `
models:
  llama:
    args: ["-ngl", "99"]
default: llama
`,
			wantField: "models.llama.path",
		},
		{
			name: "bad log level",
			content: `
logLevel: loud
models:
  llama:
    path: /models/llama.gguf
default: llama
`,
			wantField: "logLevel",
		},
		{
			name: "bad port",
			content: `
port: http
models:
  llama:
    path: /models/llama.gguf
default: llama
`,
			wantField: "port",
		},
		{
			name: "bad backend port",
			content: `
backend:
  port: 70000
models:
  llama:
    path: /models/llama.gguf
default: llama
`,
			wantField: "backend.port",
		},
		{
			name: "bad history backend",
			content: `
history:
  backend: sqlite
models:
  llama:
    path: /models/llama.gguf
default: llama
`,
			wantField: "history.backend",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "config.yaml", tt.content)

			_, err := loadConfig(path, "/data")

			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr), "got %v", err)
			assert.Equal(t, tt.wantField, cfgErr.Field)
		})
	}
}

func TestLoadConfigUnreadable(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"), "/data")
	require.Error(t, err)

	path := writeConfig(t, "config.yaml", "models: [")
	_, err = loadConfig(path, "/data")
	require.Error(t, err)

	var cfgErr *ConfigError
	assert.False(t, errors.As(err, &cfgErr))
}

func TestOpenStore(t *testing.T) {
	dir := t.TempDir()

	store, err := openStore(historyConfig{Backend: historyBackendBolt, Path: filepath.Join(dir, "nested", "store.db")})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = openStore(historyConfig{Backend: historyBackendJSON, Path: filepath.Join(dir, "chat_history.json")})
	require.NoError(t, err)
	require.NoError(t, store.Close())
}
