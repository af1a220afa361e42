package models

import (
	"maps"
	"slices"
)

// ModelConfig describes how to launch the inference backend for one model.
type ModelConfig struct {
	// ID is the key of this model in ServerConfig.Models.
	ID string
	// Path is the model file handed to the backend executable.
	Path string
	// Args are extra command line arguments appended after the model path.
	Args []string
}

// ServerConfig is the model mapping loaded once at startup. It is never modified afterwards.
type ServerConfig struct {
	Models  map[string]ModelConfig
	Default string
}

// Identifiers returns the configured model identifiers in ascending order.
func (c ServerConfig) Identifiers() []string {
	return slices.Sorted(maps.Keys(c.Models))
}

// Model looks up a model by identifier.
func (c ServerConfig) Model(id string) (ModelConfig, bool) {
	m, ok := c.Models[id]
	return m, ok
}
