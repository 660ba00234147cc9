// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads and persists engine configuration from TOML.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/ideaforge/internal/budget"
	"github.com/jeranaias/ideaforge/internal/ollama"
	"github.com/jeranaias/ideaforge/internal/util"
)

// Environment variables overriding the backend section.
const (
	EnvBackendURL = "IDEAFORGE_BACKEND_URL"
	EnvModel      = "IDEAFORGE_MODEL"
	EnvTimeout    = "IDEAFORGE_TIMEOUT_SECONDS"
)

// Config is the root configuration.
type Config struct {
	Backend   BackendConfig   `toml:"backend"`
	Limits    LimitsConfig    `toml:"limits"`
	History   HistoryConfig   `toml:"history"`
	Storage   StorageConfig   `toml:"storage"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// BackendConfig configures the generation backend client.
type BackendConfig struct {
	BaseURL           string  `toml:"base_url"`
	Model             string  `toml:"model"`
	TimeoutSeconds    int     `toml:"timeout_seconds"`
	MaxRetries        int     `toml:"max_retries"`
	RetryBaseMillis   int     `toml:"retry_base_millis"`
	MaxResponseChars  int     `toml:"max_response_chars"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// LimitsConfig configures the budget ceilings.
type LimitsConfig struct {
	MaxCharsPerMessage       int `toml:"max_chars_per_message"`
	MaxTokensPerMessage      int `toml:"max_tokens_per_message"`
	MaxTokensPerConversation int `toml:"max_tokens_per_conversation"`
	MaxTokensPerDay          int `toml:"max_tokens_per_day"`
	WindowHours              int `toml:"window_hours"`
}

// HistoryConfig configures the context window built for each turn.
type HistoryConfig struct {
	MaxMessages int `toml:"max_messages"`
	MaxTokens   int `toml:"max_tokens"`
}

// StorageConfig configures the record store.
type StorageConfig struct {
	DatabasePath string `toml:"database_path"`
}

// TelemetryConfig configures metric snapshots.
type TelemetryConfig struct {
	SnapshotPath string `toml:"snapshot_path"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	ollamaDef := ollama.DefaultConfig()
	limitsDef := budget.DefaultLimits()
	return &Config{
		Backend: BackendConfig{
			BaseURL:          ollamaDef.BaseURL,
			Model:            ollamaDef.Model,
			TimeoutSeconds:   int(ollamaDef.Timeout / time.Second),
			MaxRetries:       ollamaDef.MaxRetries,
			RetryBaseMillis:  int(ollamaDef.RetryBaseDelay / time.Millisecond),
			MaxResponseChars: ollamaDef.MaxResponseChars,
		},
		Limits: LimitsConfig{
			MaxCharsPerMessage:       limitsDef.MaxCharsPerMessage,
			MaxTokensPerMessage:      limitsDef.MaxTokensPerMessage,
			MaxTokensPerConversation: limitsDef.MaxTokensPerConversation,
			MaxTokensPerDay:          limitsDef.MaxTokensPerDay,
			WindowHours:              int(limitsDef.Window / time.Hour),
		},
		History: HistoryConfig{
			MaxMessages: 3,
			MaxTokens:   1000,
		},
		Storage: StorageConfig{
			DatabasePath: "ideaforge.db",
		},
	}
}

// Load reads the configuration at path, fills unset values with defaults,
// applies environment overrides and validates the result. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg.fillDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to path atomically.
func (c *Config) Save(path string) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return util.AtomicWriteFile(path, buf.Bytes(), 0644)
}

func (c *Config) fillDefaults() {
	def := DefaultConfig()
	if c.Backend.BaseURL == "" {
		c.Backend.BaseURL = def.Backend.BaseURL
	}
	if c.Backend.Model == "" {
		c.Backend.Model = def.Backend.Model
	}
	if c.Backend.TimeoutSeconds <= 0 {
		c.Backend.TimeoutSeconds = def.Backend.TimeoutSeconds
	}
	if c.Backend.MaxRetries <= 0 {
		c.Backend.MaxRetries = def.Backend.MaxRetries
	}
	if c.Backend.RetryBaseMillis <= 0 {
		c.Backend.RetryBaseMillis = def.Backend.RetryBaseMillis
	}
	if c.Backend.MaxResponseChars <= 0 {
		c.Backend.MaxResponseChars = def.Backend.MaxResponseChars
	}
	if c.Limits.MaxCharsPerMessage <= 0 {
		c.Limits.MaxCharsPerMessage = def.Limits.MaxCharsPerMessage
	}
	if c.Limits.MaxTokensPerMessage <= 0 {
		c.Limits.MaxTokensPerMessage = def.Limits.MaxTokensPerMessage
	}
	if c.Limits.MaxTokensPerConversation <= 0 {
		c.Limits.MaxTokensPerConversation = def.Limits.MaxTokensPerConversation
	}
	if c.Limits.MaxTokensPerDay <= 0 {
		c.Limits.MaxTokensPerDay = def.Limits.MaxTokensPerDay
	}
	if c.Limits.WindowHours <= 0 {
		c.Limits.WindowHours = def.Limits.WindowHours
	}
	if c.History.MaxMessages <= 0 {
		c.History.MaxMessages = def.History.MaxMessages
	}
	if c.History.MaxTokens <= 0 {
		c.History.MaxTokens = def.History.MaxTokens
	}
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = def.Storage.DatabasePath
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvBackendURL); v != "" {
		c.Backend.BaseURL = v
	}
	if v := os.Getenv(EnvModel); v != "" {
		c.Backend.Model = v
	}
	if v := os.Getenv(EnvTimeout); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.Backend.TimeoutSeconds = secs
		}
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Limits.MaxTokensPerMessage > c.Limits.MaxTokensPerConversation {
		return fmt.Errorf("config: max_tokens_per_message (%d) exceeds max_tokens_per_conversation (%d)",
			c.Limits.MaxTokensPerMessage, c.Limits.MaxTokensPerConversation)
	}
	if c.Backend.RequestsPerSecond < 0 {
		return fmt.Errorf("config: requests_per_second must not be negative")
	}
	return nil
}

// BackendClientConfig converts the backend section into a client config.
func (c *Config) BackendClientConfig() *ollama.Config {
	return &ollama.Config{
		BaseURL:           c.Backend.BaseURL,
		Model:             c.Backend.Model,
		Timeout:           time.Duration(c.Backend.TimeoutSeconds) * time.Second,
		MaxRetries:        c.Backend.MaxRetries,
		RetryBaseDelay:    time.Duration(c.Backend.RetryBaseMillis) * time.Millisecond,
		MaxResponseChars:  c.Backend.MaxResponseChars,
		RequestsPerSecond: c.Backend.RequestsPerSecond,
	}
}

// BudgetLimits converts the limits section into enforcer limits.
func (c *Config) BudgetLimits() budget.Limits {
	return budget.Limits{
		MaxCharsPerMessage:       c.Limits.MaxCharsPerMessage,
		MaxTokensPerMessage:      c.Limits.MaxTokensPerMessage,
		MaxTokensPerConversation: c.Limits.MaxTokensPerConversation,
		MaxTokensPerDay:          c.Limits.MaxTokensPerDay,
		Window:                   time.Duration(c.Limits.WindowHours) * time.Hour,
	}
}
