// Package config loads server configuration from a JSON file, expanding
// ${ENV_VAR} placeholders and an optional KEY=VALUE secrets file into the
// environment first. Grounded on internal/config.Load's
// expandTilde/loadSecretsFile/expandEnvVars pipeline.
package config

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"memoria/internal/index"
	"memoria/internal/similarity"
)

// Config is the full server configuration, covering the options spec.md
// §6.3 names.
type Config struct {
	Port              int             `json:"port"`
	DataDir           string          `json:"data_dir,omitempty"`
	SecretsFile       string          `json:"secrets_file,omitempty"`
	MaxMemoryMB       int             `json:"max_memory_mb"`
	DefaultDimensions int             `json:"default_dimensions"`
	IndexType         string          `json:"index_type"` // "hnsw" or "flat"
	DistanceMetric    string          `json:"distance_metric"`
	MaxVectors        int             `json:"max_vectors,omitempty"`
	RateLimit         RateLimitConfig `json:"rate_limit"`
	APIKeySaltRounds  int             `json:"api_key_salt_rounds"`
	Embedding         EmbeddingConfig `json:"embedding"`
	LogLevel          string          `json:"log_level"`
}

// RateLimitConfig configures the sliding window limiter.
type RateLimitConfig struct {
	WindowMs    int `json:"window_ms"`
	MaxRequests int `json:"max_requests"`
}

// EmbeddingConfig selects and configures the embedding provider.
type EmbeddingConfig struct {
	Provider string `json:"provider"` // "openai" or "local"
	Model    string `json:"model,omitempty"`
	APIKey   string `json:"api_key,omitempty"` // supports ${ENV_VAR} expansion
}

// Default returns a conservative local-only configuration, suitable for
// development and for seeding a fresh config file.
func Default() *Config {
	return &Config{
		Port:              8080,
		DataDir:           "./data",
		MaxMemoryMB:       256,
		DefaultDimensions: 1536,
		IndexType:         "hnsw",
		DistanceMetric:    string(similarity.Cosine),
		RateLimit:         RateLimitConfig{WindowMs: 60000, MaxRequests: 120},
		APIKeySaltRounds:  10,
		Embedding:         EmbeddingConfig{Provider: "local", Model: "local-deterministic"},
		LogLevel:          "info",
	}
}

// Load reads path, creating a default config there if absent, then expands
// tilde paths, loads an optional secrets file into the environment, and
// expands ${ENV_VAR} placeholders before validating.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("failed to save default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandTilde()

	if err := cfg.loadSecretsFile(); err != nil {
		return nil, fmt.Errorf("failed to load secrets file: %w", err)
	}

	cfg.expandEnvVars()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// Save writes cfg to path as indented JSON.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func (c *Config) expandTilde() {
	c.DataDir = expandTildePath(c.DataDir)
	c.SecretsFile = expandTildePath(c.SecretsFile)
}

func expandTildePath(p string) string {
	if p == "~" {
		home, err := os.UserHomeDir()
		if err == nil {
			return home
		}
		return p
	}
	if strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}

func (c *Config) loadSecretsFile() error {
	if c.SecretsFile == "" {
		return nil
	}

	f, err := os.Open(c.SecretsFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cannot open secrets file %s: %w", c.SecretsFile, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}
		if _, exists := os.LookupEnv(key); !exists {
			os.Setenv(key, value)
		}
	}
	return scanner.Err()
}

func (c *Config) expandEnvVars() {
	c.DataDir = os.ExpandEnv(c.DataDir)
	c.SecretsFile = os.ExpandEnv(c.SecretsFile)
	c.Embedding.APIKey = os.ExpandEnv(c.Embedding.APIKey)
}

// Validate checks that loaded values fall within the ranges the rest of
// the system assumes.
func (c *Config) Validate() error {
	if c.DefaultDimensions <= 0 {
		return fmt.Errorf("default_dimensions must be positive")
	}
	if c.MaxMemoryMB <= 0 {
		return fmt.Errorf("max_memory_mb must be positive")
	}
	switch c.IndexType {
	case "hnsw", "flat":
	default:
		return fmt.Errorf("index_type must be \"hnsw\" or \"flat\", got %q", c.IndexType)
	}
	switch similarity.Metric(c.DistanceMetric) {
	case similarity.Cosine, similarity.Euclidean, similarity.Dot:
	default:
		return fmt.Errorf("distance_metric must be cosine, euclidean, or dot, got %q", c.DistanceMetric)
	}
	switch c.Embedding.Provider {
	case "openai", "local":
	default:
		return fmt.Errorf("embedding.provider must be \"openai\" or \"local\", got %q", c.Embedding.Provider)
	}
	return nil
}

// RateLimitWindow returns the configured rate limit window as a Duration.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowMs) * time.Millisecond
}

// MaxMemoryBytes returns the configured buffer size in bytes, clamped so
// the resulting capacity (bytes / (dimensions*4)) never exceeds MaxVectors
// when that safety cap (spec.md §6.3) is set.
func (c *Config) MaxMemoryBytes() int64 {
	bytes := int64(c.MaxMemoryMB) * 1024 * 1024
	if c.MaxVectors > 0 && c.DefaultDimensions > 0 {
		capped := int64(c.MaxVectors) * int64(c.DefaultDimensions) * 4
		if capped < bytes {
			return capped
		}
	}
	return bytes
}

// HNSWIndexThreshold returns the production default index threshold when
// IndexType is "hnsw", or a threshold no realistic node count reaches when
// IndexType is "flat", so every search takes the exhaustive scan (the graph
// is still maintained on insert).
func (c *Config) HNSWIndexThreshold() int {
	if c.IndexType == "flat" {
		return 1 << 30 // effectively always exhaustive
	}
	return index.DefaultIndexThreshold
}
