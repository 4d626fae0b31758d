// Package config loads runtime configuration from a YAML file and converts
// it into the engine's configuration types.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ZanzyTHEbar/searchscale"
	"gopkg.in/yaml.v3"
)

// File is the on-disk shape of a configuration file. Zero values fall back
// to the engine defaults, so a partial file is always valid.
type File struct {
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Pool         PoolConfig         `yaml:"pool"`
	Fetch        FetchConfig        `yaml:"fetch"`
	Genkit       GenkitConfig       `yaml:"genkit"`
}

type OrchestratorConfig struct {
	MaxHops            int           `yaml:"max_hops"`
	StreamBufferSize   int           `yaml:"stream_buffer_size"`
	EventBusBufferSize int           `yaml:"event_bus_buffer_size"`
	EventBusWorkers    int           `yaml:"event_bus_workers"`
	CacheTTL           time.Duration `yaml:"cache_ttl"`
	// ContinueExpression is an optional guard expression evaluated between
	// hops, e.g. "total_succeeded < 20".
	ContinueExpression string `yaml:"continue_expression"`
}

type PoolConfig struct {
	MaxPoolSize int         `yaml:"max_pool_size"`
	Retry       RetryConfig `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialDelay   time.Duration `yaml:"initial_delay"`
	Multiplier     float64       `yaml:"multiplier"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

type FetchConfig struct {
	// SerpAPIKey may also come from the SERPAPI_API_KEY environment
	// variable, which takes precedence over the file.
	SerpAPIKey string        `yaml:"serpapi_key"`
	Endpoint   string        `yaml:"endpoint"`
	Timeout    time.Duration `yaml:"timeout"`
}

type GenkitConfig struct {
	Model string `yaml:"model"`
}

// Load parses a YAML configuration file. A missing path returns defaults.
func Load(path string) (*File, error) {
	file := defaults()
	if path == "" {
		return file, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, searchscale.NewConfigurationError(
			fmt.Sprintf("failed to open config file %q", path), err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	if err := dec.Decode(file); err != nil {
		return nil, searchscale.NewConfigurationError(
			fmt.Sprintf("failed to parse config file %q", path), err)
	}

	file.applyDefaults()
	if key := os.Getenv("SERPAPI_API_KEY"); key != "" {
		file.Fetch.SerpAPIKey = key
	}
	return file, nil
}

func defaults() *File {
	f := &File{}
	f.applyDefaults()
	if key := os.Getenv("SERPAPI_API_KEY"); key != "" {
		f.Fetch.SerpAPIKey = key
	}
	return f
}

func (f *File) applyDefaults() {
	engine := searchscale.DefaultConfig()
	retry := searchscale.DefaultRetryPolicy()

	if f.Orchestrator.MaxHops <= 0 {
		f.Orchestrator.MaxHops = engine.MaxHops
	}
	if f.Orchestrator.StreamBufferSize <= 0 {
		f.Orchestrator.StreamBufferSize = engine.StreamBufferSize
	}
	if f.Orchestrator.EventBusBufferSize <= 0 {
		f.Orchestrator.EventBusBufferSize = engine.EventBusBufferSize
	}
	if f.Orchestrator.EventBusWorkers <= 0 {
		f.Orchestrator.EventBusWorkers = engine.EventBusWorkerCount
	}
	if f.Orchestrator.CacheTTL <= 0 {
		f.Orchestrator.CacheTTL = engine.CacheTTL
	}
	if f.Pool.MaxPoolSize <= 0 {
		f.Pool.MaxPoolSize = engine.Pool.MaxPoolSize
	}
	if f.Pool.Retry.MaxAttempts <= 0 {
		f.Pool.Retry.MaxAttempts = retry.MaxAttempts
	}
	if f.Pool.Retry.InitialDelay <= 0 {
		f.Pool.Retry.InitialDelay = retry.InitialDelay
	}
	if f.Pool.Retry.Multiplier <= 1 {
		f.Pool.Retry.Multiplier = retry.Multiplier
	}
	if f.Pool.Retry.MaxDelay <= 0 {
		f.Pool.Retry.MaxDelay = retry.MaxDelay
	}
	if f.Pool.Retry.AttemptTimeout <= 0 {
		f.Pool.Retry.AttemptTimeout = retry.AttemptTimeout
	}
	if f.Fetch.Timeout <= 0 {
		f.Fetch.Timeout = 20 * time.Second
	}
	if f.Genkit.Model == "" {
		f.Genkit.Model = "googleai/gemini-2.0-flash"
	}
}

// EngineConfig converts the file into the engine configuration.
func (f *File) EngineConfig() searchscale.Config {
	cfg := searchscale.DefaultConfig()
	cfg.MaxHops = f.Orchestrator.MaxHops
	cfg.StreamBufferSize = f.Orchestrator.StreamBufferSize
	cfg.EventBusBufferSize = f.Orchestrator.EventBusBufferSize
	cfg.EventBusWorkerCount = f.Orchestrator.EventBusWorkers
	cfg.CacheTTL = f.Orchestrator.CacheTTL
	cfg.Pool = f.PoolConfig()
	return cfg
}

// PoolConfig converts the pool section into the engine pool configuration.
func (f *File) PoolConfig() searchscale.PoolConfig {
	return searchscale.PoolConfig{
		MaxPoolSize: f.Pool.MaxPoolSize,
		Retry: searchscale.RetryPolicy{
			MaxAttempts:    f.Pool.Retry.MaxAttempts,
			InitialDelay:   f.Pool.Retry.InitialDelay,
			Multiplier:     f.Pool.Retry.Multiplier,
			MaxDelay:       f.Pool.Retry.MaxDelay,
			AttemptTimeout: f.Pool.Retry.AttemptTimeout,
		},
	}
}
