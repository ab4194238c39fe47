/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/


package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/blockpool"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvblock"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvevents"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/telemetry"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/sampling"
)

const (
	envNumBlocks   = "KVBM_NUM_BLOCKS"
	envRedisAddr   = "KVBM_REDIS_ADDR"
	envZMQEndpoint = "KVBM_ZMQ_ENDPOINT"

	defaultHTTPAddr     = ":8080"
	defaultTickInterval = 50 * time.Millisecond
	defaultPrefixes     = 8
	defaultFanoutRatio  = 0.25
)

// Config holds the configuration of every component of the block manager.
type Config struct {
	BlockPool      *blockpool.Config             `json:"blockPool"`
	TokenProcessor *kvblock.TokenProcessorConfig `json:"tokenProcessor"`
	Sampling       *sampling.CoordinatorConfig   `json:"sampling"`
	Events         *kvevents.Config              `json:"events"`
	// Redis enables exporting eviction events to Redis. Nil disables it.
	Redis *telemetry.RedisSinkConfig `json:"redis,omitempty"`

	Simulation *SimulationConfig `json:"simulation"`
	HTTPAddr   string            `json:"httpAddr"`
}

// SimulationConfig configures the synthetic scheduler loop.
type SimulationConfig struct {
	TickInterval time.Duration `json:"tickInterval"`
	// Steps bounds the number of ticks. Zero runs until interrupted.
	Steps int `json:"steps"`
	// Prefixes is the number of distinct shared prompt prefixes.
	Prefixes int `json:"prefixes"`
	// FanoutRatio is the share of requests sampled with best-of fan-out.
	FanoutRatio float64 `json:"fanoutRatio"`
	Seed        int64   `json:"seed"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	poolConfig := blockpool.DefaultConfig()
	poolConfig.EnableMetrics = true
	poolConfig.MetricsLoggingInterval = 30 * time.Second

	return &Config{
		BlockPool:      poolConfig,
		TokenProcessor: kvblock.DefaultTokenProcessorConfig(),
		Sampling:       &sampling.CoordinatorConfig{EnableMetrics: true},
		Events:         kvevents.DefaultConfig(),
		Simulation: &SimulationConfig{
			TickInterval: defaultTickInterval,
			Prefixes:     defaultPrefixes,
			FanoutRatio:  defaultFanoutRatio,
			Seed:         1,
		},
		HTTPAddr: defaultHTTPAddr,
	}
}

// LoadConfig reads the JSON configuration at path over the defaults and
// applies the environment overrides. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.fillDefaults()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// fillDefaults restores components explicitly set to null in the file.
func (c *Config) fillDefaults() {
	defaults := DefaultConfig()
	if c.BlockPool == nil {
		c.BlockPool = defaults.BlockPool
	}
	if c.TokenProcessor == nil {
		c.TokenProcessor = defaults.TokenProcessor
	}
	if c.Sampling == nil {
		c.Sampling = defaults.Sampling
	}
	if c.Events == nil {
		c.Events = defaults.Events
	}
	if c.Simulation == nil {
		c.Simulation = defaults.Simulation
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = defaults.HTTPAddr
	}
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(envNumBlocks); v != "" {
		numBlocks, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envNumBlocks, err)
		}
		c.BlockPool.NumBlocks = numBlocks
	}

	if v := os.Getenv(envRedisAddr); v != "" {
		if c.Redis == nil {
			c.Redis = telemetry.DefaultRedisSinkConfig()
		}
		c.Redis.Address = v
	}

	if v := os.Getenv(envZMQEndpoint); v != "" {
		c.Events.ZMQEndpoint = v
	}

	return nil
}
