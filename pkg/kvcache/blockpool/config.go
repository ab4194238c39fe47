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

package blockpool

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	defaultNumBlocks               = 1024
	defaultBlockSize               = 16
	defaultMaxEvictionEvents       = 10000
	defaultTruncatedEvictionEvents = 5000
)

// EvictionPolicy selects how the next block to reuse is chosen.
type EvictionPolicy string

const (
	// LRUEvictionPolicy evicts the least-recently freed block first. It is the
	// ordering of the FreeBlockQueue itself.
	LRUEvictionPolicy EvictionPolicy = "LRU"
)

// Validate reports whether the policy is supported.
func (p EvictionPolicy) Validate() error {
	switch p {
	case LRUEvictionPolicy:
		return nil
	default:
		return fmt.Errorf("%w: unsupported eviction policy %q", ErrInvalidConfig, p)
	}
}

// Config holds the configuration of a BlockPool.
type Config struct {
	// NumBlocks is the total number of blocks in the pool.
	// If zero, the capacity is derived from MemoryBudget and BlockBytes.
	NumBlocks int `json:"numBlocks"`
	// MemoryBudget is the memory reserved for the KV cache, in a
	// human-readable format like "2GiB" or "500MB".
	MemoryBudget string `json:"memoryBudget,omitempty"`
	// BlockBytes is the size of a single block in bytes, used together with
	// MemoryBudget.
	BlockBytes uint64 `json:"blockBytes,omitempty"`
	// BlockSize is the number of tokens per block. It is informational for
	// the pool and shared with the token processor.
	BlockSize int `json:"blockSize"`
	// EnablePrefixCaching toggles content-addressed block reuse.
	EnablePrefixCaching bool `json:"enablePrefixCaching"`
	// EvictionPolicy selects the eviction ordering. Only "LRU" is supported.
	EvictionPolicy EvictionPolicy `json:"evictionPolicy"`

	// MaxEvictionEvents caps the eviction telemetry ring. When exceeded, the
	// ring is truncated to the most recent TruncatedEvictionEvents.
	MaxEvictionEvents       int `json:"maxEvictionEvents"`
	TruncatedEvictionEvents int `json:"truncatedEvictionEvents"`

	// EnableMetrics toggles whether allocations/evictions/hits/misses are
	// exported to Prometheus.
	EnableMetrics bool `json:"enableMetrics"`
	// MetricsLoggingInterval defines the interval at which metrics are logged.
	// If zero, metrics logging is disabled.
	// Requires `EnableMetrics` to be true.
	MetricsLoggingInterval time.Duration `json:"metricsLoggingInterval"`
}

// DefaultConfig returns a default configuration for the BlockPool.
func DefaultConfig() *Config {
	return &Config{
		NumBlocks:               defaultNumBlocks,
		BlockSize:               defaultBlockSize,
		EnablePrefixCaching:     true,
		EvictionPolicy:          LRUEvictionPolicy,
		MaxEvictionEvents:       defaultMaxEvictionEvents,
		TruncatedEvictionEvents: defaultTruncatedEvictionEvents,
	}
}

// Capacity resolves the number of blocks described by the configuration.
func (c *Config) Capacity() (int, error) {
	if c.NumBlocks > 0 {
		return c.NumBlocks, nil
	}

	if c.MemoryBudget == "" {
		if c.NumBlocks < 0 {
			return 0, fmt.Errorf("%w: negative number of blocks %d", ErrInvalidConfig, c.NumBlocks)
		}
		return 0, nil
	}

	if c.BlockBytes == 0 {
		return 0, fmt.Errorf("%w: blockBytes must be set with memoryBudget", ErrInvalidConfig)
	}

	budget, err := humanize.ParseBytes(c.MemoryBudget)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to parse memory budget: %w", ErrInvalidConfig, err)
	}

	return int(budget / c.BlockBytes), nil //nolint:gosec // block counts fit in int
}

// validate checks the configuration and fills zero-valued optional fields.
func (c *Config) validate() error {
	if c.EvictionPolicy == "" {
		c.EvictionPolicy = LRUEvictionPolicy
	}
	if err := c.EvictionPolicy.Validate(); err != nil {
		return err
	}

	if c.MaxEvictionEvents <= 0 {
		c.MaxEvictionEvents = defaultMaxEvictionEvents
	}
	if c.TruncatedEvictionEvents <= 0 || c.TruncatedEvictionEvents > c.MaxEvictionEvents {
		c.TruncatedEvictionEvents = c.MaxEvictionEvents / 2
	}

	return nil
}
