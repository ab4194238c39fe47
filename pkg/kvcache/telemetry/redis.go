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


package telemetry

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/blockpool"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils"
)

// RedisSinkConfig holds the configuration for the RedisSink.
type RedisSinkConfig struct {
	Address string `json:"address,omitempty"` // Redis server address
	// Key is the list the eviction records are appended to.
	Key string `json:"key,omitempty"`
	// MaxRecords caps the list length; older records are trimmed.
	// Zero keeps every record.
	MaxRecords int64 `json:"maxRecords,omitempty"`
}

func DefaultRedisSinkConfig() *RedisSinkConfig {
	return &RedisSinkConfig{
		Address:    "redis://127.0.0.1:6379",
		Key:        "kvbm:evictions",
		MaxRecords: 10000,
	}
}

// EvictionRecord is the msgpack encoding of an eviction event stored in Redis.
type EvictionRecord struct {
	BlockID     uint32 `msgpack:"block_id"`
	Hash        []byte `msgpack:"hash"`
	GroupID     int    `msgpack:"group_id"`
	LifetimeMs  int64  `msgpack:"lifetime_ms"`
	AccessCount uint64 `msgpack:"access_count"`
	EvictedAt   int64  `msgpack:"evicted_at_unix_ms"`
}

func newEvictionRecord(ev *blockpool.EvictionEvent) EvictionRecord {
	return EvictionRecord{
		BlockID:     uint32(ev.BlockID),
		Hash:        ev.Identity.Hash(),
		GroupID:     ev.Identity.GroupID(),
		LifetimeMs:  ev.Lifetime.Milliseconds(),
		AccessCount: ev.AccessCount,
		EvictedAt:   ev.EvictedAt.UnixMilli(),
	}
}

// RedisSink appends eviction records to a capped Redis list.
type RedisSink struct {
	RedisClient *redis.Client
	key         string
	maxRecords  int64
}

var _ Sink = &RedisSink{}

// NewRedisSink creates a new RedisSink instance.
func NewRedisSink(ctx context.Context, config *RedisSinkConfig) (*RedisSink, error) {
	if config == nil {
		config = DefaultRedisSinkConfig()
	}

	address := config.Address
	if !strings.HasPrefix(address, "redis://") &&
		!strings.HasPrefix(address, "rediss://") &&
		!strings.HasPrefix(address, "unix://") {
		address = "redis://" + address
	}

	redisOpt, err := redis.ParseURL(address)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redisURL: %w", err)
	}

	redisClient := redis.NewClient(redisOpt)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	key := config.Key
	if key == "" {
		key = DefaultRedisSinkConfig().Key
	}

	return &RedisSink{
		RedisClient: redisClient,
		key:         key,
		maxRecords:  config.MaxRecords,
	}, nil
}

// Export implements Sink. The records are pushed and the list trimmed in a
// single pipeline.
func (r *RedisSink) Export(ctx context.Context, events []blockpool.EvictionEvent) error {
	if len(events) == 0 {
		return nil
	}

	values, err := utils.SliceMapE(events, func(ev blockpool.EvictionEvent) (any, error) {
		return msgpack.Marshal(newEvictionRecord(&ev))
	})
	if err != nil {
		return fmt.Errorf("failed to marshal eviction record: %w", err)
	}

	pipe := r.RedisClient.Pipeline()
	pipe.RPush(ctx, r.key, values...)
	if r.maxRecords > 0 {
		pipe.LTrim(ctx, r.key, -r.maxRecords, -1)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to export eviction records: %w", err)
	}

	return nil
}

// Records reads back every stored record, oldest first.
func (r *RedisSink) Records(ctx context.Context) ([]EvictionRecord, error) {
	raw, err := r.RedisClient.LRange(ctx, r.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read eviction records: %w", err)
	}

	records := make([]EvictionRecord, 0, len(raw))
	for _, s := range raw {
		var rec EvictionRecord
		if err := msgpack.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal eviction record: %w", err)
		}
		records = append(records, rec)
	}

	return records, nil
}

// Close closes the Redis client.
func (r *RedisSink) Close() error {
	return r.RedisClient.Close()
}
