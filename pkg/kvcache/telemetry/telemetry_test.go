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


package telemetry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/blockpool"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvblock"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/telemetry"
)

// createRedisSinkForTesting creates a RedisSink backed by a mock Redis server.
func createRedisSinkForTesting(t *testing.T, maxRecords int64) *telemetry.RedisSink {
	t.Helper()
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	sink, err := telemetry.NewRedisSink(context.Background(), &telemetry.RedisSinkConfig{
		Address:    server.Addr(),
		Key:        "evictions",
		MaxRecords: maxRecords,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })
	return sink
}

func evictionEvent(id uint32, hash string) blockpool.EvictionEvent {
	return blockpool.EvictionEvent{
		BlockID:     blockpool.BlockID(id),
		Identity:    kvblock.NewBlockIdentity([]byte(hash), 1),
		Lifetime:    1500 * time.Millisecond,
		AccessCount: 3,
		EvictedAt:   time.UnixMilli(1700000000000),
	}
}

type failingSink struct{ calls int }

func (f *failingSink) Export(context.Context, []blockpool.EvictionEvent) error {
	f.calls++
	return errors.New("sink down")
}

type recordingSink struct{ batches [][]blockpool.EvictionEvent }

func (r *recordingSink) Export(_ context.Context, events []blockpool.EvictionEvent) error {
	r.batches = append(r.batches, events)
	return nil
}

func TestRedisSinkExport(t *testing.T) {
	ctx := context.Background()
	sink := createRedisSinkForTesting(t, 0)

	require.NoError(t, sink.Export(ctx, []blockpool.EvictionEvent{
		evictionEvent(1, "a"), evictionEvent(2, "b"),
	}))

	records, err := sink.Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, telemetry.EvictionRecord{
		BlockID:     1,
		Hash:        []byte("a"),
		GroupID:     1,
		LifetimeMs:  1500,
		AccessCount: 3,
		EvictedAt:   1700000000000,
	}, records[0])
	assert.Equal(t, uint32(2), records[1].BlockID)
}

func TestRedisSinkTrimsToMaxRecords(t *testing.T) {
	ctx := context.Background()
	sink := createRedisSinkForTesting(t, 3)

	for i := range 5 {
		require.NoError(t, sink.Export(ctx, []blockpool.EvictionEvent{evictionEvent(uint32(i), "x")}))
	}

	records, err := sink.Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, uint32(2), records[0].BlockID)
	assert.Equal(t, uint32(4), records[2].BlockID)
}

func TestRedisSinkEmptyBatch(t *testing.T) {
	ctx := context.Background()
	sink := createRedisSinkForTesting(t, 0)

	require.NoError(t, sink.Export(ctx, nil))
	records, err := sink.Records(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestNewRedisSinkUnreachable(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	addr := server.Addr()
	server.Close()

	_, err = telemetry.NewRedisSink(context.Background(), &telemetry.RedisSinkConfig{Address: addr})
	assert.Error(t, err)
}

func TestMultiSinkCallsEverySink(t *testing.T) {
	failing := &failingSink{}
	recording := &recordingSink{}
	sink := telemetry.MultiSink{failing, telemetry.LogSink{}, recording}

	err := sink.Export(context.Background(), []blockpool.EvictionEvent{evictionEvent(1, "a")})
	assert.Error(t, err)
	assert.Equal(t, 1, failing.calls)
	assert.Len(t, recording.batches, 1)
}

func TestExporterDrainsPool(t *testing.T) {
	ctx := context.Background()
	pool, err := blockpool.NewBlockPool(ctx, &blockpool.Config{
		NumBlocks:           1,
		EnablePrefixCaching: true,
	})
	require.NoError(t, err)

	ids, err := pool.Allocate(1)
	require.NoError(t, err)
	pool.CacheBlock(ids[0], kvblock.NewBlockIdentity([]byte("h1"), 0))
	pool.Free(ids...)

	// reallocation evicts the cached block
	ids, err = pool.Allocate(1)
	require.NoError(t, err)
	pool.Free(ids...)

	recording := &recordingSink{}
	exporter := telemetry.NewExporter(recording)

	n, err := exporter.Drain(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, recording.batches, 1)
	assert.Equal(t, kvblock.NewBlockIdentity([]byte("h1"), 0), recording.batches[0][0].Identity)

	// the ring was drained
	n, err = exporter.Drain(ctx, pool)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, recording.batches, 1)
}

func TestExporterReportsSinkFailure(t *testing.T) {
	ctx := context.Background()
	pool, err := blockpool.NewBlockPool(ctx, &blockpool.Config{
		NumBlocks:           1,
		EnablePrefixCaching: true,
	})
	require.NoError(t, err)

	ids, err := pool.Allocate(1)
	require.NoError(t, err)
	pool.CacheBlock(ids[0], kvblock.NewBlockIdentity([]byte("h1"), 0))
	pool.Free(ids...)
	_, err = pool.Allocate(1)
	require.NoError(t, err)

	n, err := telemetry.NewExporter(&failingSink{}).Drain(ctx, pool)
	assert.Error(t, err)
	assert.Equal(t, 1, n)
}
