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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 1024, cfg.BlockPool.NumBlocks)
	assert.True(t, cfg.BlockPool.EnablePrefixCaching)
	assert.Equal(t, 16, cfg.TokenProcessor.BlockSize)
	assert.Equal(t, defaultHTTPAddr, cfg.HTTPAddr)
	assert.Nil(t, cfg.Redis)
	assert.Empty(t, cfg.Events.ZMQEndpoint)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"blockPool": {"numBlocks": 64, "enablePrefixCaching": false},
		"events": {"podIdentifier": "pod-7"},
		"redis": {"address": "localhost:6380"},
		"simulation": null,
		"httpAddr": ":9090"
	}`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 64, cfg.BlockPool.NumBlocks)
	assert.False(t, cfg.BlockPool.EnablePrefixCaching)
	// unspecified fields keep their defaults
	assert.Equal(t, "default", cfg.Events.ModelName)
	assert.Equal(t, "pod-7", cfg.Events.PodIdentifier)
	require.NotNil(t, cfg.Redis)
	assert.Equal(t, "localhost:6380", cfg.Redis.Address)
	require.NotNil(t, cfg.Simulation)
	assert.Equal(t, defaultTickInterval, cfg.Simulation.TickInterval)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv(envNumBlocks, "32")
	t.Setenv(envRedisAddr, "redis:6379")
	t.Setenv(envZMQEndpoint, "tcp://indexer:5557")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 32, cfg.BlockPool.NumBlocks)
	require.NotNil(t, cfg.Redis)
	assert.Equal(t, "redis:6379", cfg.Redis.Address)
	assert.Equal(t, "tcp://indexer:5557", cfg.Events.ZMQEndpoint)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))
	_, err = LoadConfig(path)
	assert.Error(t, err)

	t.Setenv(envNumBlocks, "many")
	_, err = LoadConfig("")
	assert.Error(t, err)
}

func TestDefaultSimulationConfig(t *testing.T) {
	sim := DefaultConfig().Simulation
	assert.Equal(t, 50*time.Millisecond, sim.TickInterval)
	assert.Zero(t, sim.Steps)
}
