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
	"context"
	"flag"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/blockpool"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvblock"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvevents"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvevents/zmq"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/telemetry"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/sampling"
)

// version is set at build time.
var version = "dev"

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "kv-block-manager",
		Short:         "KV-cache block pool and parallel-sampling manager",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(klogFlags)

	rootCmd.AddCommand(newSimulateCmd(), newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "kv-block-manager %s\n", version)
		},
	}
}

func newSimulateCmd() *cobra.Command {
	var configPath string
	var steps int
	var httpAddr string

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Drive the block pool with a synthetic scheduler loop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("steps") {
				cfg.Simulation.Steps = steps
			}
			if cmd.Flags().Changed("http-addr") {
				cfg.HTTPAddr = httpAddr
			}

			return simulate(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to a JSON configuration file")
	cmd.Flags().IntVar(&steps, "steps", 0, "Number of scheduler steps to run (0 runs until interrupted)")
	cmd.Flags().StringVar(&httpAddr, "http-addr", defaultHTTPAddr, "Address of the metrics and debug endpoint")

	return cmd
}

// components are the parts of the block manager built from a Config.
type components struct {
	pool        *blockpool.BlockPool
	coordinator *sampling.Coordinator
	processor   *kvblock.ChunkedTokenDatabase
	publisher   *kvevents.Publisher
	exporter    *telemetry.Exporter
	redisSink   *telemetry.RedisSink
}

func setupComponents(ctx context.Context, cfg *Config) (*components, error) {
	logger := klog.FromContext(ctx)

	pool, err := blockpool.NewBlockPool(ctx, cfg.BlockPool)
	if err != nil {
		return nil, fmt.Errorf("failed to create block pool: %w", err)
	}

	processorConfig := *cfg.TokenProcessor
	if cfg.BlockPool.BlockSize > 0 {
		processorConfig.BlockSize = cfg.BlockPool.BlockSize
	}
	processor, err := kvblock.NewChunkedTokenDatabase(&processorConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create token processor: %w", err)
	}

	c := &components{
		pool:        pool,
		coordinator: sampling.NewCoordinator(cfg.Sampling),
		processor:   processor,
	}

	if cfg.Events.ZMQEndpoint != "" {
		transport, err := zmq.NewTransport(cfg.Events.ZMQEndpoint)
		if err != nil {
			return nil, err
		}
		c.publisher = kvevents.NewPublisher(cfg.Events, transport)
		pool.SetEventSink(c.publisher)
		logger.Info("Publishing KV events", "endpoint", cfg.Events.ZMQEndpoint, "topic", cfg.Events.Topic())
	}

	sinks := telemetry.MultiSink{telemetry.LogSink{}}
	if cfg.Redis != nil {
		c.redisSink, err = telemetry.NewRedisSink(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, c.redisSink)
		logger.Info("Exporting evictions to Redis", "address", cfg.Redis.Address)
	}
	c.exporter = telemetry.NewExporter(sinks)

	return c, nil
}

func (c *components) close(ctx context.Context) {
	if c.publisher != nil {
		c.publisher.Shutdown(ctx)
	}
	if c.redisSink != nil {
		if err := c.redisSink.Close(); err != nil {
			klog.FromContext(ctx).Error(err, "Failed to close Redis client")
		}
	}
}

func simulate(ctx context.Context, cfg *Config) error {
	logger := klog.FromContext(ctx)
	gin.SetMode(gin.ReleaseMode)

	c, err := setupComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.close(ctx)

	if c.publisher != nil {
		c.publisher.Start(ctx)
	}

	sim := newSimulator(cfg.Simulation, c.processor.BlockSize, c.pool, c.coordinator, c.processor, c.exporter)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// a bounded simulation stops the server once it is done
		defer cancel()
		return sim.run(gctx)
	})
	g.Go(func() error {
		return serveHTTP(gctx, cfg.HTTPAddr, newRouter(sim))
	})

	if err := g.Wait(); err != nil {
		return err
	}

	stats := c.pool.Stats()
	logger.Info("Block pool summary",
		"capacity", humanize.Comma(int64(stats.Capacity)),
		"allocations", humanize.Comma(int64(stats.TotalAllocations)), //nolint:gosec // counters fit in int64
		"evictions", humanize.Comma(int64(stats.TotalEvictions)), //nolint:gosec // counters fit in int64
		"hitRate", hitRate(stats))

	return nil
}

func hitRate(stats blockpool.Stats) string {
	lookups := stats.CacheHits + stats.CacheMisses
	if lookups == 0 {
		return "n/a"
	}
	return humanize.FormatFloat("#.##", 100*float64(stats.CacheHits)/float64(lookups)) + "%"
}
