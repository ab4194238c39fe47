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
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/blockpool"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvblock"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/telemetry"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/sampling"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils/logging"
)

const (
	maxPrefixBlocks = 6
	maxRequestSteps = 5
	fanoutBestOf    = 3
	vocabSize       = 32000
)

// simRequest is a request admitted by the simulator.
type simRequest struct {
	id     string
	blocks []blockpool.BlockID
	// parent is set for fanned-out requests.
	parent    *sampling.ParentRequest
	children  []sampling.ChildRequest
	remaining int
}

// simCounters are the simulator's own request counters.
type simCounters struct {
	Admitted        int `json:"admitted"`
	Rejected        int `json:"rejected"`
	Completed       int `json:"completed"`
	FanoutCompleted int `json:"fanoutCompleted"`
	PrefixHitBlocks int `json:"prefixHitBlocks"`
	Exported        int `json:"exportedEvictions"`
}

// simulator is a synthetic scheduler loop. Requests share a small set of
// prompt prefixes so that prefix caching and eviction both happen, and a
// share of them is sampled with best-of fan-out.
//
// The pool and the coordinator are single-threaded; mu serializes the loop
// against the debug endpoint.
type simulator struct {
	mu sync.Mutex

	pool        *blockpool.BlockPool
	coordinator *sampling.Coordinator
	processor   kvblock.TokenProcessor
	exporter    *telemetry.Exporter

	config    SimulationConfig
	blockSize int
	rng       *rand.Rand
	prefixes  [][]uint32
	running   []*simRequest
	counters  simCounters
}

func newSimulator(cfg *SimulationConfig, blockSize int, pool *blockpool.BlockPool,
	coordinator *sampling.Coordinator, processor kvblock.TokenProcessor, exporter *telemetry.Exporter,
) *simulator {
	config := *cfg
	if config.TickInterval <= 0 {
		config.TickInterval = defaultTickInterval
	}
	if config.Prefixes <= 0 {
		config.Prefixes = defaultPrefixes
	}

	//nolint:gosec // reproducible synthetic load, not security sensitive
	rng := rand.New(rand.NewSource(config.Seed))

	prefixes := make([][]uint32, config.Prefixes)
	for i := range prefixes {
		prefixes[i] = randomTokens(rng, blockSize*(1+rng.Intn(maxPrefixBlocks)))
	}

	return &simulator{
		pool:        pool,
		coordinator: coordinator,
		processor:   processor,
		exporter:    exporter,
		config:      config,
		blockSize:   blockSize,
		rng:         rng,
		prefixes:    prefixes,
	}
}

func randomTokens(rng *rand.Rand, n int) []uint32 {
	tokens := make([]uint32, n)
	for i := range tokens {
		tokens[i] = uint32(rng.Intn(vocabSize)) //nolint:gosec // bounded by vocabSize
	}
	return tokens
}

// run steps the simulation every tick until the context is done or the
// configured number of steps is reached. Running requests are released on
// return.
func (s *simulator) run(ctx context.Context) error {
	logger := klog.FromContext(ctx).WithName("simulator")
	logger.Info("Starting simulation", "tick", s.config.TickInterval, "steps", s.config.Steps)
	defer s.release(context.WithoutCancel(ctx))

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for step := 0; s.config.Steps == 0 || step < s.config.Steps; step++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if err := s.step(ctx); err != nil {
			return fmt.Errorf("simulation step %d failed: %w", step, err)
		}
	}

	logger.Info("Simulation finished", "steps", s.config.Steps)
	return nil
}

// step retires the requests that are done, admits a new one and exports the
// evictions of the step.
func (s *simulator) step(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.retire(ctx)
	if err := s.admit(ctx); err != nil {
		return err
	}

	n, err := s.exporter.Drain(ctx, s.pool)
	if err != nil {
		// telemetry loss does not stop scheduling
		klog.FromContext(ctx).Error(err, "Failed to export eviction events")
	} else {
		s.counters.Exported += n
	}

	return nil
}

func (s *simulator) admit(ctx context.Context) error {
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG)

	prefix := s.prefixes[s.rng.Intn(len(s.prefixes))]
	tokens := slices.Concat(prefix, randomTokens(s.rng, 1+s.rng.Intn(2*s.blockSize)))
	identities := s.processor.TokensToBlockIdentities(tokens, 0)

	// claim the cached prefix
	blocks := make([]blockpool.BlockID, 0, len(identities)+1)
	for _, identity := range identities {
		info, ok := s.pool.LookupCached(identity)
		if !ok {
			break
		}
		blocks = append(blocks, info.ID)
	}
	hits := len(blocks)

	// one extra block for the partial tail
	allocated, err := s.pool.Allocate(len(identities) - hits + 1)
	if err != nil {
		s.pool.Free(blocks...)
		if errors.Is(err, blockpool.ErrOutOfMemory) {
			s.counters.Rejected++
			debugLogger.Info("Rejected request", "reason", err)
			return nil
		}
		return err
	}

	for i, identity := range identities[hits:] {
		s.pool.CacheBlock(allocated[i], identity)
	}

	req := &simRequest{
		id:        uuid.NewString(),
		blocks:    append(blocks, allocated...),
		remaining: 1 + s.rng.Intn(maxRequestSteps),
	}

	if s.rng.Float64() < s.config.FanoutRatio {
		bestOf := fanoutBestOf
		seed := s.rng.Int63()
		parent, err := s.coordinator.CreateParent(req.id, sampling.SamplingParams{
			N:          1,
			BestOf:     &bestOf,
			Seed:       &seed,
			OutputKind: sampling.OutputFinalOnly,
			MaxTokens:  s.blockSize,
		})
		if err != nil {
			s.pool.Free(req.blocks...)
			return err
		}
		req.parent = parent
		req.children = s.coordinator.GetChildRequests(parent)
	}

	s.running = append(s.running, req)
	s.counters.Admitted++
	s.counters.PrefixHitBlocks += hits
	debugLogger.Info("Admitted request", "request", req.id, "blocks", len(req.blocks),
		"prefixHits", hits, "children", len(req.children))

	return nil
}

func (s *simulator) retire(ctx context.Context) {
	kept := s.running[:0]
	for _, req := range s.running {
		req.remaining--
		if req.remaining > 0 {
			kept = append(kept, req)
			continue
		}
		s.complete(ctx, req)
	}
	clear(s.running[len(kept):])
	s.running = kept
}

// complete reports synthetic outputs for the children of a request and frees
// its blocks, tail first so the shared prefix stays cached the longest.
func (s *simulator) complete(ctx context.Context, req *simRequest) {
	if req.parent != nil {
		for _, child := range req.children {
			numTokens := 1 + s.rng.Intn(s.blockSize)
			res, ok := s.coordinator.RecordOutput(child.ID, sampling.CompletionOutput{
				Text:              fmt.Sprintf("sample-%d", child.Index),
				TokenIDs:          randomTokens(s.rng, numTokens),
				CumulativeLogprob: -s.rng.Float64() * float64(numTokens),
				FinishReason:      "stop",
			})
			if ok && len(res.Outputs) > 0 {
				klog.FromContext(ctx).V(logging.DEBUG).Info("Best-of result", "request", res.ParentID,
					"text", res.Outputs[0].Text, "score", res.Outputs[0].Score())
			}
		}
		s.coordinator.FinishParent(req.parent.RequestID())
		s.counters.FanoutCompleted++
	}

	s.pool.Free(utils.Reversed(req.blocks)...)
	s.counters.Completed++
}

// release frees every running request.
func (s *simulator) release(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, req := range s.running {
		if req.parent != nil {
			s.coordinator.FinishParent(req.parent.RequestID())
		}
		s.pool.Free(utils.Reversed(req.blocks)...)
	}
	s.running = nil

	if n, err := s.exporter.Drain(ctx, s.pool); err != nil {
		klog.FromContext(ctx).Error(err, "Failed to export eviction events")
	} else {
		s.counters.Exported += n
	}
}

// poolSnapshot is the body of the /debug/pool endpoint.
type poolSnapshot struct {
	Stats          blockpool.Stats `json:"stats"`
	Usage          float64         `json:"usage"`
	ActiveParents  int             `json:"activeParents"`
	RunningReqs    int             `json:"runningRequests"`
	Simulation     simCounters     `json:"simulation"`
	Consistent     bool            `json:"consistent"`
	ConsistencyErr string          `json:"consistencyError,omitempty"`
}

func (s *simulator) snapshot() poolSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := poolSnapshot{
		Stats:         s.pool.Stats(),
		Usage:         s.pool.Usage(),
		ActiveParents: s.coordinator.NumParents(),
		RunningReqs:   len(s.running),
		Simulation:    s.counters,
		Consistent:    true,
	}
	if err := s.pool.CheckConsistency(); err != nil {
		snap.Consistent = false
		snap.ConsistencyErr = err.Error()
	}

	return snap
}
