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


//nolint:testpackage // allow tests to run in the same package
package e2e

import (
	"time"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/blockpool"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvevents"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/sampling"
)

const (
	eventuallyTimeout = 2 * time.Second
	eventuallyTick    = 10 * time.Millisecond
)

// TestPrefixReuse verifies that a second request sharing a prompt prefix
// claims the cached blocks of the first one, and that the stores are
// published.
func (s *BlockManagerSuite) TestPrefixReuse() {
	prompt := tokens(0, 3*testBlockSize)

	first, hits := s.schedule(prompt)
	s.Zero(hits, "expected a cold cache")
	s.Len(first, 3)
	s.pool.Free(first...)

	second, hits := s.schedule(append(prompt, tokens(100, testBlockSize)...))
	s.Equal(3, hits, "expected the shared prefix to be cached")
	s.Equal(first, second[:3])
	s.Len(second, 4)

	for _, id := range second {
		info, ok := s.pool.Block(id)
		s.Require().True(ok)
		s.Equal(uint32(1), info.RefCount)
	}

	s.pool.Free(second...)
	s.Equal(testNumBlocks, s.pool.NumFreeBlocks())
	s.Require().NoError(s.pool.CheckConsistency())

	var stored int
	for _, ev := range s.publishedEvents() {
		if bs, ok := ev.(kvevents.BlockStored); ok {
			stored += len(bs.BlockHashes)
		}
	}
	s.Equal(4, stored, "expected one stored hash per distinct block")
}

// TestEvictionExport verifies that reallocating cached blocks evicts them,
// and that the evictions reach Redis and the event stream.
func (s *BlockManagerSuite) TestEvictionExport() {
	blocks, _ := s.schedule(tokens(0, testNumBlocks*testBlockSize))
	s.Len(blocks, testNumBlocks)
	s.pool.Free(blocks...)
	s.Equal(testNumBlocks, s.pool.Stats().CachedIdentities)

	// an uncached allocation of the whole pool evicts every cached block
	all, err := s.pool.Allocate(testNumBlocks)
	s.Require().NoError(err)
	s.Zero(s.pool.Stats().CachedIdentities)

	_, err = s.pool.Allocate(1)
	s.Require().ErrorIs(err, blockpool.ErrOutOfMemory)
	s.pool.Free(all...)

	n, err := s.exporter.Drain(s.ctx, s.pool)
	s.Require().NoError(err)
	s.Equal(testNumBlocks, n)

	records, err := s.redisSink.Records(s.ctx)
	s.Require().NoError(err)
	s.Len(records, testNumBlocks)

	var removed int
	for _, ev := range s.publishedEvents() {
		if br, ok := ev.(kvevents.BlockRemoved); ok {
			removed += len(br.BlockHashes)
		}
	}
	s.Equal(testNumBlocks, removed)

	// the evicted prefix is a miss now
	_, hits := s.schedule(tokens(0, testBlockSize))
	s.Zero(hits)
}

// TestBestOfSharesPrefix verifies a best-of request whose children all claim
// the same cached prompt, and the release of both the parent and the blocks.
func (s *BlockManagerSuite) TestBestOfSharesPrefix() {
	prompt := tokens(0, 2*testBlockSize)
	warm, _ := s.schedule(prompt)
	s.pool.Free(warm...)

	bestOf := 3
	parent, err := s.coordinator.CreateParent("req", sampling.SamplingParams{
		N:          1,
		BestOf:     &bestOf,
		OutputKind: sampling.OutputFinalOnly,
	})
	s.Require().NoError(err)

	children := s.coordinator.GetChildRequests(parent)
	s.Require().Len(children, bestOf)

	childBlocks := make(map[string][]blockpool.BlockID, len(children))
	for _, child := range children {
		blocks, hits := s.schedule(prompt)
		s.Equal(2, hits)
		childBlocks[child.ID] = blocks
	}

	info, ok := s.pool.Block(warm[0])
	s.Require().True(ok)
	s.Equal(uint32(bestOf), info.RefCount) //nolint:gosec // small test value

	var result sampling.RecordResult
	for i, child := range children {
		res, ok := s.coordinator.RecordOutput(child.ID, sampling.CompletionOutput{
			Text:              child.ID,
			TokenIDs:          tokens(0, 2),
			CumulativeLogprob: -float64(i + 1),
			FinishReason:      "stop",
		})
		s.Require().True(ok)
		s.pool.Free(childBlocks[child.ID]...)
		result = res
	}

	s.True(result.Finished)
	s.Require().Len(result.Outputs, 1)
	s.Equal(children[0].ID, result.Outputs[0].Text, "expected the highest scoring child")

	_, ok = s.coordinator.FinishParent("req")
	s.True(ok)
	s.Zero(s.coordinator.NumParents())
	s.Equal(testNumBlocks, s.pool.NumFreeBlocks())
	s.Require().NoError(s.pool.CheckConsistency())
}
