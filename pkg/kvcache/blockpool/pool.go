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
	"context"
	"fmt"
	"slices"
	"time"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvblock"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvevents"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/metrics"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils/logging"
)

// EventSink receives KV-cache events emitted by the pool. Publish must not
// block.
type EventSink interface {
	Publish(ev kvevents.Event)
}

// EvictionEvent records a cached block being reclaimed for a new allocation.
type EvictionEvent struct {
	BlockID  BlockID
	Identity kvblock.BlockIdentity
	// Lifetime is the time elapsed since the block was last accessed.
	Lifetime    time.Duration
	AccessCount uint64
	EvictedAt   time.Time
}

// Stats is a snapshot of the pool counters.
type Stats struct {
	Capacity         int
	NumFree          int
	CachedIdentities int
	TotalAllocations uint64
	TotalEvictions   uint64
	CacheHits        uint64
	CacheMisses      uint64
}

// BlockPool owns every block of the KV cache, the LRU free queue and the
// prefix-cache index.
//
// Blocks with a zero ref count sit in the free queue. A free block keeps its
// identity, and stays discoverable through LookupCached, until it is reused
// by Allocate; that reuse is what counts as an eviction.
type BlockPool struct {
	config   Config
	capacity int

	blocks    []block
	freeQueue *FreeBlockQueue
	index     *PrefixCacheIndex

	evictionEvents []EvictionEvent
	stats          Stats

	sink   EventSink
	now    func() time.Time
	logger klog.Logger
}

// NewBlockPool creates a BlockPool with every block free.
func NewBlockPool(ctx context.Context, cfg *Config) (*BlockPool, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	config := *cfg
	if err := config.validate(); err != nil {
		return nil, err
	}

	capacity, err := config.Capacity()
	if err != nil {
		return nil, err
	}
	if capacity > maxCapacity {
		return nil, fmt.Errorf("%w: capacity %d exceeds the maximum of %d blocks",
			ErrInvalidConfig, capacity, maxCapacity)
	}

	pool := &BlockPool{
		config:    config,
		capacity:  capacity,
		blocks:    make([]block, capacity),
		freeQueue: NewFreeBlockQueue(capacity),
		index:     NewPrefixCacheIndex(),
		now:       time.Now,
		logger:    klog.FromContext(ctx).WithName("blockpool"),
	}

	if config.EnableMetrics {
		metrics.Register()
		metrics.Usage.Set(0)
		if config.MetricsLoggingInterval > 0 {
			// this is non-blocking
			metrics.StartMetricsLogging(ctx, config.MetricsLoggingInterval)
		}
	}

	pool.logger.Info("created block pool", "capacity", capacity,
		"prefix-caching", config.EnablePrefixCaching, "eviction-policy", config.EvictionPolicy)

	return pool, nil
}

// SetEventSink sets the receiver of KV-cache events. A nil sink disables
// event emission.
func (p *BlockPool) SetEventSink(sink EventSink) {
	p.sink = sink
}

// SetClock replaces the clock used for access metadata.
func (p *BlockPool) SetClock(now func() time.Time) {
	p.now = now
}

// Capacity returns the total number of blocks.
func (p *BlockPool) Capacity() int {
	return p.capacity
}

// NumFreeBlocks returns the number of blocks in the free queue.
func (p *BlockPool) NumFreeBlocks() int {
	return p.freeQueue.Len()
}

// NullBlock returns the null block handle.
func (p *BlockPool) NullBlock() BlockID {
	return NullBlockID
}

// PrefixCachingEnabled reports whether the pool reuses blocks by identity.
func (p *BlockPool) PrefixCachingEnabled() bool {
	return p.config.EnablePrefixCaching
}

func (p *BlockPool) valid(id BlockID) bool {
	return int(id) < p.capacity
}

// Allocate takes n blocks from the front of the free queue and hands them out
// with a ref count of one.
//
// The allocation is atomic: if fewer than n blocks are free, every block
// taken so far goes back to its original position and an *OutOfMemoryError
// is returned. Cached blocks reused by a successful allocation are evicted
// from the prefix-cache index.
func (p *BlockPool) Allocate(n int) ([]BlockID, error) {
	if n <= 0 {
		return []BlockID{}, nil
	}
	if available := p.freeQueue.Len(); n > available {
		p.allocationFailed(n, available)
		return nil, &OutOfMemoryError{Requested: n, Available: available}
	}

	popped := make([]BlockID, 0, n)
	for len(popped) < n {
		id, ok := p.freeQueue.PopFront()
		if !ok {
			for i := len(popped) - 1; i >= 0; i-- {
				p.freeQueue.PushFront(popped[i])
			}

			p.allocationFailed(n, len(popped))
			return nil, &OutOfMemoryError{Requested: n, Available: len(popped)}
		}
		popped = append(popped, id)
	}

	now := p.now()
	removed := &removedHashes{}
	for _, id := range popped {
		b := &p.blocks[id]
		if b.cached {
			p.evict(id, b, now, removed)
		}

		b.reset()
		b.refCount = 1
		b.touch(now)
	}

	p.stats.TotalAllocations += uint64(n)
	if p.config.EnableMetrics {
		metrics.Allocations.Add(float64(n))
		metrics.Usage.Set(p.Usage())
	}

	for i, groupID := range removed.groups {
		p.publish(kvevents.BlockRemoved{BlockHashes: removed.hashes(i), GroupID: groupID})
	}

	p.logger.V(logging.TRACE).Info("allocated blocks", "blocks", popped)
	return popped, nil
}

func (p *BlockPool) allocationFailed(requested, available int) {
	if p.config.EnableMetrics {
		metrics.AllocationFailures.Inc()
	}
	p.logger.V(logging.DEBUG).Info("allocation failed", "requested", requested, "available", available)
}

// removedHashes collects evicted hashes per cache group, in first-seen group
// order.
type removedHashes struct {
	groups     []int
	identities [][]kvblock.BlockIdentity
}

func (r *removedHashes) add(identity kvblock.BlockIdentity) {
	pos := slices.Index(r.groups, identity.GroupID())
	if pos < 0 {
		r.groups = append(r.groups, identity.GroupID())
		r.identities = append(r.identities, nil)
		pos = len(r.groups) - 1
	}
	r.identities[pos] = append(r.identities[pos], identity)
}

func (r *removedHashes) hashes(pos int) [][]byte {
	return utils.SliceMap(r.identities[pos], kvblock.BlockIdentity.Hash)
}

// evict drops the index entry of a cached block that is being reused and
// records the eviction.
func (p *BlockPool) evict(id BlockID, b *block, now time.Time, removed *removedHashes) {
	p.index.Remove(b.identity, id)

	p.evictionEvents = append(p.evictionEvents, EvictionEvent{
		BlockID:     id,
		Identity:    b.identity,
		Lifetime:    now.Sub(b.lastAccess),
		AccessCount: b.accessCount,
		EvictedAt:   now,
	})
	if len(p.evictionEvents) > p.config.MaxEvictionEvents {
		keep := p.config.TruncatedEvictionEvents
		p.evictionEvents = append([]EvictionEvent(nil), p.evictionEvents[len(p.evictionEvents)-keep:]...)
	}

	p.stats.TotalEvictions++
	if p.config.EnableMetrics {
		metrics.Evictions.Inc()
	}

	removed.add(b.identity)

	p.logger.V(logging.TRACE).Info("evicted cached block", "block", id, "identity", b.identity.String())
}

// Free releases one reference on each block, in the given order. A block
// whose ref count drops to zero goes to the back of the free queue. The
// null block is ignored.
//
// Callers must not use a block id after releasing their last reference.
// Releasing a block that holds no references is a caller bug; it is logged
// and ignored.
func (p *BlockPool) Free(ids ...BlockID) {
	for _, id := range ids {
		if id == NullBlockID {
			continue
		}

		if !p.valid(id) {
			p.logger.Error(nil, "ignoring free of unknown block", "block", id)
			continue
		}

		b := &p.blocks[id]
		if b.refCount == 0 {
			p.logger.Error(nil, "ignoring free of a block with no references", "block", id)
			continue
		}

		b.refCount--
		if b.refCount > 0 {
			continue
		}

		if !b.cached {
			b.reset()
		}
		p.freeQueue.PushBack(id)
	}

	if p.config.EnableMetrics {
		metrics.Usage.Set(p.Usage())
	}
}

// CacheBlock commits a block to the prefix cache under identity, making it
// discoverable through LookupCached. It does not change the ref count.
// It is a no-op when prefix caching is disabled.
func (p *BlockPool) CacheBlock(id BlockID, identity kvblock.BlockIdentity) {
	if !p.config.EnablePrefixCaching || id == NullBlockID || identity.IsZero() {
		return
	}

	if !p.valid(id) {
		p.logger.Error(nil, "ignoring cache of unknown block", "block", id)
		return
	}

	b := &p.blocks[id]
	if b.cached {
		if b.identity == identity {
			return
		}
		p.uncache(id, b)
	}

	b.identity = identity
	b.cached = true
	p.index.Insert(identity, id)

	p.publish(kvevents.BlockStored{
		BlockHashes: [][]byte{identity.Hash()},
		BlockIDs:    []uint32{uint32(id)},
		GroupID:     identity.GroupID(),
	})

	p.logger.V(logging.TRACE).Info("cached block", "block", id, "identity", identity.String())
}

// UncacheBlock removes a block from the prefix cache without touching its
// ref count. It reports whether the block was cached.
func (p *BlockPool) UncacheBlock(id BlockID) bool {
	if !p.valid(id) {
		return false
	}

	b := &p.blocks[id]
	if !b.cached {
		return false
	}

	p.uncache(id, b)
	return true
}

func (p *BlockPool) uncache(id BlockID, b *block) {
	p.index.Remove(b.identity, id)
	p.publish(kvevents.BlockRemoved{
		BlockHashes: [][]byte{b.identity.Hash()},
		GroupID:     b.identity.GroupID(),
	})

	b.identity = kvblock.BlockIdentity{}
	b.cached = false
}

// LookupCached claims a block carrying identity. On a hit the block gains a
// reference, leaving the free queue first if it had none, and its snapshot
// is returned. A miss returns false. Both outcomes are counted.
//
// With prefix caching disabled every lookup misses and nothing is counted.
func (p *BlockPool) LookupCached(identity kvblock.BlockIdentity) (BlockInfo, bool) {
	if !p.config.EnablePrefixCaching {
		return BlockInfo{}, false
	}

	id, found := p.index.Get(identity)
	if !found {
		p.stats.CacheMisses++
		if p.config.EnableMetrics {
			metrics.CacheMisses.Inc()
		}
		return BlockInfo{}, false
	}

	b := &p.blocks[id]
	if b.refCount == 0 {
		p.freeQueue.Remove(id)
	}
	b.refCount++
	b.touch(p.now())

	p.stats.CacheHits++
	if p.config.EnableMetrics {
		metrics.CacheHits.Inc()
		metrics.Usage.Set(p.Usage())
	}

	return b.info(id), true
}

// Block returns a snapshot of a block.
func (p *BlockPool) Block(id BlockID) (BlockInfo, bool) {
	if !p.valid(id) {
		return BlockInfo{}, false
	}
	return p.blocks[id].info(id), true
}

// CachedBlocks returns the ids of every block carrying identity.
func (p *BlockPool) CachedBlocks(identity kvblock.BlockIdentity) []BlockID {
	return p.index.GetAll(identity)
}

// FreeBlockIDs returns the free blocks in eviction order.
func (p *BlockPool) FreeBlockIDs() []BlockID {
	return p.freeQueue.IDs()
}

// Usage returns the fraction of blocks that are not free.
func (p *BlockPool) Usage() float64 {
	if p.capacity == 0 {
		return 0.0
	}
	return float64(p.capacity-p.freeQueue.Len()) / float64(p.capacity)
}

// EvictionEvents drains and returns the recorded eviction events, oldest
// first.
func (p *BlockPool) EvictionEvents() []EvictionEvent {
	events := p.evictionEvents
	p.evictionEvents = nil
	return events
}

// Stats returns a snapshot of the pool counters.
func (p *BlockPool) Stats() Stats {
	s := p.stats
	s.Capacity = p.capacity
	s.NumFree = p.freeQueue.Len()
	s.CachedIdentities = p.index.Len()
	return s
}

// ResetPrefixCache drops every cached identity. It only succeeds when no
// block is in use, and reports whether the reset happened.
func (p *BlockPool) ResetPrefixCache() bool {
	if inUse := p.capacity - p.freeQueue.Len(); inUse > 0 {
		p.logger.Info("failed to reset prefix cache, blocks still in use", "in-use", inUse)
		return false
	}

	p.index.Clear()
	for i := range p.blocks {
		p.blocks[i].reset()
	}

	p.publish(kvevents.AllBlocksCleared{})
	p.logger.Info("reset prefix cache")
	return true
}

// CheckConsistency verifies the pool invariants: every block is either free
// with no references or referenced and not free, and cached blocks match the
// prefix-cache index exactly.
func (p *BlockPool) CheckConsistency() error {
	free := 0
	indexed := 0
	for i := range p.blocks {
		id := BlockID(i) //nolint:gosec // capacity is bounded by maxCapacity
		b := &p.blocks[i]

		queued := p.freeQueue.Contains(id)
		if queued != (b.refCount == 0) {
			return fmt.Errorf("block %d: ref count %d but queued=%t", id, b.refCount, queued)
		}
		if queued {
			free++
		}

		if b.cached {
			indexed++
			if !slices.Contains(p.index.data[b.identity], id) {
				return fmt.Errorf("block %d: cached as %s but missing from the index", id, b.identity.String())
			}
		}
	}

	if free != p.freeQueue.Len() {
		return fmt.Errorf("free queue holds %d blocks, %d blocks have no references", p.freeQueue.Len(), free)
	}

	total := 0
	for _, ids := range p.index.data {
		total += len(ids)
	}
	if total != indexed {
		return fmt.Errorf("index holds %d mappings, %d blocks are cached", total, indexed)
	}

	return nil
}

func (p *BlockPool) publish(ev kvevents.Event) {
	if p.sink != nil {
		p.sink.Publish(ev)
	}
}
