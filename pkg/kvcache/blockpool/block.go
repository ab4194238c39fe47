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
	"math"
	"time"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvblock"
)

// BlockID addresses a block inside a BlockPool. Ids are stable for the
// lifetime of the pool.
type BlockID uint32

// NullBlockID is the designated null block. It lives outside the arena and
// is never allocated; freeing it is a no-op. Callers use it as a placeholder
// in block tables.
const NullBlockID = BlockID(math.MaxUint32)

// maxCapacity keeps every arena index representable as an int32 link.
const maxCapacity = math.MaxInt32

// block is a single arena slot. It is reset, never destroyed.
type block struct {
	refCount uint32
	// identity is set while the block is registered in the prefix index.
	identity    kvblock.BlockIdentity
	cached      bool
	lastAccess  time.Time
	accessCount uint64
}

func (b *block) touch(now time.Time) {
	b.lastAccess = now
	b.accessCount++
}

// reset clears the identity and access metadata of the block.
func (b *block) reset() {
	b.identity = kvblock.BlockIdentity{}
	b.cached = false
	b.lastAccess = time.Time{}
	b.accessCount = 0
}

// BlockInfo is a read-only snapshot of a block.
type BlockInfo struct {
	ID       BlockID
	RefCount uint32
	// Identity is meaningful only when Cached is true.
	Identity    kvblock.BlockIdentity
	Cached      bool
	LastAccess  time.Time
	AccessCount uint64
}

func (b *block) info(id BlockID) BlockInfo {
	return BlockInfo{
		ID:          id,
		RefCount:    b.refCount,
		Identity:    b.identity,
		Cached:      b.cached,
		LastAccess:  b.lastAccess,
		AccessCount: b.accessCount,
	}
}
