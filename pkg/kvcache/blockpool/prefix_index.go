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
	"slices"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvblock"
)

// PrefixCacheIndex maps a BlockIdentity to the blocks currently carrying it.
// The same identity may be materialized in more than one block at once, so
// each identity maps to a small ordered set of ids. The index never owns the
// blocks themselves.
type PrefixCacheIndex struct {
	data map[kvblock.BlockIdentity][]BlockID
}

// NewPrefixCacheIndex creates an empty index.
func NewPrefixCacheIndex() *PrefixCacheIndex {
	return &PrefixCacheIndex{
		data: make(map[kvblock.BlockIdentity][]BlockID),
	}
}

// Get returns one block carrying the identity: the earliest inserted one
// still present.
func (idx *PrefixCacheIndex) Get(identity kvblock.BlockIdentity) (BlockID, bool) {
	ids := idx.data[identity]
	if len(ids) == 0 {
		return 0, false
	}
	return ids[0], true
}

// GetAll returns every block carrying the identity, in insertion order.
func (idx *PrefixCacheIndex) GetAll(identity kvblock.BlockIdentity) []BlockID {
	return slices.Clone(idx.data[identity])
}

// Insert maps the identity to the block. Existing mappings for the same
// identity are kept alongside.
func (idx *PrefixCacheIndex) Insert(identity kvblock.BlockIdentity, id BlockID) {
	ids := idx.data[identity]
	if slices.Contains(ids, id) {
		return
	}
	idx.data[identity] = append(ids, id)
}

// Remove drops exactly the mapping identity -> id. The identity key itself is
// dropped together with its last block. It reports whether a mapping was
// removed.
func (idx *PrefixCacheIndex) Remove(identity kvblock.BlockIdentity, id BlockID) bool {
	ids := idx.data[identity]
	pos := slices.Index(ids, id)
	if pos < 0 {
		return false
	}

	ids = slices.Delete(ids, pos, pos+1)
	if len(ids) == 0 {
		delete(idx.data, identity)
	} else {
		idx.data[identity] = ids
	}

	return true
}

// Len returns the number of distinct identities in the index.
func (idx *PrefixCacheIndex) Len() int {
	return len(idx.data)
}

// Clear drops every mapping.
func (idx *PrefixCacheIndex) Clear() {
	clear(idx.data)
}
