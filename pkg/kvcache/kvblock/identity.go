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

package kvblock

import (
	"encoding/hex"
	"fmt"
)

// BlockIdentity is the content-addressed key of a KV block: the hash of the
// token sequence the block holds, paired with the cache group it belongs to.
//
// BlockIdentity is a comparable value and can be used as a map key. It does
// not own any block; several physical blocks may legitimately carry the same
// identity at once.
type BlockIdentity struct {
	// hash is kept as a string so the bytes are immutable and the struct
	// stays comparable.
	hash    string
	groupID int
}

// NewBlockIdentity creates a BlockIdentity from a content hash and a cache
// group id. The hash bytes are copied.
func NewBlockIdentity(hash []byte, groupID int) BlockIdentity {
	return BlockIdentity{hash: string(hash), groupID: groupID}
}

// Hash returns a copy of the content hash.
func (b BlockIdentity) Hash() []byte {
	return []byte(b.hash)
}

// GroupID returns the cache group id.
func (b BlockIdentity) GroupID() int {
	return b.groupID
}

// IsZero reports whether the identity carries no hash.
func (b BlockIdentity) IsZero() bool {
	return b.hash == ""
}

// String returns a string representation of the BlockIdentity.
func (b BlockIdentity) String() string {
	return fmt.Sprintf("%s@%d", hex.EncodeToString([]byte(b.hash)), b.groupID)
}
