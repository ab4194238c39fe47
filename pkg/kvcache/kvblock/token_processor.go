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
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/klog/v2"
)

const (
	// defaultBlockSize is the default number of tokens per block.
	// 16 is the default value used by vLLM.
	defaultBlockSize = 16
	// defaultMemoCacheSize bounds the number of memoized chunk hashes.
	defaultMemoCacheSize = 10000
)

// TokenProcessorConfig holds the configuration for the token processor.
type TokenProcessorConfig struct {
	BlockSize int `json:"blockSize"`
	// HashSeed is used to prefix initial hash chunks, similarly to vLLM's NONE_HASH.
	// Every engine sharing a cache must use the same seed.
	HashSeed string `json:"hashSeed"`
	// MemoCacheSize is the maximum number of chunk hashes remembered across
	// calls. Zero disables memoization.
	MemoCacheSize int `json:"memoCacheSize"`
}

// DefaultTokenProcessorConfig returns the default configuration for the token processor.
func DefaultTokenProcessorConfig() *TokenProcessorConfig {
	return &TokenProcessorConfig{
		BlockSize:     defaultBlockSize,
		HashSeed:      "",
		MemoCacheSize: defaultMemoCacheSize,
	}
}

// TokenProcessor defines the interface for converting tokens to
// BlockIdentities.
type TokenProcessor interface {
	// TokensToBlockIdentities converts the full blocks of a token sequence
	// into chained BlockIdentities. A trailing partial block is ignored.
	TokensToBlockIdentities(tokens []uint32, groupID int) []BlockIdentity
}

// memoEntry remembers the inputs of a chunk hash so that an xxhash collision
// on the memo key can be detected.
type memoEntry struct {
	parent  string
	chunk   []uint32
	groupID int
	hash    string
}

// ChunkedTokenDatabase chains sha256 hashes over fixed-size token chunks.
// The payload of each hash is the canonical CBOR encoding of
// [parentHash, chunkTokens, extra], aligned with vLLM's prefix hashing.
type ChunkedTokenDatabase struct {
	TokenProcessorConfig

	encMode  cbor.EncMode
	initHash []byte
	memo     *lru.Cache[uint64, memoEntry]
}

var _ TokenProcessor = &ChunkedTokenDatabase{}

// NewChunkedTokenDatabase creates a new instance with the given config.
func NewChunkedTokenDatabase(config *TokenProcessorConfig) (*ChunkedTokenDatabase, error) {
	if config == nil {
		config = DefaultTokenProcessorConfig()
	}

	if config.BlockSize <= 0 {
		return nil, fmt.Errorf("invalid block size %d: must be positive", config.BlockSize)
	}

	encMode, err := cbor.CanonicalEncOptions().EncMode() // deterministic
	if err != nil {
		return nil, fmt.Errorf("failed to create CBOR encoder: %w", err)
	}

	seed, err := encMode.Marshal(config.HashSeed)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal hash seed to CBOR: %w", err)
	}
	sum := sha256.Sum256(seed)

	db := &ChunkedTokenDatabase{
		TokenProcessorConfig: *config,
		encMode:              encMode,
		initHash:             sum[:],
	}

	if config.MemoCacheSize > 0 {
		db.memo, err = lru.New[uint64, memoEntry](config.MemoCacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create hash memo cache: %w", err)
		}
	}

	return db, nil
}

// hash computes the sha256 digest of a single chunk chained on its parent.
func (db *ChunkedTokenDatabase) hash(parent []byte, tokens []uint32, extra interface{}) ([]byte, error) {
	payload := []interface{}{parent, tokens, extra}

	b, err := db.encMode.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload to CBOR: %w", err)
	}

	sum := sha256.Sum256(b)
	return sum[:], nil
}

// memoKey digests (parent, chunk, group) into a memo cache key.
func memoKey(parent []byte, chunk []uint32, groupID int) uint64 {
	digest := xxhash.New()
	_, _ = digest.Write(parent)

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(groupID)) //nolint:gosec // group ids are small
	_, _ = digest.Write(buf[:])
	for _, tok := range chunk {
		binary.LittleEndian.PutUint32(buf[:4], tok)
		_, _ = digest.Write(buf[:4])
	}

	return digest.Sum64()
}

// chunkHash returns the hash of a chunk, consulting the memo cache first.
func (db *ChunkedTokenDatabase) chunkHash(parent []byte, chunk []uint32, groupID int) ([]byte, error) {
	var extra interface{}
	if groupID != 0 {
		extra = groupID
	}

	if db.memo == nil {
		return db.hash(parent, chunk, extra)
	}

	key := memoKey(parent, chunk, groupID)
	if entry, ok := db.memo.Get(key); ok &&
		entry.groupID == groupID && entry.parent == string(parent) && slices.Equal(entry.chunk, chunk) {
		return []byte(entry.hash), nil
	}

	h, err := db.hash(parent, chunk, extra)
	if err != nil {
		return nil, err
	}

	db.memo.Add(key, memoEntry{
		parent:  string(parent),
		chunk:   slices.Clone(chunk),
		groupID: groupID,
		hash:    string(h),
	})

	return h, nil
}

// chunkTokens splits the input slice of tokens into chunks of size BlockSize.
func (db *ChunkedTokenDatabase) chunkTokens(tokens []uint32) [][]uint32 {
	var chunks [][]uint32
	for i := 0; i < len(tokens); i += db.BlockSize {
		end := i + db.BlockSize
		if end > len(tokens) {
			break // no partial blocks
		}

		chunks = append(chunks, tokens[i:end])
	}

	return chunks
}

// TokensToBlockIdentities converts the full blocks of tokens into chained
// BlockIdentities tagged with groupID.
func (db *ChunkedTokenDatabase) TokensToBlockIdentities(tokens []uint32, groupID int) []BlockIdentity {
	chunks := db.chunkTokens(tokens)
	identities := make([]BlockIdentity, 0, len(chunks))

	parent := db.initHash
	for i, chunk := range chunks {
		h, err := db.chunkHash(parent, chunk, groupID)
		if err != nil {
			// everything after this chunk would chain on a broken parent
			klog.FromContext(context.Background()).Error(err, "failed to hash token chunk, truncating identities",
				"chunk", i, "chunks", len(chunks))
			break
		}

		identities = append(identities, NewBlockIdentity(h, groupID))
		parent = h
	}

	return identities
}
