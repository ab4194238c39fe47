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

//nolint:testpackage // exercises the unexported memo cache
package kvblock

import (
	"errors"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingEncMode fails every Marshal after the first `ok` calls.
type failingEncMode struct {
	cbor.EncMode
	ok    int
	calls int
}

func (m *failingEncMode) Marshal(v interface{}) ([]byte, error) {
	m.calls++
	if m.calls > m.ok {
		return nil, errors.New("encoder broken")
	}
	return m.EncMode.Marshal(v)
}

func TestMemoEntryFromAnotherGroupIsNotReused(t *testing.T) {
	db, err := NewChunkedTokenDatabase(&TokenProcessorConfig{BlockSize: 2, MemoCacheSize: 8})
	require.NoError(t, err)

	chunk := []uint32{1, 2}
	want, err := db.hash(db.initHash, chunk, 1)
	require.NoError(t, err)

	// an entry for the same parent and chunk but another group sitting under
	// the key of group 1, as a digest collision would leave it
	db.memo.Add(memoKey(db.initHash, chunk, 1), memoEntry{
		parent:  string(db.initHash),
		chunk:   chunk,
		groupID: 2,
		hash:    "not-group-1",
	})

	got, err := db.chunkHash(db.initHash, chunk, 1)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	entry, ok := db.memo.Get(memoKey(db.initHash, chunk, 1))
	require.True(t, ok)
	assert.Equal(t, 1, entry.groupID)
}

func TestHashFailureTruncatesIdentities(t *testing.T) {
	db, err := NewChunkedTokenDatabase(&TokenProcessorConfig{BlockSize: 2})
	require.NoError(t, err)

	tokens := []uint32{1, 2, 3, 4, 5, 6}
	full := db.TokensToBlockIdentities(tokens, 0)
	require.Len(t, full, 3)

	db.encMode = &failingEncMode{EncMode: db.encMode, ok: 1}
	got := db.TokensToBlockIdentities(tokens, 0)
	assert.Equal(t, full[:1], got)
}
