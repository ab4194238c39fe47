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

package blockpool_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/blockpool"
)

func TestFreeBlockQueueOrder(t *testing.T) {
	q := NewFreeBlockQueue(4)
	assert.Equal(t, 4, q.Len())
	assert.Equal(t, []BlockID{0, 1, 2, 3}, q.IDs())

	id, ok := q.PopFront()
	require.True(t, ok)
	assert.Equal(t, BlockID(0), id)
	assert.False(t, q.Contains(0))

	q.PushBack(0)
	assert.Equal(t, []BlockID{1, 2, 3, 0}, q.IDs())
	assert.True(t, q.Contains(0))
}

func TestFreeBlockQueueRemove(t *testing.T) {
	cases := []struct {
		name   string
		remove BlockID
		want   []BlockID
	}{
		{name: "head", remove: 0, want: []BlockID{1, 2, 3}},
		{name: "middle", remove: 2, want: []BlockID{0, 1, 3}},
		{name: "tail", remove: 3, want: []BlockID{0, 1, 2}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			q := NewFreeBlockQueue(4)
			q.Remove(c.remove)
			assert.Equal(t, c.want, q.IDs())
			assert.Equal(t, 3, q.Len())

			// the removed block can be queued again, at the back
			q.PushBack(c.remove)
			assert.Equal(t, append(c.want, c.remove), q.IDs())
		})
	}
}

func TestFreeBlockQueueDrain(t *testing.T) {
	q := NewFreeBlockQueue(3)
	for want := range 3 {
		id, ok := q.PopFront()
		require.True(t, ok)
		assert.Equal(t, BlockID(want), id) //nolint:gosec // test data
	}

	_, ok := q.PopFront()
	assert.False(t, ok)
	assert.Equal(t, 0, q.Len())
	assert.Empty(t, q.IDs())

	q.PushBack(2)
	q.PushFront(1)
	assert.Equal(t, []BlockID{1, 2}, q.IDs())
}

func TestFreeBlockQueueIgnoresDoublePush(t *testing.T) {
	q := NewFreeBlockQueue(2)
	q.PushBack(1)
	q.PushFront(0)
	assert.Equal(t, []BlockID{0, 1}, q.IDs())
	assert.Equal(t, 2, q.Len())

	q.Remove(1)
	q.Remove(1)
	assert.Equal(t, []BlockID{0}, q.IDs())
	assert.Equal(t, 1, q.Len())
}

func TestFreeBlockQueueEmpty(t *testing.T) {
	q := NewFreeBlockQueue(0)
	_, ok := q.PopFront()
	assert.False(t, ok)
	assert.False(t, q.Contains(0))
}
