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

const noLink int32 = -1

type freeLink struct {
	prev, next int32
	queued     bool
}

// FreeBlockQueue is a doubly-linked list of free block ids threaded through
// an index-addressed arena of links. The front is the least-recently freed
// block and therefore the next eviction candidate.
//
// PushBack, PushFront, PopFront and Remove are O(1). A block id must not be
// pushed while already queued; such calls are ignored.
type FreeBlockQueue struct {
	links      []freeLink
	head, tail int32
	length     int
}

// NewFreeBlockQueue creates a queue over ids [0, capacity) with every id
// initially free, in ascending order.
func NewFreeBlockQueue(capacity int) *FreeBlockQueue {
	q := &FreeBlockQueue{
		links: make([]freeLink, capacity),
		head:  noLink,
		tail:  noLink,
	}

	for i := 0; i < capacity; i++ {
		q.PushBack(BlockID(i)) //nolint:gosec // capacity is bounded by maxCapacity
	}

	return q
}

// Len returns the number of free blocks.
func (q *FreeBlockQueue) Len() int {
	return q.length
}

// Contains reports whether the block is currently queued.
func (q *FreeBlockQueue) Contains(id BlockID) bool {
	return int(id) < len(q.links) && q.links[id].queued
}

// PopFront removes and returns the least-recently freed block.
// It returns false if the queue is empty.
func (q *FreeBlockQueue) PopFront() (BlockID, bool) {
	if q.head == noLink {
		return 0, false
	}

	id := BlockID(q.head) //nolint:gosec // links are never negative here
	q.unlink(id)
	return id, true
}

// PushBack marks a block as the most-recently freed.
func (q *FreeBlockQueue) PushBack(id BlockID) {
	link := &q.links[id]
	if link.queued {
		return
	}

	idx := int32(id) //nolint:gosec // capacity is bounded by maxCapacity
	link.prev, link.next, link.queued = q.tail, noLink, true
	if q.tail != noLink {
		q.links[q.tail].next = idx
	} else {
		q.head = idx
	}
	q.tail = idx
	q.length++
}

// PushFront puts a block back at the front of the queue. It is used to undo
// a PopFront without disturbing the LRU order.
func (q *FreeBlockQueue) PushFront(id BlockID) {
	link := &q.links[id]
	if link.queued {
		return
	}

	idx := int32(id) //nolint:gosec // capacity is bounded by maxCapacity
	link.prev, link.next, link.queued = noLink, q.head, true
	if q.head != noLink {
		q.links[q.head].prev = idx
	} else {
		q.tail = idx
	}
	q.head = idx
	q.length++
}

// Remove extracts a block from anywhere in the queue. It is used when a free
// block is claimed through a prefix-cache hit. Removing a block that is not
// queued does nothing.
func (q *FreeBlockQueue) Remove(id BlockID) {
	if !q.Contains(id) {
		return
	}
	q.unlink(id)
}

func (q *FreeBlockQueue) unlink(id BlockID) {
	link := &q.links[id]
	if link.prev != noLink {
		q.links[link.prev].next = link.next
	} else {
		q.head = link.next
	}
	if link.next != noLink {
		q.links[link.next].prev = link.prev
	} else {
		q.tail = link.prev
	}

	link.prev, link.next, link.queued = noLink, noLink, false
	q.length--
}

// IDs returns the queued block ids from front to back.
func (q *FreeBlockQueue) IDs() []BlockID {
	ids := make([]BlockID, 0, q.length)
	for cur := q.head; cur != noLink; cur = q.links[cur].next {
		ids = append(ids, BlockID(cur)) //nolint:gosec // links are never negative here
	}
	return ids
}
