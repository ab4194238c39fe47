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
	"errors"
	"fmt"
)

var (
	// ErrOutOfMemory is returned when an allocation cannot be satisfied by
	// the free blocks of the pool. The pool is left untouched.
	ErrOutOfMemory = errors.New("out of KV-cache blocks")
	// ErrInvalidConfig is returned when a pool configuration is rejected.
	ErrInvalidConfig = errors.New("invalid block pool configuration")
)

// OutOfMemoryError describes a failed allocation.
type OutOfMemoryError struct {
	// Requested is the number of blocks asked for.
	Requested int
	// Available is the number of free blocks at the time of the call.
	Available int
}

func (e *OutOfMemoryError) Error() string {
	return fmt.Sprintf("%s: requested %d, available %d", ErrOutOfMemory, e.Requested, e.Available)
}

// Unwrap allows errors.Is(err, ErrOutOfMemory).
func (e *OutOfMemoryError) Unwrap() error {
	return ErrOutOfMemory
}
