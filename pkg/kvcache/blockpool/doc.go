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

// Package blockpool implements the block-based KV-cache manager: a fixed
// arena of blocks, an LRU free list threaded through the arena by index, and
// a content-addressed prefix-cache index mapping BlockIdentities to blocks.
//
// A BlockPool is owned by a single control loop (the scheduler). None of its
// operations block or spawn work, and none are safe for concurrent mutation.
package blockpool
