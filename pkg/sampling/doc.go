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


// Package sampling fans one generation request out into several child
// requests and assembles their outputs.
//
// A Coordinator registers each ParentRequest, hands out one ChildRequest per
// sample, and routes every child CompletionOutput back to its parent. In the
// streaming output modes outputs are forwarded as they arrive; in final-only
// mode the parent waits for every child, ranks the candidates when best-of
// sampling was requested, and emits the assembled list once.
//
// Like the block pool, the Coordinator is owned by a single scheduling loop
// and is not safe for concurrent use.
package sampling
