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


// Package telemetry exports the eviction events recorded by a
// blockpool.BlockPool to external sinks.
//
// The pool is single-threaded, so the Exporter is driven by the goroutine
// that owns the pool: it drains the pool's eviction ring and hands the batch
// to a Sink, which may block on I/O.
package telemetry
