// Copyright 2025 The llm-d Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package kvevents contains the KV-events publishing system. A BlockPool
// reports blocks entering and leaving its prefix cache as events; the
// Publisher batches them, encodes them with msgpack in vLLM's array-like
// tagged-union format and ships them through a Transport (ZMQ by default),
// so that a remote KV-cache index can track which blocks an engine holds.
// DecodeEventBatch is the consuming side. The ZMQ transport and subscriber
// live in the zmq subpackage so that this package stays free of cgo.
package kvevents
