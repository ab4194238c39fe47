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


package telemetry

import (
	"context"
	"fmt"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/blockpool"
)

// EvictionSource is the part of a blockpool.BlockPool the Exporter uses.
type EvictionSource interface {
	EvictionEvents() []blockpool.EvictionEvent
}

var _ EvictionSource = &blockpool.BlockPool{}

// Exporter moves eviction events from a pool to a Sink.
type Exporter struct {
	sink Sink
}

// NewExporter creates an Exporter. A nil sink falls back to LogSink.
func NewExporter(sink Sink) *Exporter {
	if sink == nil {
		sink = LogSink{}
	}
	return &Exporter{sink: sink}
}

// Drain removes the recorded eviction events from src and exports them,
// returning how many were drained. It must be called from the goroutine that
// owns the pool. Events that fail to export are not retried.
func (e *Exporter) Drain(ctx context.Context, src EvictionSource) (int, error) {
	events := src.EvictionEvents()
	if len(events) == 0 {
		return 0, nil
	}

	if err := e.sink.Export(ctx, events); err != nil {
		return len(events), fmt.Errorf("failed to export %d eviction events: %w", len(events), err)
	}

	return len(events), nil
}
