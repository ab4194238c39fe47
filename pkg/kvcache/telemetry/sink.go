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
	"errors"
	"time"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/blockpool"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils/logging"
)

// Sink receives batches of eviction events.
type Sink interface {
	Export(ctx context.Context, events []blockpool.EvictionEvent) error
}

// LogSink logs a summary line per exported batch, and every event at trace
// verbosity.
type LogSink struct{}

var _ Sink = LogSink{}

// Export implements Sink.
func (LogSink) Export(ctx context.Context, events []blockpool.EvictionEvent) error {
	logger := klog.FromContext(ctx).WithName("telemetry")

	var totalLifetime time.Duration
	var totalAccesses uint64
	for _, ev := range events {
		totalLifetime += ev.Lifetime
		totalAccesses += ev.AccessCount
		logger.V(logging.TRACE).Info("evicted block", "block", ev.BlockID,
			"identity", ev.Identity, "lifetime", ev.Lifetime, "accesses", ev.AccessCount)
	}

	if len(events) > 0 {
		logger.V(logging.DEBUG).Info("eviction batch", "count", len(events),
			"avgLifetime", totalLifetime/time.Duration(len(events)),
			"avgAccesses", float64(totalAccesses)/float64(len(events)))
	}

	return nil
}

// MultiSink fans a batch out to every sink. All sinks are called even if
// some fail; the errors are joined.
type MultiSink []Sink

var _ Sink = MultiSink{}

// Export implements Sink.
func (m MultiSink) Export(ctx context.Context, events []blockpool.EvictionEvent) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Export(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
