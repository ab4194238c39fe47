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

package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	Allocations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvcache", Subsystem: "pool", Name: "allocations_total",
		Help: "Total number of KV-block allocations",
	})
	// AllocationFailures counts Allocate() calls rejected for lack of free blocks.
	AllocationFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvcache", Subsystem: "pool", Name: "allocation_failures_total",
		Help: "Total number of allocations that ran out of free blocks",
	})
	Evictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvcache", Subsystem: "pool", Name: "evictions_total",
		Help: "Total number of cached KV-block evictions",
	})
	// CacheHits counts LookupCached() calls that found a block.
	CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvcache", Subsystem: "pool", Name: "cache_hits_total",
		Help: "Number of prefix-cache lookups that found a block",
	})
	// CacheMisses counts LookupCached() calls that found nothing.
	CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvcache", Subsystem: "pool", Name: "cache_misses_total",
		Help: "Number of prefix-cache lookups that found no block",
	})
	// Usage is the fraction of the pool that is not free.
	Usage = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kvcache", Subsystem: "pool", Name: "usage_ratio",
		Help: "Fraction of KV blocks currently allocated",
	})

	ActiveParents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sampling", Subsystem: "fanout", Name: "parents_active",
		Help: "Number of fan-out parent requests currently tracked",
	})
	ChildrenSpawned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sampling", Subsystem: "fanout", Name: "children_spawned_total",
		Help: "Total number of child requests spawned by fan-out",
	})
	ChildrenFinished = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sampling", Subsystem: "fanout", Name: "children_finished_total",
		Help: "Total number of child requests that reported a finish reason",
	})
)

// Collectors returns a slice of all registered Prometheus collectors.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		Allocations, AllocationFailures, Evictions,
		CacheHits, CacheMisses, Usage,
		ActiveParents, ChildrenSpawned, ChildrenFinished,
	}
}

var registerMetricsOnce = sync.Once{}

// Register registers all metrics with K8s registry.
func Register() {
	registerMetricsOnce.Do(func() {
		metrics.Registry.MustRegister(Collectors()...)
	})
}

// StartMetricsLogging spawns a goroutine that logs current metric values every
// interval, until the context is cancelled.
func StartMetricsLogging(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logMetrics(ctx)
			}
		}
	}()
}

// value reads the current value of a counter or gauge.
func value(c prometheus.Metric) (float64, bool) {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0, false
	}

	if m.GetCounter() != nil {
		return m.GetCounter().GetValue(), true
	}
	return m.GetGauge().GetValue(), true
}

func logMetrics(ctx context.Context) {
	allocations, ok := value(Allocations)
	if !ok {
		return
	}
	failures, _ := value(AllocationFailures)
	evictions, _ := value(Evictions)
	hits, _ := value(CacheHits)
	misses, _ := value(CacheMisses)
	usage, _ := value(Usage)
	parents, _ := value(ActiveParents)

	hitRate := 0.0
	if lookups := hits + misses; lookups > 0 {
		hitRate = hits / lookups
	}

	klog.FromContext(ctx).WithName("metrics").Info("metrics beat",
		"allocations", allocations,
		"allocation_failures", failures,
		"evictions", evictions,
		"hits", hits,
		"misses", misses,
		"hit_rate", hitRate,
		"usage", usage,
		"active_parents", parents,
	)
}
