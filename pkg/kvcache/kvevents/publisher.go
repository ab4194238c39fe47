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

package kvevents

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils/logging"
)

// Config holds the configuration for the event publisher.
type Config struct {
	// ZMQEndpoint is the ZMQ address to connect to (e.g., "tcp://indexer:5557").
	// If empty, no ZMQ transport is created.
	ZMQEndpoint string `json:"zmqEndpoint"`
	// PodIdentifier and ModelName form the topic "kv@<pod-id>@<model-name>".
	PodIdentifier string `json:"podIdentifier"`
	ModelName     string `json:"modelName"`
	// FlushInterval is how often pending events are sealed into a batch.
	FlushInterval time.Duration `json:"flushInterval"`
	// MaxBatchSize seals a batch early once it holds that many events.
	MaxBatchSize int `json:"maxBatchSize"`
	// MaxRetries is how many times a failed send is retried before the
	// batch is dropped.
	MaxRetries int `json:"maxRetries"`
}

// DefaultConfig returns a default configuration for the event publisher.
func DefaultConfig() *Config {
	return &Config{
		PodIdentifier: "localhost",
		ModelName:     "default",
		FlushInterval: 100 * time.Millisecond,
		MaxBatchSize:  256,
		MaxRetries:    5,
	}
}

// Topic returns the topic the publisher sends on.
func (c *Config) Topic() string {
	return fmt.Sprintf("kv@%s@%s", c.PodIdentifier, c.ModelName)
}

// ParseTopic extracts the pod identifier and model name of a
// "kv@<pod-id>@<model-name>" topic.
func ParseTopic(topic string) (podIdentifier, modelName string, ok bool) {
	topicParts := strings.Split(topic, "@")
	if len(topicParts) != 3 || topicParts[0] != "kv" {
		return "", "", false
	}
	return topicParts[1], topicParts[2], true
}

// Message is a sealed, encoded event batch ready to be sent.
type Message struct {
	Topic   string
	Payload []byte
	// Seq is the sequence number of the batch. It increases by one per batch,
	// so consumers can reorder batches delivered after a retry.
	Seq uint64
}

// Transport delivers encoded batches.
type Transport interface {
	Send(ctx context.Context, msg *Message) error
	Close() error
}

// Publisher batches KV-cache events and sends them through a Transport from
// a background worker. Publish never blocks on I/O.
type Publisher struct {
	config    Config
	topic     string
	transport Transport
	queue     workqueue.TypedRateLimitingInterface[*Message]

	mu      sync.Mutex
	pending []Event
	seq     uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewPublisher creates a Publisher sending through transport.
func NewPublisher(cfg *Config, transport Transport) *Publisher {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	return &Publisher{
		config:    *cfg,
		topic:     cfg.Topic(),
		transport: transport,
		queue:     workqueue.NewTypedRateLimitingQueue(workqueue.DefaultTypedControllerRateLimiter[*Message]()),
		now:       time.Now,
	}
}

// Publish appends an event to the pending batch.
func (p *Publisher) Publish(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending = append(p.pending, ev)
	if p.config.MaxBatchSize > 0 && len(p.pending) >= p.config.MaxBatchSize {
		p.sealLocked()
	}
}

// Flush seals the pending events into a batch and queues it for sending.
func (p *Publisher) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.sealLocked()
}

func (p *Publisher) sealLocked() {
	if len(p.pending) == 0 {
		return
	}

	logger := klog.Background().WithName("kvevents.Publisher")
	payload, err := EncodeEventBatch(p.pending, p.now())
	p.pending = nil
	if err != nil {
		// This is a programming error in an event type; retrying cannot help.
		logger.Error(err, "Failed to encode event batch, dropping events")
		return
	}

	p.seq++
	p.queue.Add(&Message{Topic: p.topic, Payload: payload, Seq: p.seq})
}

// Start launches the sending worker and the periodic flusher.
// It is non-blocking.
func (p *Publisher) Start(ctx context.Context) {
	logger := klog.FromContext(ctx)
	logger.Info("Starting KV-events publisher", "topic", p.topic)

	flushCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go p.worker(ctx)

	if p.config.FlushInterval > 0 {
		p.wg.Add(1)
		go func(ctx context.Context) {
			defer p.wg.Done()
			ticker := time.NewTicker(p.config.FlushInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					p.Flush()
				}
			}
		}(flushCtx)
	}
}

// Shutdown flushes pending events, waits for queued batches to be sent and
// closes the transport.
func (p *Publisher) Shutdown(ctx context.Context) {
	logger := klog.FromContext(ctx)
	logger.Info("Shutting down KV-events publisher...")

	if p.cancel != nil {
		p.cancel()
	}
	p.Flush()
	p.queue.ShutDownWithDrain()
	p.wg.Wait()

	if err := p.transport.Close(); err != nil {
		logger.Error(err, "Failed to close transport")
	}
	logger.Info("KV-events publisher shut down.")
}

// worker sends queued batches, retrying failed ones with back-off.
func (p *Publisher) worker(ctx context.Context) {
	defer p.wg.Done()
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG)

	for {
		msg, shutdown := p.queue.Get()
		if shutdown {
			return
		}

		// Use a nested func to ensure Done is always called.
		func(msg *Message) {
			defer p.queue.Done(msg)

			err := p.transport.Send(ctx, msg)
			if err == nil {
				p.queue.Forget(msg)
				debugLogger.Info("Published event batch", "topic", msg.Topic, "seq", msg.Seq)
				return
			}

			if p.queue.NumRequeues(msg) < p.config.MaxRetries {
				debugLogger.Error(err, "Failed to publish event batch, retrying", "seq", msg.Seq)
				p.queue.AddRateLimited(msg)
				return
			}

			klog.FromContext(ctx).Error(err, "Failed to publish event batch, dropping", "seq", msg.Seq)
			p.queue.Forget(msg)
		}(msg)
	}
}

// EncodeEventBatch encodes events as a msgpack EventBatch.
func EncodeEventBatch(events []Event, ts time.Time) ([]byte, error) {
	raw, err := utils.SliceMapE(events, func(ev Event) (msgpack.RawMessage, error) {
		return msgpack.Marshal(ev.ToTaggedUnion())
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	payload, err := msgpack.Marshal(&EventBatch{
		TS:     float64(ts.UnixNano()) / float64(time.Second),
		Events: raw,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event batch: %w", err)
	}

	return payload, nil
}
