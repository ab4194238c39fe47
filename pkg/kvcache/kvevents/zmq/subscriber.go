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

package zmq

import (
	"context"
	"encoding/binary"
	"time"

	zmq4 "github.com/pebbe/zmq4"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvevents"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils/logging"
)

const (
	// How long to wait before retrying to bind.
	retryInterval = 5 * time.Second
	// How often the poller should time out to check for context cancellation.
	pollTimeout = 250 * time.Millisecond
)

// ReceivedBatch is a decoded event batch received by a Subscriber.
type ReceivedBatch struct {
	Topic         string
	Seq           uint64
	PodIdentifier string
	ModelName     string
	Batch         *kvevents.DecodedBatch
}

// BatchHandler processes received batches. It is called from the
// subscriber's goroutine.
type BatchHandler func(ctx context.Context, batch *ReceivedBatch)

// Subscriber binds a ZMQ SUB socket, decodes the batches sent by
// publishers and hands them to a BatchHandler.
type Subscriber struct {
	endpoint    string
	topicFilter string
	handler     BatchHandler
}

// NewSubscriber creates a new ZMQ subscriber.
func NewSubscriber(endpoint, topicFilter string, handler BatchHandler) *Subscriber {
	return &Subscriber{
		endpoint:    endpoint,
		topicFilter: topicFilter,
		handler:     handler,
	}
}

// Start receives messages until the provided context is canceled,
// re-binding the socket after failures. It blocks.
func (z *Subscriber) Start(ctx context.Context) {
	logger := klog.FromContext(ctx).WithName("zmq-subscriber")

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down zmq-subscriber")
			return
		default:
			z.runSubscriber(ctx)
			// wait before retrying, unless the context has been canceled.
			select {
			case <-time.After(retryInterval):
				logger.Info("retrying zmq-subscriber")
			case <-ctx.Done():
				logger.Info("shutting down zmq-subscriber")
				return
			}
		}
	}
}

func (z *Subscriber) runSubscriber(ctx context.Context) {
	logger := klog.FromContext(ctx).WithName("zmq-subscriber")
	sub, err := zmq4.NewSocket(zmq4.SUB)
	if err != nil {
		logger.Error(err, "Failed to create subscriber socket")
		return
	}
	defer sub.Close()

	if err := sub.Bind(z.endpoint); err != nil {
		logger.Error(err, "Failed to bind subscriber socket", "endpoint", z.endpoint)
		return
	}
	logger.Info("Bound subscriber socket", "endpoint", z.endpoint)

	if err := sub.SetSubscribe(z.topicFilter); err != nil {
		logger.Error(err, "Failed to subscribe to topic filter", "topic", z.topicFilter)
		return
	}

	poller := zmq4.NewPoller()
	poller.Add(sub, zmq4.POLLIN)
	debugLogger := logger.V(logging.DEBUG)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		polled, err := poller.Poll(pollTimeout)
		if err != nil {
			debugLogger.Error(err, "Failed to poll zmq subscriber", "endpoint", z.endpoint)
			return // re-bind
		}
		if len(polled) == 0 {
			continue
		}

		parts, err := sub.RecvMessageBytes(0)
		if err != nil {
			debugLogger.Error(err, "Failed to receive message from zmq subscriber", "endpoint", z.endpoint)
			return // re-bind
		}
		if len(parts) != 3 || len(parts[1]) != 8 {
			debugLogger.Error(nil, "Malformed message, expected topic, sequence and payload", "parts", len(parts))
			continue
		}

		topic := string(parts[0])
		podIdentifier, modelName, ok := kvevents.ParseTopic(topic)
		if !ok {
			debugLogger.Error(nil, "Failed to extract identifiers from topic, expected format kv@<pod-id>@<model-name>",
				"topic", topic)
			continue
		}

		batch, err := kvevents.DecodeEventBatch(ctx, parts[2])
		if err != nil {
			// a poison pill, retrying cannot help
			debugLogger.Error(err, "Failed to decode event batch, dropping message", "topic", topic)
			continue
		}

		seq := binary.BigEndian.Uint64(parts[1])
		debugLogger.Info("Received event batch", "topic", topic, "seq", seq, "events", len(batch.Events))

		z.handler(ctx, &ReceivedBatch{
			Topic:         topic,
			Seq:           seq,
			PodIdentifier: podIdentifier,
			ModelName:     modelName,
			Batch:         batch,
		})
	}
}
