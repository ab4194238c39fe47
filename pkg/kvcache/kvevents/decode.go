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

	"github.com/vmihailenco/msgpack/v5"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils/logging"
)

// DecodedBatch is an EventBatch with its events unpacked.
type DecodedBatch struct {
	TS     float64
	Events []Event
}

// DecodeEventBatch decodes a payload produced by EncodeEventBatch.
// Events that cannot be decoded are logged and skipped; an error is returned
// only when the batch envelope itself is malformed.
func DecodeEventBatch(ctx context.Context, payload []byte) (*DecodedBatch, error) {
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG)

	var eventBatch EventBatch
	if err := msgpack.Unmarshal(payload, &eventBatch); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event batch: %w", err)
	}

	events := make([]Event, 0, len(eventBatch.Events))
	for _, rawEvent := range eventBatch.Events {
		event, err := decodeEvent(rawEvent)
		if err != nil {
			debugLogger.Error(err, "Skipping event")
			continue
		}
		if event == nil {
			continue
		}
		events = append(events, event)
	}

	return &DecodedBatch{TS: eventBatch.TS, Events: events}, nil
}

// decodeEvent unpacks an array-like tagged union. Unknown tags yield a nil
// event and no error.
func decodeEvent(rawEvent msgpack.RawMessage) (Event, error) {
	var taggedUnion []msgpack.RawMessage
	if err := msgpack.Unmarshal(rawEvent, &taggedUnion); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tagged union: %w", err)
	}

	if len(taggedUnion) < 1 {
		return nil, fmt.Errorf("malformed tagged union, no tag element")
	}

	var tag string
	if err := msgpack.Unmarshal(taggedUnion[0], &tag); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tag: %w", err)
	}

	// re-marshal the tail parts into a payload array
	payloadBytes, err := msgpack.Marshal(taggedUnion[1:])
	if err != nil {
		return nil, fmt.Errorf("failed to re-marshal payload parts: %w", err)
	}

	var event Event
	var unmarshalErr error
	switch tag {
	case BlockStoredEventTag:
		var bs BlockStored
		unmarshalErr = msgpack.Unmarshal(payloadBytes, &bs)
		event = bs
	case BlockRemovedEventTag:
		var br BlockRemoved
		unmarshalErr = msgpack.Unmarshal(payloadBytes, &br)
		event = br
	case AllBlocksClearedEventTag:
		event = AllBlocksCleared{}
	default:
		return nil, nil
	}

	if unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal %s event: %w", tag, unmarshalErr)
	}
	return event, nil
}
