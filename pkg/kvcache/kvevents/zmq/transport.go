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
	"fmt"
	"sync"

	zmq4 "github.com/pebbe/zmq4"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvevents"
)

// Transport sends batches on a ZMQ PUB socket as three-part messages:
// topic, big-endian sequence number and payload.
type Transport struct {
	mu       sync.Mutex // zmq sockets are not goroutine-safe
	socket   *zmq4.Socket
	endpoint string
}

var _ kvevents.Transport = &Transport{}

// NewTransport creates a PUB socket connected to endpoint.
func NewTransport(endpoint string) (*Transport, error) {
	socket, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ PUB socket: %w", err)
	}

	if err := socket.Connect(endpoint); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}

	return &Transport{
		socket:   socket,
		endpoint: endpoint,
	}, nil
}

// Send publishes a batch.
func (z *Transport) Send(_ context.Context, msg *kvevents.Message) error {
	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, msg.Seq)

	z.mu.Lock()
	defer z.mu.Unlock()

	if _, err := z.socket.SendMessage(msg.Topic, seqBytes, msg.Payload); err != nil {
		return fmt.Errorf("failed to send message to topic %s: %w", msg.Topic, err)
	}

	return nil
}

// Close closes the socket.
func (z *Transport) Close() error {
	z.mu.Lock()
	defer z.mu.Unlock()

	if z.socket != nil {
		err := z.socket.Close()
		z.socket = nil
		return err
	}
	return nil
}
