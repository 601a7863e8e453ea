/*
Copyright © 2022 - 2024 SUSE LLC

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

// Package pipeline defines the two bounded message queues that wire the
// broker's three long-lived stages together (§2, §5):
//
//	Command Source --Queue--> Resource Manager --Queue--> Response Sink
//
// Each Queue carries a mix of TPM command messages and control messages,
// mirroring the "two orthogonal event streams feed the Resource Manager
// through the same queue" design of §2.
package pipeline

import (
	"github.com/rancher/tabrmd/pkg/connection"
	"github.com/rancher/tabrmd/pkg/wire"
)

// CommandMessage carries one framed TPM command from the Command Source
// to the Resource Manager.
type CommandMessage struct {
	Cmd *wire.Command
}

// ResponseMessage carries one TPM response from the Resource Manager to
// the Response Sink.
type ResponseMessage struct {
	Resp *wire.Response
}

// ConnectionRemovedMessage is enqueued by the Command Source when a
// client's stream reports EOF or a protocol error, and consumed by the
// Resource Manager to clean up every session the connection owned
// (§4.7.2).
type ConnectionRemovedMessage struct {
	Conn *connection.Connection
}

// CheckCancelMessage is the control message each stage answers during an
// orderly shutdown: the Resource Manager and Response Sink unblock their
// queue-receive loop on it and return; the Command Source unblocks by
// closing its connections' streams instead (§5's "Cancellation").
type CheckCancelMessage struct{}

// Queue is a bounded, thread-safe, FIFO message queue. Push never blocks
// in practice: capacity is chosen, per §5, to cover worst-case transient
// usage, so a full queue indicates a capacity misconfiguration rather
// than a condition callers should handle. Pop blocks until a message is
// available or the queue is closed.
type Queue struct {
	ch chan interface{}
}

// NewQueue creates a Queue with the given bounded capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan interface{}, capacity)}
}

// Push enqueues msg.
func (q *Queue) Push(msg interface{}) {
	q.ch <- msg
}

// Pop blocks until a message is available, returning ok=false once the
// queue has been closed and drained.
func (q *Queue) Pop() (interface{}, bool) {
	msg, ok := <-q.ch
	return msg, ok
}

// TryPop returns immediately: ok is false when the queue is currently
// empty. Used by the Response Sink to drain its backlog after receiving
// CheckCancelMessage without blocking for a message that will never
// arrive.
func (q *Queue) TryPop() (msg interface{}, ok bool) {
	select {
	case msg, open := <-q.ch:
		return msg, open
	default:
		return nil, false
	}
}

// Close closes the underlying channel. Pending Pop callers observe
// ok=false once the backlog has drained.
func (q *Queue) Close() {
	close(q.ch)
}
