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

// Package responsesink implements the Response Sink pipeline stage
// (§4.9): a single dequeue loop that writes each Resource Manager
// response back to its originating connection's stream.
package responsesink

import (
	"github.com/sirupsen/logrus"

	"github.com/rancher/tabrmd/pkg/connection"
	"github.com/rancher/tabrmd/pkg/pipeline"
	"github.com/rancher/tabrmd/pkg/wire"
)

// Sink drains the queue the Resource Manager feeds and writes each
// response to its destination connection.
type Sink struct {
	in  *pipeline.Queue
	log logrus.FieldLogger
}

// New constructs a Sink reading from in.
func New(in *pipeline.Queue, log logrus.FieldLogger) *Sink {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Sink{in: in, log: log}
}

// Run is the Sink's blocking dequeue loop. It returns once it receives a
// CheckCancelMessage, after first draining every response already queued
// so no reply the Resource Manager already produced is dropped (§5).
func (s *Sink) Run() {
	for {
		msg, ok := s.in.Pop()
		if !ok {
			return
		}
		switch v := msg.(type) {
		case pipeline.ResponseMessage:
			s.write(v.Resp)
		case pipeline.CheckCancelMessage:
			s.drain()
			return
		default:
			s.log.WithField("type", msg).Warn("responsesink: unrecognised pipeline message")
		}
	}
}

// drain writes every response still queued without blocking for more,
// since a CheckCancelMessage means no further message will ever arrive.
func (s *Sink) drain() {
	for {
		msg, ok := s.in.TryPop()
		if !ok {
			return
		}
		if v, ok := msg.(pipeline.ResponseMessage); ok {
			s.write(v.Resp)
		}
	}
}

// write sends resp's bytes to its origin's stream in full, looping over
// short writes. A write failure only logs: the originating connection's
// own Command Source goroutine will observe the same broken stream and
// report its removal.
func (s *Sink) write(resp *wire.Response) {
	conn, ok := resp.Origin().(*connection.Connection)
	if !ok {
		s.log.Warn("responsesink: response origin is not a live connection; dropping")
		return
	}

	buf := resp.Bytes()
	for len(buf) > 0 {
		n, err := conn.Stream().Write(buf)
		if err != nil {
			s.log.WithError(err).WithField("connection", conn.ID()).Warn("responsesink: write failed")
			return
		}
		buf = buf[n:]
	}
}
