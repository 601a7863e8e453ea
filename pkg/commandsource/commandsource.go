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

// Package commandsource implements the Command Source pipeline stage
// (§4.8): it owns one reader goroutine per client connection, frames raw
// bytes into wire.Commands, and pushes them onto the queue the Resource
// Manager drains. Unlike the original's single-threaded, poll-driven
// event loop, each connection here blocks independently in its own
// goroutine — ordering and backpressure toward the Resource Manager are
// still guaranteed by the shared bounded Queue, and a misbehaving client
// can no longer stall reads from every other client (§9).
package commandsource

import (
	"errors"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/rancher/tabrmd/pkg/connection"
	"github.com/rancher/tabrmd/pkg/pipeline"
	"github.com/rancher/tabrmd/pkg/wire"
)

// Source reads framed commands off every registered connection and
// forwards them to the Resource Manager.
type Source struct {
	table *connection.Table
	attrs *wire.CommandAttributesTable
	out   *pipeline.Queue
	log   logrus.FieldLogger
}

// New constructs a Source and registers it as the connection table's
// new-connection callback: every connection inserted into table from
// this point on gets its own reader goroutine.
func New(table *connection.Table, attrs *wire.CommandAttributesTable, out *pipeline.Queue, log logrus.FieldLogger) *Source {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Source{table: table, attrs: attrs, out: out, log: log}
	table.OnNewConnection(s.serve)
	return s
}

// serve is the per-connection reader goroutine: it frames commands off
// conn's stream until the stream errors or returns EOF, then removes the
// connection from the table and notifies the Resource Manager.
func (s *Source) serve(conn *connection.Connection) {
	go func() {
		log := s.log.WithField("connection", conn.ID())
		for {
			cmd, err := s.readCommand(conn)
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.WithError(err).Warn("commandsource: framing error; closing connection")
				}
				break
			}
			s.out.Push(pipeline.CommandMessage{Cmd: cmd})
		}
		s.remove(conn)
	}()
}

// readCommand blocks until one full command has been read off conn's
// stream, or returns an error if the stream closed or the framing is
// invalid.
func (s *Source) readCommand(conn *connection.Connection) (*wire.Command, error) {
	header := make([]byte, wire.HeaderSize)
	if _, err := io.ReadFull(conn.Stream(), header); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}

	size, err := wire.GetSize(header)
	if err != nil {
		return nil, err
	}
	if size < wire.HeaderSize || size > wire.MaxBufferSize {
		return nil, errors.New("commandsource: command declares an out-of-range size")
	}

	buf := make([]byte, size)
	copy(buf, header)
	if _, err := io.ReadFull(conn.Stream(), buf[wire.HeaderSize:]); err != nil {
		return nil, err
	}

	code, err := wire.GetCommandCode(buf)
	if err != nil {
		return nil, err
	}
	attrs, ok := s.attrs.Lookup(code)
	if !ok {
		return nil, errors.New("commandsource: unrecognised command code")
	}

	return wire.NewCommand(conn, buf, attrs)
}

// remove drops conn from the table and tells the Resource Manager to
// clean up whatever state it owned (§4.7.2).
func (s *Source) remove(conn *connection.Connection) {
	if _, ok := s.table.Remove(conn.ID()); !ok {
		return
	}
	_ = conn.Close()
	s.out.Push(pipeline.ConnectionRemovedMessage{Conn: conn})
}

// Shutdown closes every live connection's stream, unblocking each
// reader goroutine's pending io.ReadFull so it exits on its own and
// reports the connection removed (§5's "Cancellation": the Command
// Source has no queue to receive a CheckCancelMessage on, so it instead
// reacts to its streams closing).
func (s *Source) Shutdown() {
	s.table.ForEach(func(conn *connection.Connection) {
		_ = conn.Close()
	})
}
