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

// Package connection models one connected client: its duplex byte
// stream and its private transient-handle table.
package connection

import (
	"io"

	"github.com/rancher/tabrmd/pkg/handlemap"
)

// Stream is the duplex byte stream a Connection reads commands from and
// writes responses to. In production this is the broker's ends of two
// pipes (the read end of the command pipe and the write end of the
// response pipe) whose peer fds were handed to the client over the IPC
// front-end; tests substitute an in-memory pipe.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
}

// Connection represents one client of the broker.
type Connection struct {
	id      uint64
	pid     int
	stream  Stream
	handles *handlemap.Map
}

// New creates a Connection for a freshly accepted client. maxTransients
// bounds its TransientHandleMap per §6's max_transients_per_conn.
func New(id uint64, pid int, stream Stream, maxTransients int) *Connection {
	return &Connection{
		id:      id,
		pid:     pid,
		stream:  stream,
		handles: handlemap.New(maxTransients),
	}
}

// ID returns the connection's durable, client-visible 64 bit id.
// Connection satisfies wire.Origin through this method.
func (c *Connection) ID() uint64 { return c.id }

// PID is the originating process id, captured at accept time and used
// to validate id^pid on client-invoked control operations (Cancel,
// SetLocality) per §6.
func (c *Connection) PID() int { return c.pid }

// Recognised returns the value the IPC front-end handed the client:
// id XOR pid, used to defend against a different process guessing a
// live connection id.
func (c *Connection) Recognised() uint64 {
	return c.id ^ uint64(uint32(c.pid))
}

// Stream returns the connection's duplex byte stream.
func (c *Connection) Stream() Stream { return c.stream }

// Handles returns the connection's private TransientHandleMap.
func (c *Connection) Handles() *handlemap.Map { return c.handles }

// Close releases the underlying stream. The Command Source calls this
// when it removes the connection and when it shuts down; the Connection
// Table never does.
func (c *Connection) Close() error {
	return c.stream.Close()
}
