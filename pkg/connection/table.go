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

package connection

import (
	"fmt"
	"sync"
)

// Default and maximum connection table capacities, per §6's
// max_connections: 1..100.
const (
	DefaultCapacity = 27
	MaxCapacity     = 100
)

// ErrTableFull is returned by Insert once the table is at capacity.
var ErrTableFull = fmt.Errorf("connection: table is full")

// NewConnectionFunc is invoked, outside the table's lock, every time a
// connection is inserted. It replaces the signal/slot "new-connection"
// event of the original object framework (§9).
type NewConnectionFunc func(*Connection)

// Table is the process-wide index of live client connections. It is
// accessed from the Command Source thread, the Resource Manager thread
// and the IPC front-end thread, and is therefore guarded by a single
// mutex (§4.6, §5).
type Table struct {
	mu       sync.Mutex
	capacity int
	byID     map[uint64]*Connection
	byStream map[Stream]*Connection
	onNew    []NewConnectionFunc
}

// NewTable creates a Table with the given capacity, capped at
// MaxCapacity; a non-positive capacity selects DefaultCapacity.
func NewTable(capacity int) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if capacity > MaxCapacity {
		capacity = MaxCapacity
	}
	return &Table{
		capacity: capacity,
		byID:     make(map[uint64]*Connection),
		byStream: make(map[Stream]*Connection),
	}
}

// OnNewConnection registers a callback fired for every future Insert.
func (t *Table) OnNewConnection(cb NewConnectionFunc) {
	t.mu.Lock()
	t.onNew = append(t.onNew, cb)
	t.mu.Unlock()
}

// Insert adds a connection to the table, indexed by both id and stream.
// It fails with ErrTableFull once capacity is reached.
func (t *Table) Insert(c *Connection) error {
	t.mu.Lock()
	if len(t.byID) >= t.capacity {
		t.mu.Unlock()
		return ErrTableFull
	}
	t.byID[c.ID()] = c
	t.byStream[c.Stream()] = c
	callbacks := append([]NewConnectionFunc(nil), t.onNew...)
	t.mu.Unlock()

	for _, cb := range callbacks {
		cb(c)
	}
	return nil
}

// Remove drops both indices for a connection. It does not close the
// connection's stream; callers decide when the last reference is
// released.
func (t *Table) Remove(id uint64) (*Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	delete(t.byID, id)
	delete(t.byStream, c.Stream())
	return c, true
}

// ByID looks a connection up by its id.
func (t *Table) ByID(id uint64) (*Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byID[id]
	return c, ok
}

// ByStream looks a connection up by its stream, used by the Command
// Source when a registered stream becomes readable.
func (t *Table) ByStream(s Stream) (*Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byStream[s]
	return c, ok
}

// Len returns the number of live connections.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// ForEach calls cb for a snapshot of every connection live at the time
// of the call. cb runs outside the table's lock, so it may safely call
// back into the table (e.g. Remove).
func (t *Table) ForEach(cb func(*Connection)) {
	t.mu.Lock()
	snapshot := make([]*Connection, 0, len(t.byID))
	for _, c := range t.byID {
		snapshot = append(snapshot, c)
	}
	t.mu.Unlock()

	for _, c := range snapshot {
		cb(c)
	}
}
