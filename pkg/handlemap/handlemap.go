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

// Package handlemap implements the per-connection virtual-to-physical
// transient handle table described in §4.3: each client believes it owns
// a large block of transient objects, while the broker quietly swaps the
// physical handle in and out of the TPM behind a small, stable virtual
// one.
package handlemap

import (
	"fmt"

	"github.com/rancher/tabrmd/pkg/wire"
)

// Default and maximum per-connection capacities, per §6's configuration
// contract (max_transients_per_conn: 1..100).
const (
	DefaultCapacity = 27
	MaxCapacity     = 100
)

// ErrFull is returned by Insert when the map has reached its capacity.
var ErrFull = fmt.Errorf("handlemap: transient handle map is full")

// ErrCounterExhausted is returned by Insert when the 24 bit transient
// counter has wrapped. The caller must treat this as fatal for the
// owning connection: handles are never recycled.
var ErrCounterExhausted = fmt.Errorf("handlemap: transient handle counter exhausted")

// Entry is a (virtual_handle, physical_handle, context_blob) tuple. A
// physical handle of 0 means the object's context is currently saved and
// not resident in the TPM.
type Entry struct {
	VirtualHandle  uint32
	PhysicalHandle uint32
	ContextBlob    []byte
}

// Resident reports whether the entry currently has a live physical
// handle loaded in the TPM.
func (e *Entry) Resident() bool {
	return e.PhysicalHandle != 0
}

// Map is a per-connection mapping from virtual handle to Entry, bounded
// in capacity and backed by a monotonically increasing counter that is
// never reused within the process lifetime.
type Map struct {
	capacity int
	counter  uint32
	entries  map[uint32]*Entry
}

// New creates a Map with the given capacity, capped at MaxCapacity; a
// non-positive capacity selects DefaultCapacity.
func New(capacity int) *Map {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if capacity > MaxCapacity {
		capacity = MaxCapacity
	}
	return &Map{
		capacity: capacity,
		counter:  wire.TransientHandleBase,
		entries:  make(map[uint32]*Entry),
	}
}

// Len returns the number of live entries.
func (m *Map) Len() int {
	return len(m.entries)
}

// Full reports whether the map has reached its configured capacity.
func (m *Map) Full() bool {
	return len(m.entries) >= m.capacity
}

// nextHandle allocates the next virtual handle from the per-map counter.
// It returns ErrCounterExhausted once the 24 bit transient range wraps.
func (m *Map) nextHandle() (uint32, error) {
	if m.counter&wire.TransientCounterMask == wire.TransientCounterMask {
		return 0, ErrCounterExhausted
	}
	next := uint32(wire.HandleTypeTransient)<<24 | (m.counter & wire.TransientCounterMask)
	m.counter++
	return next, nil
}

// Insert allocates a fresh virtual handle, creates an Entry for it and
// stores it. It returns ErrFull if the map is at capacity and
// ErrCounterExhausted if the transient counter has wrapped.
func (m *Map) Insert(physicalHandle uint32, contextBlob []byte) (*Entry, error) {
	if m.Full() {
		return nil, ErrFull
	}
	vh, err := m.nextHandle()
	if err != nil {
		return nil, err
	}
	e := &Entry{VirtualHandle: vh, PhysicalHandle: physicalHandle, ContextBlob: contextBlob}
	m.entries[vh] = e
	return e, nil
}

// Lookup returns the entry for a virtual handle, if present.
func (m *Map) Lookup(vh uint32) (*Entry, bool) {
	e, ok := m.entries[vh]
	return e, ok
}

// Remove drops an entry from the map. The caller is responsible for
// having already flushed its physical side from the TPM, if any.
func (m *Map) Remove(vh uint32) {
	delete(m.entries, vh)
}

// ForEach calls cb for every live entry. cb must not mutate the map.
func (m *Map) ForEach(cb func(*Entry)) {
	for _, e := range m.entries {
		cb(e)
	}
}

// Handles returns every currently live virtual handle, used to answer
// GetCapability(TPM_HANDLES, TPM_HT_TRANSIENT, ...) from the client's own
// map rather than the device.
func (m *Map) Handles() []uint32 {
	out := make([]uint32, 0, len(m.entries))
	for vh := range m.entries {
		out = append(out, vh)
	}
	return out
}
