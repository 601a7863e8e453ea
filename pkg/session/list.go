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

package session

import (
	"fmt"

	"github.com/rancher/tabrmd/pkg/connection"
)

// Default and maximum bounds, per §6 (max_sessions_per_conn: 1..64) and
// §4.4 (the abandoned queue is bounded to 4, never more).
const (
	DefaultPerConnection = 4
	MaxPerConnection      = 64
	DefaultAbandoned      = 4
	MaxAbandoned          = 4
)

// ErrNotOwner is returned by Abandon when the caller does not own the
// named session.
var ErrNotOwner = fmt.Errorf("session: connection does not own this session")

// ErrNotFound is returned when a handle names no live session.
var ErrNotFound = fmt.Errorf("session: no such session")

// ErrNotClaimable is returned by Claim when the entry is in neither of
// the two claimable states.
var ErrNotClaimable = fmt.Errorf("session: entry is not in a claimable state")

// List is the process-wide table of SessionEntries plus the FIFO
// abandoned queue. It is only ever touched from the Resource Manager
// thread (§5) and therefore needs no internal locking.
type List struct {
	maxPerConnection int
	maxAbandoned     int
	entries          []*Entry
	abandoned        []*Entry
}

// New creates a List with the given per-connection and total-abandoned
// bounds, clamped to their respective maximums.
func New(maxPerConnection, maxAbandoned int) *List {
	if maxPerConnection <= 0 {
		maxPerConnection = DefaultPerConnection
	}
	if maxPerConnection > MaxPerConnection {
		maxPerConnection = MaxPerConnection
	}
	if maxAbandoned <= 0 {
		maxAbandoned = DefaultAbandoned
	}
	if maxAbandoned > MaxAbandoned {
		maxAbandoned = MaxAbandoned
	}
	return &List{maxPerConnection: maxPerConnection, maxAbandoned: maxAbandoned}
}

// CountForConnection returns the number of sessions in the main list
// currently owned by conn, used for the StartAuthSession quota check.
func (l *List) CountForConnection(conn *connection.Connection) int {
	n := 0
	for _, e := range l.entries {
		if e.OwnedBy(conn) {
			n++
		}
	}
	return n
}

// AtCapacityFor reports whether conn has reached its per-connection
// session quota.
func (l *List) AtCapacityFor(conn *connection.Connection) bool {
	return l.CountForConnection(conn) >= l.maxPerConnection
}

// Insert adds a new entry to the main list.
func (l *List) Insert(e *Entry) {
	l.entries = append(l.entries, e)
}

func (l *List) indexByHandle(handle uint32) int {
	for i, e := range l.entries {
		if e.SavedHandle == handle {
			return i
		}
	}
	return -1
}

func (l *List) abandonedIndex(e *Entry) int {
	for i, a := range l.abandoned {
		if a == e {
			return i
		}
	}
	return -1
}

// Remove drops an entry from the main list entirely.
func (l *List) Remove(e *Entry) {
	for i, cur := range l.entries {
		if cur == e {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return
		}
	}
}

// RemoveByHandle drops the entry for handle from the main list, if any.
func (l *List) RemoveByHandle(handle uint32) (*Entry, bool) {
	i := l.indexByHandle(handle)
	if i < 0 {
		return nil, false
	}
	e := l.entries[i]
	l.entries = append(l.entries[:i], l.entries[i+1:]...)
	return e, true
}

// LookupByHandle finds an entry in the main list by its TPM savedHandle.
func (l *List) LookupByHandle(handle uint32) (*Entry, bool) {
	i := l.indexByHandle(handle)
	if i < 0 {
		return nil, false
	}
	return l.entries[i], true
}

// LookupByClientContext searches both the main list and the abandoned
// queue for an entry whose context_client blob matches byte-for-byte.
func (l *List) LookupByClientContext(blob []byte) (*Entry, bool) {
	for _, e := range l.entries {
		if e.MatchesClientContext(blob) {
			return e, true
		}
	}
	for _, e := range l.abandoned {
		if e.MatchesClientContext(blob) {
			return e, true
		}
	}
	return nil, false
}

// ForEach calls cb for every entry in the main list. cb must not mutate
// the list.
func (l *List) ForEach(cb func(*Entry)) {
	for _, e := range l.entries {
		cb(e)
	}
}

// ForEachOwnedBy calls cb for every main-list entry owned by conn.
func (l *List) ForEachOwnedBy(conn *connection.Connection, cb func(*Entry)) {
	for _, e := range l.entries {
		if e.OwnedBy(conn) {
			cb(e)
		}
	}
}

// Abandon moves a session owned by conn into the abandoned queue: the
// entry's connection is cleared, its state becomes SavedClientClosed,
// and it is pushed onto the head of the FIFO abandoned queue.
func (l *List) Abandon(conn *connection.Connection, handle uint32) (*Entry, error) {
	e, ok := l.LookupByHandle(handle)
	if !ok {
		return nil, ErrNotFound
	}
	if !e.OwnedBy(conn) {
		return nil, ErrNotOwner
	}
	l.Remove(e)
	e.Connection = nil
	e.State = SavedClientClosed
	l.abandoned = append([]*Entry{e}, l.abandoned...)
	return e, nil
}

// Claim transfers ownership of entry e to conn. It succeeds either when
// e sits in the abandoned queue (a different client adopting a session
// its previous owner orphaned), or when e sits in the main list in state
// SavedClient (the ordinary client re-attach path).
func (l *List) Claim(e *Entry, conn *connection.Connection) error {
	switch e.State {
	case SavedClientClosed:
		idx := l.abandonedIndex(e)
		if idx < 0 {
			return ErrNotClaimable
		}
		l.abandoned = append(l.abandoned[:idx], l.abandoned[idx+1:]...)
		e.Connection = conn
		e.State = Loaded
		l.entries = append(l.entries, e)
		return nil
	case SavedClient:
		if l.indexByHandle(e.SavedHandle) < 0 {
			return ErrNotClaimable
		}
		e.Connection = conn
		e.State = Loaded
		return nil
	default:
		return ErrNotClaimable
	}
}

// PruneAbandoned enforces the total-abandoned cap: while the queue is
// over its bound, it pops the oldest (tail) entry and calls flushCb so
// the caller can remove it from the TPM.
func (l *List) PruneAbandoned(flushCb func(*Entry) error) error {
	for len(l.abandoned) > l.maxAbandoned {
		last := len(l.abandoned) - 1
		e := l.abandoned[last]
		l.abandoned = l.abandoned[:last]
		if err := flushCb(e); err != nil {
			return err
		}
	}
	return nil
}

// AbandonedLen returns the current length of the abandoned queue.
func (l *List) AbandonedLen() int {
	return len(l.abandoned)
}
