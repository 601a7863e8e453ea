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

// Package session implements the process-wide table of TPM 2.0
// authorisation/policy sessions: the state machine that lets a session
// be transparently saved and reloaded by the broker, explicitly saved
// by its client, and reclaimed by a different client after its owner
// disconnects (§4.4).
package session

import (
	"bytes"

	"github.com/rancher/tabrmd/pkg/connection"
)

// State is the lifecycle state of a SessionEntry.
type State int

const (
	// Loaded means the session is currently resident in the TPM.
	Loaded State = iota
	// SavedRM means the Resource Manager saved the session between
	// commands; it can be reloaded transparently.
	SavedRM
	// SavedClient means the client explicitly issued ContextSave and is
	// holding a reference to the returned blob.
	SavedClient
	// SavedClientClosed means the owning client disconnected while the
	// session was SavedClient; the session is abandoned, awaiting reclaim.
	SavedClientClosed
)

func (s State) String() string {
	switch s {
	case Loaded:
		return "LOADED"
	case SavedRM:
		return "SAVED_RM"
	case SavedClient:
		return "SAVED_CLIENT"
	case SavedClientClosed:
		return "SAVED_CLIENT_CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Entry is one TPM 2.0 authorisation or policy session.
type Entry struct {
	// Connection is the owning client, or nil when abandoned.
	Connection *connection.Connection
	// SavedHandle is the TPM session handle the client knows this
	// session by (it is stable across save/flush/reload cycles).
	SavedHandle uint32
	// ContextRM is the last ContextSave blob produced by the Resource
	// Manager, ready for ContextLoad.
	ContextRM []byte
	// ContextClient is the blob the client last observed as the result
	// of a client-initiated ContextSave; returned verbatim if the client
	// later reloads it.
	ContextClient []byte
	State         State
}

// OwnedBy reports whether conn owns this entry.
func (e *Entry) OwnedBy(conn *connection.Connection) bool {
	return e.Connection != nil && conn != nil && e.Connection.ID() == conn.ID()
}

// MatchesClientContext reports whether blob is byte-for-byte identical to
// the client-observed context this entry last handed out. Per §9, this
// exact-equality check is how the broker recognises a client-held session
// blob without parsing the TPM's opaque context format.
func (e *Entry) MatchesClientContext(blob []byte) bool {
	return bytes.Equal(e.ContextClient, blob)
}
