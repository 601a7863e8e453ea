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

package resourcemgr

import (
	"github.com/rancher/tabrmd/pkg/connection"
	"github.com/rancher/tabrmd/pkg/session"
	"github.com/rancher/tabrmd/pkg/tabrmderr"
	"github.com/rancher/tabrmd/pkg/wire"
)

// specialProcessing implements §4.7.1 step 2: the handful of commands
// the Resource Manager fully or partially virtualises before (or instead
// of) touching the device. handled reports whether resp is the final
// answer; when false the caller continues with ordinary handle/auth
// virtualisation and device submission.
func (m *Manager) specialProcessing(cmd *wire.Command, conn *connection.Connection) (resp *wire.Response, handled bool) {
	switch cmd.Code() {
	case wire.CommandFlushContext:
		return m.specialFlushContext(cmd, conn)
	case wire.CommandContextSave:
		return m.specialContextSave(cmd, conn)
	case wire.CommandContextLoad:
		return m.specialContextLoad(cmd, conn)
	case wire.CommandGetCapability:
		return m.specialGetCapability(cmd, conn)
	}
	return nil, false
}

// specialFlushContext: a transient handle is fully handled locally (the
// device is never contacted); a session handle only has its bookkeeping
// removed here and the command still proceeds to the TPM.
func (m *Manager) specialFlushContext(cmd *wire.Command, conn *connection.Connection) (*wire.Response, bool) {
	h, err := cmd.FlushHandle()
	if err != nil {
		return synthError(conn, cmd.Tag(), tabrmderr.ResponseInternalError), true
	}

	switch {
	case wire.IsTransient(h):
		entry, ok := conn.Handles().Lookup(h)
		if !ok {
			return synthError(conn, cmd.Tag(), tabrmderr.ResponseNotPermitted), true
		}
		conn.Handles().Remove(entry.VirtualHandle)
		return wire.NewResponseFromCode(conn, cmd.Tag(), wire.ResponseSuccess), true
	case wire.IsSession(h):
		if e, ok := m.sessions.LookupByHandle(h); ok {
			if !e.OwnedBy(conn) {
				return synthError(conn, cmd.Tag(), tabrmderr.ResponseNotPermitted), true
			}
			m.sessions.Remove(e)
		}
		return nil, false
	}
	return nil, false
}

// specialContextSave intercepts ContextSave of a session handle: the
// session is marked SAVED_CLIENT and a success response carrying a fresh
// opaque token is synthesised without ever touching the device, so the
// client's save appears instantaneous (§4.7.1 step 2).
func (m *Manager) specialContextSave(cmd *wire.Command, conn *connection.Connection) (*wire.Response, bool) {
	if cmd.HandleCount() != 1 {
		return nil, false
	}
	h, err := cmd.Handle(0)
	if err != nil || !wire.IsSession(h) {
		return nil, false
	}
	e, ok := m.sessions.LookupByHandle(h)
	if !ok || !e.OwnedBy(conn) {
		return synthError(conn, cmd.Tag(), tabrmderr.ResponseNotPermitted), true
	}
	e.ContextClient = newClientContextToken()
	e.State = session.SavedClient
	return wire.NewContextSaveResponse(conn, e.ContextClient), true
}

// specialContextLoad intercepts ContextLoad when the supplied blob
// matches a session's context_client byte-for-byte (§9's exact-equality
// recognition). A different connection may reclaim an abandoned session
// this way; the owner may simply re-attach to one it saved itself. A
// blob that matches no session falls through to ordinary transient
// object handling.
func (m *Manager) specialContextLoad(cmd *wire.Command, conn *connection.Connection) (*wire.Response, bool) {
	blob, err := cmd.Params()
	if err != nil || len(blob) == 0 {
		return nil, false
	}
	e, ok := m.sessions.LookupByClientContext(blob)
	if !ok {
		return nil, false
	}
	if !e.OwnedBy(conn) {
		if err := m.sessions.Claim(e, conn); err != nil {
			return synthError(conn, cmd.Tag(), tabrmderr.ResponseNotPermitted), true
		}
	}
	return wire.NewContextLoadResponse(conn, e.SavedHandle), true
}

// specialGetCapability intercepts GetCapability(TPM_CAP_HANDLES,
// TPM_HT_TRANSIENT, ...): answered from the client's own
// TransientHandleMap so no client ever learns another client's handles.
// GetCapability(TPM_CAP_TPM_PROPERTIES, ...) is deliberately NOT
// intercepted here: it is forwarded to the device normally and rewritten
// in post-processing (§4.7.1 step 2 and step 7).
func (m *Manager) specialGetCapability(cmd *wire.Command, conn *connection.Connection) (*wire.Response, bool) {
	cap, ok := cmd.Cap()
	if !ok || cap != wire.CapHandles {
		return nil, false
	}
	prop, ok := cmd.Prop()
	if !ok || wire.HandleTypeOf(uint32(prop)) != wire.HandleTypeTransient {
		return nil, false
	}
	return synthTransientHandles(conn, conn.Handles().Handles()), true
}
