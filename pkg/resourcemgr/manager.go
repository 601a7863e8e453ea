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

// Package resourcemgr implements the Resource Manager: the single
// threaded executor that stands between every client command and the
// physical TPM, virtualising handles and sessions so each client keeps
// believing it owns a private device (§4.7). It is the heart of the
// broker and, true to the object-model design note in §9, is built as a
// single concrete struct driven by a plain dequeue loop rather than an
// inheritance hierarchy of thread/source/sink base classes.
package resourcemgr

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rancher/tabrmd/pkg/connection"
	"github.com/rancher/tabrmd/pkg/pipeline"
	"github.com/rancher/tabrmd/pkg/session"
	"github.com/rancher/tabrmd/pkg/tabrmderr"
	"github.com/rancher/tabrmd/pkg/tcti"
	"github.com/rancher/tabrmd/pkg/wire"
)

// Config bounds quotas enforced per connection; see §6's configuration
// contract.
type Config struct {
	MaxTransientsPerConn int
	MaxSessionsPerConn   int
	MaxAbandonedSessions int
}

// Manager is the Resource Manager pipeline stage. It owns the
// process-wide SessionList and is the only goroutine that ever touches
// it or any connection's TransientHandleMap, per §5's "accessed solely
// from the Resource Manager thread and therefore require no internal
// locking".
type Manager struct {
	gate     *tcti.Gate
	attrs    *wire.CommandAttributesTable
	sessions *session.List
	in       *pipeline.Queue
	out      *pipeline.Queue
	log      logrus.FieldLogger
	cfg      Config
}

// New constructs a Manager. in is the queue fed by the Command Source;
// out is the queue drained by the Response Sink.
func New(gate *tcti.Gate, attrs *wire.CommandAttributesTable, sessions *session.List, in, out *pipeline.Queue, cfg Config, log logrus.FieldLogger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{gate: gate, attrs: attrs, sessions: sessions, in: in, out: out, cfg: cfg, log: log}
}

// Run is the Resource Manager's blocking dequeue loop (§5). It returns
// once it receives a CheckCancelMessage, per the pipeline's shutdown
// contract.
func (m *Manager) Run() {
	for {
		msg, ok := m.in.Pop()
		if !ok {
			return
		}
		switch v := msg.(type) {
		case pipeline.CommandMessage:
			resp := m.handleCommand(v.Cmd)
			m.out.Push(pipeline.ResponseMessage{Resp: resp})
		case pipeline.ConnectionRemovedMessage:
			m.handleConnectionRemoved(v.Conn)
		case pipeline.CheckCancelMessage:
			return
		default:
			m.log.WithField("type", msg).Warn("resourcemgr: unrecognised pipeline message")
		}
	}
}

// handleCommand is §4.7.1's per-command algorithm end to end.
func (m *Manager) handleCommand(cmd *wire.Command) *wire.Response {
	conn, ok := cmd.Origin().(*connection.Connection)
	if !ok {
		return synthError(cmd.Origin(), cmd.Tag(), tabrmderr.ResponseInternalError)
	}

	// 1. Quota check.
	switch cmd.Code() {
	case wire.CommandCreatePrimary, wire.CommandLoad, wire.CommandLoadExternal:
		if conn.Handles().Full() {
			return synthError(conn, cmd.Tag(), tabrmderr.ResponseObjectMemory)
		}
	case wire.CommandStartAuthSession:
		if m.sessions.AtCapacityFor(conn) {
			return synthError(conn, cmd.Tag(), tabrmderr.ResponseSessionMemory)
		}
	}

	// 2. Special processing: may fully or partially virtualise.
	if resp, handled := m.specialProcessing(cmd, conn); handled {
		return resp
	}

	// 3. Handle area virtualisation.
	loaded, errResp := m.virtualiseHandles(cmd, conn)
	if errResp != nil {
		return errResp
	}

	// 4. Authorisation area virtualisation.
	touched, toRemove, errResp := m.virtualiseAuths(cmd, conn)
	if errResp != nil {
		return errResp
	}

	// 5. Submit to the TPM, with a single context-gap retry.
	resp, errResp := m.submit(cmd, conn)
	if errResp != nil {
		return errResp
	}

	// 6. Response fix-up.
	if resp.HasHandle() {
		h, _ := resp.Handle()
		switch {
		case wire.IsTransient(h):
			entry, err := conn.Handles().Insert(h, nil)
			if err != nil {
				_ = m.gate.ContextFlush(h)
				return synthError(conn, cmd.Tag(), tabrmderr.ResponseObjectMemory)
			}
			loaded = append(loaded, newHandleEntry(conn.Handles(), entry))
			_ = resp.SetHandle(entry.VirtualHandle)
		case wire.IsSession(h):
			e := &session.Entry{Connection: conn, SavedHandle: h, State: session.Loaded}
			m.sessions.Insert(e)
			touched = append(touched, e)
		}
	}

	// 7. Post-processing.
	m.postProcess(cmd, loaded, touched, toRemove)

	if cap, ok := cmd.Cap(); ok && cap == wire.CapTPMProperties {
		resp.SetBytes(rewriteContextGapMax(resp.Bytes()))
	}

	return resp
}

// submit sends cmd to the TPM and transparently recovers from
// TPM_RC_CONTEXT_GAP with a single retry (§4.7.1 step 5).
func (m *Manager) submit(cmd *wire.Command, conn *connection.Connection) (*wire.Response, *wire.Response) {
	respBuf, err := m.gate.SendCommand(cmd.Bytes())
	if err != nil {
		return nil, handleGateErr(m.log, conn, cmd.Tag(), err)
	}
	resp, err := wire.NewResponse(conn, respBuf, cmd.Attributes())
	if err != nil {
		return nil, synthError(conn, cmd.Tag(), tabrmderr.ResponseInternalError)
	}

	if resp.Code() == wire.ResponseContextGap {
		if gerr := m.regapAll(); gerr != nil {
			m.log.WithError(gerr).Error("resourcemgr: context-gap recovery failed")
		}
		respBuf, err = m.gate.SendCommand(cmd.Bytes())
		if err != nil {
			return nil, handleGateErr(m.log, conn, cmd.Tag(), err)
		}
		resp, err = wire.NewResponse(conn, respBuf, cmd.Attributes())
		if err != nil {
			return nil, synthError(conn, cmd.Tag(), tabrmderr.ResponseInternalError)
		}
	}
	return resp, nil
}

// regapAll walks every saved session, loading then saving each in turn
// so the TPM's context counter has room for a fresh save (§4.7.1 step 5,
// §8 scenario S4).
func (m *Manager) regapAll() error {
	var firstErr error
	m.sessions.ForEach(func(e *session.Entry) {
		if e.State != session.SavedRM || firstErr != nil {
			return
		}
		h, err := m.gate.ContextLoad(e.ContextRM)
		if err != nil {
			firstErr = err
			return
		}
		ctx, err := m.gate.ContextSave(h)
		if err != nil {
			firstErr = err
			return
		}
		e.ContextRM = ctx
	})
	return firstErr
}

// virtualiseHandles rewrites every transient handle in cmd's handle area
// from virtual to physical, reloading from its context blob when the
// entry is not currently resident (§4.7.1 step 3).
func (m *Manager) virtualiseHandles(cmd *wire.Command, conn *connection.Connection) ([]*handleEntry, *wire.Response) {
	var loaded []*handleEntry
	for i := 0; i < cmd.HandleCount(); i++ {
		h, err := cmd.Handle(i)
		if err != nil {
			return nil, synthError(conn, cmd.Tag(), tabrmderr.ResponseInternalError)
		}
		if !wire.IsTransient(h) {
			continue
		}
		entry, ok := conn.Handles().Lookup(h)
		if !ok {
			return nil, synthError(conn, cmd.Tag(), tabrmderr.ResponseNotPermitted)
		}
		if !entry.Resident() {
			phys, lerr := m.gate.ContextLoad(entry.ContextBlob)
			if lerr != nil {
				return nil, handleGateErr(m.log, conn, cmd.Tag(), lerr)
			}
			entry.PhysicalHandle = phys
		}
		if err := cmd.SetHandle(i, entry.PhysicalHandle); err != nil {
			return nil, synthError(conn, cmd.Tag(), tabrmderr.ResponseInternalError)
		}
		loaded = append(loaded, newHandleEntry(conn.Handles(), entry))
	}
	return loaded, nil
}

// virtualiseAuths reloads any saved session referenced in cmd's
// authorisation area and notes which sessions this command touched, and
// which should be dropped afterwards because continueSession was clear
// (§4.7.1 step 4).
func (m *Manager) virtualiseAuths(cmd *wire.Command, conn *connection.Connection) (touched, toRemove []*session.Entry, errResp *wire.Response) {
	iterErr := cmd.ForEachAuth(func(a wire.Auth) error {
		if !wire.IsSession(a.SessionHandle) {
			return nil
		}
		e, ok := m.sessions.LookupByHandle(a.SessionHandle)
		if !ok {
			errResp = synthError(conn, cmd.Tag(), tabrmderr.ResponseNotPermitted)
			return tabrmderr.New(tabrmderr.KindVirtualisation, "unknown session handle in auth area")
		}
		if !e.OwnedBy(conn) {
			errResp = synthError(conn, cmd.Tag(), tabrmderr.ResponseNotPermitted)
			return tabrmderr.New(tabrmderr.KindVirtualisation, "session owned by a different connection")
		}
		if e.State == session.SavedRM {
			if _, lerr := m.gate.ContextLoad(e.ContextRM); lerr != nil {
				errResp = handleGateErr(m.log, conn, cmd.Tag(), lerr)
				return lerr
			}
			e.State = session.Loaded
		}
		touched = append(touched, e)
		if !a.ContinueSession() {
			toRemove = append(toRemove, e)
		}
		return nil
	})
	if iterErr != nil && errResp == nil {
		errResp = synthError(conn, cmd.Tag(), tabrmderr.ResponseInternalError)
	}
	if errResp != nil {
		return nil, nil, errResp
	}
	return touched, toRemove, nil
}

// postProcess is §4.7.1 step 7: return every transient object the TPM
// did not already flush itself to the saved state, drop sessions that
// ended this command, and save every other touched, still-loaded session.
func (m *Manager) postProcess(cmd *wire.Command, loaded []*handleEntry, touched, toRemove []*session.Entry) {
	if cmd.Attributes().Flushed() {
		for _, e := range loaded {
			e.remove()
		}
	} else {
		for _, e := range loaded {
			ctx, err := m.gate.ContextSaveThenFlush(e.physical())
			if err != nil {
				m.log.WithError(err).Warn("resourcemgr: could not save+flush transient object; left resident for a later retry")
				continue
			}
			e.setSaved(ctx)
		}
	}

	removed := make(map[*session.Entry]bool, len(toRemove))
	for _, e := range toRemove {
		removed[e] = true
		m.sessions.Remove(e)
	}

	for _, e := range touched {
		if removed[e] || e.State != session.Loaded {
			continue
		}
		ctx, err := m.gate.ContextSave(e.SavedHandle)
		if err != nil {
			if code, ok := gateResponseCode(err); ok && code == wire.ResponseContextGap {
				if gerr := m.regapAll(); gerr == nil {
					ctx, err = m.gate.ContextSave(e.SavedHandle)
				}
			}
		}
		if err != nil {
			m.log.WithError(err).Warn("resourcemgr: could not save session context; flushing and dropping it")
			_ = m.gate.ContextFlush(e.SavedHandle)
			m.sessions.Remove(e)
			continue
		}
		e.ContextRM = ctx
		e.State = session.SavedRM
	}
}

// handleConnectionRemoved is §4.7.2: every session the closing
// connection owned is either abandoned (if the client had explicitly
// saved it) or flushed and forgotten.
func (m *Manager) handleConnectionRemoved(conn *connection.Connection) {
	var toAbandon, toFlush []*session.Entry
	m.sessions.ForEachOwnedBy(conn, func(e *session.Entry) {
		switch e.State {
		case session.SavedClient:
			toAbandon = append(toAbandon, e)
		case session.Loaded, session.SavedRM:
			toFlush = append(toFlush, e)
		default:
			m.log.WithField("state", e.State).WithField("handle", e.SavedHandle).
				Warn("resourcemgr: session in unexpected state during connection close; flushing anyway")
			toFlush = append(toFlush, e)
		}
	})

	for _, e := range toAbandon {
		if _, err := m.sessions.Abandon(conn, e.SavedHandle); err != nil {
			m.log.WithError(err).Error("resourcemgr: could not abandon session on connection close")
		}
	}
	for _, e := range toFlush {
		if err := m.gate.ContextFlush(e.SavedHandle); err != nil {
			m.log.WithError(err).Warn("resourcemgr: could not flush session during connection close")
		}
		m.sessions.Remove(e)
	}

	if err := m.sessions.PruneAbandoned(func(e *session.Entry) error {
		return m.gate.ContextFlush(e.SavedHandle)
	}); err != nil {
		m.log.WithError(err).Warn("resourcemgr: could not prune abandoned session queue")
	}
}

// newClientContextToken synthesises an opaque, unique token returned to
// the client as the result of a virtualised ContextSave on a session.
// Per §9 the broker recognises a client-held blob purely by byte
// equality, never by parsing it, so the token need not be (and is not) a
// real TPM context blob.
func newClientContextToken() []byte {
	id := uuid.New()
	return id[:]
}
