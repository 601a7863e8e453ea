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
	"encoding/binary"
	"net"
	"testing"

	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/rancher/tabrmd/pkg/connection"
	"github.com/rancher/tabrmd/pkg/mocks"
	"github.com/rancher/tabrmd/pkg/pipeline"
	"github.com/rancher/tabrmd/pkg/session"
	"github.com/rancher/tabrmd/pkg/tabrmderr"
	"github.com/rancher/tabrmd/pkg/tcti"
	"github.com/rancher/tabrmd/pkg/wire"
)

// newTestGate opens a Gate against a FakeTCTI, pre-queuing the five
// round trips Open itself performs (one Startup, four cached
// TPM_PT_FIXED property reads). The property reads are made to fail so
// the test doesn't need to hand-construct their capability-data bodies;
// Open tolerates that (it only warns on Startup, and silently skips an
// unreadable property).
func newTestGate() (*tcti.Gate, *mocks.FakeTCTI) {
	fake := mocks.NewFakeTCTI()
	fake.QueueResponse(wire.NewHeaderOnly(wire.TagNoSessions, uint32(wire.ResponseSuccess)))
	for i := 0; i < 4; i++ {
		fake.QueueResponse(wire.NewHeaderOnly(wire.TagNoSessions, 0x100))
	}
	gate, err := tcti.Open(fake, logrus.StandardLogger())
	Expect(err).NotTo(HaveOccurred())
	return gate, fake
}

func newTestManager(gate *tcti.Gate, cfg Config) (*Manager, *session.List, *pipeline.Queue, *pipeline.Queue) {
	sessions := session.New(cfg.MaxSessionsPerConn, cfg.MaxAbandonedSessions)
	in := pipeline.NewQueue(8)
	out := pipeline.NewQueue(8)
	attrs := wire.NewCommandAttributesTable(nil)
	m := New(gate, attrs, sessions, in, out, cfg, logrus.StandardLogger())
	return m, sessions, in, out
}

func newTestConnection(id uint64, maxTransients int) *connection.Connection {
	_, brokerSide := net.Pipe()
	return connection.New(id, 1000, brokerSide, maxTransients)
}

func attrsWithHandles(n int, returnsHandle, flushed bool) wire.CommandAttributes {
	var a uint32
	a |= uint32(n&0x7) << 25
	if returnsHandle {
		a |= 1 << 28
	}
	if flushed {
		a |= 1 << 24
	}
	return wire.CommandAttributes(a)
}

func newCmdBuf(code wire.CommandCode, tag wire.StructTag, handles []uint32, body []byte) []byte {
	buf := make([]byte, wire.HeaderSize+4*len(handles)+len(body))
	wire.PutHeader(buf, tag, uint32(len(buf)), uint32(code))
	off := wire.HeaderSize
	for _, h := range handles {
		binary.BigEndian.PutUint32(buf[off:], h)
		off += 4
	}
	copy(buf[off:], body)
	return buf
}

func defaultCfg() Config {
	return Config{MaxTransientsPerConn: 4, MaxSessionsPerConn: 4, MaxAbandonedSessions: 4}
}

const arbitraryCommand wire.CommandCode = 0x00000200

func TestQuotaRejectsCreatePrimaryWhenHandleMapFull(t *testing.T) {
	RegisterTestingT(t)

	gate, _ := newTestGate()
	m, _, _, _ := newTestManager(gate, defaultCfg())

	conn := newTestConnection(1, 1)
	_, err := conn.Handles().Insert(0x80000001, nil)
	Expect(err).NotTo(HaveOccurred())

	buf := newCmdBuf(wire.CommandCreatePrimary, wire.TagNoSessions, nil, nil)
	cmd, err := wire.NewCommand(conn, buf, attrsWithHandles(0, true, false))
	Expect(err).NotTo(HaveOccurred())

	resp := m.handleCommand(cmd)
	Expect(resp.Code()).To(Equal(wire.ResponseCode(tabrmderr.ResponseObjectMemory)))
}

func TestQuotaRejectsStartAuthSessionAtCapacity(t *testing.T) {
	RegisterTestingT(t)

	gate, _ := newTestGate()
	cfg := defaultCfg()
	cfg.MaxSessionsPerConn = 1
	m, sessions, _, _ := newTestManager(gate, cfg)

	conn := newTestConnection(1, 4)
	sessions.Insert(&session.Entry{Connection: conn, SavedHandle: 0x02000001, State: session.Loaded})

	buf := newCmdBuf(wire.CommandStartAuthSession, wire.TagNoSessions, nil, nil)
	cmd, err := wire.NewCommand(conn, buf, attrsWithHandles(0, true, false))
	Expect(err).NotTo(HaveOccurred())

	resp := m.handleCommand(cmd)
	Expect(resp.Code()).To(Equal(wire.ResponseCode(tabrmderr.ResponseSessionMemory)))
}

func TestOrdinaryCommandReloadsAndResavesTransientHandle(t *testing.T) {
	RegisterTestingT(t)

	gate, fake := newTestGate()
	m, _, _, _ := newTestManager(gate, defaultCfg())

	conn := newTestConnection(1, 4)
	entry, err := conn.Handles().Insert(0, []byte("saved-context"))
	Expect(err).NotTo(HaveOccurred())
	vh := entry.VirtualHandle

	// 1. ContextLoad reloads the not-resident transient object.
	loadResp := make([]byte, wire.HeaderSize+4)
	wire.PutHeader(loadResp, wire.TagNoSessions, uint32(len(loadResp)), uint32(wire.ResponseSuccess))
	binary.BigEndian.PutUint32(loadResp[wire.HeaderSize:], 0x80000042)
	fake.QueueResponse(loadResp)

	// 2. The command itself succeeds with no handle in its response.
	fake.QueueResponse(wire.NewHeaderOnly(wire.TagNoSessions, uint32(wire.ResponseSuccess)))

	// 3. Post-processing saves the object...
	saveResp := make([]byte, wire.HeaderSize+3)
	wire.PutHeader(saveResp, wire.TagNoSessions, uint32(len(saveResp)), uint32(wire.ResponseSuccess))
	copy(saveResp[wire.HeaderSize:], "ctx")
	fake.QueueResponse(saveResp)
	// 4. ...then flushes it.
	fake.QueueResponse(wire.NewHeaderOnly(wire.TagNoSessions, uint32(wire.ResponseSuccess)))

	buf := newCmdBuf(arbitraryCommand, wire.TagNoSessions, []uint32{vh}, nil)
	cmd, err := wire.NewCommand(conn, buf, attrsWithHandles(1, false, false))
	Expect(err).NotTo(HaveOccurred())

	resp := m.handleCommand(cmd)
	Expect(resp.IsSuccess()).To(BeTrue())

	Expect(fake.Sent).To(HaveLen(4 + 5)) // +5 for Open's own startup/property round trips
	postEntry, ok := conn.Handles().Lookup(vh)
	Expect(ok).To(BeTrue())
	Expect(postEntry.Resident()).To(BeFalse())
	Expect(postEntry.ContextBlob).To(Equal([]byte("ctx")))
}

func TestFlushContextOfTransientHandleNeverTouchesDevice(t *testing.T) {
	RegisterTestingT(t)

	gate, fake := newTestGate()
	m, _, _, _ := newTestManager(gate, defaultCfg())
	sentBeforeCount := len(fake.Sent)

	conn := newTestConnection(1, 4)
	entry, err := conn.Handles().Insert(0x80000099, nil)
	Expect(err).NotTo(HaveOccurred())

	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, entry.VirtualHandle)
	buf := newCmdBuf(wire.CommandFlushContext, wire.TagNoSessions, nil, body)
	cmd, err := wire.NewCommand(conn, buf, attrsWithHandles(0, false, false))
	Expect(err).NotTo(HaveOccurred())

	resp := m.handleCommand(cmd)
	Expect(resp.IsSuccess()).To(BeTrue())
	Expect(len(fake.Sent)).To(Equal(sentBeforeCount))

	_, ok := conn.Handles().Lookup(entry.VirtualHandle)
	Expect(ok).To(BeFalse())
}

func TestContextSaveOfSessionIsHandledLocally(t *testing.T) {
	RegisterTestingT(t)

	gate, fake := newTestGate()
	m, sessions, _, _ := newTestManager(gate, defaultCfg())
	sentBeforeCount := len(fake.Sent)

	conn := newTestConnection(1, 4)
	e := &session.Entry{Connection: conn, SavedHandle: 0x02000001, State: session.Loaded}
	sessions.Insert(e)

	buf := newCmdBuf(wire.CommandContextSave, wire.TagNoSessions, []uint32{e.SavedHandle}, nil)
	cmd, err := wire.NewCommand(conn, buf, attrsWithHandles(1, false, false))
	Expect(err).NotTo(HaveOccurred())

	resp := m.handleCommand(cmd)
	Expect(resp.IsSuccess()).To(BeTrue())
	Expect(len(fake.Sent)).To(Equal(sentBeforeCount))
	Expect(e.State).To(Equal(session.SavedClient))
	Expect(e.ContextClient).NotTo(BeEmpty())
}

func TestContextLoadReclaimsAbandonedSessionForNewOwner(t *testing.T) {
	RegisterTestingT(t)

	gate, fake := newTestGate()
	m, sessions, _, _ := newTestManager(gate, defaultCfg())
	sentBeforeCount := len(fake.Sent)

	oldOwner := newTestConnection(1, 4)
	token := []byte("opaque-client-token-0123456789ab")
	e := &session.Entry{Connection: oldOwner, SavedHandle: 0x02000002, ContextClient: token, State: session.SavedClient}
	sessions.Insert(e)
	abandoned, err := sessions.Abandon(oldOwner, e.SavedHandle)
	Expect(err).NotTo(HaveOccurred())
	Expect(abandoned.State).To(Equal(session.SavedClientClosed))

	newOwner := newTestConnection(2, 4)
	buf := newCmdBuf(wire.CommandContextLoad, wire.TagNoSessions, nil, token)
	cmd, err := wire.NewCommand(newOwner, buf, attrsWithHandles(0, true, false))
	Expect(err).NotTo(HaveOccurred())

	resp := m.handleCommand(cmd)
	Expect(resp.IsSuccess()).To(BeTrue())
	Expect(len(fake.Sent)).To(Equal(sentBeforeCount))
	Expect(e.OwnedBy(newOwner)).To(BeTrue())
	Expect(e.State).To(Equal(session.Loaded))
}

func TestConnectionRemovedFlushesOrdinaryLoadedSessionWithoutCrashing(t *testing.T) {
	RegisterTestingT(t)

	gate, fake := newTestGate()
	m, sessions, _, _ := newTestManager(gate, defaultCfg())

	conn := newTestConnection(1, 4)
	e := &session.Entry{Connection: conn, SavedHandle: 0x02000003, State: session.Loaded}
	sessions.Insert(e)

	fake.QueueResponse(wire.NewHeaderOnly(wire.TagNoSessions, uint32(wire.ResponseSuccess)))

	m.handleConnectionRemoved(conn)

	_, stillThere := sessions.LookupByHandle(e.SavedHandle)
	Expect(stillThere).To(BeFalse())
}

func TestConnectionRemovedAbandonsSavedClientSession(t *testing.T) {
	RegisterTestingT(t)

	gate, _ := newTestGate()
	m, sessions, _, _ := newTestManager(gate, defaultCfg())

	conn := newTestConnection(1, 4)
	e := &session.Entry{Connection: conn, SavedHandle: 0x02000004, State: session.SavedClient}
	sessions.Insert(e)

	m.handleConnectionRemoved(conn)

	Expect(e.State).To(Equal(session.SavedClientClosed))
	Expect(sessions.AbandonedLen()).To(Equal(1))
}

func TestSubmitRecoversFromContextGap(t *testing.T) {
	RegisterTestingT(t)

	gate, fake := newTestGate()
	m, sessions, _, _ := newTestManager(gate, defaultCfg())

	other := newTestConnection(9, 4)
	saved := &session.Entry{Connection: other, SavedHandle: 0x03000001, State: session.SavedRM, ContextRM: []byte("old-ctx")}
	sessions.Insert(saved)

	conn := newTestConnection(1, 4)
	buf := newCmdBuf(arbitraryCommand, wire.TagNoSessions, nil, nil)
	cmd, err := wire.NewCommand(conn, buf, attrsWithHandles(0, false, false))
	Expect(err).NotTo(HaveOccurred())

	// First attempt: TPM_RC_CONTEXT_GAP.
	fake.QueueResponse(wire.NewHeaderOnly(wire.TagNoSessions, uint32(wire.ResponseContextGap)))
	// regapAll: reload then re-save the one SAVED_RM session it finds.
	reloadResp := make([]byte, wire.HeaderSize+4)
	wire.PutHeader(reloadResp, wire.TagNoSessions, uint32(len(reloadResp)), uint32(wire.ResponseSuccess))
	binary.BigEndian.PutUint32(reloadResp[wire.HeaderSize:], 0x02000099)
	fake.QueueResponse(reloadResp)
	resaveResp := make([]byte, wire.HeaderSize+3)
	wire.PutHeader(resaveResp, wire.TagNoSessions, uint32(len(resaveResp)), uint32(wire.ResponseSuccess))
	copy(resaveResp[wire.HeaderSize:], "new")
	fake.QueueResponse(resaveResp)
	// Retried command now succeeds.
	fake.QueueResponse(wire.NewHeaderOnly(wire.TagNoSessions, uint32(wire.ResponseSuccess)))

	resp := m.handleCommand(cmd)
	Expect(resp.IsSuccess()).To(BeTrue())
	Expect(saved.ContextRM).To(Equal([]byte("new")))
}
