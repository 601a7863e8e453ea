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

package session_test

import (
	"bytes"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/rancher/tabrmd/pkg/connection"
	"github.com/rancher/tabrmd/pkg/session"
)

type nopStream struct{ bytes.Buffer }

func (nopStream) Close() error { return nil }

func newConn(id uint64) *connection.Connection {
	return connection.New(id, 100, &nopStream{}, 27)
}

func TestInsertLookupByHandle(t *testing.T) {
	RegisterTestingT(t)
	l := session.New(0, 0)
	c := newConn(1)
	e := &session.Entry{Connection: c, SavedHandle: 0x02000001, State: session.Loaded}
	l.Insert(e)

	got, ok := l.LookupByHandle(0x02000001)
	Expect(ok).To(BeTrue())
	Expect(got).To(BeIdenticalTo(e))
}

func TestLookupByClientContextIsByteExact(t *testing.T) {
	RegisterTestingT(t)
	l := session.New(0, 0)
	c := newConn(1)
	e := &session.Entry{Connection: c, SavedHandle: 0x02000001, ContextClient: []byte{1, 2, 3}, State: session.SavedClient}
	l.Insert(e)

	_, ok := l.LookupByClientContext([]byte{1, 2, 4})
	Expect(ok).To(BeFalse())

	got, ok := l.LookupByClientContext([]byte{1, 2, 3})
	Expect(ok).To(BeTrue())
	Expect(got).To(BeIdenticalTo(e))
}

// TestAbandonAndReclaimAcrossClients grounds scenario S3: client A starts
// and explicitly saves a session, disconnects without flushing it, and
// client B later presents the identical client-context blob and reclaims
// the session.
func TestAbandonAndReclaimAcrossClients(t *testing.T) {
	RegisterTestingT(t)
	l := session.New(0, 0)
	clientA := newConn(1)
	clientB := newConn(2)

	e := &session.Entry{
		Connection:    clientA,
		SavedHandle:   0x02000001,
		ContextClient: []byte("client-observed-blob"),
		State:         session.SavedClient,
	}
	l.Insert(e)

	// clientA disconnects while the session is SAVED_CLIENT: the broker
	// abandons it rather than flushing it immediately.
	abandoned, err := l.Abandon(clientA, 0x02000001)
	Expect(err).To(BeNil())
	Expect(abandoned.State).To(Equal(session.SavedClientClosed))
	Expect(abandoned.Connection).To(BeNil())
	Expect(l.AbandonedLen()).To(Equal(1))

	// The session is gone from the main list while abandoned.
	_, ok := l.LookupByHandle(0x02000001)
	Expect(ok).To(BeFalse())

	// clientB presents the identical blob and reclaims it.
	found, ok := l.LookupByClientContext([]byte("client-observed-blob"))
	Expect(ok).To(BeTrue())
	Expect(l.Claim(found, clientB)).To(Succeed())
	Expect(found.State).To(Equal(session.Loaded))
	Expect(found.OwnedBy(clientB)).To(BeTrue())
	Expect(l.AbandonedLen()).To(Equal(0))

	got, ok := l.LookupByHandle(0x02000001)
	Expect(ok).To(BeTrue())
	Expect(got).To(BeIdenticalTo(found))
}

func TestAbandonRejectsNonOwner(t *testing.T) {
	RegisterTestingT(t)
	l := session.New(0, 0)
	owner := newConn(1)
	stranger := newConn(2)
	e := &session.Entry{Connection: owner, SavedHandle: 0x02000001, State: session.SavedClient}
	l.Insert(e)

	_, err := l.Abandon(stranger, 0x02000001)
	Expect(err).To(Equal(session.ErrNotOwner))
}

func TestClaimOrdinaryReattachFromSavedClient(t *testing.T) {
	RegisterTestingT(t)
	l := session.New(0, 0)
	c := newConn(1)
	e := &session.Entry{Connection: c, SavedHandle: 0x02000001, State: session.SavedClient}
	l.Insert(e)

	Expect(l.Claim(e, c)).To(Succeed())
	Expect(e.State).To(Equal(session.Loaded))
}

func TestClaimRejectsLoadedEntry(t *testing.T) {
	RegisterTestingT(t)
	l := session.New(0, 0)
	c := newConn(1)
	e := &session.Entry{Connection: c, SavedHandle: 0x02000001, State: session.Loaded}
	l.Insert(e)

	Expect(l.Claim(e, c)).To(Equal(session.ErrNotClaimable))
}

func TestPruneAbandonedFlushesOldestFirst(t *testing.T) {
	RegisterTestingT(t)
	l := session.New(0, 2) // max_abandoned clamped to 2
	c := newConn(1)

	e1 := &session.Entry{Connection: c, SavedHandle: 1, State: session.SavedClient}
	e2 := &session.Entry{Connection: c, SavedHandle: 2, State: session.SavedClient}
	e3 := &session.Entry{Connection: c, SavedHandle: 3, State: session.SavedClient}
	l.Insert(e1)
	l.Insert(e2)
	l.Insert(e3)

	_, _ = l.Abandon(c, 1)
	_, _ = l.Abandon(c, 2)
	_, _ = l.Abandon(c, 3)
	Expect(l.AbandonedLen()).To(Equal(3))

	var flushed []uint32
	err := l.PruneAbandoned(func(e *session.Entry) error {
		flushed = append(flushed, e.SavedHandle)
		return nil
	})
	Expect(err).To(BeNil())
	Expect(l.AbandonedLen()).To(Equal(2))
	// handle 1 was abandoned first, so it is the oldest (tail) and is
	// the one pruned to bring the queue back to its bound of 2.
	Expect(flushed).To(Equal([]uint32{1}))
}

func TestMaxAbandonedClampedToFour(t *testing.T) {
	RegisterTestingT(t)
	l := session.New(0, 999)
	c := newConn(1)
	for h := uint32(1); h <= 5; h++ {
		l.Insert(&session.Entry{Connection: c, SavedHandle: h, State: session.SavedClient})
	}
	for h := uint32(1); h <= 5; h++ {
		_, _ = l.Abandon(c, h)
	}
	Expect(l.AbandonedLen()).To(Equal(5))

	var flushed []uint32
	_ = l.PruneAbandoned(func(e *session.Entry) error {
		flushed = append(flushed, e.SavedHandle)
		return nil
	})
	Expect(l.AbandonedLen()).To(Equal(session.MaxAbandoned))
	Expect(len(flushed)).To(Equal(1))
}

func TestCountForConnectionIgnoresOtherClients(t *testing.T) {
	RegisterTestingT(t)
	l := session.New(2, 0)
	a := newConn(1)
	b := newConn(2)
	l.Insert(&session.Entry{Connection: a, SavedHandle: 1, State: session.Loaded})
	l.Insert(&session.Entry{Connection: a, SavedHandle: 2, State: session.Loaded})
	l.Insert(&session.Entry{Connection: b, SavedHandle: 3, State: session.Loaded})

	Expect(l.CountForConnection(a)).To(Equal(2))
	Expect(l.AtCapacityFor(a)).To(BeTrue())
	Expect(l.AtCapacityFor(b)).To(BeFalse())
}
