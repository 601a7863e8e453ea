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

package tcti

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rancher/tabrmd/pkg/wire"
)

// ResponseTimeout bounds how long the gate waits for the device to answer
// a single command.
const ResponseTimeout = 2 * time.Minute

// startupClear is TPM_SU_CLEAR, the startup type carried by the raw
// Startup command the gate itself builds, distinct from anything the
// Resource Manager forwards on a client's behalf.
const (
	startupClear uint32 = 0
)

// Gate wraps a raw TCTI and serialises every call to it under a single
// mutex, per §4.5: "at most one caller holds the mutex; a broker
// acquires it, makes calls, and releases. The mutex is never held
// across user I/O" — user I/O here means client socket I/O, not the
// device call itself, which the gate intentionally does hold the lock
// across since the device has exactly one transaction in flight ever.
type Gate struct {
	mu  sync.Mutex
	t   TCTI
	log logrus.FieldLogger

	fixedProps map[wire.Property]uint32
}

// Open performs the startup handshake and caches TPM_PT_FIXED properties.
func Open(t TCTI, log logrus.FieldLogger) (*Gate, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	g := &Gate{t: t, log: log, fixedProps: map[wire.Property]uint32{}}

	if err := g.startup(); err != nil {
		return nil, err
	}
	if err := g.cacheFixedProperties(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Gate) startup() error {
	cmd := make([]byte, wire.HeaderSize+2)
	wire.PutHeader(cmd, wire.TagNoSessions, uint32(len(cmd)), uint32(wire.CommandStartup))
	binary.BigEndian.PutUint16(cmd[wire.HeaderSize:], uint16(startupClear))

	resp, err := g.roundTrip(cmd)
	if err != nil {
		return err
	}
	code, _ := wire.GetResponseCode(resp)
	// TPM_RC_INITIALIZE ("already started") is success for our purposes:
	// a warm-started TPM needs no second Startup.
	if code != wire.ResponseSuccess && code != 0x100 {
		g.log.WithField("code", code).Warn("tcti: TPM2_Startup returned a non-success, non-already-initialised code")
	}
	return nil
}

// FixedProperty returns a cached TPM_PT_FIXED property value, as queried
// once at Open time rather than round-tripping to the device on every
// request.
func (g *Gate) FixedProperty(p wire.Property) (uint32, bool) {
	v, ok := g.fixedProps[p]
	return v, ok
}

func (g *Gate) cacheFixedProperties() error {
	for _, p := range []wire.Property{wire.PropMaxCommandSize, wire.PropMaxResponseSize, wire.PropTotalCommands, wire.PropContextGapMax} {
		cmd := make([]byte, wire.HeaderSize+12)
		wire.PutHeader(cmd, wire.TagNoSessions, uint32(len(cmd)), uint32(wire.CommandGetCapability))
		binary.BigEndian.PutUint32(cmd[wire.HeaderSize:], uint32(wire.CapTPMProperties))
		binary.BigEndian.PutUint32(cmd[wire.HeaderSize+4:], uint32(p))
		binary.BigEndian.PutUint32(cmd[wire.HeaderSize+8:], 1)

		resp, err := g.roundTrip(cmd)
		if err != nil {
			return err
		}
		code, _ := wire.GetResponseCode(resp)
		if code != wire.ResponseSuccess {
			continue
		}
		// moreData(1) + capabilityData union tag(4) + TPML_TAGGED_TPM_PROPERTY
		// count(4) + {property(4), value(4)}...
		body := resp[wire.HeaderSize:]
		if len(body) < 1+4+4+8 {
			continue
		}
		val := binary.BigEndian.Uint32(body[1+4+4+4:])
		g.fixedProps[p] = val
	}
	return nil
}

// roundTrip transmits cmd and blocks for the matching response, holding
// the gate's mutex for the duration.
func (g *Gate) roundTrip(cmd []byte) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sendLocked(cmd)
}

func (g *Gate) sendLocked(cmd []byte) ([]byte, error) {
	if err := g.t.Transmit(cmd); err != nil {
		return nil, err
	}
	buf := make([]byte, wire.MaxBufferSize)
	n, err := g.t.Receive(buf, ResponseTimeout)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// SendCommand transmits a fully virtualised command buffer and returns
// the raw response buffer. Any TCTI transport error is swallowed by the
// caller, which synthesises a TABRMD_INTERNAL_ERROR Response (§7) rather
// than propagating a Go error across the pipeline boundary; SendCommand
// itself still returns the error so the caller can tell transport
// failure apart from a normal TPM response.
func (g *Gate) SendCommand(cmd []byte) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sendLocked(cmd)
}

// ContextSave issues TPM2_ContextSave for handle and returns the opaque
// context blob.
func (g *Gate) ContextSave(handle uint32) ([]byte, error) {
	cmd := make([]byte, wire.HeaderSize+4)
	wire.PutHeader(cmd, wire.TagNoSessions, uint32(len(cmd)), uint32(wire.CommandContextSave))
	binary.BigEndian.PutUint32(cmd[wire.HeaderSize:], handle)

	g.mu.Lock()
	resp, err := g.sendLocked(cmd)
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}
	code, _ := wire.GetResponseCode(resp)
	if code != wire.ResponseSuccess {
		return nil, &ResponseError{Code: code}
	}
	return resp[wire.HeaderSize:], nil
}

// ContextLoad issues TPM2_ContextLoad for ctx and returns the freshly
// assigned physical handle.
func (g *Gate) ContextLoad(ctx []byte) (uint32, error) {
	cmd := make([]byte, wire.HeaderSize+len(ctx))
	wire.PutHeader(cmd, wire.TagNoSessions, uint32(len(cmd)), uint32(wire.CommandContextLoad))
	copy(cmd[wire.HeaderSize:], ctx)

	g.mu.Lock()
	resp, err := g.sendLocked(cmd)
	g.mu.Unlock()
	if err != nil {
		return 0, err
	}
	code, _ := wire.GetResponseCode(resp)
	if code != wire.ResponseSuccess {
		return 0, &ResponseError{Code: code}
	}
	if len(resp) < wire.HeaderSize+4 {
		return 0, &ResponseError{Code: code}
	}
	return binary.BigEndian.Uint32(resp[wire.HeaderSize:]), nil
}

// ContextFlush issues TPM2_FlushContext for handle.
func (g *Gate) ContextFlush(handle uint32) error {
	cmd := make([]byte, wire.HeaderSize+4)
	wire.PutHeader(cmd, wire.TagNoSessions, uint32(len(cmd)), uint32(wire.CommandFlushContext))
	binary.BigEndian.PutUint32(cmd[wire.HeaderSize:], handle)

	g.mu.Lock()
	resp, err := g.sendLocked(cmd)
	g.mu.Unlock()
	if err != nil {
		return err
	}
	code, _ := wire.GetResponseCode(resp)
	if code != wire.ResponseSuccess {
		return &ResponseError{Code: code}
	}
	return nil
}

// ContextSaveThenFlush is the ordered combination used during
// post-processing: save first so the blob can be reloaded later, then
// flush the physical copy. If the save fails the flush is skipped so
// the caller can retry the pair as a unit.
func (g *Gate) ContextSaveThenFlush(handle uint32) ([]byte, error) {
	ctx, err := g.ContextSave(handle)
	if err != nil {
		return nil, err
	}
	if err := g.ContextFlush(handle); err != nil {
		return nil, err
	}
	return ctx, nil
}

// TransientObjectCount answers a diagnostic GetCapability(TPM_CAP_HANDLES)
// query over the transient-object range and returns how many transient
// objects the device currently holds; exposed for operator tooling, not
// used in the hot path.
func (g *Gate) TransientObjectCount() (uint32, error) {
	handles, err := g.capabilityHandles(RangeTransient)
	if err != nil {
		return 0, err
	}
	return uint32(len(handles)), nil
}

// HandleRange is one of the three ranges FlushAll sweeps.
type HandleRange struct {
	First, Last uint32
}

// Standard TPM handle ranges swept by FlushAll: active (HMAC/policy)
// sessions, loaded sessions, and transient objects. See TPM 2.0 Part 2
// §7.4 (TPM_HT constant group) for the handle layout these borrow from.
var (
	RangeLoadedSessions = HandleRange{0x02000000, 0x02FFFFFF}
	RangeSavedSessions  = HandleRange{0x03000000, 0x03FFFFFF}
	RangeTransient      = HandleRange{0x80000000, 0x80FFFFFF}
)

// FlushAll iterates the three TPM handle ranges with GetCapability and
// flushes everything it finds. Called at startup when the operator
// requests a clean slate (§4.5).
func (g *Gate) FlushAll() error {
	for _, r := range []HandleRange{RangeLoadedSessions, RangeSavedSessions, RangeTransient} {
		handles, err := g.capabilityHandles(r)
		if err != nil {
			return err
		}
		for _, h := range handles {
			if err := g.ContextFlush(h); err != nil {
				g.log.WithField("handle", h).WithError(err).Warn("tcti: flush_all could not flush handle")
			}
		}
	}
	return nil
}

func (g *Gate) capabilityHandles(r HandleRange) ([]uint32, error) {
	cmd := make([]byte, wire.HeaderSize+12)
	wire.PutHeader(cmd, wire.TagNoSessions, uint32(len(cmd)), uint32(wire.CommandGetCapability))
	binary.BigEndian.PutUint32(cmd[wire.HeaderSize:], uint32(wire.CapHandles))
	binary.BigEndian.PutUint32(cmd[wire.HeaderSize+4:], r.First)
	binary.BigEndian.PutUint32(cmd[wire.HeaderSize+8:], r.Last-r.First+1)

	resp, err := g.SendCommand(cmd)
	if err != nil {
		return nil, err
	}
	code, _ := wire.GetResponseCode(resp)
	if code != wire.ResponseSuccess {
		return nil, nil
	}
	body := resp[wire.HeaderSize:]
	if len(body) < 1+4+4 {
		return nil, nil
	}
	count := binary.BigEndian.Uint32(body[1+4:])
	out := make([]uint32, 0, count)
	off := 1 + 4 + 4
	for i := uint32(0); i < count && off+4 <= len(body); i++ {
		out = append(out, binary.BigEndian.Uint32(body[off:off+4]))
		off += 4
	}
	return out, nil
}

// Close releases the underlying TCTI.
func (g *Gate) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.t.Close()
}

// ResponseError wraps a non-success TPM response code returned by one of
// the gate's typed helper calls (ContextSave/Load/Flush), as opposed to
// a transport-level TCTI error.
type ResponseError struct {
	Code wire.ResponseCode
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("tcti: TPM returned response code 0x%03x", uint32(e.Code))
}
