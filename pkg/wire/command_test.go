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

package wire_test

import (
	"encoding/binary"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rancher/tabrmd/pkg/wire"
)

type fakeOrigin uint64

func (f fakeOrigin) ID() uint64 { return uint64(f) }

// buildCommand assembles a raw TPM2_ST_SESSIONS command buffer with the
// given handles, one authorisation whose attrs byte is supplied verbatim,
// and a trailing parameter area.
func buildCommand(code wire.CommandCode, handles []uint32, authAttrs byte, params []byte) []byte {
	auth := make([]byte, 0, 4+2+1+2)
	auth = append(auth, 0, 0, 0, 0x02) // sessionHandle = 0x02000000-ish placeholder, overwritten below
	binary.BigEndian.PutUint32(auth[0:4], 0x03000001)
	auth = append(auth, 0, 0)        // nonce size = 0
	auth = append(auth, authAttrs)   // attrs
	auth = append(auth, 0, 0)        // hmac size = 0

	handleBytes := make([]byte, 4*len(handles))
	for i, h := range handles {
		binary.BigEndian.PutUint32(handleBytes[i*4:i*4+4], h)
	}

	authSizeField := make([]byte, 4)
	binary.BigEndian.PutUint32(authSizeField, uint32(len(auth)))

	body := append(append(append(handleBytes, authSizeField...), auth...), params...)
	total := wire.HeaderSize + len(body)

	buf := make([]byte, total)
	wire.PutHeader(buf, wire.TagSessions, uint32(total), uint32(code))
	copy(buf[wire.HeaderSize:], body)
	return buf
}

func attrsWithHandles(n int) wire.CommandAttributes {
	return wire.CommandAttributes(n << 25)
}

var _ = Describe("Command", func() {
	It("exposes and rewrites handles in place", func() {
		buf := buildCommand(wire.CommandFlushContext, []uint32{0x80000001, 0x80000002}, 0x01, nil)
		cmd, err := wire.NewCommand(fakeOrigin(7), buf, attrsWithHandles(2))
		Expect(err).To(BeNil())
		Expect(cmd.HandleCount()).To(Equal(2))

		h0, err := cmd.Handle(0)
		Expect(err).To(BeNil())
		Expect(h0).To(Equal(uint32(0x80000001)))

		Expect(cmd.SetHandle(0, 0xDEADBEEF)).To(BeNil())
		h0, _ = cmd.Handle(0)
		Expect(h0).To(Equal(uint32(0xDEADBEEF)))

		_, err = cmd.Handle(2)
		Expect(err).ToNot(BeNil())
	})

	It("iterates authorisations and stops cleanly at the end of the auth area", func() {
		buf := buildCommand(wire.CommandFlushContext, []uint32{0x80000001}, 0x01, nil)
		cmd, err := wire.NewCommand(fakeOrigin(1), buf, attrsWithHandles(1))
		Expect(err).To(BeNil())

		var seen []wire.Auth
		err = cmd.ForEachAuth(func(a wire.Auth) error {
			seen = append(seen, a)
			return nil
		})
		Expect(err).To(BeNil())
		Expect(seen).To(HaveLen(1))
		Expect(seen[0].SessionHandle).To(Equal(uint32(0x03000001)))
		Expect(seen[0].ContinueSession()).To(BeTrue())
	})

	It("reads the flush handle from the parameter area, not the handle area", func() {
		params := make([]byte, 4)
		binary.BigEndian.PutUint32(params, 0x80000009)
		buf := buildCommand(wire.CommandFlushContext, nil, 0, params)
		// no handle area; the parameter area follows the auth area
		cmd, err := wire.NewCommand(fakeOrigin(1), buf, attrsWithHandles(0))
		Expect(err).To(BeNil())

		h, err := cmd.FlushHandle()
		Expect(err).To(BeNil())
		Expect(h).To(Equal(uint32(0x80000009)))
	})

	It("refuses FlushHandle on the wrong command code", func() {
		buf := buildCommand(wire.CommandContextSave, nil, 0, nil)
		cmd, _ := wire.NewCommand(fakeOrigin(1), buf, 0)
		_, err := cmd.FlushHandle()
		Expect(err).ToNot(BeNil())
	})

	It("parses GetCapability parameters", func() {
		params := make([]byte, 12)
		binary.BigEndian.PutUint32(params[0:4], uint32(wire.CapTPMProperties))
		binary.BigEndian.PutUint32(params[4:8], uint32(wire.PropMaxCommandSize))
		binary.BigEndian.PutUint32(params[8:12], 1)
		buf := buildCommand(wire.CommandGetCapability, nil, 0, params)
		cmd, _ := wire.NewCommand(fakeOrigin(1), buf, attrsWithHandles(0))

		cap, ok := cmd.Cap()
		Expect(ok).To(BeTrue())
		Expect(cap).To(Equal(wire.CapTPMProperties))

		prop, ok := cmd.Prop()
		Expect(ok).To(BeTrue())
		Expect(prop).To(Equal(wire.PropMaxCommandSize))

		count, ok := cmd.PropCount()
		Expect(ok).To(BeTrue())
		Expect(count).To(Equal(uint32(1)))
	})

	It("returns false for capability parsing on a non-GetCapability command", func() {
		buf := buildCommand(wire.CommandFlushContext, nil, 0, nil)
		cmd, _ := wire.NewCommand(fakeOrigin(1), buf, 0)
		_, ok := cmd.Cap()
		Expect(ok).To(BeFalse())
	})
})
