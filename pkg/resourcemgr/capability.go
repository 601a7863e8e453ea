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

	"github.com/rancher/tabrmd/pkg/wire"
)

// synthTransientHandles answers GetCapability(TPM_CAP_HANDLES,
// TPM_HT_TRANSIENT, ...) from the client's own TransientHandleMap rather
// than the device (§4.7.1.2): a client must only ever see its own
// handles.
func synthTransientHandles(origin wire.Origin, handles []uint32) *wire.Response {
	body := make([]byte, 1+4+4+4*len(handles))
	body[0] = 0 // moreData: the broker never paginates a client's own handle set
	binary.BigEndian.PutUint32(body[1:], uint32(wire.CapHandles))
	binary.BigEndian.PutUint32(body[5:], uint32(len(handles)))
	off := 9
	for _, h := range handles {
		binary.BigEndian.PutUint32(body[off:], h)
		off += 4
	}

	buf := make([]byte, wire.HeaderSize+len(body))
	wire.PutHeader(buf, wire.TagNoSessions, uint32(len(buf)), uint32(wire.ResponseSuccess))
	copy(buf[wire.HeaderSize:], body)
	resp, _ := wire.NewResponse(origin, buf, 1<<28) // rHandle bit irrelevant here; HasHandle is never consulted on this path
	return resp
}

// rewriteContextGapMax scans a successful GetCapability(TPM_PROPERTIES)
// response body and overwrites TPM_PT_CONTEXT_GAP_MAX with u32::MAX, so
// clients never observe the device's true, and much smaller, gap window
// (§4.7.1.2).
func rewriteContextGapMax(buf []byte) []byte {
	if len(buf) <= wire.HeaderSize {
		return buf
	}
	code, _ := wire.GetResponseCode(buf)
	if code != wire.ResponseSuccess {
		return buf
	}
	body := buf[wire.HeaderSize:]
	if len(body) < 1+4+4 {
		return buf
	}
	count := binary.BigEndian.Uint32(body[1+4:])
	off := 1 + 4 + 4
	for i := uint32(0); i < count && off+8 <= len(body); i++ {
		prop := binary.BigEndian.Uint32(body[off:])
		if wire.Property(prop) == wire.PropContextGapMax {
			binary.BigEndian.PutUint32(body[off+4:], 0xFFFFFFFF)
		}
		off += 8
	}
	return buf
}
