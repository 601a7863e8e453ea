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

	"github.com/rancher/tabrmd/pkg/wire"
)

// maxCommandAttrsPages bounds how many GetCapability round trips
// QueryCommandAttributes will make while following moreData, so a
// misbehaving TPM can never wedge startup in an unbounded loop.
const maxCommandAttrsPages = 8

// commandAttrsPageSize is the propertyCount requested per page.
const commandAttrsPageSize = 128

// QueryCommandAttributes enumerates TPM_CAP_COMMANDS once at startup and
// returns the cached table the Command Source and Resource Manager
// consult on every command thereafter (§4.8, §4.2's CommandAttributesTable).
func (g *Gate) QueryCommandAttributes() (*wire.CommandAttributesTable, error) {
	entries := make(map[wire.CommandCode]wire.CommandAttributes)
	start := uint32(wire.CommandFirst)

	for page := 0; page < maxCommandAttrsPages; page++ {
		cmd := make([]byte, wire.HeaderSize+12)
		wire.PutHeader(cmd, wire.TagNoSessions, uint32(len(cmd)), uint32(wire.CommandGetCapability))
		binary.BigEndian.PutUint32(cmd[wire.HeaderSize:], uint32(wire.CapCommands))
		binary.BigEndian.PutUint32(cmd[wire.HeaderSize+4:], start)
		binary.BigEndian.PutUint32(cmd[wire.HeaderSize+8:], commandAttrsPageSize)

		resp, err := g.SendCommand(cmd)
		if err != nil {
			return nil, err
		}
		code, _ := wire.GetResponseCode(resp)
		if code != wire.ResponseSuccess {
			break
		}
		body := resp[wire.HeaderSize:]
		if len(body) < 1+4+4 {
			break
		}
		moreData := body[0]
		count := binary.BigEndian.Uint32(body[1+4:])
		off := 1 + 4 + 4
		var highest uint32
		for i := uint32(0); i < count && off+4 <= len(body); i++ {
			attrs := binary.BigEndian.Uint32(body[off:])
			code := wire.CommandAttributes(attrs).CommandIndex()
			entries[wire.CommandCode(code)] = wire.CommandAttributes(attrs)
			if uint32(code) > highest {
				highest = uint32(code)
			}
			off += 4
		}
		if moreData == 0 || count == 0 {
			break
		}
		start = highest + 1
	}

	return wire.NewCommandAttributesTable(entries), nil
}
