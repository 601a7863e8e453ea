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

// Package wire implements the TPM 2.0 command/response wire format: the
// fixed 10 byte header, the handle and authorisation areas that follow it,
// and the owned byte-buffer types the rest of the broker passes around.
package wire

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the length in bytes of a TPM 2.0 command or response
// header: tag (u16), size (u32), code (u32). See TPM 2.0 Part 1, §18.
const HeaderSize = 10

// MaxBufferSize is the implementation ceiling on a single command or
// response buffer. The broker refuses anything larger before it ever
// touches the TPM.
const MaxBufferSize = 8192

// StructTag is the TPM2_ST constant in the first two bytes of a header.
type StructTag uint16

const (
	TagNoSessions StructTag = 0x8001
	TagSessions   StructTag = 0x8002
)

// GetTag returns the tag field of a command or response buffer.
func GetTag(buf []byte) (StructTag, error) {
	if len(buf) < HeaderSize {
		return 0, fmt.Errorf("wire: buffer of %d bytes is shorter than the %d byte header", len(buf), HeaderSize)
	}
	return StructTag(binary.BigEndian.Uint16(buf[0:2])), nil
}

// SetTag overwrites the tag field in place.
func SetTag(buf []byte, tag StructTag) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("wire: buffer of %d bytes is shorter than the %d byte header", len(buf), HeaderSize)
	}
	binary.BigEndian.PutUint16(buf[0:2], uint16(tag))
	return nil
}

// GetSize returns the size field: the total length of buf including the
// header itself.
func GetSize(buf []byte) (uint32, error) {
	if len(buf) < HeaderSize {
		return 0, fmt.Errorf("wire: buffer of %d bytes is shorter than the %d byte header", len(buf), HeaderSize)
	}
	size := binary.BigEndian.Uint32(buf[2:6])
	if size < HeaderSize {
		return 0, fmt.Errorf("wire: declared size %d is smaller than the header", size)
	}
	return size, nil
}

// SetSize overwrites the size field in place.
func SetSize(buf []byte, size uint32) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("wire: buffer of %d bytes is shorter than the %d byte header", len(buf), HeaderSize)
	}
	binary.BigEndian.PutUint32(buf[2:6], size)
	return nil
}

// GetCode returns the raw code field: the command code for a command
// buffer, or the response code for a response buffer.
func GetCode(buf []byte) (uint32, error) {
	if len(buf) < HeaderSize {
		return 0, fmt.Errorf("wire: buffer of %d bytes is shorter than the %d byte header", len(buf), HeaderSize)
	}
	return binary.BigEndian.Uint32(buf[6:10]), nil
}

// SetCode overwrites the code field in place.
func SetCode(buf []byte, code uint32) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("wire: buffer of %d bytes is shorter than the %d byte header", len(buf), HeaderSize)
	}
	binary.BigEndian.PutUint32(buf[6:10], code)
	return nil
}

// GetCommandCode returns the code field interpreted as a command code.
func GetCommandCode(buf []byte) (CommandCode, error) {
	c, err := GetCode(buf)
	return CommandCode(c), err
}

// GetResponseCode returns the code field interpreted as a response code.
func GetResponseCode(buf []byte) (ResponseCode, error) {
	c, err := GetCode(buf)
	return ResponseCode(c), err
}

// PutHeader writes all three header fields into buf, which must be at
// least HeaderSize bytes long.
func PutHeader(buf []byte, tag StructTag, size uint32, code uint32) {
	binary.BigEndian.PutUint16(buf[0:2], uint16(tag))
	binary.BigEndian.PutUint32(buf[2:6], size)
	binary.BigEndian.PutUint32(buf[6:10], code)
}

// NewHeaderOnly allocates a HeaderSize buffer carrying only tag/size/code,
// used to synthesise header-only responses (a bare response code).
func NewHeaderOnly(tag StructTag, code uint32) []byte {
	buf := make([]byte, HeaderSize)
	PutHeader(buf, tag, HeaderSize, code)
	return buf
}
