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

package wire

import (
	"encoding/binary"
	"fmt"
)

// Origin identifies the connection a Command arrived on, or that a
// Response is destined for. Connection satisfies this with its own,
// process-unique id so that the wire package never needs to import the
// connection package.
type Origin interface {
	ID() uint64
}

// Auth describes one entry found while iterating a command's
// authorisation area: { session_handle: u32, nonce: sized<u16>,
// attrs: u8, hmac: sized<u16> }.
type Auth struct {
	// Offset is the byte offset within the command buffer at which this
	// authorisation begins.
	Offset        int
	SessionHandle uint32
	Nonce         []byte
	Attributes    byte
	HMAC          []byte
}

// ContinueSession reports the continueSession bit of the auth's
// attributes byte (bit 0).
func (a Auth) ContinueSession() bool {
	return a.Attributes&0x01 != 0
}

// Command is an owned, contiguous TPM 2.0 command buffer together with
// its originating connection and its cached TPMA_CC attributes. It is
// constructed once and mutated only through SetHandle, matching §4.2 and
// the "no post-construction mutators" guidance of §9.
type Command struct {
	origin Origin
	buf    []byte
	attrs  CommandAttributes
}

// NewCommand constructs a Command. Construction is total: basic header
// validity is checked but a malformed handle or auth area only surfaces
// when the caller later asks for it.
func NewCommand(origin Origin, buf []byte, attrs CommandAttributes) (*Command, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("wire: command buffer of %d bytes is shorter than the header", len(buf))
	}
	size, err := GetSize(buf)
	if err != nil {
		return nil, err
	}
	if int(size) != len(buf) {
		return nil, fmt.Errorf("wire: command declares size %d but buffer has %d bytes", size, len(buf))
	}
	return &Command{origin: origin, buf: buf, attrs: attrs}, nil
}

// Origin returns the connection that submitted the command.
func (c *Command) Origin() Origin { return c.origin }

// Bytes returns the raw buffer. Callers may only mutate it through
// SetHandle.
func (c *Command) Bytes() []byte { return c.buf }

// Attributes returns the cached TPMA_CC bitfield for this command's code.
func (c *Command) Attributes() CommandAttributes { return c.attrs }

// Tag returns the structure tag.
func (c *Command) Tag() StructTag {
	t, _ := GetTag(c.buf)
	return t
}

// Code returns the command code.
func (c *Command) Code() CommandCode {
	code, _ := GetCode(c.buf)
	return CommandCode(code)
}

// HandleCount returns the cHandles subfield of the cached attributes.
func (c *Command) HandleCount() int {
	return c.attrs.HandleCount()
}

func (c *Command) handleOffset(i int) (int, error) {
	if i < 0 || i >= c.HandleCount() {
		return 0, fmt.Errorf("wire: handle index %d out of range (cHandles=%d)", i, c.HandleCount())
	}
	off := HeaderSize + i*4
	if off+4 > len(c.buf) {
		return 0, fmt.Errorf("wire: handle %d at offset %d exceeds buffer of %d bytes", i, off, len(c.buf))
	}
	return off, nil
}

// Handle returns the handle at position i in the handle area.
func (c *Command) Handle(i int) (uint32, error) {
	off, err := c.handleOffset(i)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(c.buf[off : off+4]), nil
}

// SetHandle rewrites the handle at position i in place. This is the one
// mutator the Resource Manager uses to virtualise the handle area.
func (c *Command) SetHandle(i int, h uint32) error {
	off, err := c.handleOffset(i)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(c.buf[off:off+4], h)
	return nil
}

// handleAreaEnd is the offset immediately after the last handle.
func (c *Command) handleAreaEnd() int {
	return HeaderSize + c.HandleCount()*4
}

// HasAuths reports whether the command carries an authorisation area,
// i.e. its tag is TPM_ST_SESSIONS.
func (c *Command) HasAuths() bool {
	return c.Tag() == TagSessions
}

// AuthsSize parses the 4 byte authorisation-area size field that follows
// the handle area when HasAuths holds.
func (c *Command) AuthsSize() (uint32, error) {
	if !c.HasAuths() {
		return 0, nil
	}
	off := c.handleAreaEnd()
	if off+4 > len(c.buf) {
		return 0, fmt.Errorf("wire: auth size field at offset %d exceeds buffer of %d bytes", off, len(c.buf))
	}
	return binary.BigEndian.Uint32(c.buf[off : off+4]), nil
}

// ForEachAuth iterates the authorisations present between the handle area
// and the declared auth-area size, invoking cb for each one it can parse
// in full. Iteration stops cleanly, without error, if the next
// authorisation's declared bounds would exceed the auth area.
func (c *Command) ForEachAuth(cb func(Auth) error) error {
	if !c.HasAuths() {
		return nil
	}
	authsSize, err := c.AuthsSize()
	if err != nil {
		return err
	}
	start := c.handleAreaEnd() + 4
	end := start + int(authsSize)
	if end > len(c.buf) {
		end = len(c.buf)
	}
	off := start
	for off < end {
		a, next, ok := parseAuth(c.buf, off, end)
		if !ok {
			break
		}
		if err := cb(a); err != nil {
			return err
		}
		off = next
	}
	return nil
}

func parseAuth(buf []byte, off, end int) (Auth, int, bool) {
	if off+4 > end {
		return Auth{}, off, false
	}
	sessionHandle := binary.BigEndian.Uint32(buf[off : off+4])
	p := off + 4

	if p+2 > end {
		return Auth{}, off, false
	}
	nonceLen := int(binary.BigEndian.Uint16(buf[p : p+2]))
	p += 2
	if p+nonceLen > end {
		return Auth{}, off, false
	}
	nonce := buf[p : p+nonceLen]
	p += nonceLen

	if p+1 > end {
		return Auth{}, off, false
	}
	attrs := buf[p]
	p++

	if p+2 > end {
		return Auth{}, off, false
	}
	hmacLen := int(binary.BigEndian.Uint16(buf[p : p+2]))
	p += 2
	if p+hmacLen > end {
		return Auth{}, off, false
	}
	hmac := buf[p : p+hmacLen]
	p += hmacLen

	return Auth{
		Offset:        off,
		SessionHandle: sessionHandle,
		Nonce:         nonce,
		Attributes:    attrs,
		HMAC:          hmac,
	}, p, true
}

// paramOffset is the offset at which the parameter area begins: right
// after the handle area for tag NO_SESSIONS commands, or right after the
// auth area (and its size field) for tag SESSIONS commands.
func (c *Command) paramOffset() (int, error) {
	if !c.HasAuths() {
		return c.handleAreaEnd(), nil
	}
	authsSize, err := c.AuthsSize()
	if err != nil {
		return 0, err
	}
	return c.handleAreaEnd() + 4 + int(authsSize), nil
}

func (c *Command) params() ([]byte, error) {
	off, err := c.paramOffset()
	if err != nil {
		return nil, err
	}
	if off > len(c.buf) {
		return nil, fmt.Errorf("wire: parameter area offset %d exceeds buffer of %d bytes", off, len(c.buf))
	}
	return c.buf[off:], nil
}

// Params returns the raw parameter area: everything after the handle
// area (and, when present, the authorisation area). Used by the Resource
// Manager to read a ContextLoad command's opaque context blob, which is
// carried as the whole parameter area rather than a structured field.
func (c *Command) Params() ([]byte, error) {
	return c.params()
}

// Cap, Prop and PropCount parse the three leading parameters of a
// GetCapability command. They return 0 and false when this command's code
// is not GetCapability.
func (c *Command) Cap() (Capability, bool) {
	if c.Code() != CommandGetCapability {
		return 0, false
	}
	p, err := c.params()
	if err != nil || len(p) < 4 {
		return 0, false
	}
	return Capability(binary.BigEndian.Uint32(p[0:4])), true
}

func (c *Command) Prop() (Property, bool) {
	if c.Code() != CommandGetCapability {
		return 0, false
	}
	p, err := c.params()
	if err != nil || len(p) < 8 {
		return 0, false
	}
	return Property(binary.BigEndian.Uint32(p[4:8])), true
}

func (c *Command) PropCount() (uint32, bool) {
	if c.Code() != CommandGetCapability {
		return 0, false
	}
	p, err := c.params()
	if err != nil || len(p) < 12 {
		return 0, false
	}
	return binary.BigEndian.Uint32(p[8:12]), true
}

// FlushHandle returns the handle named in a FlushContext command's
// parameter area (FlushContext takes its handle as a parameter, not in
// the handle area). It returns an error if this command's code is not
// FlushContext.
func (c *Command) FlushHandle() (uint32, error) {
	if c.Code() != CommandFlushContext {
		return 0, fmt.Errorf("wire: FlushHandle called on command code 0x%08x", uint32(c.Code()))
	}
	p, err := c.params()
	if err != nil {
		return 0, err
	}
	if len(p) < 4 {
		return 0, fmt.Errorf("wire: FlushContext parameter area is shorter than a handle")
	}
	return binary.BigEndian.Uint32(p[0:4]), nil
}
