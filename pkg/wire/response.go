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

// Response is an owned, contiguous TPM 2.0 response buffer together with
// its destination connection and the TPMA_CC attributes of the command it
// answers (needed to tell whether the response carries a handle).
type Response struct {
	origin Origin
	buf    []byte
	attrs  CommandAttributes
}

// NewResponse wraps a buffer the TPM Access Gate actually received from
// the device.
func NewResponse(origin Origin, buf []byte, attrs CommandAttributes) (*Response, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("wire: response buffer of %d bytes is shorter than the header", len(buf))
	}
	return &Response{origin: origin, buf: buf, attrs: attrs}, nil
}

// NewResponseFromCode synthesises a bare, header-only response carrying
// just a response code. Used for every locally-answered error (quota,
// virtualisation, protocol) and for local FlushContext success.
func NewResponseFromCode(origin Origin, tag StructTag, code ResponseCode) *Response {
	return &Response{
		origin: origin,
		buf:    NewHeaderOnly(tag, uint32(code)),
		attrs:  0,
	}
}

// NewContextLoadResponse synthesises a success response for a virtualised
// ContextLoad: a 10 byte header plus the session's savedHandle as the
// sole (rHandle) parameter.
func NewContextLoadResponse(origin Origin, savedHandle uint32) *Response {
	buf := make([]byte, HeaderSize+4)
	PutHeader(buf, TagNoSessions, uint32(len(buf)), uint32(ResponseSuccess))
	binary.BigEndian.PutUint32(buf[HeaderSize:], savedHandle)
	return &Response{origin: origin, buf: buf, attrs: 1 << cAttrRHandleShift}
}

// NewContextSaveResponse synthesises a success response for a virtualised
// ContextSave: a 10 byte header plus the session's context_client blob
// returned verbatim as the parameter area.
func NewContextSaveResponse(origin Origin, contextClient []byte) *Response {
	buf := make([]byte, HeaderSize+len(contextClient))
	PutHeader(buf, TagNoSessions, uint32(len(buf)), uint32(ResponseSuccess))
	copy(buf[HeaderSize:], contextClient)
	return &Response{origin: origin, buf: buf, attrs: 0}
}

// Origin returns the connection the response is destined for.
func (r *Response) Origin() Origin { return r.origin }

// Bytes returns the raw buffer.
func (r *Response) Bytes() []byte { return r.buf }

// SetBytes replaces the underlying buffer, e.g. after rewriting a handle
// or a capability property during post-processing.
func (r *Response) SetBytes(buf []byte) { r.buf = buf }

// Tag returns the structure tag.
func (r *Response) Tag() StructTag {
	t, _ := GetTag(r.buf)
	return t
}

// Code returns the response code.
func (r *Response) Code() ResponseCode {
	code, _ := GetResponseCode(r.buf)
	return code
}

// IsSuccess reports whether the response code is TPM_RC_SUCCESS.
func (r *Response) IsSuccess() bool {
	return r.Code() == ResponseSuccess
}

// HasHandle reports whether the response carries a handle: its body is
// longer than the header, the response succeeded, and the command's
// rHandle attribute bit is set.
func (r *Response) HasHandle() bool {
	return len(r.buf) > HeaderSize && r.IsSuccess() && r.attrs.ReturnsHandle()
}

// Handle returns the handle carried in the first four bytes of the
// parameter area. Callers must check HasHandle first.
func (r *Response) Handle() (uint32, error) {
	if len(r.buf) < HeaderSize+4 {
		return 0, fmt.Errorf("wire: response body too short to carry a handle")
	}
	return binary.BigEndian.Uint32(r.buf[HeaderSize : HeaderSize+4]), nil
}

// SetHandle rewrites the handle carried in the parameter area, used when
// the Resource Manager virtualises a freshly allocated transient handle.
func (r *Response) SetHandle(h uint32) error {
	if len(r.buf) < HeaderSize+4 {
		return fmt.Errorf("wire: response body too short to carry a handle")
	}
	binary.BigEndian.PutUint32(r.buf[HeaderSize:HeaderSize+4], h)
	return nil
}
