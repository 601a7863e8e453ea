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

// Package tabrmderr is the broker's custom error type: a Go error that
// carries a Kind and, where the error is reported back to a client, a
// TABRMD response code, plus the TABRMD response codes themselves. The
// Resource Manager uses both; the other pipeline packages return plain
// Go errors.
package tabrmderr

import "fmt"

// Kind groups an error by the subsystem that produced it (§7).
type Kind int

const (
	// KindProtocol: framing failure, size out of bounds, unknown command
	// code, malformed handle/auth area. The connection is closed.
	KindProtocol Kind = iota
	// KindQuota: transient or session limit exceeded. The connection
	// remains open.
	KindQuota
	// KindVirtualisation: unknown virtual handle, foreign session
	// attempted by the wrong connection.
	KindVirtualisation
	// KindTPM: any non-success response code from the device, forwarded
	// verbatim after post-processing.
	KindTPM
	// KindTransport: TCTI transmit/receive failure. The connection
	// remains open; the device mutex has already been released.
	KindTransport
	// KindFatal: failure to acquire the TPM mutex, invariant violation,
	// or a session in an unexpected state during connection close.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindQuota:
		return "quota"
	case KindVirtualisation:
		return "virtualisation"
	case KindTPM:
		return "tpm"
	case KindTransport:
		return "transport"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ClosesConnection reports whether an error of this kind means the
// owning connection must be torn down.
func (k Kind) ClosesConnection() bool {
	return k == KindProtocol || k == KindFatal
}

// ResponseCode is a TABRMD_* synthetic response code, distinct from any
// TPM_RC the device itself returns, reported to the client in the code
// field of a synthesised header-only response.
type ResponseCode uint32

const (
	// ResponseInternalError is TABRMD_INTERNAL_ERROR: malformed protocol
	// input the broker refuses to forward to the device at all.
	ResponseInternalError ResponseCode = 0x000A0001
	// ResponseObjectMemory is TABRMD_OBJECT_MEMORY: the client's
	// TransientHandleMap is full.
	ResponseObjectMemory ResponseCode = 0x000A0002
	// ResponseSessionMemory is TABRMD_SESSION_MEMORY: the client's
	// per-connection session quota is exhausted.
	ResponseSessionMemory ResponseCode = 0x000A0003
	// ResponseNotPermitted is TABRMD_NOT_PERMITTED: a handle or session
	// was addressed by a connection that does not own it.
	ResponseNotPermitted ResponseCode = 0x000A0004
)

// Error is the broker's error type: it wraps Kind and, optionally, the
// TABRMD response code the client should be told about.
type Error struct {
	Kind     Kind
	Response ResponseCode
	msg      string
	cause    error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("tabrmd: %s: %s: %v", e.Kind, e.msg, e.cause)
	}
	return fmt.Sprintf("tabrmd: %s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a Kind-tagged error with no client-visible response code
// (used for KindFatal and other errors that never cross the wire).
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, msg: msg}
}

// Newf is New with Printf-style formatting.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind to an existing error, preserving it as the cause.
func Wrap(kind Kind, cause error, msg string) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, msg: msg, cause: cause}
}

// WithResponse builds a Kind-tagged error carrying the TABRMD response
// code that should be synthesised back to the client.
func WithResponse(kind Kind, code ResponseCode, msg string) error {
	return &Error{Kind: kind, Response: code, msg: msg}
}

// As reports whether err (or something it wraps, followed through
// single-error Unwrap methods) is a *Error, returning it for inspection
// — kept here so callers don't need a second import for the common case.
func As(err error) (*Error, bool) {
	te, ok := err.(*Error)
	if ok {
		return te, true
	}
	type unwrapper interface{ Unwrap() error }
	for u, ok := err.(unwrapper); ok; u, ok = err.(unwrapper) {
		err = u.Unwrap()
		if te, ok := err.(*Error); ok {
			return te, true
		}
	}
	return nil, false
}
