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

// CommandCode identifies a TPM 2.0 command. Names follow the upstream
// github.com/canonical/go-tpm2 convention (CommandXxx) so the two line up
// when cross-referenced against a TPM trace.
type CommandCode uint32

const (
	CommandStartup          CommandCode = 0x00000144
	CommandShutdown         CommandCode = 0x00000145
	CommandContextLoad      CommandCode = 0x00000161
	CommandContextSave      CommandCode = 0x00000162
	CommandFlushContext     CommandCode = 0x00000165
	CommandLoad             CommandCode = 0x00000157
	CommandLoadExternal     CommandCode = 0x00000167
	CommandCreatePrimary    CommandCode = 0x00000131
	CommandStartAuthSession CommandCode = 0x00000176
	CommandGetCapability    CommandCode = 0x0000017A
)

// ResponseCode is the raw 32 bit code field of a response header. The
// broker only needs to recognise a handful of values by name; it never
// decomposes the TPM's format-zero/format-one encoding beyond that.
type ResponseCode uint32

const (
	ResponseSuccess ResponseCode = 0x000

	// ResponseContextGap is TPM_RC_CONTEXT_GAP, a warning returned when the
	// TPM's context counter cannot accept a new saved context without the
	// caller refreshing older ones first.
	ResponseContextGap ResponseCode = 0x901
)

// Capability selects the class of object enumerated by GetCapability.
type Capability uint32

const (
	CapHandles       Capability = 0x00000001
	CapCommands      Capability = 0x00000002
	CapTPMProperties Capability = 0x00000006
)

// Property identifies one TPM_PT fixed property returned under
// CapTPMProperties. See TPM 2.0 Part 2, the TPM_PT constant group.
type Property uint32

const (
	PropContextGapMax   Property = 0x00000114
	PropMaxCommandSize  Property = 0x0000011E
	PropMaxResponseSize Property = 0x0000011F
	PropTotalCommands   Property = 0x00000129
)

// HandleType is the upper byte (MSO) of a TPM handle, identifying the
// range it was allocated from.
type HandleType byte

const (
	HandleTypePCR            HandleType = 0x00
	HandleTypeHMACSession    HandleType = 0x02
	HandleTypePolicySession  HandleType = 0x03
	HandleTypePermanent      HandleType = 0x40
	HandleTypeTransient      HandleType = 0x80
	HandleTypePersistent     HandleType = 0x81
)

// HandleTypeOf returns the MSO of a handle.
func HandleTypeOf(h uint32) HandleType {
	return HandleType(h >> 24)
}

// IsTransient reports whether h falls in the transient-object range.
func IsTransient(h uint32) bool {
	return HandleTypeOf(h) == HandleTypeTransient
}

// IsSession reports whether h is an HMAC or policy session handle.
func IsSession(h uint32) bool {
	t := HandleTypeOf(h)
	return t == HandleTypeHMACSession || t == HandleTypePolicySession
}

// TransientHandleBase is the first virtual handle a TransientHandleMap
// hands out; see §4.3 of the resource-manager design.
const TransientHandleBase uint32 = 0x8000_00FF

// TransientCounterMask isolates the 24 bit counter carried in the low
// bytes of a transient handle.
const TransientCounterMask uint32 = 0x00FF_FFFF

// CommandFirst and CommandLast bound the TPM_CC range enumerated by
// GetCapability(TPM_CAP_COMMANDS, ...) at startup, per TPM 2.0 Part 2's
// TPM_CC constant group.
const (
	CommandFirst CommandCode = 0x0000011F
	CommandLast  CommandCode = 0x0000018C
)
