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

import "github.com/rancher/tabrmd/pkg/handlemap"

// handleEntry pairs a HandleMapEntry with the Map it lives in, so a
// per-command "loaded" list built while virtualising the handle area
// (§4.7.1 step 3) can later remove or re-save the entry during
// post-processing (step 7) without the caller re-deriving which
// connection's map it came from.
type handleEntry struct {
	m     *handlemap.Map
	entry *handlemap.Entry
}

func newHandleEntry(m *handlemap.Map, e *handlemap.Entry) *handleEntry {
	return &handleEntry{m: m, entry: e}
}

// physical returns the entry's current physical handle.
func (h *handleEntry) physical() uint32 {
	return h.entry.PhysicalHandle
}

// remove drops the entry from its owning map: used when the command's
// flushed attribute tells us the TPM has already discarded the object.
func (h *handleEntry) remove() {
	h.m.Remove(h.entry.VirtualHandle)
}

// setSaved records that the entry's object has been saved and flushed:
// its context blob is now ctx and it is no longer resident.
func (h *handleEntry) setSaved(ctx []byte) {
	h.entry.ContextBlob = ctx
	h.entry.PhysicalHandle = 0
}
