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
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rancher/tabrmd/pkg/wire"
)

var _ = Describe("Response", func() {
	It("synthesises a bare response code", func() {
		r := wire.NewResponseFromCode(fakeOrigin(1), wire.TagNoSessions, wire.ResponseContextGap)
		Expect(r.Bytes()).To(HaveLen(wire.HeaderSize))
		Expect(r.Code()).To(Equal(wire.ResponseContextGap))
		Expect(r.IsSuccess()).To(BeFalse())
		Expect(r.HasHandle()).To(BeFalse())
	})

	It("synthesises a ContextLoad response carrying the saved handle", func() {
		r := wire.NewContextLoadResponse(fakeOrigin(1), 0x02000000)
		Expect(r.IsSuccess()).To(BeTrue())
		Expect(r.HasHandle()).To(BeTrue())
		h, err := r.Handle()
		Expect(err).To(BeNil())
		Expect(h).To(Equal(uint32(0x02000000)))
	})

	It("synthesises a ContextSave response echoing the client blob verbatim", func() {
		blob := []byte{1, 2, 3, 4, 5}
		r := wire.NewContextSaveResponse(fakeOrigin(1), blob)
		Expect(r.IsSuccess()).To(BeTrue())
		Expect(r.Bytes()[wire.HeaderSize:]).To(Equal(blob))
	})

	It("rewrites a handle in the parameter area", func() {
		r := wire.NewContextLoadResponse(fakeOrigin(1), 0x02000000)
		Expect(r.SetHandle(0x80000123)).To(BeNil())
		h, _ := r.Handle()
		Expect(h).To(Equal(uint32(0x80000123)))
	})

	It("never reports a handle on a failed response", func() {
		buf, err := wire.NewResponse(fakeOrigin(1), append(wire.NewHeaderOnly(wire.TagNoSessions, 0x0101), 1, 2, 3, 4), 1<<28)
		Expect(err).To(BeNil())
		Expect(buf.HasHandle()).To(BeFalse())
	})
})
