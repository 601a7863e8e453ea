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

package tabrmderr_test

import (
	"errors"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rancher/tabrmd/pkg/tabrmderr"
)

var _ = Describe("Kind", func() {
	DescribeTable("closes the connection only for protocol and fatal errors",
		func(k tabrmderr.Kind, closes bool) {
			Expect(k.ClosesConnection()).To(Equal(closes))
		},
		Entry("protocol", tabrmderr.KindProtocol, true),
		Entry("fatal", tabrmderr.KindFatal, true),
		Entry("quota", tabrmderr.KindQuota, false),
		Entry("virtualisation", tabrmderr.KindVirtualisation, false),
		Entry("tpm", tabrmderr.KindTPM, false),
		Entry("transport", tabrmderr.KindTransport, false),
	)

	It("stringifies every known kind", func() {
		Expect(tabrmderr.KindProtocol.String()).To(Equal("protocol"))
		Expect(tabrmderr.KindQuota.String()).To(Equal("quota"))
		Expect(tabrmderr.KindVirtualisation.String()).To(Equal("virtualisation"))
		Expect(tabrmderr.KindTPM.String()).To(Equal("tpm"))
		Expect(tabrmderr.KindTransport.String()).To(Equal("transport"))
		Expect(tabrmderr.KindFatal.String()).To(Equal("fatal"))
		Expect(tabrmderr.Kind(99).String()).To(Equal("unknown"))
	})
})

var _ = Describe("Error", func() {
	It("wraps its cause and unwraps back to it", func() {
		cause := errors.New("transmit failed")
		err := tabrmderr.Wrap(tabrmderr.KindTransport, cause, "could not reach the device")

		Expect(err.Error()).To(ContainSubstring("transport"))
		Expect(err.Error()).To(ContainSubstring("could not reach the device"))
		Expect(errors.Unwrap(err)).To(Equal(cause))
	})

	It("returns nil when asked to wrap a nil cause", func() {
		Expect(tabrmderr.Wrap(tabrmderr.KindTransport, nil, "unreachable")).To(BeNil())
	})

	It("carries a response code when built WithResponse", func() {
		err := tabrmderr.WithResponse(tabrmderr.KindQuota, tabrmderr.ResponseObjectMemory, "handle map full")
		te, ok := tabrmderr.As(err)
		Expect(ok).To(BeTrue())
		Expect(te.Response).To(Equal(tabrmderr.ResponseObjectMemory))
	})

	It("finds a wrapped *Error through an arbitrary number of layers", func() {
		base := tabrmderr.New(tabrmderr.KindFatal, "session in unexpected state")
		wrapped := fmt.Errorf("resourcemgr: %w", base)

		te, ok := tabrmderr.As(wrapped)
		Expect(ok).To(BeTrue())
		Expect(te.Kind).To(Equal(tabrmderr.KindFatal))
	})

	It("reports ok=false for an error that is not a *Error", func() {
		_, ok := tabrmderr.As(errors.New("plain error"))
		Expect(ok).To(BeFalse())
	})
})
