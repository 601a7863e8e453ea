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
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/rancher/tabrmd/pkg/tabrmderr"
	"github.com/rancher/tabrmd/pkg/tcti"
	"github.com/rancher/tabrmd/pkg/wire"
)

// synthError builds a header-only response carrying a TABRMD_* code
// (§7's Quota/Virtualisation/Protocol error kinds).
func synthError(origin wire.Origin, tag wire.StructTag, code tabrmderr.ResponseCode) *wire.Response {
	return wire.NewResponseFromCode(origin, tag, wire.ResponseCode(uint32(code)))
}

// gateResponseCode extracts the TPM response code from a *tcti.ResponseError,
// if err is one.
func gateResponseCode(err error) (wire.ResponseCode, bool) {
	var rerr *tcti.ResponseError
	if errors.As(err, &rerr) {
		return rerr.Code, true
	}
	return 0, false
}

// handleGateErr turns a gate call failure into a response the client can
// see: the TPM's own response code when one was returned, or a
// TABRMD_INTERNAL_ERROR for a transport-level TCTI failure (§7's
// Transport kind — "the connection remains open; device mutex is
// released", which already holds since the gate itself always releases
// its mutex before returning).
func handleGateErr(log logrus.FieldLogger, origin wire.Origin, tag wire.StructTag, err error) *wire.Response {
	if code, ok := gateResponseCode(err); ok {
		return wire.NewResponseFromCode(origin, tag, code)
	}
	log.WithError(err).Warn("resourcemgr: TCTI transport error")
	return synthError(origin, tag, tabrmderr.ResponseInternalError)
}
