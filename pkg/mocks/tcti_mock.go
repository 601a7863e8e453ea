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

package mocks

import (
	"fmt"
	"time"
)

// FakeTCTI is a scripted stand-in for a physical TPM. Tests queue one
// response (or error) per expected Transmit/Receive round-trip with
// QueueResponse/QueueError and can inspect every command that was sent
// through Sent.
type FakeTCTI struct {
	Sent        [][]byte
	responses   [][]byte
	errs        []error
	SideEffect  func(cmd []byte) ([]byte, error)
	Closed      bool
	Localities  []uint8
	NoResponder error
}

func NewFakeTCTI() *FakeTCTI {
	return &FakeTCTI{}
}

// QueueResponse arranges for the next Receive to return buf.
func (f *FakeTCTI) QueueResponse(buf []byte) {
	f.responses = append(f.responses, buf)
	f.errs = append(f.errs, nil)
}

// QueueError arranges for the next Receive to fail with err.
func (f *FakeTCTI) QueueError(err error) {
	f.responses = append(f.responses, nil)
	f.errs = append(f.errs, err)
}

func (f *FakeTCTI) Transmit(cmd []byte) error {
	cp := make([]byte, len(cmd))
	copy(cp, cmd)
	f.Sent = append(f.Sent, cp)

	if f.SideEffect != nil {
		resp, err := f.SideEffect(cp)
		f.responses = append(f.responses, resp)
		f.errs = append(f.errs, err)
	}
	return nil
}

func (f *FakeTCTI) Receive(buf []byte, _ time.Duration) (int, error) {
	if len(f.responses) == 0 {
		if f.NoResponder != nil {
			return 0, f.NoResponder
		}
		return 0, fmt.Errorf("mocks: FakeTCTI.Receive called with no queued response")
	}
	resp, err := f.responses[0], f.errs[0]
	f.responses = f.responses[1:]
	f.errs = f.errs[1:]
	if err != nil {
		return 0, err
	}
	n := copy(buf, resp)
	return n, nil
}

func (f *FakeTCTI) SetLocality(locality uint8) error {
	f.Localities = append(f.Localities, locality)
	return nil
}

func (f *FakeTCTI) Close() error {
	f.Closed = true
	return nil
}
