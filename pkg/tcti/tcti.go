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

// Package tcti provides the broker's one blocking transport to the
// physical TPM: a thin transmit/receive interface modelled on the
// upstream github.com/canonical/go-tpm2 TCTI, plus the Access Gate that
// serialises every call to it under a single mutex.
package tcti

import (
	"os"
	"time"

	"github.com/twpayne/go-vfs"
)

// DefaultDevicePath is the Linux TPM resource-manager character device.
// Talking to /dev/tpmrm0 rather than /dev/tpm0 means the kernel already
// does basic context swapping for us; the broker layers its own
// virtualisation on top purely to give every client an independent
// illusion of the device; see §1.
const DefaultDevicePath = "/dev/tpmrm0"

// TCTI is the broker's view of a TPM Command Transmission Interface: a
// blocking transmit/receive pair, per §4 ("assumed to provide a blocking
// transmit(bytes) → ok|err / receive(buf, timeout) → size|err
// interface"). Besides that pair and Close it carries only SetLocality,
// which the Access Gate never calls; it omits MakeSticky and Cancel.
type TCTI interface {
	// Transmit sends one complete, already-framed command buffer. A
	// command must be transmitted in a single call.
	Transmit(cmd []byte) error

	// Receive blocks until a complete response is available or timeout
	// elapses, then copies it into buf and returns its length. A
	// timeout of 0 means block indefinitely.
	Receive(buf []byte, timeout time.Duration) (int, error)

	// SetLocality sets the locality used by subsequent commands.
	SetLocality(locality uint8) error

	Close() error
}

// CharDevice is a TCTI backed by a Linux TPM character device. Reads and
// writes are simple blocking syscalls; the kernel driver itself has no
// notion of a read timeout, so a non-zero timeout is enforced with a
// read deadline on the underlying *os.File.
type CharDevice struct {
	f *os.File
}

// OpenCharDevice opens path (DefaultDevicePath if empty) through fs, so
// tests can substitute an in-memory filesystem.
func OpenCharDevice(fs vfs.FS, path string) (*CharDevice, error) {
	if path == "" {
		path = DefaultDevicePath
	}
	f, err := fs.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &CharDevice{f: f}, nil
}

func (c *CharDevice) Transmit(cmd []byte) error {
	_, err := c.f.Write(cmd)
	return err
}

func (c *CharDevice) Receive(buf []byte, timeout time.Duration) (int, error) {
	if timeout > 0 {
		_ = c.f.SetReadDeadline(time.Now().Add(timeout))
		defer c.f.SetReadDeadline(time.Time{})
	}
	return c.f.Read(buf)
}

func (c *CharDevice) SetLocality(locality uint8) error {
	// The Linux TPM character device does not expose a locality
	// control; locality is fixed at the driver's default (0).
	return nil
}

func (c *CharDevice) Close() error {
	return c.f.Close()
}
