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

package ipcfrontend

import "os"

// pipeStream is the broker's end of a client connection: a unidirectional
// read pipe fed by the client's send_fd, and a unidirectional write pipe
// feeding the client's recv_fd. This mirrors the connection-manager's use
// of two pipe(2) pairs rather than a single bidirectional socket, so a
// client can never read back bytes it wrote itself.
type pipeStream struct {
	r *os.File
	w *os.File
}

func (p *pipeStream) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeStream) Write(b []byte) (int, error) { return p.w.Write(b) }

func (p *pipeStream) Close() error {
	rerr := p.r.Close()
	werr := p.w.Close()
	if rerr != nil {
		return rerr
	}
	return werr
}
