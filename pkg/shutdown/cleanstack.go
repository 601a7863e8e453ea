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

// Package shutdown sequences the broker's teardown: closing the D-Bus
// connection, pushing a CheckCancel message to each pipeline stage and
// closing the TPM Access Gate, in last-in-first-out order so a resource
// is torn down only after everything built on top of it already has
// been. No job waits for a pipeline goroutine to return, and client
// streams are closed by the Command Source outside the stack. The
// broker pushes one job per resource as it comes up and drains the
// whole stack both on a graceful Shutdown and to unwind a partially
// built Broker when New or Run fails partway through.
package shutdown

import (
	"github.com/hashicorp/go-multierror"
)

// CleanFunc is one teardown step, such as closing the Access Gate or
// signalling a pipeline stage to stop.
type CleanFunc func() error

// NewStack returns an empty teardown stack.
func NewStack() *Stack {
	return &Stack{}
}

// Stack is a LIFO sequence of teardown jobs.
type Stack struct {
	jobs []CleanFunc
}

// Push adds a job to run during the next Cleanup.
func (s *Stack) Push(cFunc CleanFunc) {
	s.jobs = append(s.jobs, cFunc)
}

// Pop removes and returns the most recently pushed job, or nil if the
// stack is empty.
func (s *Stack) Pop() CleanFunc {
	if len(s.jobs) == 0 {
		return nil
	}
	last := len(s.jobs) - 1
	job := s.jobs[last]
	s.jobs = s.jobs[:last]
	return job
}

// Cleanup runs every pushed job in reverse order and returns the
// aggregate of err and every job error via hashicorp/go-multierror.
func (s *Stack) Cleanup(err error) error {
	var errs error
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	for job := s.Pop(); job != nil; job = s.Pop() {
		if jerr := job(); jerr != nil {
			errs = multierror.Append(errs, jerr)
		}
	}
	return errs
}
