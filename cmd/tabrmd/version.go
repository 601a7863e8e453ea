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

package main

import "runtime"

// version and gitCommit are stamped at build time via
// -ldflags "-X main.version=... -X main.gitCommit=...".
var (
	version   = "v0.0.1"
	gitCommit = ""
)

// buildInfo is the build-time metadata root.go logs once at startup.
type buildInfo struct {
	Version   string
	GitCommit string
	GoVersion string
}

func getBuildInfo() buildInfo {
	return buildInfo{Version: version, GitCommit: gitCommit, GoVersion: runtime.Version()}
}
