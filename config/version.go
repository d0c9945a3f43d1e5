/*
 Copyright 2023 NanaFS Authors.

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

package config

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

// Set at build time:
//
//	go build -ldflags "-X github.com/basenana/blobfs/config.buildVersion=v0.3.1 \
//	    -X github.com/basenana/blobfs/config.buildCommit=$(git rev-parse --short HEAD)"
var (
	buildVersion = "v0.0.0-dev"
	buildCommit  string
	buildDate    string
)

type Version struct {
	Major     int    `json:"major"`
	Minor     int    `json:"minor"`
	Patch     int    `json:"patch"`
	Release   string `json:"release,omitempty"`
	Git       string `json:"git,omitempty"`
	BuildDate string `json:"build_date,omitempty"`
	GoVersion string `json:"go_version"`
}

func (v Version) Version() string {
	if v.Release == "" {
		return fmt.Sprintf("v%d.%d.%d", v.Major, v.Minor, v.Patch)
	}
	return fmt.Sprintf("v%d.%d.%d-%s", v.Major, v.Minor, v.Patch, v.Release)
}

func VersionInfo() Version {
	return parseVersion(buildVersion)
}

// parseVersion reads a tag like v1.2.3-rc1, missing parts stay zero.
func parseVersion(tag string) Version {
	v := Version{Git: buildCommit, BuildDate: buildDate, GoVersion: runtime.Version()}
	tag = strings.TrimPrefix(strings.TrimSpace(tag), "v")
	numbers, release, _ := strings.Cut(tag, "-")
	v.Release = release

	parts := strings.SplitN(numbers, ".", 3)
	fields := []*int{&v.Major, &v.Minor, &v.Patch}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			break
		}
		*fields[i] = n
	}
	return v
}
