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
	"os"
	"path"
)

const (
	DefaultConfigBase   = "blobfs.conf"
	defaultWorkDir      = ".blobfs"
	defaultSysLocalPath = "/var/lib/blobfs"
	defaultCacheDir     = "cache"

	defaultFileMode       = 0644
	defaultDirMode        = 0755
	defaultRemoteTimeout  = 60
	defaultRemoteRetry    = 2
	defaultUploadParallel = 16

	defaultCacheTimeout  = 120
	defaultHighThreshold = 90
	defaultLowThreshold  = 80
	defaultPollInterval  = 1000
	defaultMaxEviction   = 5000

	defaultBlockSize        = 16 << 20
	defaultMaxBlocksPerFile = 3
	defaultStreamBuffer     = 500 << 20
)

func LocalUserPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return defaultSysLocalPath
	}
	return path.Join(homeDir, defaultWorkDir)
}
