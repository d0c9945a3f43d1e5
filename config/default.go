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
	"path"
)

// DefaultConfig is a config for a single local mount backed by a local
// directory, written by the config init command.
func DefaultConfig(workdir string) Config {
	return Config{
		FUSE: FUSE{
			Enable:   true,
			RootPath: path.Join(workdir, "mnt"),
		},
		Api: Api{
			Enable:  true,
			Host:    "127.0.0.1",
			Port:    17086,
			Metrics: true,
		},
		Storage: Storage{
			ID:       "local-data",
			Type:     LocalStorage,
			LocalDir: path.Join(workdir, "local-data"),
		},
		Cache: Cache{
			Dir:           path.Join(workdir, defaultCacheDir),
			Timeout:       defaultCacheTimeout,
			HighThreshold: defaultHighThreshold,
			LowThreshold:  defaultLowThreshold,
			PollInterval:  defaultPollInterval,
			MaxEviction:   defaultMaxEviction,
			CacheOnList:   true,
		},
		Stream: Stream{
			Enable:           false,
			BlockSize:        defaultBlockSize,
			MaxBlocksPerFile: defaultMaxBlocksPerFile,
			BufferSize:       defaultStreamBuffer,
		},
		FS: defaultFsConfig(),
	}
}
