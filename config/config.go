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

type Config struct {
	FUSE    FUSE    `json:"fuse"`
	Api     Api     `json:"api"`
	Webdav  *Webdav `json:"webdav,omitempty"`
	Storage Storage `json:"storage"`
	Cache   Cache   `json:"cache"`
	Stream  Stream  `json:"stream"`
	FS      *FS     `json:"fs,omitempty"`

	LogFile string `json:"log_file,omitempty"`
	Debug   bool   `json:"debug,omitempty"`
}

type Api struct {
	Enable  bool   `json:"enable"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Metrics bool   `json:"metrics"`
	Pprof   bool   `json:"pprof"`
	// Secret signs admin tokens, the admin routes stay open when it is empty.
	Secret string `json:"secret,omitempty"`
}

type Webdav struct {
	Enable         bool            `json:"enable"`
	Host           string          `json:"host"`
	Port           int             `json:"port"`
	OverwriteUsers []OverwriteUser `json:"overwrite_users"`
}

type FUSE struct {
	Enable       bool     `json:"enable"`
	RootPath     string   `json:"root_path"`
	MountOptions []string `json:"mount_options,omitempty"`
	DisplayName  string   `json:"display_name,omitempty"`
	VerboseLog   bool     `json:"verbose_log,omitempty"`
	ReadOnly     bool     `json:"read_only,omitempty"`

	EntryTimeout *int `json:"entry_timeout,omitempty"`
	AttrTimeout  *int `json:"attr_timeout,omitempty"`
}

type OverwriteUser struct {
	UID      int64  `json:"uid"`
	GID      int64  `json:"gid"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Cache configures the local file cache and the attribute cache.
type Cache struct {
	Dir string `json:"dir"`
	// Timeout is the idle time in seconds before a closed file is evicted.
	Timeout int `json:"timeout"`
	// Size is a fixed byte budget for the cache dir; 0 uses the free space
	// of the underlying filesystem instead.
	Size          int64   `json:"size,omitempty"`
	HighThreshold float64 `json:"high_threshold"`
	LowThreshold  float64 `json:"low_threshold"`
	PollInterval  int     `json:"poll_interval_ms"`
	MaxEviction   int     `json:"max_eviction"`
	// AttrCapacity bounds the attribute entry and lock arenas; 0 is unbounded.
	AttrCapacity int  `json:"attr_capacity,omitempty"`
	CacheOnList  bool `json:"cache_on_list"`
}

// Stream configures block caching for streamed reads.
type Stream struct {
	Enable           bool  `json:"enable"`
	BlockSize        int64 `json:"block_size"`
	MaxBlocksPerFile int   `json:"max_blocks_per_file"`
	BufferSize       int64 `json:"buffer_size"`
}
