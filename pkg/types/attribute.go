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

package types

import (
	"os"
	"time"
)

const (
	MetaKeyMode    = "blobfs-mode"
	MetaKeyOwner   = "blobfs-owner"
	MetaKeyGroup   = "blobfs-group"
	MetaKeyACL     = "blobfs-acl"
	MetaKeySymlink = "blobfs-symlink"
	MetaKeyDirHint = "hdi_isfolder"
)

// Attribute is the metadata of one remote path as reported by the store
// or held in the attribute cache.
type Attribute struct {
	Name       string
	Path       string
	Size       int64
	ModifiedAt time.Time
	Mode       os.FileMode
	UID        int64
	GID        int64
	ETag       string
	Metadata   map[string]string

	IsDir         bool
	IsEmptyDir    bool
	IsSymlink     bool
	MetaRetrieved bool
	Exists        bool
	Valid         bool
}

func (a Attribute) FileMode() os.FileMode {
	mode := a.Mode.Perm()
	switch {
	case a.IsDir:
		mode |= os.ModeDir
	case a.IsSymlink:
		mode |= os.ModeSymlink
	}
	return mode
}

type ListResult struct {
	Items []Attribute
	Next  string
}

type ACL struct {
	Owner       string
	Group       string
	Permissions os.FileMode
	Entries     string
}

type FsInfo struct {
	TotalBytes uint64
	UsageBytes uint64
	Files      uint64
}

type OpenAttr struct {
	Read   bool
	Write  bool
	Create bool
	Trunc  bool
	Append bool
}
