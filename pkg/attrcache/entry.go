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

package attrcache

import (
	"sync"

	"github.com/basenana/blobfs/pkg/types"
)

// Entry is the cached attribute of one path. An unconfirmed entry is
// never served as authoritative.
//
// The accessors below do not lock: they are only called by the cache
// or from an Update callback, both of which hold mu.
type Entry struct {
	path      string
	mu        sync.RWMutex
	confirmed bool
	attr      types.Attribute
}

func newEntry(path string) *Entry {
	return &Entry{path: path, attr: types.Attribute{Path: path, Name: types.BaseName(path)}}
}

func (e *Entry) Path() string {
	return e.path
}

func (e *Entry) Confirmed() bool {
	return e.confirmed
}

func (e *Entry) Attr() types.Attribute {
	return e.attr
}

// Set confirms the entry with attr as reported by the remote store.
func (e *Entry) Set(attr types.Attribute) {
	attr.Path = e.path
	attr.Name = types.BaseName(e.path)
	attr.Exists = true
	attr.Valid = true
	e.attr = attr
	e.confirmed = true
}

func (e *Entry) Invalidate() {
	e.confirmed = false
	e.attr.Valid = false
}

func (e *Entry) markNotFound() {
	e.attr = types.Attribute{Path: e.path, Name: types.BaseName(e.path)}
	e.confirmed = false
}
