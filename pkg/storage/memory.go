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

package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/basenana/blobfs/pkg/types"
)

type memoryObject struct {
	data    []byte
	meta    map[string]string
	modTime time.Time
	etag    string
}

// memoryObjectStore keeps every object in process memory. It backs the
// memory storage type and the tests.
type memoryObjectStore struct {
	objects map[string]*memoryObject
	mux     sync.Mutex
}

var _ objectStore = &memoryObjectStore{}

func newMemoryObjectStore() *memoryObjectStore {
	return &memoryObjectStore{objects: map[string]*memoryObject{}}
}

func (m *memoryObjectStore) headObject(ctx context.Context, key string) (*objectInfo, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, errors.Wrapf(types.ErrNotFound, "%s", key)
	}
	return obj.info(key), nil
}

func (m *memoryObjectStore) getObject(ctx context.Context, key string, off, limit int64) (io.ReadCloser, error) {
	m.mux.Lock()
	obj, ok := m.objects[key]
	m.mux.Unlock()
	if !ok {
		return nil, errors.Wrapf(types.ErrNotFound, "%s", key)
	}

	size := int64(len(obj.data))
	if off < 0 || (off > 0 && off >= size) {
		return nil, types.ErrInvalidRange
	}
	end := size
	if limit > 0 && off+limit < size {
		end = off + limit
	}
	return io.NopCloser(bytes.NewReader(obj.data[off:end])), nil
}

func (m *memoryObjectStore) putObject(ctx context.Context, key string, in io.Reader, size int64, meta map[string]string) error {
	data, err := io.ReadAll(in)
	if err != nil {
		return err
	}
	sum := md5.Sum(data)

	m.mux.Lock()
	defer m.mux.Unlock()
	m.objects[key] = &memoryObject{
		data:    data,
		meta:    copyMeta(meta),
		modTime: time.Now(),
		etag:    hex.EncodeToString(sum[:]),
	}
	return nil
}

func (m *memoryObjectStore) copyObject(ctx context.Context, src, dst string, meta map[string]string) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	obj, ok := m.objects[src]
	if !ok {
		return errors.Wrapf(types.ErrNotFound, "%s", src)
	}
	if meta == nil {
		meta = obj.meta
	}
	m.objects[dst] = &memoryObject{
		data:    obj.data,
		meta:    copyMeta(meta),
		modTime: time.Now(),
		etag:    obj.etag,
	}
	return nil
}

func (m *memoryObjectStore) deleteObject(ctx context.Context, key string) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	if _, ok := m.objects[key]; !ok {
		return errors.Wrapf(types.ErrNotFound, "%s", key)
	}
	delete(m.objects, key)
	return nil
}

func (m *memoryObjectStore) listObjects(ctx context.Context, prefix, delimiter, startAfter string, max int) ([]objectInfo, bool, error) {
	m.mux.Lock()
	defer m.mux.Unlock()

	keys := make([]string, 0, len(m.objects))
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) && key > startAfter {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	var (
		result     []objectInfo
		lastPrefix string
	)
	for _, key := range keys {
		if delimiter != "" {
			rest := key[len(prefix):]
			if idx := strings.Index(rest, delimiter); idx >= 0 {
				common := prefix + rest[:idx+len(delimiter)]
				if common == lastPrefix || common <= startAfter {
					continue
				}
				if max > 0 && len(result) == max {
					return result, true, nil
				}
				lastPrefix = common
				result = append(result, objectInfo{Key: common, IsPrefix: true})
				continue
			}
		}
		if max > 0 && len(result) == max {
			return result, true, nil
		}
		result = append(result, *m.objects[key].info(key))
	}
	return result, false, nil
}

func (o *memoryObject) info(key string) *objectInfo {
	return &objectInfo{
		Key:        key,
		Size:       int64(len(o.data)),
		ModifiedAt: o.modTime,
		ETag:       o.etag,
		Meta:       copyMeta(o.meta),
	}
}

func copyMeta(meta map[string]string) map[string]string {
	result := make(map[string]string, len(meta))
	for k, v := range meta {
		result[k] = v
	}
	return result
}
