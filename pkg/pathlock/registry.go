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

package pathlock

import (
	"sort"
	"sync"
)

// Registry holds the directory and file locks of the filesystem.
//
// A caller needing both a directory lock and a file lock takes the
// directory lock first and holds at most one file lock at a time.
type Registry struct {
	dirs  *Arena[sync.RWMutex]
	files *Arena[sync.Mutex]
}

func NewRegistry(capacity int) *Registry {
	return &Registry{
		dirs:  NewArena[sync.RWMutex](capacity, func(string) *sync.RWMutex { return &sync.RWMutex{} }),
		files: NewArena[sync.Mutex](capacity, func(string) *sync.Mutex { return &sync.Mutex{} }),
	}
}

// DirectoryLock returns the lock of dir, pinned until release is called.
func (r *Registry) DirectoryLock(dir string) (lock *sync.RWMutex, release func()) {
	return r.dirs.Acquire(dir)
}

// FileLock returns the local cache file lock of path, pinned until
// release is called.
func (r *Registry) FileLock(path string) (lock *sync.Mutex, release func()) {
	return r.files.Acquire(path)
}

func (r *Registry) RLockDirectory(dir string) (unlock func()) {
	mu, release := r.DirectoryLock(dir)
	mu.RLock()
	return func() {
		mu.RUnlock()
		release()
	}
}

func (r *Registry) LockDirectory(dir string) (unlock func()) {
	mu, release := r.DirectoryLock(dir)
	mu.Lock()
	return func() {
		mu.Unlock()
		release()
	}
}

// RLockDirectories takes the shared lock of every distinct dir in sorted
// order, so concurrent multi-directory callers cannot deadlock against a
// pending exclusive listing.
func (r *Registry) RLockDirectories(dirs ...string) (unlock func()) {
	uniq := make(map[string]struct{}, len(dirs))
	for _, d := range dirs {
		uniq[d] = struct{}{}
	}
	sorted := make([]string, 0, len(uniq))
	for d := range uniq {
		sorted = append(sorted, d)
	}
	sort.Strings(sorted)

	unlocks := make([]func(), len(sorted))
	for i, d := range sorted {
		unlocks[i] = r.RLockDirectory(d)
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

func (r *Registry) LockFile(path string) (unlock func()) {
	mu, release := r.FileLock(path)
	mu.Lock()
	return func() {
		mu.Unlock()
		release()
	}
}

// TryLockFile is LockFile without blocking; ok is false when the lock is held.
func (r *Registry) TryLockFile(path string) (unlock func(), ok bool) {
	mu, release := r.FileLock(path)
	if !mu.TryLock() {
		release()
		return nil, false
	}
	return func() {
		mu.Unlock()
		release()
	}, true
}

func (r *Registry) Stats() (dirs, files int) {
	return r.dirs.Len(), r.files.Len()
}
