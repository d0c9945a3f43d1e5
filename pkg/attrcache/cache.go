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
	"context"
	"errors"
	"runtime/trace"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/basenana/blobfs/config"
	"github.com/basenana/blobfs/pkg/pathlock"
	"github.com/basenana/blobfs/pkg/types"
	"github.com/basenana/blobfs/utils/logger"
)

// FetchFunc loads the attribute of path from the remote store.
type FetchFunc func(ctx context.Context, path string) (*types.Attribute, error)

// ListFunc lists the direct children of a directory from the remote store.
type ListFunc func(ctx context.Context) ([]types.Attribute, error)

type Stats struct {
	Entries int   `json:"entries"`
	Swept   int64 `json:"swept"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Fetches int64 `json:"fetches"`
}

// Cache maps paths to attribute entries.
//
// Lookups take the parent directory lock shared and the entry lock
// shared, upgrading to the entry lock exclusive for the fetch. Mutations
// take the directory lock shared and the entry lock exclusive. Listings
// take the directory lock exclusive.
type Cache struct {
	locks       *pathlock.Registry
	entries     *pathlock.Arena[Entry]
	cacheOnList bool

	hits    int64
	misses  int64
	fetches int64

	logger *zap.SugaredLogger
}

func NewCache(locks *pathlock.Registry, cfg config.Cache) *Cache {
	return &Cache{
		locks:       locks,
		entries:     pathlock.NewArena[Entry](cfg.AttrCapacity, newEntry),
		cacheOnList: cfg.CacheOnList,
		logger:      logger.NewLogger("attrCache"),
	}
}

// GetOrFetch returns the confirmed attribute of path, calling fetch at
// most once for concurrent callers of an unconfirmed entry. A NotFound
// fetch yields an attribute with Exists unset and leaves the entry
// unconfirmed.
func (c *Cache) GetOrFetch(ctx context.Context, path string, fetch FetchFunc) (types.Attribute, error) {
	defer trace.StartRegion(ctx, "attrcache.GetOrFetch").End()
	path = types.CleanPath(path)

	unlockDir := c.locks.RLockDirectory(types.ParentDir(path))
	defer unlockDir()

	en, release := c.entries.Acquire(path)
	defer release()

	en.mu.RLock()
	if en.confirmed {
		attr := en.attr
		en.mu.RUnlock()
		c.hit()
		return attr, nil
	}
	en.mu.RUnlock()

	en.mu.Lock()
	defer en.mu.Unlock()
	if en.confirmed {
		c.hit()
		return en.attr, nil
	}

	atomic.AddInt64(&c.misses, 1)
	attrCacheMissCounter.Inc()
	atomic.AddInt64(&c.fetches, 1)
	attr, err := fetch(ctx, path)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			en.markNotFound()
			return en.attr, nil
		}
		attrCacheFetchErrorCounter.Inc()
		c.logger.Warnw("fetch attribute failed", "path", path, "err", err)
		return types.Attribute{}, err
	}
	en.Set(*attr)
	return en.attr, nil
}

// Get returns the attribute of path only when it is cached and confirmed.
func (c *Cache) Get(path string) (types.Attribute, bool) {
	en, ok := c.entries.Peek(types.CleanPath(path))
	if !ok {
		return types.Attribute{}, false
	}
	en.mu.RLock()
	defer en.mu.RUnlock()
	if !en.confirmed {
		return types.Attribute{}, false
	}
	return en.attr, true
}

// Update runs fn holding the parent directory lock shared and the entry
// lock of path exclusive. fn usually performs the remote mutation and
// then sets or invalidates the entry.
func (c *Cache) Update(ctx context.Context, path string, fn func(ctx context.Context, en *Entry) error) error {
	defer trace.StartRegion(ctx, "attrcache.Update").End()
	path = types.CleanPath(path)

	unlockDir := c.locks.RLockDirectory(types.ParentDir(path))
	defer unlockDir()

	en, release := c.entries.Acquire(path)
	defer release()
	en.mu.Lock()
	defer en.mu.Unlock()
	return fn(ctx, en)
}

// Rename runs fn holding both parent directories shared and the source
// entry exclusive. After a successful fn the source and destination are
// invalidated, along with their subtrees when isDir is set.
func (c *Cache) Rename(ctx context.Context, src, dst string, isDir bool, fn func(ctx context.Context) error) error {
	defer trace.StartRegion(ctx, "attrcache.Rename").End()
	src, dst = types.CleanPath(src), types.CleanPath(dst)

	unlockDirs := c.locks.RLockDirectories(types.ParentDir(src), types.ParentDir(dst))
	defer unlockDirs()

	err := func() error {
		en, release := c.entries.Acquire(src)
		defer release()
		en.mu.Lock()
		defer en.mu.Unlock()
		if err := fn(ctx); err != nil {
			return err
		}
		en.Invalidate()
		return nil
	}()
	if err != nil {
		return err
	}

	// both parents are held shared already
	held := map[string]bool{types.ParentDir(src): true, types.ParentDir(dst): true}
	c.invalidate(dst)
	if isDir {
		c.invalidateKeys(c.subtree(src), held)
		c.invalidateKeys(c.subtree(dst), held)
	}
	return nil
}

// Invalidate drops the confirmed state of path only, its children are
// untouched. The parent directory lock is taken shared, so an in-flight
// listing of the parent finishes before the entry is dropped.
func (c *Cache) Invalidate(path string) {
	path = types.CleanPath(path)
	unlockDir := c.locks.RLockDirectory(types.ParentDir(path))
	defer unlockDir()
	c.invalidate(path)
}

// InvalidateRecursive invalidates every cached path below dir, one entry
// lock at a time.
func (c *Cache) InvalidateRecursive(dir string) {
	c.invalidateKeys(c.subtree(types.CleanPath(dir)), nil)
}

func (c *Cache) subtree(dir string) []string {
	return c.entries.Keys(func(k string) bool { return types.IsChildOf(k, dir) })
}

// invalidateKeys takes the parent lock of each key shared unless it is
// already in held.
func (c *Cache) invalidateKeys(keys []string, held map[string]bool) {
	for _, k := range keys {
		parent := types.ParentDir(k)
		if held[parent] {
			c.invalidate(k)
			continue
		}
		unlockDir := c.locks.RLockDirectory(parent)
		c.invalidate(k)
		unlockDir()
	}
}

// invalidate needs the parent directory lock of path held.
func (c *Cache) invalidate(path string) {
	en, ok := c.entries.Peek(path)
	if !ok {
		return
	}
	en.mu.Lock()
	en.Invalidate()
	en.mu.Unlock()
	attrCacheInvalidateCounter.Inc()
}

// ListDirectory holds the directory lock of dir exclusive while list runs
// and the result is merged into the cache.
func (c *Cache) ListDirectory(ctx context.Context, dir string, list ListFunc) ([]types.Attribute, error) {
	defer trace.StartRegion(ctx, "attrcache.ListDirectory").End()
	dir = types.CleanPath(dir)

	unlock := c.locks.LockDirectory(dir)
	defer unlock()

	items, err := list(ctx)
	if err != nil {
		return nil, err
	}
	if c.cacheOnList {
		c.bulkUpdate(dir, items)
	}
	return items, nil
}

// BulkUpdateFromListing confirms the entries of a fresh listing of dir.
// Cached children missing from items are left as they are.
func (c *Cache) BulkUpdateFromListing(dir string, items []types.Attribute) {
	dir = types.CleanPath(dir)
	unlock := c.locks.LockDirectory(dir)
	defer unlock()
	c.bulkUpdate(dir, items)
}

// bulkUpdate needs the directory lock of dir held exclusive.
func (c *Cache) bulkUpdate(dir string, items []types.Attribute) {
	for _, item := range items {
		p := types.CleanPath(item.Path)
		if p == dir || types.ParentDir(p) != dir {
			c.logger.Debugw("skip listing item outside directory", "dir", dir, "path", item.Path)
			continue
		}

		en, release := c.entries.Acquire(p)
		en.mu.Lock()
		old := en.attr
		if en.confirmed && old.MetaRetrieved && !item.MetaRetrieved && sameContent(old, item) {
			item.Mode, item.UID, item.GID = old.Mode, old.UID, old.GID
			item.Metadata = old.Metadata
			item.MetaRetrieved = true
		}
		en.Set(item)
		en.mu.Unlock()
		release()
	}
	attrCacheListingCounter.Inc()
}

// HasConfirmedChildren reports whether the cache knows of any existing
// child of dir, letting rmdir fail fast without a remote listing.
func (c *Cache) HasConfirmedChildren(dir string) bool {
	dir = types.CleanPath(dir)
	keys := c.entries.Keys(func(k string) bool {
		return k != dir && types.ParentDir(k) == dir
	})
	for _, k := range keys {
		if attr, ok := c.Get(k); ok && attr.Exists {
			return true
		}
	}
	return false
}

func (c *Cache) Stats() Stats {
	return Stats{
		Entries: c.entries.Len(),
		Swept:   c.entries.Swept(),
		Hits:    atomic.LoadInt64(&c.hits),
		Misses:  atomic.LoadInt64(&c.misses),
		Fetches: atomic.LoadInt64(&c.fetches),
	}
}

func (c *Cache) hit() {
	atomic.AddInt64(&c.hits, 1)
	attrCacheHitCounter.Inc()
}

func sameContent(a, b types.Attribute) bool {
	if a.IsDir != b.IsDir {
		return false
	}
	if a.ETag != "" && b.ETag != "" {
		return a.ETag == b.ETag
	}
	return a.Size == b.Size && a.ModifiedAt.Equal(b.ModifiedAt)
}
