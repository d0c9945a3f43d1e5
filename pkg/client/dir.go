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

package client

import (
	"context"
	"os"
	"path/filepath"
	"runtime/trace"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/basenana/blobfs/pkg/attrcache"
	"github.com/basenana/blobfs/pkg/storage"
	"github.com/basenana/blobfs/pkg/types"
)

func (c *client) Mkdir(ctx context.Context, path string, mode os.FileMode) error {
	defer trace.StartRegion(ctx, "client.Mkdir").End()
	defer logOperationLatency("mkdir", time.Now())
	path = types.CleanPath(path)
	if path == "" {
		return types.ErrIsExist
	}
	if err := checkName(path); err != nil {
		return err
	}
	if _, err := c.GetAttr(ctx, path); err == nil {
		return errors.Wrapf(types.ErrIsExist, "%s", path)
	} else if !types.IsNotFound(err) {
		return err
	}
	if err := c.checkParent(ctx, path); err != nil {
		return err
	}

	if mode.Perm() == 0 {
		mode = c.dirMode
	}
	err := c.attrs.Update(ctx, path, func(ctx context.Context, en *attrcache.Entry) error {
		if err := c.store.CreateDirectoryMarker(ctx, path, storage.NewMeta(mode, c.uid, c.gid)); err != nil {
			return err
		}
		en.Invalidate()
		return nil
	})
	if err != nil {
		c.logger.Errorw("create directory failed", "path", path, "err", err)
		return logOperationError("mkdir", err)
	}
	c.attrs.Invalidate(types.ParentDir(path))
	return nil
}

func (c *client) Rmdir(ctx context.Context, path string) error {
	defer trace.StartRegion(ctx, "client.Rmdir").End()
	defer logOperationLatency("rmdir", time.Now())
	path = types.CleanPath(path)
	if path == "" {
		return types.ErrNoPerm
	}
	attr, err := c.GetAttr(ctx, path)
	if err != nil {
		return err
	}
	if !attr.IsDir {
		return errors.Wrapf(types.ErrNotDir, "%s", path)
	}
	if c.attrs.HasConfirmedChildren(path) || c.hasHandlesBelow(path, true) {
		return errors.Wrapf(types.ErrNotEmpty, "%s", path)
	}

	err = c.attrs.Update(ctx, path, func(ctx context.Context, en *attrcache.Entry) error {
		if err := c.store.Delete(ctx, path); err != nil && !types.IsNotFound(err) {
			return err
		}
		en.Invalidate()
		return nil
	})
	if err != nil {
		return logOperationError("rmdir", err)
	}
	c.attrs.InvalidateRecursive(path)
	c.attrs.Invalidate(types.ParentDir(path))
	if err = c.files.EvictAll(path); err != nil {
		c.logger.Warnw("evict local directory failed", "path", path, "err", err)
	}
	return nil
}

func (c *client) Unlink(ctx context.Context, path string) error {
	defer trace.StartRegion(ctx, "client.Unlink").End()
	defer logOperationLatency("unlink", time.Now())
	path = types.CleanPath(path)
	attr, err := c.GetAttr(ctx, path)
	if err != nil {
		return err
	}
	if attr.IsDir {
		return errors.Wrapf(types.ErrIsDir, "%s", path)
	}

	_, localOnly := c.pendingAttr(path)
	err = c.attrs.Update(ctx, path, func(ctx context.Context, en *attrcache.Entry) error {
		err := c.store.Delete(ctx, path)
		if err != nil && !(localOnly && types.IsNotFound(err)) {
			return err
		}
		en.Invalidate()
		return nil
	})
	if err != nil {
		c.logger.Errorw("delete file failed", "path", path, "err", err)
		return logOperationError("unlink", err)
	}

	c.orphanHandles(path)
	c.streamer.Delete(path)
	c.attrs.Invalidate(types.ParentDir(path))
	if err = c.files.Evict(path); err != nil {
		c.logger.Warnw("evict local file failed", "path", path, "err", err)
	}
	return nil
}

func (c *client) Rename(ctx context.Context, src, dst string, noReplace bool) error {
	defer trace.StartRegion(ctx, "client.Rename").End()
	defer logOperationLatency("rename", time.Now())
	src, dst = types.CleanPath(src), types.CleanPath(dst)
	if src == dst {
		return nil
	}
	if src == "" || dst == "" {
		return types.ErrNoPerm
	}
	if types.IsChildOf(dst, src) {
		return errors.Wrapf(types.ErrInvalid, "move %s into itself", src)
	}
	if err := checkName(dst); err != nil {
		return err
	}

	if err := c.flushHandles(ctx, src); err != nil {
		return err
	}
	srcAttr, err := c.GetAttr(ctx, src)
	if err != nil {
		return err
	}
	dstAttr, err := c.GetAttr(ctx, dst)
	switch {
	case err == nil:
		if noReplace {
			return errors.Wrapf(types.ErrIsExist, "%s", dst)
		}
		if !srcAttr.IsDir && dstAttr.IsDir {
			return errors.Wrapf(types.ErrIsDir, "%s", dst)
		}
		if srcAttr.IsDir && !dstAttr.IsDir {
			return errors.Wrapf(types.ErrNotDir, "%s", dst)
		}
		if dstAttr.IsDir && (!dstAttr.IsEmptyDir || c.attrs.HasConfirmedChildren(dst)) {
			return errors.Wrapf(types.ErrNotEmpty, "%s", dst)
		}
	case types.IsNotFound(err):
		if err = c.checkParent(ctx, dst); err != nil {
			return err
		}
	default:
		return err
	}

	err = c.attrs.Rename(ctx, src, dst, srcAttr.IsDir, func(ctx context.Context) error {
		return c.store.Rename(ctx, src, dst)
	})
	if err != nil {
		c.logger.Errorw("rename failed", "src", src, "dst", dst, "err", err)
		return logOperationError("rename", err)
	}

	c.streamer.Delete(src)
	c.streamer.Delete(dst)
	c.moveLocal(src, dst, srcAttr.IsDir)
	c.moveHandles(src, dst)
	c.attrs.Invalidate(types.ParentDir(src))
	c.attrs.Invalidate(types.ParentDir(dst))
	return nil
}

// flushHandles uploads the dirty handles of path and everything below it.
func (c *client) flushHandles(ctx context.Context, path string) error {
	c.mux.Lock()
	var dirty []*file
	for _, f := range c.handles {
		if (f.path == path || types.IsChildOf(f.path, path)) && f.local != nil {
			dirty = append(dirty, f)
		}
	}
	c.mux.Unlock()
	for _, f := range dirty {
		if err := f.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

// moveLocal carries local copies still used by open handles along with a
// rename and drops the others.
func (c *client) moveLocal(src, dst string, isDir bool) {
	evict := c.files.Evict
	if isDir {
		evict = c.files.EvictAll
	}
	if err := evict(dst); err != nil {
		c.logger.Warnw("evict local copy failed", "path", dst, "err", err)
	}
	if !c.hasHandlesBelow(src, isDir) {
		if err := evict(src); err != nil {
			c.logger.Warnw("evict local copy failed", "path", src, "err", err)
		}
		return
	}

	unlock := c.locks.LockFile(src)
	defer unlock()
	localDst := c.files.PrependRoot(dst)
	if err := os.MkdirAll(filepath.Dir(localDst), 0755); err != nil {
		c.logger.Warnw("prepare local dir failed", "path", dst, "err", err)
		return
	}
	if err := os.Rename(c.files.PrependRoot(src), localDst); err != nil && !os.IsNotExist(err) {
		c.logger.Warnw("move local copy failed", "src", src, "dst", dst, "err", err)
	}
}

// ReadDir merges the remote listing with files so far only created
// locally, each name reported once.
func (c *client) ReadDir(ctx context.Context, dir string) ([]types.Attribute, error) {
	defer trace.StartRegion(ctx, "client.ReadDir").End()
	defer logOperationLatency("read_dir", time.Now())
	dir = types.CleanPath(dir)
	attr, err := c.GetAttr(ctx, dir)
	if err != nil {
		return nil, err
	}
	if !attr.IsDir {
		return nil, errors.Wrapf(types.ErrNotDir, "%s", dir)
	}

	items, err := c.attrs.ListDirectory(ctx, dir, func(ctx context.Context) ([]types.Attribute, error) {
		return c.listAll(ctx, dir, storage.Delimiter)
	})
	if err != nil {
		c.logger.Errorw("list directory failed", "dir", dir, "err", err)
		return nil, logOperationError("read_dir", err)
	}

	var (
		result = make([]types.Attribute, 0, len(items))
		seen   = make(map[string]struct{}, len(items))
	)
	for _, item := range items {
		name := types.BaseName(item.Path)
		if _, ok := seen[name]; ok || name == "" {
			continue
		}
		seen[name] = struct{}{}
		result = append(result, *c.withDefaults(item))
	}
	for _, p := range c.pendingChildren(dir) {
		if _, ok := seen[types.BaseName(p)]; ok {
			continue
		}
		if pending, ok := c.pendingAttr(p); ok {
			seen[pending.Name] = struct{}{}
			result = append(result, *pending)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// listAll follows the continuation tokens of dir to the end.
func (c *client) listAll(ctx context.Context, dir, delimiter string) ([]types.Attribute, error) {
	var (
		result       []types.Attribute
		continuation string
	)
	for {
		page, err := c.store.List(ctx, dir, delimiter, continuation)
		if err != nil {
			return nil, err
		}
		result = append(result, page.Items...)
		if page.Next == "" || page.Next == continuation {
			return result, nil
		}
		continuation = page.Next
	}
}
