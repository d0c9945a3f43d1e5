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
	"io"
	"os"
	"path/filepath"
	"runtime/trace"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/basenana/blobfs/pkg/attrcache"
	"github.com/basenana/blobfs/pkg/stream"
	"github.com/basenana/blobfs/pkg/types"
	"github.com/basenana/blobfs/utils"
)

// File is an open handle. Streamed handles read through the block cache,
// all others work on a local copy that is uploaded on flush and close.
type File interface {
	ID() int64
	Path() string
	GetAttr() types.OpenAttr
	ReadAt(ctx context.Context, dest []byte, off int64) (int64, error)
	WriteAt(ctx context.Context, data []byte, off int64) (int64, error)
	Truncate(ctx context.Context, size int64) error
	Flush(ctx context.Context) error
	Fsync(ctx context.Context) error
	Close(ctx context.Context) error
}

// openedFile is the per path state shared by all handles of that path.
type openedFile struct {
	refs      int
	localRefs int
	mode      os.FileMode
	// pending is set while the local copy holds data the store has not
	// seen yet, version counts local changes so an upload only clears
	// pending when nothing was written meanwhile.
	pending bool
	version int64
	force   bool
}

type file struct {
	id     int64
	path   string
	attr   types.OpenAttr
	local  *os.File
	stream *stream.Handle
	dirty  int32
	orphan int32
	closed bool
	client *client
	mux    sync.RWMutex
}

var _ File = &file{}

func (c *client) Open(ctx context.Context, path string, attr types.OpenAttr, mode os.FileMode) (File, error) {
	defer trace.StartRegion(ctx, "client.Open").End()
	defer logOperationLatency("open", time.Now())
	path = types.CleanPath(path)
	if path == "" {
		return nil, types.ErrIsDir
	}

	existing, err := c.GetAttr(ctx, path)
	switch {
	case err == nil:
		if existing.IsDir {
			return nil, errors.Wrapf(types.ErrIsDir, "%s", path)
		}
		mode = existing.Mode
	case types.IsNotFound(err):
		if !attr.Create {
			return nil, err
		}
		if err = checkName(path); err != nil {
			return nil, err
		}
		if err = c.checkParent(ctx, path); err != nil {
			return nil, err
		}
		existing = nil
		if mode.Perm() == 0 {
			mode = c.fileMode
		}
	default:
		return nil, err
	}

	f := &file{id: utils.GenerateNewID(), path: path, attr: attr, client: c}
	if existing != nil && !attr.Write && !attr.Trunc && c.streamer.Enabled() && !c.inUse(path) {
		f.stream = c.streamer.Open(ctx, path)
		c.register(f, mode, false)
		return f, nil
	}

	if err = c.openLocal(ctx, f, existing, mode); err != nil {
		c.logger.Errorw("open local copy failed", "path", path, "err", err)
		return nil, logOperationError("open", err)
	}
	return f, nil
}

func (c *client) Create(ctx context.Context, path string, mode os.FileMode) (File, error) {
	return c.Open(ctx, path, types.OpenAttr{Read: true, Write: true, Create: true}, mode)
}

func (c *client) Truncate(ctx context.Context, path string, size int64) error {
	defer trace.StartRegion(ctx, "client.Truncate").End()
	f, err := c.Open(ctx, path, types.OpenAttr{Read: true, Write: true}, 0)
	if err != nil {
		return err
	}
	if err = f.Truncate(ctx, size); err != nil {
		_ = f.Close(ctx)
		return err
	}
	return f.Close(ctx)
}

// openLocal reuses the local copy when it matches the remote attribute
// or another handle is using it, and downloads a fresh one otherwise.
// The handle is registered before the file lock is released.
func (c *client) openLocal(ctx context.Context, f *file, existing *types.Attribute, mode os.FileMode) error {
	unlock := c.locks.LockFile(f.path)
	defer unlock()

	var (
		localPath = c.files.PrependRoot(f.path)
		flag      = os.O_RDWR
		create    = existing == nil || f.attr.Trunc
	)
	switch {
	case create:
		flag |= os.O_CREATE | os.O_TRUNC
		if info, err := os.Stat(localPath); err == nil {
			c.files.TrackBytes(-info.Size())
		}
	case c.inUse(f.path):
	case !localFresh(localPath, existing):
		if err := c.download(ctx, f.path, localPath); err != nil {
			return err
		}
	}

	local, err := c.files.OpenLocal(f.path, flag, 0600)
	if err != nil {
		return err
	}
	f.local = local
	if create {
		f.dirty = 1
	}
	c.register(f, mode, create)
	return nil
}

func (c *client) download(ctx context.Context, path, localPath string) error {
	defer trace.StartRegion(ctx, "client.download").End()
	defer logOperationLatency("download", time.Now())
	reader, err := c.store.Get(ctx, path, 0, 0)
	if err != nil {
		if !errors.Is(err, types.ErrInvalidRange) {
			return err
		}
		reader = io.NopCloser(strings.NewReader(""))
	}
	defer reader.Close()

	staging := c.files.StagingPath(uuid.New().String())
	tmp, err := os.OpenFile(staging, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	n, err := io.Copy(tmp, reader)
	if cErr := tmp.Close(); err == nil {
		err = cErr
	}
	if err != nil {
		_ = os.Remove(staging)
		return err
	}

	if info, sErr := os.Stat(localPath); sErr == nil {
		c.files.TrackBytes(-info.Size())
	}
	if err = os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		_ = os.Remove(staging)
		return err
	}
	if err = os.Rename(staging, localPath); err != nil {
		_ = os.Remove(staging)
		return err
	}
	c.files.TrackBytes(n)
	return nil
}

// upload writes the local copy of path to the store. The caller holds
// the handle lock of local.
func (c *client) upload(ctx context.Context, path string, local *os.File) error {
	defer trace.StartRegion(ctx, "client.upload").End()
	defer logOperationLatency("upload", time.Now())
	info, err := local.Stat()
	if err != nil {
		return err
	}

	version, meta := c.uploadMeta(path)
	err = c.attrs.Update(ctx, path, func(ctx context.Context, en *attrcache.Entry) error {
		if err := c.store.Put(ctx, path, io.NewSectionReader(local, 0, info.Size()), info.Size(), meta); err != nil {
			return err
		}
		en.Invalidate()
		return nil
	})
	if err != nil {
		c.logger.Errorw("upload file failed", "path", path, "err", err)
		return logOperationError("upload", err)
	}
	clientUploadBytesCounter.Add(float64(info.Size()))
	c.streamer.Delete(path)
	c.attrs.Invalidate(types.ParentDir(path))
	c.clearPending(path, version)
	return nil
}

// uploadMeta keeps the owner of a known file and the mode of the open
// handles.
func (c *client) uploadMeta(path string) (int64, map[string]string) {
	c.mux.Lock()
	var (
		version int64
		mode    = c.fileMode
	)
	if of, ok := c.opened[path]; ok {
		version, mode = of.version, of.mode
	}
	c.mux.Unlock()

	meta := c.newMeta(mode)
	if attr, ok := c.attrs.Get(path); ok && attr.Exists && attr.Metadata[types.MetaKeyOwner] != "" {
		meta[types.MetaKeyOwner] = attr.Metadata[types.MetaKeyOwner]
		meta[types.MetaKeyGroup] = attr.Metadata[types.MetaKeyGroup]
	}
	return version, meta
}

func (c *client) register(f *file, mode os.FileMode, pending bool) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.handles[f.id] = f
	of, ok := c.opened[f.path]
	if !ok {
		of = &openedFile{mode: mode}
		c.opened[f.path] = of
	}
	of.refs++
	if f.local != nil {
		of.localRefs++
	}
	if pending {
		of.pending = true
		of.version++
	}
	clientOpenedHandlesGauge.Set(float64(len(c.handles)))
}

func (c *client) unregister(f *file) (path string, lastLocal, force bool) {
	c.mux.Lock()
	defer c.mux.Unlock()
	delete(c.handles, f.id)
	clientOpenedHandlesGauge.Set(float64(len(c.handles)))
	path = f.path
	of, ok := c.opened[path]
	if !ok {
		return path, f.local != nil, false
	}
	of.refs--
	if f.local != nil {
		of.localRefs--
		lastLocal = of.localRefs == 0
	}
	force = of.force
	if of.refs <= 0 {
		delete(c.opened, path)
	}
	return path, lastLocal, force
}

func (c *client) inUse(path string) bool {
	c.mux.Lock()
	defer c.mux.Unlock()
	of, ok := c.opened[path]
	return ok && of.localRefs > 0
}

func (c *client) markPending(path string) {
	c.mux.Lock()
	if of, ok := c.opened[path]; ok {
		of.pending = true
		of.version++
	}
	c.mux.Unlock()
}

func (c *client) clearPending(path string, version int64) {
	c.mux.Lock()
	if of, ok := c.opened[path]; ok && of.version == version {
		of.pending = false
	}
	c.mux.Unlock()
}

func (c *client) markForce(path string) {
	c.mux.Lock()
	if of, ok := c.opened[path]; ok {
		of.force = true
	}
	c.mux.Unlock()
}

func (c *client) handlePath(f *file) string {
	c.mux.Lock()
	defer c.mux.Unlock()
	return f.path
}

// orphanHandles stops the handles of a removed path from uploading it
// again.
func (c *client) orphanHandles(path string) {
	c.mux.Lock()
	defer c.mux.Unlock()
	for _, f := range c.handles {
		if f.path == path || types.IsChildOf(f.path, path) {
			atomic.StoreInt32(&f.orphan, 1)
		}
	}
	for p, of := range c.opened {
		if p == path || types.IsChildOf(p, path) {
			of.pending = false
		}
	}
}

// moveHandles points the handles below src at dst after a rename.
func (c *client) moveHandles(src, dst string) {
	c.mux.Lock()
	defer c.mux.Unlock()
	rebase := func(p string) (string, bool) {
		if p == src {
			return dst, true
		}
		if types.IsChildOf(p, src) {
			return types.JoinPath(dst, strings.TrimPrefix(p, src+"/")), true
		}
		return p, false
	}
	for _, f := range c.handles {
		if np, ok := rebase(f.path); ok {
			f.path = np
		}
	}
	for p, of := range c.opened {
		if np, ok := rebase(p); ok {
			delete(c.opened, p)
			c.opened[np] = of
		}
	}
}

func (c *client) hasHandlesBelow(path string, recursive bool) bool {
	c.mux.Lock()
	defer c.mux.Unlock()
	for p := range c.opened {
		if p == path || (recursive && types.IsChildOf(p, path)) {
			return true
		}
	}
	return false
}

// pendingChildren lists the direct children of dir that so far only
// exist locally.
func (c *client) pendingChildren(dir string) []string {
	c.mux.Lock()
	defer c.mux.Unlock()
	var result []string
	for p, of := range c.opened {
		if of.pending && of.localRefs > 0 && p != dir && types.ParentDir(p) == dir {
			result = append(result, p)
		}
	}
	return result
}

func localFresh(localPath string, attr *types.Attribute) bool {
	info, err := os.Stat(localPath)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Size() == attr.Size && !attr.ModifiedAt.After(info.ModTime())
}

func (f *file) ID() int64 {
	return f.id
}

func (f *file) Path() string {
	return f.client.handlePath(f)
}

func (f *file) GetAttr() types.OpenAttr {
	return f.attr
}

func (f *file) ReadAt(ctx context.Context, dest []byte, off int64) (int64, error) {
	defer trace.StartRegion(ctx, "client.file.ReadAt").End()
	defer logOperationLatency("read", time.Now())
	if !f.attr.Read {
		return 0, types.ErrUnsupported
	}
	f.mux.RLock()
	defer f.mux.RUnlock()
	if f.closed {
		return 0, types.ErrClosed
	}

	var (
		n   int
		err error
	)
	if f.stream != nil {
		n, err = f.stream.ReadAt(ctx, f.Path(), dest, off)
	} else {
		n, err = f.local.ReadAt(dest, off)
	}
	if err != nil && err != io.EOF {
		f.client.logger.Errorw("read file error", "path", f.Path(), "off", off, "err", err)
		return int64(n), logOperationError("read", err)
	}
	return int64(n), err
}

func (f *file) WriteAt(ctx context.Context, data []byte, off int64) (int64, error) {
	defer trace.StartRegion(ctx, "client.file.WriteAt").End()
	defer logOperationLatency("write", time.Now())
	if !f.attr.Write || f.stream != nil {
		return 0, types.ErrUnsupported
	}
	f.mux.RLock()
	defer f.mux.RUnlock()
	if f.closed {
		return 0, types.ErrClosed
	}

	var size int64
	if info, err := f.local.Stat(); err == nil {
		size = info.Size()
	}
	n, err := f.local.WriteAt(data, off)
	if end := off + int64(n); end > size {
		f.client.files.TrackBytes(end - size)
	}
	if n > 0 {
		atomic.StoreInt32(&f.dirty, 1)
		f.client.markPending(f.Path())
	}
	if err != nil {
		f.client.logger.Errorw("write file error", "path", f.Path(), "off", off, "err", err)
		return int64(n), logOperationError("write", err)
	}
	return int64(n), nil
}

func (f *file) Truncate(ctx context.Context, size int64) error {
	defer trace.StartRegion(ctx, "client.file.Truncate").End()
	if !f.attr.Write || f.stream != nil {
		return types.ErrUnsupported
	}
	f.mux.Lock()
	defer f.mux.Unlock()
	if f.closed {
		return types.ErrClosed
	}

	var old int64
	if info, err := f.local.Stat(); err == nil {
		old = info.Size()
	}
	if err := f.local.Truncate(size); err != nil {
		return logOperationError("truncate", err)
	}
	f.client.files.TrackBytes(size - old)
	atomic.StoreInt32(&f.dirty, 1)
	f.client.markPending(f.Path())
	return nil
}

func (f *file) Flush(ctx context.Context) error {
	defer trace.StartRegion(ctx, "client.file.Flush").End()
	f.mux.Lock()
	defer f.mux.Unlock()
	if f.closed {
		return nil
	}
	return f.flush(ctx)
}

// Fsync uploads pending data and asks the gc to drop the local copy
// first once the last handle closes.
func (f *file) Fsync(ctx context.Context) error {
	defer trace.StartRegion(ctx, "client.file.Fsync").End()
	if err := f.Flush(ctx); err != nil {
		return err
	}
	if f.stream == nil {
		f.client.markForce(f.Path())
	}
	return nil
}

func (f *file) Close(ctx context.Context) error {
	defer trace.StartRegion(ctx, "client.file.Close").End()
	f.mux.Lock()
	if f.closed {
		f.mux.Unlock()
		return nil
	}
	err := f.flush(ctx)
	f.closed = true
	if f.local != nil {
		_ = f.local.Close()
	}
	f.mux.Unlock()

	path, lastLocal, force := f.client.unregister(f)
	if f.stream != nil {
		f.stream.Close()
	}
	if lastLocal {
		f.client.files.MarkClosed(path, force)
	}
	return err
}

func (f *file) flush(ctx context.Context) error {
	if atomic.LoadInt32(&f.dirty) == 0 || atomic.LoadInt32(&f.orphan) == 1 {
		return nil
	}
	if err := f.client.upload(ctx, f.Path(), f.local); err != nil {
		return err
	}
	atomic.StoreInt32(&f.dirty, 0)
	return nil
}
