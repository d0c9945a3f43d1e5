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
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/basenana/blobfs/pkg/attrcache"
	"github.com/basenana/blobfs/pkg/types"
	"github.com/basenana/blobfs/utils"
)

type span struct {
	off, end int64
}

// appendSession stages ranges written at arbitrary offsets until they are
// flushed as one object.
type appendSession struct {
	file   *os.File
	ranges []span
	mux    sync.Mutex
}

// covers reports whether the staged ranges fill [0, length) without a
// gap and nothing was written past length.
func (s *appendSession) covers(length int64) bool {
	ranges := make([]span, len(s.ranges))
	copy(ranges, s.ranges)
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].off < ranges[j].off })
	var cur int64
	for _, r := range ranges {
		if r.off > cur {
			return false
		}
		if r.end > cur {
			cur = r.end
		}
	}
	return cur == length
}

func (s *appendSession) close() {
	name := s.file.Name()
	_ = s.file.Close()
	_ = os.Remove(name)
}

// CreateDirectory creates path and any missing parent directories.
func (c *client) CreateDirectory(ctx context.Context, path string) error {
	defer trace.StartRegion(ctx, "client.CreateDirectory").End()
	path = types.CleanPath(path)
	if path == "" {
		return nil
	}
	var cur string
	for _, seg := range strings.Split(path, "/") {
		cur = types.JoinPath(cur, seg)
		err := c.Mkdir(ctx, cur, 0)
		if err == nil {
			continue
		}
		if !errors.Is(err, types.ErrIsExist) {
			return err
		}
		attr, err := c.GetAttr(ctx, cur)
		if err != nil {
			return err
		}
		if !attr.IsDir {
			return errors.Wrapf(types.ErrNotDir, "%s", cur)
		}
	}
	return nil
}

func (c *client) DirectoryExists(ctx context.Context, path string) (bool, error) {
	attr, err := c.GetAttr(ctx, path)
	if err != nil {
		if types.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return attr.IsDir, nil
}

// DeleteDirectory removes path with everything below it. Files go first
// and in parallel, directories after them deepest first.
func (c *client) DeleteDirectory(ctx context.Context, path string) error {
	defer trace.StartRegion(ctx, "client.DeleteDirectory").End()
	defer logOperationLatency("delete_directory", time.Now())
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

	c.orphanHandles(path)
	c.attrs.InvalidateRecursive(path)
	items, err := c.listAll(ctx, path, "")
	if err != nil {
		return logOperationError("delete_directory", err)
	}
	var files, dirs []string
	for _, item := range items {
		p := types.CleanPath(item.Path)
		if p == path {
			continue
		}
		if item.IsDir {
			dirs = append(dirs, p)
		} else {
			files = append(files, p)
		}
	}

	if err = utils.ParallelDo(ctx, c.parallel, files, c.deletePath); err != nil {
		c.logger.Errorw("delete directory files failed", "path", path, "err", err)
		return logOperationError("delete_directory", err)
	}
	sort.Slice(dirs, func(i, j int) bool {
		return strings.Count(dirs[i], "/") > strings.Count(dirs[j], "/")
	})
	for _, d := range append(dirs, path) {
		if err = c.deletePath(ctx, d); err != nil {
			c.logger.Errorw("delete directory failed", "path", d, "err", err)
			return logOperationError("delete_directory", err)
		}
	}

	c.attrs.InvalidateRecursive(path)
	c.attrs.Invalidate(types.ParentDir(path))
	if err = c.files.EvictAll(path); err != nil {
		c.logger.Warnw("evict local directory failed", "path", path, "err", err)
	}
	return nil
}

func (c *client) deletePath(ctx context.Context, path string) error {
	err := c.attrs.Update(ctx, path, func(ctx context.Context, en *attrcache.Entry) error {
		if err := c.store.Delete(ctx, path); err != nil && !types.IsNotFound(err) {
			return err
		}
		en.Invalidate()
		return nil
	})
	if err != nil {
		return err
	}
	c.streamer.Delete(path)
	return nil
}

// CreateFile writes an empty object at path, replacing any content.
func (c *client) CreateFile(ctx context.Context, path string) error {
	defer trace.StartRegion(ctx, "client.CreateFile").End()
	return c.uploadStream(ctx, path, strings.NewReader(""), 0, nil)
}

func (c *client) DeleteFile(ctx context.Context, path string) error {
	return c.Unlink(ctx, path)
}

// AppendDataFromStream stages the content of in at offset. Ranges may
// arrive in any order, they become visible with FlushData.
func (c *client) AppendDataFromStream(ctx context.Context, path string, offset int64, in io.Reader) (int64, error) {
	defer trace.StartRegion(ctx, "client.AppendDataFromStream").End()
	if offset < 0 {
		return 0, errors.Wrapf(types.ErrInvalid, "offset %d", offset)
	}
	path = types.CleanPath(path)
	if path == "" {
		return 0, types.ErrIsDir
	}
	s, err := c.appendSession(path)
	if err != nil {
		return 0, logOperationError("append", err)
	}

	s.mux.Lock()
	defer s.mux.Unlock()
	n, err := io.Copy(io.NewOffsetWriter(s.file, offset), in)
	if n > 0 {
		s.ranges = append(s.ranges, span{off: offset, end: offset + n})
	}
	if err != nil {
		return n, logOperationError("append", err)
	}
	return n, nil
}

func (c *client) appendSession(path string) (*appendSession, error) {
	c.mux.Lock()
	defer c.mux.Unlock()
	if s, ok := c.appends[path]; ok {
		return s, nil
	}
	f, err := os.OpenFile(c.files.StagingPath(uuid.New().String()), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, err
	}
	s := &appendSession{file: f}
	c.appends[path] = s
	return s, nil
}

// FlushData commits the staged ranges of path as its content. The ranges
// must cover [0, length) contiguously.
func (c *client) FlushData(ctx context.Context, path string, length int64) error {
	defer trace.StartRegion(ctx, "client.FlushData").End()
	defer logOperationLatency("flush_data", time.Now())
	path = types.CleanPath(path)
	c.mux.Lock()
	s, ok := c.appends[path]
	c.mux.Unlock()
	if !ok {
		if length == 0 {
			return c.CreateFile(ctx, path)
		}
		return errors.Wrapf(types.ErrInvalid, "no data appended to %s", path)
	}

	s.mux.Lock()
	defer s.mux.Unlock()
	if !s.covers(length) {
		return errors.Wrapf(types.ErrInvalid, "appended data of %s is not contiguous up to %d", path, length)
	}
	if err := c.uploadStream(ctx, path, io.NewSectionReader(s.file, 0, length), length, nil); err != nil {
		return err
	}

	c.mux.Lock()
	if c.appends[path] == s {
		delete(c.appends, path)
	}
	c.mux.Unlock()
	s.close()
	return nil
}

func (c *client) UploadFromStream(ctx context.Context, path string, in io.Reader, meta map[string]string) error {
	defer trace.StartRegion(ctx, "client.UploadFromStream").End()
	return c.uploadStream(ctx, path, in, -1, meta)
}

func (c *client) UploadFromFile(ctx context.Context, localPath, path string) error {
	defer trace.StartRegion(ctx, "client.UploadFromFile").End()
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return errors.Wrapf(types.ErrIsDir, "%s", localPath)
	}
	return c.uploadStream(ctx, path, f, info.Size(), nil)
}

// uploadStream replaces the whole content of path. A negative size means
// the length of in is unknown.
func (c *client) uploadStream(ctx context.Context, path string, in io.Reader, size int64, meta map[string]string) error {
	defer logOperationLatency("upload_stream", time.Now())
	path = types.CleanPath(path)
	if path == "" {
		return types.ErrIsDir
	}
	if err := checkName(path); err != nil {
		return err
	}
	if attr, ok := c.attrs.Get(path); ok && attr.Exists && attr.IsDir {
		return errors.Wrapf(types.ErrIsDir, "%s", path)
	}

	objMeta := c.newMeta(0)
	for k, v := range meta {
		objMeta[strings.ToLower(k)] = v
	}
	err := c.attrs.Update(ctx, path, func(ctx context.Context, en *attrcache.Entry) error {
		if err := c.store.Put(ctx, path, in, size, objMeta); err != nil {
			return err
		}
		en.Invalidate()
		return nil
	})
	if err != nil {
		c.logger.Errorw("upload stream failed", "path", path, "err", err)
		return logOperationError("upload_stream", err)
	}
	if size > 0 {
		clientUploadBytesCounter.Add(float64(size))
	}
	c.streamer.Delete(path)
	c.attrs.Invalidate(types.ParentDir(path))
	if !c.inUse(path) {
		if err = c.files.Evict(path); err != nil {
			c.logger.Warnw("evict local file failed", "path", path, "err", err)
		}
	}
	return nil
}

// DownloadToStream copies length bytes of path from offset into w, a
// non-positive length reads to the end.
func (c *client) DownloadToStream(ctx context.Context, path string, w io.Writer, offset, length int64) (int64, error) {
	defer trace.StartRegion(ctx, "client.DownloadToStream").End()
	defer logOperationLatency("download_stream", time.Now())
	path = types.CleanPath(path)
	attr, err := c.GetAttr(ctx, path)
	if err != nil {
		return 0, err
	}
	if attr.IsDir {
		return 0, errors.Wrapf(types.ErrIsDir, "%s", path)
	}
	reader, err := c.store.Get(ctx, path, offset, length)
	if err != nil {
		if errors.Is(err, types.ErrInvalidRange) {
			return 0, nil
		}
		return 0, logOperationError("download_stream", err)
	}
	defer reader.Close()
	n, err := io.Copy(w, reader)
	return n, logOperationError("download_stream", err)
}

func (c *client) DownloadToFile(ctx context.Context, path, localPath string) (int64, error) {
	defer trace.StartRegion(ctx, "client.DownloadToFile").End()
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return 0, err
	}
	f, err := os.OpenFile(localPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return 0, err
	}
	n, err := c.DownloadToStream(ctx, path, f, 0, 0)
	if cErr := f.Close(); err == nil {
		err = cErr
	}
	return n, err
}

// ListPaths lists the children of dir, or its whole subtree when
// recursive is set.
func (c *client) ListPaths(ctx context.Context, dir string, recursive bool) ([]types.Attribute, error) {
	defer trace.StartRegion(ctx, "client.ListPaths").End()
	if !recursive {
		return c.ReadDir(ctx, dir)
	}
	dir = types.CleanPath(dir)
	attr, err := c.GetAttr(ctx, dir)
	if err != nil {
		return nil, err
	}
	if !attr.IsDir {
		return nil, errors.Wrapf(types.ErrNotDir, "%s", dir)
	}
	items, err := c.listAll(ctx, dir, "")
	if err != nil {
		return nil, logOperationError("list_paths", err)
	}
	result := make([]types.Attribute, 0, len(items))
	for _, item := range items {
		result = append(result, *c.withDefaults(item))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Path < result[j].Path })
	return result, nil
}
