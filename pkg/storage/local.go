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
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime/trace"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/basenana/blobfs/pkg/types"
	"github.com/basenana/blobfs/utils/logger"
)

const (
	defaultLocalDirMode  = 0755
	defaultLocalFileMode = 0644
)

// local keeps the tree as plain files below dir. Mode and ownership are
// the native ones; symlinks are native links.
type local struct {
	sid    string
	dir    string
	logger *zap.SugaredLogger
}

var _ Storage = &local{}

func newLocalStorage(sid, dir string) (Storage, error) {
	if dir == "" {
		return nil, errors.New("local path is empty")
	}
	if err := os.MkdirAll(dir, defaultLocalDirMode); err != nil {
		return nil, err
	}
	return &local{sid: sid, dir: dir, logger: logger.NewLogger("local")}, nil
}

func (l *local) ID() string {
	return l.sid
}

func (l *local) List(ctx context.Context, dir, delimiter, continuation string) (*types.ListResult, error) {
	defer trace.StartRegion(ctx, "storage.local.List").End()
	dir = types.CleanPath(dir)

	var paths []string
	if delimiter != "" {
		entries, err := os.ReadDir(l.localPath(dir))
		if err != nil {
			return nil, localErr(err)
		}
		for _, en := range entries {
			paths = append(paths, types.JoinPath(dir, en.Name()))
		}
	} else {
		root := l.localPath(dir)
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if p == root {
				return nil
			}
			rel, err := filepath.Rel(l.dir, p)
			if err != nil {
				return err
			}
			paths = append(paths, types.CleanPath(filepath.ToSlash(rel)))
			return nil
		})
		if err != nil {
			return nil, localErr(err)
		}
	}
	sort.Strings(paths)

	result := &types.ListResult{}
	for _, p := range paths {
		if continuation != "" && p <= continuation {
			continue
		}
		if len(result.Items) == listPageSize {
			result.Next = result.Items[len(result.Items)-1].Path
			break
		}
		attr, err := l.stat(p)
		if err != nil {
			if types.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		result.Items = append(result.Items, *attr)
	}
	return result, nil
}

func (l *local) GetProperties(ctx context.Context, path string) (*types.Attribute, error) {
	defer trace.StartRegion(ctx, "storage.local.GetProperties").End()
	attr, err := l.stat(types.CleanPath(path))
	if err != nil {
		return nil, err
	}
	if attr.IsDir {
		attr.IsEmptyDir, err = l.isEmptyDir(attr.Path)
		if err != nil {
			return nil, err
		}
	}
	return attr, nil
}

func (l *local) Get(ctx context.Context, path string, off, limit int64) (io.ReadCloser, error) {
	defer trace.StartRegion(ctx, "storage.local.Get").End()
	p := l.localPath(types.CleanPath(path))
	info, err := os.Lstat(p)
	if err != nil {
		return nil, localErr(err)
	}
	if info.IsDir() {
		return nil, types.ErrIsDir
	}

	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(p)
		if err != nil {
			return nil, localErr(err)
		}
		sr := strings.NewReader(target)
		if _, err = sr.Seek(off, io.SeekStart); err != nil {
			return nil, types.ErrInvalidRange
		}
		return rangeReader(io.NopCloser(sr), int64(len(target)), off, limit)
	}

	f, err := os.Open(p)
	if err != nil {
		l.logger.Errorw("open file failed", "path", path, "err", err)
		return nil, localErr(err)
	}
	if _, err = f.Seek(off, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, err
	}
	return rangeReader(f, info.Size(), off, limit)
}

func (l *local) Put(ctx context.Context, path string, in io.Reader, size int64, meta map[string]string) error {
	defer trace.StartRegion(ctx, "storage.local.Put").End()
	path = types.CleanPath(path)
	p := l.localPath(path)
	meta = normalizeMeta(meta)
	if err := os.MkdirAll(filepath.Dir(p), defaultLocalDirMode); err != nil {
		return localErr(err)
	}

	if meta[types.MetaKeySymlink] == "true" {
		target, err := io.ReadAll(in)
		if err != nil {
			return err
		}
		_ = os.Remove(p)
		return localErr(os.Symlink(string(target), p))
	}

	// write beside the target then rename, readers never see a partial file
	tmp := filepath.Join(filepath.Dir(p), ".blobfs-"+uuid.New().String())
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, localMode(meta, defaultLocalFileMode))
	if err != nil {
		return localErr(err)
	}
	if _, err = io.Copy(f, in); err != nil {
		l.logger.Errorw("copy file failed", "path", path, "err", err)
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err = f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err = os.Chmod(tmp, localMode(meta, defaultLocalFileMode)); err != nil {
		l.logger.Warnw("chmod file failed", "path", path, "err", err)
	}
	if err = os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return localErr(err)
	}
	return nil
}

func (l *local) Delete(ctx context.Context, path string) error {
	defer trace.StartRegion(ctx, "storage.local.Delete").End()
	path = types.CleanPath(path)
	if path == "" {
		return types.ErrNoPerm
	}
	if err := os.Remove(l.localPath(path)); err != nil {
		return localErr(err)
	}
	return nil
}

func (l *local) CreateDirectoryMarker(ctx context.Context, path string, meta map[string]string) error {
	defer trace.StartRegion(ctx, "storage.local.CreateDirectoryMarker").End()
	path = types.CleanPath(path)
	if path == "" {
		return nil
	}
	p := l.localPath(path)
	if err := os.MkdirAll(filepath.Dir(p), defaultLocalDirMode); err != nil {
		return localErr(err)
	}
	mode := localMode(normalizeMeta(meta), defaultLocalDirMode)
	err := os.Mkdir(p, mode)
	if err != nil {
		if os.IsExist(err) {
			if info, statErr := os.Stat(p); statErr == nil && info.IsDir() {
				return nil
			}
		}
		return localErr(err)
	}
	return localErr(os.Chmod(p, mode))
}

func (l *local) Rename(ctx context.Context, src, dst string) error {
	defer trace.StartRegion(ctx, "storage.local.Rename").End()
	src, dst = types.CleanPath(src), types.CleanPath(dst)
	if src == "" || dst == "" || types.IsChildOf(dst, src) {
		return types.ErrConflict
	}
	dstPath := l.localPath(dst)
	if err := os.MkdirAll(filepath.Dir(dstPath), defaultLocalDirMode); err != nil {
		return localErr(err)
	}
	if err := os.Rename(l.localPath(src), dstPath); err != nil {
		l.logger.Errorw("rename failed", "src", src, "dst", dst, "err", err)
		return localErr(err)
	}
	return nil
}

func (l *local) GetACL(ctx context.Context, path string) (*types.ACL, error) {
	defer trace.StartRegion(ctx, "storage.local.GetACL").End()
	attr, err := l.stat(types.CleanPath(path))
	if err != nil {
		return nil, err
	}
	return aclFromMeta(attr), nil
}

func (l *local) SetACL(ctx context.Context, path string, acl types.ACL) error {
	defer trace.StartRegion(ctx, "storage.local.SetACL").End()
	path = types.CleanPath(path)
	attr, err := l.stat(path)
	if err != nil {
		return err
	}
	p := l.localPath(path)
	if !attr.IsSymlink {
		if err = os.Chmod(p, acl.Permissions.Perm()); err != nil {
			return localErr(err)
		}
	}

	uid, gid := attr.UID, attr.GID
	if acl.Owner != "" {
		if uid, err = strconv.ParseInt(acl.Owner, 10, 64); err != nil {
			return errors.Wrapf(types.ErrUnsupported, "owner %s", acl.Owner)
		}
	}
	if acl.Group != "" {
		if gid, err = strconv.ParseInt(acl.Group, 10, 64); err != nil {
			return errors.Wrapf(types.ErrUnsupported, "group %s", acl.Group)
		}
	}
	if uid != attr.UID || gid != attr.GID {
		if err = os.Lchown(p, int(uid), int(gid)); err != nil {
			return localErr(err)
		}
	}
	return nil
}

func (l *local) stat(path string) (*types.Attribute, error) {
	info, err := os.Lstat(l.localPath(path))
	if err != nil {
		return nil, localErr(err)
	}
	if path == "" {
		attr := rootAttribute()
		attr.ModifiedAt = info.ModTime()
		attr.Mode = info.Mode().Perm()
		return attr, nil
	}

	attr := newAttribute(path)
	attr.Size = info.Size()
	attr.ModifiedAt = info.ModTime()
	attr.Mode = info.Mode().Perm()
	attr.IsDir = info.IsDir()
	attr.IsSymlink = info.Mode()&os.ModeSymlink != 0
	attr.MetaRetrieved = true
	if attr.IsDir {
		attr.Size = 0
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		attr.UID = int64(st.Uid)
		attr.GID = int64(st.Gid)
	}
	return attr, nil
}

func (l *local) isEmptyDir(path string) (bool, error) {
	f, err := os.Open(l.localPath(path))
	if err != nil {
		return false, localErr(err)
	}
	defer f.Close()
	names, err := f.Readdirnames(1)
	if err == io.EOF {
		return true, nil
	}
	return len(names) == 0, err
}

func (l *local) localPath(path string) string {
	return filepath.Join(l.dir, filepath.FromSlash(path))
}

func localMode(meta map[string]string, def os.FileMode) os.FileMode {
	if m, ok := meta[types.MetaKeyMode]; ok {
		if mode, err := strconv.ParseUint(m, 8, 32); err == nil {
			return os.FileMode(mode).Perm()
		}
	}
	return def
}

func localErr(err error) error {
	switch {
	case err == nil:
		return nil
	case os.IsNotExist(err):
		return errors.Wrap(types.ErrNotFound, err.Error())
	case errors.Is(err, unix.ENOTEMPTY):
		return errors.Wrap(types.ErrNotEmpty, err.Error())
	case os.IsExist(err):
		return errors.Wrap(types.ErrIsExist, err.Error())
	case errors.Is(err, unix.ENOTDIR):
		return errors.Wrap(types.ErrNotDir, err.Error())
	case errors.Is(err, unix.EISDIR):
		return errors.Wrap(types.ErrIsDir, err.Error())
	case os.IsPermission(err):
		return errors.Wrap(types.ErrNoPerm, err.Error())
	}
	return err
}

// rangeReader enforces the range contract on a reader already positioned
// at off.
func rangeReader(r io.ReadCloser, size, off, limit int64) (io.ReadCloser, error) {
	if off < 0 || (off > 0 && off >= size) {
		_ = r.Close()
		return nil, types.ErrInvalidRange
	}
	if limit <= 0 {
		return r, nil
	}
	return &limitedReadCloser{Reader: io.LimitReader(r, limit), Closer: r}, nil
}

type limitedReadCloser struct {
	io.Reader
	io.Closer
}
