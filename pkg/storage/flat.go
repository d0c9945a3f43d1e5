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
	"runtime/trace"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/basenana/blobfs/pkg/types"
	"github.com/basenana/blobfs/utils/logger"
)

// objectInfo is one key or common prefix reported by a flat store.
type objectInfo struct {
	Key        string
	Size       int64
	ModifiedAt time.Time
	ETag       string
	Meta       map[string]string
	IsPrefix   bool
}

// objectStore is the narrow surface a bucket style backend implements.
// Keys never start with a slash; directory markers end with one.
type objectStore interface {
	headObject(ctx context.Context, key string) (*objectInfo, error)
	getObject(ctx context.Context, key string, off, limit int64) (io.ReadCloser, error)
	putObject(ctx context.Context, key string, in io.Reader, size int64, meta map[string]string) error
	// copyObject keeps the source metadata when meta is nil.
	copyObject(ctx context.Context, src, dst string, meta map[string]string) error
	deleteObject(ctx context.Context, key string) error
	// listObjects returns up to max entries strictly after startAfter.
	listObjects(ctx context.Context, prefix, delimiter, startAfter string, max int) ([]objectInfo, bool, error)
}

// flatStorage maps a directory tree onto a flat key space: directories are
// "dir/" marker objects or implied by the keys below them, and renames are
// copy plus delete.
type flatStorage struct {
	sid    string
	kind   string
	store  objectStore
	logger *zap.SugaredLogger
}

var _ Storage = &flatStorage{}

func newFlatStorage(sid, kind string, store objectStore) *flatStorage {
	return &flatStorage{sid: sid, kind: kind, store: store, logger: logger.NewLogger(kind)}
}

func (f *flatStorage) ID() string {
	return f.sid
}

func (f *flatStorage) List(ctx context.Context, dir, delimiter, continuation string) (*types.ListResult, error) {
	defer trace.StartRegion(ctx, "storage."+f.kind+".List").End()
	prefix := types.DirPrefix(dir)
	objects, truncated, err := f.store.listObjects(ctx, prefix, delimiter, continuation, listPageSize)
	if err != nil {
		f.logger.Errorw("list objects failed", "prefix", prefix, "err", err)
		return nil, err
	}

	result := &types.ListResult{}
	for _, obj := range objects {
		if obj.Key == prefix {
			continue
		}
		result.Items = append(result.Items, *f.objectAttribute(obj))
	}
	if truncated && len(objects) > 0 {
		result.Next = nextToken(objects[len(objects)-1])
	}
	return result, nil
}

func (f *flatStorage) GetProperties(ctx context.Context, path string) (*types.Attribute, error) {
	defer trace.StartRegion(ctx, "storage."+f.kind+".GetProperties").End()
	path = types.CleanPath(path)
	if path == "" {
		return rootAttribute(), nil
	}

	obj, err := f.store.headObject(ctx, path)
	if err == nil {
		return f.objectAttribute(*obj), nil
	}
	if !types.IsNotFound(err) {
		return nil, err
	}

	marker, err := f.store.headObject(ctx, path+"/")
	if err == nil {
		attr := f.objectAttribute(*marker)
		attr.IsEmptyDir, err = f.isEmptyDir(ctx, path)
		return attr, err
	}
	if !types.IsNotFound(err) {
		return nil, err
	}

	children, _, err := f.store.listObjects(ctx, path+"/", Delimiter, "", 1)
	if err != nil {
		return nil, err
	}
	if len(children) == 0 {
		return nil, errors.Wrapf(types.ErrNotFound, "%s", path)
	}
	attr := newAttribute(path)
	attr.IsDir = true
	return attr, nil
}

func (f *flatStorage) Get(ctx context.Context, path string, off, limit int64) (io.ReadCloser, error) {
	defer trace.StartRegion(ctx, "storage."+f.kind+".Get").End()
	r, err := f.store.getObject(ctx, types.CleanPath(path), off, limit)
	if err != nil {
		if !errors.Is(err, types.ErrInvalidRange) {
			f.logger.Errorw("get object failed", "path", path, "off", off, "limit", limit, "err", err)
		}
		return nil, err
	}
	return r, nil
}

func (f *flatStorage) Put(ctx context.Context, path string, in io.Reader, size int64, meta map[string]string) error {
	defer trace.StartRegion(ctx, "storage."+f.kind+".Put").End()
	err := f.store.putObject(ctx, types.CleanPath(path), in, size, normalizeMeta(meta))
	if err != nil {
		f.logger.Errorw("put object failed", "path", path, "err", err)
		return err
	}
	return nil
}

func (f *flatStorage) Delete(ctx context.Context, path string) error {
	defer trace.StartRegion(ctx, "storage."+f.kind+".Delete").End()
	attr, err := f.GetProperties(ctx, path)
	if err != nil {
		return err
	}
	if !attr.IsDir {
		return f.store.deleteObject(ctx, attr.Path)
	}
	if attr.Path == "" {
		return types.ErrNoPerm
	}

	empty, err := f.isEmptyDir(ctx, attr.Path)
	if err != nil {
		return err
	}
	if !empty {
		return errors.Wrapf(types.ErrNotEmpty, "%s", attr.Path)
	}
	// a directory is either a "dir/" marker or a hinted "dir" object
	for _, key := range []string{attr.Path + "/", attr.Path} {
		if err = f.store.deleteObject(ctx, key); err != nil && !types.IsNotFound(err) {
			return err
		}
	}
	return nil
}

func (f *flatStorage) CreateDirectoryMarker(ctx context.Context, path string, meta map[string]string) error {
	defer trace.StartRegion(ctx, "storage."+f.kind+".CreateDirectoryMarker").End()
	path = types.CleanPath(path)
	if path == "" {
		return nil
	}
	meta = normalizeMeta(meta)
	meta[types.MetaKeyDirHint] = "true"
	err := f.store.putObject(ctx, path+"/", strings.NewReader(""), 0, meta)
	if err != nil {
		f.logger.Errorw("create directory marker failed", "path", path, "err", err)
		return err
	}
	return nil
}

func (f *flatStorage) Rename(ctx context.Context, src, dst string) error {
	defer trace.StartRegion(ctx, "storage."+f.kind+".Rename").End()
	attr, err := f.GetProperties(ctx, src)
	if err != nil {
		return err
	}
	dst = types.CleanPath(dst)
	if attr.Path == "" || dst == "" || types.IsChildOf(dst, attr.Path) {
		return types.ErrConflict
	}

	if !attr.IsDir {
		if err = f.store.copyObject(ctx, attr.Path, dst, nil); err != nil {
			f.logger.Errorw("copy object failed", "src", attr.Path, "dst", dst, "err", err)
			return err
		}
		return f.store.deleteObject(ctx, attr.Path)
	}

	srcPrefix, dstPrefix := attr.Path+"/", dst+"/"
	var keys []string
	startAfter := ""
	for {
		objects, truncated, err := f.store.listObjects(ctx, srcPrefix, "", startAfter, listPageSize)
		if err != nil {
			return err
		}
		for _, obj := range objects {
			keys = append(keys, obj.Key)
		}
		if !truncated || len(objects) == 0 {
			break
		}
		startAfter = objects[len(objects)-1].Key
	}

	for _, key := range keys {
		target := dstPrefix + strings.TrimPrefix(key, srcPrefix)
		if err = f.store.copyObject(ctx, key, target, nil); err != nil {
			f.logger.Errorw("copy object failed", "src", key, "dst", target, "err", err)
			return err
		}
	}
	for _, key := range keys {
		if err = f.store.deleteObject(ctx, key); err != nil && !types.IsNotFound(err) {
			f.logger.Errorw("delete renamed object failed", "key", key, "err", err)
			return err
		}
	}
	return nil
}

func (f *flatStorage) GetACL(ctx context.Context, path string) (*types.ACL, error) {
	defer trace.StartRegion(ctx, "storage."+f.kind+".GetACL").End()
	attr, err := f.GetProperties(ctx, path)
	if err != nil {
		return nil, err
	}
	return aclFromMeta(attr), nil
}

func (f *flatStorage) SetACL(ctx context.Context, path string, acl types.ACL) error {
	defer trace.StartRegion(ctx, "storage."+f.kind+".SetACL").End()
	attr, err := f.GetProperties(ctx, path)
	if err != nil {
		return err
	}
	if attr.Path == "" {
		return types.ErrNoPerm
	}

	meta := mergeACLMeta(attr.Metadata, acl)
	if !attr.IsDir {
		return f.store.copyObject(ctx, attr.Path, attr.Path, meta)
	}

	marker := attr.Path + "/"
	_, err = f.store.headObject(ctx, marker)
	switch {
	case err == nil:
		return f.store.copyObject(ctx, marker, marker, meta)
	case types.IsNotFound(err):
		meta[types.MetaKeyDirHint] = "true"
		return f.store.putObject(ctx, marker, strings.NewReader(""), 0, meta)
	default:
		return err
	}
}

func (f *flatStorage) isEmptyDir(ctx context.Context, dir string) (bool, error) {
	prefix := dir + "/"
	children, _, err := f.store.listObjects(ctx, prefix, Delimiter, "", 2)
	if err != nil {
		return false, err
	}
	for _, child := range children {
		if child.Key != prefix {
			return false, nil
		}
	}
	return true, nil
}

func (f *flatStorage) objectAttribute(obj objectInfo) *types.Attribute {
	attr := newAttribute(obj.Key)
	attr.Size = obj.Size
	attr.ModifiedAt = obj.ModifiedAt
	attr.ETag = obj.ETag
	if obj.IsPrefix || strings.HasSuffix(obj.Key, "/") {
		attr.IsDir = true
		attr.Size = 0
	}
	if obj.Meta != nil {
		applyMeta(attr, obj.Meta)
	}
	return attr
}

// nextToken continues strictly after obj; a common prefix skips every key
// below it.
func nextToken(obj objectInfo) string {
	if obj.IsPrefix {
		return obj.Key + string(utf8.MaxRune)
	}
	return obj.Key
}
