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
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime/trace"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/studio-b12/gowebdav"
	"go.uber.org/zap"

	"github.com/basenana/blobfs/config"
	"github.com/basenana/blobfs/pkg/types"
	"github.com/basenana/blobfs/utils/logger"
)

// webdavStorage maps the tree onto a remote WebDAV collection. The server
// has no place for mode, ownership or links.
type webdavStorage struct {
	sid        string
	cli        *gowebdav.Client
	readLimit  chan struct{}
	writeLimit chan struct{}
	mux        sync.Mutex
	logger     *zap.SugaredLogger
}

var _ Storage = &webdavStorage{}

func (w *webdavStorage) ID() string {
	return w.sid
}

func (w *webdavStorage) List(ctx context.Context, dir, delimiter, continuation string) (*types.ListResult, error) {
	defer trace.StartRegion(ctx, "storage.webdav.List").End()
	w.readLimit <- struct{}{}
	defer func() {
		<-w.readLimit
	}()

	var (
		items   []types.Attribute
		pending = []string{types.CleanPath(dir)}
	)
	for len(pending) > 0 {
		current := pending[0]
		pending = pending[1:]
		infos, err := w.cli.ReadDir(webdavPath(current))
		if err != nil {
			w.logger.Errorw("read dir failed", "path", current, "err", err)
			return nil, webdavErr(err, current)
		}
		for _, info := range infos {
			attr := webdavAttribute(types.JoinPath(current, info.Name()), info)
			items = append(items, *attr)
			if delimiter == "" && attr.IsDir {
				pending = append(pending, attr.Path)
			}
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Path < items[j].Path })

	result := &types.ListResult{}
	for _, item := range items {
		if continuation != "" && item.Path <= continuation {
			continue
		}
		if len(result.Items) == listPageSize {
			result.Next = result.Items[len(result.Items)-1].Path
			break
		}
		result.Items = append(result.Items, item)
	}
	return result, nil
}

func (w *webdavStorage) GetProperties(ctx context.Context, path string) (*types.Attribute, error) {
	defer trace.StartRegion(ctx, "storage.webdav.GetProperties").End()
	w.readLimit <- struct{}{}
	defer func() {
		<-w.readLimit
	}()
	return w.stat(types.CleanPath(path), true)
}

func (w *webdavStorage) Get(ctx context.Context, path string, off, limit int64) (io.ReadCloser, error) {
	defer trace.StartRegion(ctx, "storage.webdav.Get").End()
	w.readLimit <- struct{}{}
	defer func() {
		<-w.readLimit
	}()
	path = types.CleanPath(path)

	if off == 0 && limit <= 0 {
		r, err := w.cli.ReadStream(webdavPath(path))
		if err != nil {
			w.logger.Errorw("get file from server failed", "path", path, "err", err)
			return nil, webdavErr(err, path)
		}
		return r, nil
	}

	attr, err := w.stat(path, false)
	if err != nil {
		return nil, err
	}
	if attr.IsDir {
		return nil, types.ErrIsDir
	}
	if off < 0 || (off > 0 && off >= attr.Size) {
		return nil, types.ErrInvalidRange
	}
	r, err := w.cli.ReadStreamRange(webdavPath(path), off, limit)
	if err != nil {
		w.logger.Errorw("get file range from server failed", "path", path, "off", off, "err", err)
		return nil, webdavErr(err, path)
	}
	return r, nil
}

func (w *webdavStorage) Put(ctx context.Context, path string, in io.Reader, size int64, meta map[string]string) error {
	defer trace.StartRegion(ctx, "storage.webdav.Put").End()
	if normalizeMeta(meta)[types.MetaKeySymlink] == "true" {
		return errors.Wrap(types.ErrUnsupported, "webdav symlink")
	}
	w.writeLimit <- struct{}{}
	defer func() {
		<-w.writeLimit
	}()
	path = types.CleanPath(path)

	if err := w.mkdirAll(types.ParentDir(path)); err != nil {
		return err
	}
	if err := w.cli.WriteStream(webdavPath(path), in, 0644); err != nil {
		w.logger.Errorw("put file to server failed", "path", path, "err", err)
		return webdavErr(err, path)
	}
	return nil
}

func (w *webdavStorage) Delete(ctx context.Context, path string) error {
	defer trace.StartRegion(ctx, "storage.webdav.Delete").End()
	path = types.CleanPath(path)
	if path == "" {
		return types.ErrNoPerm
	}
	attr, err := w.stat(path, true)
	if err != nil {
		return err
	}
	if attr.IsDir && !attr.IsEmptyDir {
		return errors.Wrapf(types.ErrNotEmpty, "%s", path)
	}
	if err = w.cli.Remove(webdavPath(path)); err != nil {
		w.logger.Errorw("delete file failed", "path", path, "err", err)
		return webdavErr(err, path)
	}
	return nil
}

func (w *webdavStorage) CreateDirectoryMarker(ctx context.Context, path string, meta map[string]string) error {
	defer trace.StartRegion(ctx, "storage.webdav.CreateDirectoryMarker").End()
	return w.mkdirAll(types.CleanPath(path))
}

func (w *webdavStorage) Rename(ctx context.Context, src, dst string) error {
	defer trace.StartRegion(ctx, "storage.webdav.Rename").End()
	src, dst = types.CleanPath(src), types.CleanPath(dst)
	if src == "" || dst == "" || types.IsChildOf(dst, src) {
		return types.ErrConflict
	}
	if err := w.mkdirAll(types.ParentDir(dst)); err != nil {
		return err
	}
	if err := w.cli.Rename(webdavPath(src), webdavPath(dst), true); err != nil {
		w.logger.Errorw("rename failed", "src", src, "dst", dst, "err", err)
		return webdavErr(err, src)
	}
	return nil
}

func (w *webdavStorage) GetACL(ctx context.Context, path string) (*types.ACL, error) {
	return nil, errors.Wrap(types.ErrUnsupported, "webdav acl")
}

func (w *webdavStorage) SetACL(ctx context.Context, path string, acl types.ACL) error {
	return errors.Wrap(types.ErrUnsupported, "webdav acl")
}

func (w *webdavStorage) stat(path string, withChildren bool) (*types.Attribute, error) {
	if path == "" {
		return rootAttribute(), nil
	}
	info, err := w.cli.Stat(webdavPath(path))
	if err != nil {
		return nil, webdavErr(err, path)
	}
	attr := webdavAttribute(path, info)
	if attr.IsDir && withChildren {
		children, err := w.cli.ReadDir(webdavPath(path))
		if err != nil {
			return nil, webdavErr(err, path)
		}
		attr.IsEmptyDir = len(children) == 0
	}
	return attr, nil
}

func (w *webdavStorage) mkdirAll(dir string) error {
	if dir == "" {
		return nil
	}
	w.mux.Lock()
	defer w.mux.Unlock()
	// concurrent creation will result in a 403 error.
	if err := w.cli.MkdirAll(webdavPath(dir), 0755); err != nil {
		w.logger.Errorw("mkdir failed", "path", dir, "err", err)
		return webdavErr(err, dir)
	}
	return nil
}

func newWebdavStorage(storageID string, cfg *config.WebdavStorageConfig) (Storage, error) {
	if cfg == nil {
		return nil, fmt.Errorf("webdav is nil")
	}
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("webdav config server_url is empty")
	}

	t := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   60 * time.Second,
		ExpectContinueTimeout: 10 * time.Second,
	}
	if cfg.Insecure {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	cli := gowebdav.NewClient(cfg.ServerURL, cfg.Username, cfg.Password)
	cli.SetTransport(t)

	return &webdavStorage{
		sid:        storageID,
		cli:        cli,
		readLimit:  make(chan struct{}, 30),
		writeLimit: make(chan struct{}, 10),
		logger:     logger.NewLogger("webdav"),
	}, nil
}

func webdavAttribute(path string, info os.FileInfo) *types.Attribute {
	attr := newAttribute(path)
	attr.Size = info.Size()
	attr.ModifiedAt = info.ModTime()
	attr.IsDir = info.IsDir()
	attr.MetaRetrieved = true
	if attr.IsDir {
		attr.Size = 0
	}
	if f, ok := info.(interface{ ETag() string }); ok {
		attr.ETag = strings.Trim(f.ETag(), "\"")
	}
	return attr
}

func webdavPath(path string) string {
	return "/" + path
}

func webdavErr(err error, path string) error {
	switch {
	case err == nil:
		return nil
	case gowebdav.IsErrNotFound(err) || os.IsNotExist(err):
		return errors.Wrapf(types.ErrNotFound, "%s", path)
	case gowebdav.IsErrCode(err, http.StatusRequestedRangeNotSatisfiable):
		return types.ErrInvalidRange
	case gowebdav.IsErrCode(err, http.StatusForbidden), gowebdav.IsErrCode(err, http.StatusUnauthorized):
		return errors.Wrapf(types.ErrNoPerm, "%s", path)
	case gowebdav.IsErrCode(err, http.StatusConflict):
		return errors.Wrapf(types.ErrConflict, "%s", path)
	case gowebdav.IsErrCode(err, http.StatusServiceUnavailable), gowebdav.IsErrCode(err, http.StatusBadGateway),
		gowebdav.IsErrCode(err, http.StatusGatewayTimeout), gowebdav.IsErrCode(err, http.StatusTooManyRequests):
		return errors.Wrapf(types.ErrTransient, "%s: %s", path, err)
	}
	return err
}
