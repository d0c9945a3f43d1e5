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
	"runtime/trace"
	"sync"

	"go.uber.org/zap"

	"github.com/basenana/blobfs/config"
	"github.com/basenana/blobfs/pkg/attrcache"
	"github.com/basenana/blobfs/pkg/filecache"
	"github.com/basenana/blobfs/pkg/pathlock"
	"github.com/basenana/blobfs/pkg/storage"
	"github.com/basenana/blobfs/pkg/stream"
	"github.com/basenana/blobfs/pkg/types"
	"github.com/basenana/blobfs/utils/logger"
)

// Client is the filesystem view of one remote store. Every call works on
// slash separated paths relative to the store root.
type Client interface {
	GetAttr(ctx context.Context, path string) (*types.Attribute, error)
	Exists(ctx context.Context, path string) (bool, error)
	ReadDir(ctx context.Context, dir string) ([]types.Attribute, error)
	Open(ctx context.Context, path string, attr types.OpenAttr, mode os.FileMode) (File, error)
	Create(ctx context.Context, path string, mode os.FileMode) (File, error)
	Truncate(ctx context.Context, path string, size int64) error
	Mkdir(ctx context.Context, path string, mode os.FileMode) error
	Rmdir(ctx context.Context, path string) error
	Unlink(ctx context.Context, path string) error
	Rename(ctx context.Context, src, dst string, noReplace bool) error
	Chmod(ctx context.Context, path string, mode os.FileMode) error
	Chown(ctx context.Context, path string, uid, gid int64) error
	GetACL(ctx context.Context, path string) (*types.ACL, error)
	SetACL(ctx context.Context, path string, acl types.ACL) error
	Symlink(ctx context.Context, target, link string) error
	Readlink(ctx context.Context, path string) (string, error)
	Statfs(ctx context.Context) (*types.FsInfo, error)

	SDK

	InvalidateCache(path string, recursive bool)
	CleanCache() error
	Stats() Stats
	Start(stopCh <-chan struct{})
}

// SDK groups the whole-object calls used by programs rather than by the
// kernel.
type SDK interface {
	CreateDirectory(ctx context.Context, path string) error
	DirectoryExists(ctx context.Context, path string) (bool, error)
	DeleteDirectory(ctx context.Context, path string) error
	CreateFile(ctx context.Context, path string) error
	DeleteFile(ctx context.Context, path string) error
	AppendDataFromStream(ctx context.Context, path string, offset int64, in io.Reader) (int64, error)
	FlushData(ctx context.Context, path string, length int64) error
	UploadFromStream(ctx context.Context, path string, in io.Reader, meta map[string]string) error
	UploadFromFile(ctx context.Context, localPath, path string) error
	DownloadToStream(ctx context.Context, path string, w io.Writer, offset, length int64) (int64, error)
	DownloadToFile(ctx context.Context, path, localPath string) (int64, error)
	GetProperties(ctx context.Context, path string) (*types.Attribute, error)
	ListPaths(ctx context.Context, dir string, recursive bool) ([]types.Attribute, error)
}

type Stats struct {
	Attr      attrcache.Stats `json:"attr"`
	Stream    stream.Stats    `json:"stream"`
	Files     filecache.Stats `json:"files"`
	DirLocks  int             `json:"dir_locks"`
	FileLocks int             `json:"file_locks"`
	Handles   int             `json:"handles"`
}

type client struct {
	store    storage.Storage
	locks    *pathlock.Registry
	attrs    *attrcache.Cache
	files    *filecache.Cache
	streamer *stream.Streamer

	fileMode os.FileMode
	dirMode  os.FileMode
	uid      int64
	gid      int64
	parallel int

	handles map[int64]*file
	opened  map[string]*openedFile
	appends map[string]*appendSession
	mux     sync.Mutex

	logger *zap.SugaredLogger
}

var _ Client = &client{}

func New(store storage.Storage, cfg config.Config) (Client, error) {
	fsCfg := cfg.FS
	if fsCfg == nil {
		fsCfg = &config.FS{}
	}
	locks := pathlock.NewRegistry(cfg.Cache.AttrCapacity)
	files, err := filecache.NewCache(cfg.Cache, locks)
	if err != nil {
		return nil, err
	}

	c := &client{
		store:    store,
		locks:    locks,
		attrs:    attrcache.NewCache(locks, cfg.Cache),
		files:    files,
		streamer: stream.NewStreamer(store, cfg.Stream),
		fileMode: os.FileMode(fsCfg.FileMode).Perm(),
		dirMode:  os.FileMode(fsCfg.DirMode).Perm(),
		uid:      fsCfg.Owner.Uid,
		gid:      fsCfg.Owner.Gid,
		parallel: fsCfg.UploadParallel,
		handles:  map[int64]*file{},
		opened:   map[string]*openedFile{},
		appends:  map[string]*appendSession{},
		logger:   logger.NewLogger("client"),
	}
	if c.fileMode == 0 {
		c.fileMode = 0644
	}
	if c.dirMode == 0 {
		c.dirMode = 0755
	}
	if c.parallel <= 0 {
		c.parallel = 16
	}
	return c, nil
}

// Start runs the local cache gc until stopCh closes.
func (c *client) Start(stopCh <-chan struct{}) {
	go c.files.Start(stopCh)
}

// InvalidateCache drops the cached attribute and content of path.
func (c *client) InvalidateCache(path string, recursive bool) {
	path = types.CleanPath(path)
	c.attrs.Invalidate(path)
	c.streamer.Delete(path)
	if recursive {
		c.attrs.InvalidateRecursive(path)
	}
}

// CleanCache removes every local copy not held by an open handle.
func (c *client) CleanCache() error {
	c.mux.Lock()
	busy := len(c.opened) > 0
	c.mux.Unlock()
	if busy {
		return types.ErrConflict
	}
	return c.files.Clean()
}

func (c *client) Stats() Stats {
	dirs, locks := c.locks.Stats()
	c.mux.Lock()
	handles := len(c.handles)
	c.mux.Unlock()
	return Stats{
		Attr:      c.attrs.Stats(),
		Stream:    c.streamer.Stats(),
		Files:     c.files.Stats(),
		DirLocks:  dirs,
		FileLocks: locks,
		Handles:   handles,
	}
}

func (c *client) Statfs(ctx context.Context) (*types.FsInfo, error) {
	defer trace.StartRegion(ctx, "client.Statfs").End()
	total, used, err := c.files.Capacity()
	if err != nil {
		return nil, logOperationError("statfs", err)
	}
	return &types.FsInfo{
		TotalBytes: total,
		UsageBytes: used,
		Files:      uint64(c.attrs.Stats().Entries),
	}, nil
}

func (c *client) newMeta(mode os.FileMode) map[string]string {
	if mode.Perm() == 0 {
		mode = c.fileMode
	}
	return storage.NewMeta(mode.Perm(), c.uid, c.gid)
}
