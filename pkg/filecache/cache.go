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

package filecache

import (
	"container/list"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/basenana/blobfs/config"
	"github.com/basenana/blobfs/pkg/pathlock"
	"github.com/basenana/blobfs/pkg/types"
	"github.com/basenana/blobfs/utils/logger"
)

const (
	rootDir    = "root"
	stagingDir = "staging"
	markerFile = ".blobfs"
)

// PendingEviction is queued when the last handle of a cached file closes.
type PendingEviction struct {
	Path       string
	Force      bool
	ClosedTime time.Time
}

type Stats struct {
	UsageBytes       int64   `json:"usage_bytes"`
	UsagePercent     float64 `json:"usage_percent"`
	ThresholdReached bool    `json:"threshold_reached"`
	Pending          int     `json:"pending"`
	Evicted          int64   `json:"evicted"`
}

// Cache mirrors remote files under <dir>/root and evicts idle ones in the
// background once they time out or the disk runs short.
type Cache struct {
	dir         string
	timeout     time.Duration
	size        int64
	high        float64
	low         float64
	poll        time.Duration
	maxEviction int

	locks   *pathlock.Registry
	pending *list.List
	qmux    sync.Mutex

	usage   int64
	reached int32
	evicted int64

	now    func() time.Time
	logger *zap.SugaredLogger
}

func NewCache(cfg config.Cache, locks *pathlock.Registry) (*Cache, error) {
	c := &Cache{
		dir:         cfg.Dir,
		timeout:     time.Duration(cfg.Timeout) * time.Second,
		size:        cfg.Size,
		high:        cfg.HighThreshold,
		low:         cfg.LowThreshold,
		poll:        time.Duration(cfg.PollInterval) * time.Millisecond,
		maxEviction: cfg.MaxEviction,
		locks:       locks,
		pending:     list.New(),
		now:         time.Now,
		logger:      logger.NewLogger("fileCache"),
	}
	if c.poll <= 0 {
		c.poll = time.Second
	}
	if err := c.init(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) init() error {
	for _, d := range []string{c.dir, filepath.Join(c.dir, rootDir), filepath.Join(c.dir, stagingDir)} {
		if err := os.MkdirAll(d, 0755); err != nil {
			c.logger.Errorw("init cache dir failed", "dir", d, "err", err)
			return err
		}
	}
	marker := filepath.Join(c.dir, markerFile)
	if _, err := os.Stat(marker); os.IsNotExist(err) {
		if err = os.WriteFile(marker, []byte(time.Now().Format(time.RFC3339)), 0644); err != nil {
			return err
		}
	}
	return nil
}

// PrependRoot maps a remote path to its local mirror.
func (c *Cache) PrependRoot(path string) string {
	return filepath.Join(c.dir, rootDir, filepath.FromSlash(types.CleanPath(path)))
}

// StagingPath is a scratch file outside the mirrored tree.
func (c *Cache) StagingPath(name string) string {
	return filepath.Join(c.dir, stagingDir, name)
}

// OpenLocal opens the mirror of path and holds a shared advisory lock on
// it until the file is closed, so the gc never unlinks a file in use.
func (c *Cache) OpenLocal(path string, flag int, perm os.FileMode) (*os.File, error) {
	local := c.PrependRoot(path)
	if flag&os.O_CREATE != 0 {
		if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(local, flag, perm)
	if err != nil {
		return nil, err
	}
	if err = unix.Flock(int(f.Fd()), unix.LOCK_SH); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

// MarkClosed queues path for eviction, forced records jump the queue.
func (c *Cache) MarkClosed(path string, force bool) {
	rec := &PendingEviction{Path: types.CleanPath(path), Force: force, ClosedTime: c.now()}
	c.qmux.Lock()
	if force {
		c.pending.PushFront(rec)
	} else {
		c.pending.PushBack(rec)
	}
	fileCachePendingGauge.Set(float64(c.pending.Len()))
	c.qmux.Unlock()
}

func (c *Cache) TrackBytes(delta int64) {
	if atomic.AddInt64(&c.usage, delta) < 0 {
		atomic.StoreInt64(&c.usage, 0)
	}
}

func (c *Cache) ThresholdReached() bool {
	return atomic.LoadInt32(&c.reached) == 1
}

func (c *Cache) Pending() int {
	c.qmux.Lock()
	defer c.qmux.Unlock()
	return c.pending.Len()
}

// Usage reports the cache usage in percent: against the configured size
// when there is one, against the backing filesystem otherwise.
func (c *Cache) Usage() (float64, error) {
	if c.size > 0 {
		return float64(atomic.LoadInt64(&c.usage)) / float64(c.size) * 100, nil
	}
	var st unix.Statfs_t
	if err := unix.Statfs(c.dir, &st); err != nil {
		return 0, err
	}
	total := float64(st.Blocks) * float64(st.Bsize)
	if total == 0 {
		return 0, nil
	}
	free := float64(st.Bfree) * float64(st.Bsize)
	return (total - free) / total * 100, nil
}

// Capacity reports the byte budget of the cache and how much of it is in
// use by tracked files.
func (c *Cache) Capacity() (total, used uint64, err error) {
	used = uint64(atomic.LoadInt64(&c.usage))
	if c.size > 0 {
		return uint64(c.size), used, nil
	}
	var st unix.Statfs_t
	if err = unix.Statfs(c.dir, &st); err != nil {
		return 0, 0, err
	}
	return st.Blocks * uint64(st.Bsize), used, nil
}

// Evict drops the local copy of path right away.
func (c *Cache) Evict(path string) error {
	path = types.CleanPath(path)
	unlock := c.locks.LockFile(path)
	defer unlock()

	local := c.PrependRoot(path)
	info, err := os.Stat(local)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.IsDir() {
		return nil
	}
	if err = os.Remove(local); err != nil && !os.IsNotExist(err) {
		return err
	}
	c.TrackBytes(-info.Size())
	return nil
}

// EvictAll drops the local copy of dir and everything below it.
func (c *Cache) EvictAll(dir string) error {
	local := c.PrependRoot(dir)
	if local == filepath.Join(c.dir, rootDir) {
		return c.resetRoot()
	}
	var freed int64
	_ = filepath.WalkDir(local, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, iErr := d.Info(); iErr == nil {
			freed += info.Size()
		}
		return nil
	})
	if err := os.RemoveAll(local); err != nil {
		return err
	}
	c.TrackBytes(-freed)
	return nil
}

// Clean removes every cached file.
func (c *Cache) Clean() error {
	return c.resetRoot()
}

func (c *Cache) resetRoot() error {
	root := filepath.Join(c.dir, rootDir)
	if err := os.RemoveAll(root); err != nil {
		return err
	}
	atomic.StoreInt64(&c.usage, 0)
	return os.MkdirAll(root, 0755)
}

func (c *Cache) Stats() Stats {
	pct, _ := c.Usage()
	return Stats{
		UsageBytes:       atomic.LoadInt64(&c.usage),
		UsagePercent:     pct,
		ThresholdReached: c.ThresholdReached(),
		Pending:          c.Pending(),
		Evicted:          atomic.LoadInt64(&c.evicted),
	}
}
