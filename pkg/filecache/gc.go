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
	"errors"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/basenana/blobfs/utils"
)

type evictResult string

const (
	evictDone   evictResult = "evicted"
	evictBusy   evictResult = "busy"
	evictSkip   evictResult = "skipped"
	evictFailed evictResult = "failed"
)

// Start runs the gc loop until stopCh is closed.
func (c *Cache) Start(stopCh <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(c.poll)
		defer ticker.Stop()
		c.logger.Infow("file cache gc started", "dir", c.dir, "poll", c.poll.String())
		for {
			select {
			case <-stopCh:
				c.logger.Infow("file cache gc stopped")
				return
			default:
			}
			c.safePass()
			select {
			case <-stopCh:
				c.logger.Infow("file cache gc stopped")
				return
			case <-ticker.C:
			}
		}
	}()
}

func (c *Cache) safePass() {
	defer func() {
		if rErr := utils.Recover(recover()); rErr != nil {
			c.logger.Errorw("file cache gc panic", "err", rErr)
		}
	}()
	c.gcPass()
}

// gcPass evicts due records from the queue front, handling at most
// maxEviction records. It stops at the first record that is not due.
func (c *Cache) gcPass() (evicted int) {
	start := time.Now()
	defer func() { fileCacheGCLatency.Observe(time.Since(start).Seconds()) }()

	c.refreshThreshold()
	requeued := make(map[*PendingEviction]struct{})
	for handled := 0; c.maxEviction <= 0 || handled < c.maxEviction; handled++ {
		rec := c.front()
		if rec == nil {
			return
		}
		if _, ok := requeued[rec]; ok {
			return
		}
		if !rec.Force && !c.ThresholdReached() && c.now().Sub(rec.ClosedTime) <= c.timeout {
			return
		}
		c.popFront(rec)

		result := c.tryEvict(rec)
		fileCacheEvictCounter.WithLabelValues(string(result)).Inc()
		switch result {
		case evictDone:
			evicted++
			atomic.AddInt64(&c.evicted, 1)
			c.refreshThreshold()
		case evictBusy:
			requeued[rec] = struct{}{}
			c.requeue(rec)
		}
	}
	return
}

func (c *Cache) tryEvict(rec *PendingEviction) evictResult {
	unlock, ok := c.locks.TryLockFile(rec.Path)
	if !ok {
		c.logger.Debugw("file in use, retry later", "path", rec.Path)
		return evictBusy
	}
	defer unlock()

	local := c.PrependRoot(rec.Path)
	info, err := os.Stat(local)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warnw("stat cached file failed", "path", rec.Path, "err", err)
		}
		return evictSkip
	}
	if info.IsDir() {
		return evictSkip
	}
	if !rec.Force && !c.ThresholdReached() && c.now().Sub(info.ModTime()) <= c.timeout {
		return evictSkip
	}

	f, err := os.OpenFile(local, os.O_WRONLY, 0)
	if err != nil && errors.Is(err, os.ErrPermission) {
		c.logger.Debugw("relax cached file permission", "path", rec.Path)
		if cErr := os.Chmod(local, 0600); cErr == nil {
			f, err = os.OpenFile(local, os.O_WRONLY, 0)
		}
	}
	if err != nil {
		c.logger.Warnw("open cached file failed, skip", "path", rec.Path, "err", err)
		return evictFailed
	}
	defer f.Close()

	if err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			c.logger.Debugw("cached file still open, retry later", "path", rec.Path)
			return evictBusy
		}
		c.logger.Warnw("flock cached file failed", "path", rec.Path, "err", err)
		return evictFailed
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	if err = os.Remove(local); err != nil {
		c.logger.Warnw("remove cached file failed", "path", rec.Path, "err", err)
		return evictFailed
	}
	c.TrackBytes(-info.Size())
	c.logger.Debugw("cached file evicted", "path", rec.Path, "size", info.Size())
	return evictDone
}

func (c *Cache) refreshThreshold() {
	pct, err := c.Usage()
	if err != nil {
		c.logger.Warnw("compute cache usage failed", "err", err)
		return
	}
	reached := nextThresholdState(c.ThresholdReached(), pct, c.high, c.low)
	if reached {
		atomic.StoreInt32(&c.reached, 1)
		fileCachePressureGauge.Set(1)
	} else {
		atomic.StoreInt32(&c.reached, 0)
		fileCachePressureGauge.Set(0)
	}
	fileCacheUsageGauge.Set(pct)
}

func (c *Cache) front() *PendingEviction {
	c.qmux.Lock()
	defer c.qmux.Unlock()
	if e := c.pending.Front(); e != nil {
		return e.Value.(*PendingEviction)
	}
	return nil
}

func (c *Cache) popFront(rec *PendingEviction) {
	c.qmux.Lock()
	defer c.qmux.Unlock()
	for e := c.pending.Front(); e != nil; e = e.Next() {
		if e.Value.(*PendingEviction) == rec {
			c.pending.Remove(e)
			break
		}
	}
	fileCachePendingGauge.Set(float64(c.pending.Len()))
}

func (c *Cache) requeue(rec *PendingEviction) {
	c.qmux.Lock()
	c.pending.PushBack(rec)
	fileCachePendingGauge.Set(float64(c.pending.Len()))
	c.qmux.Unlock()
}
