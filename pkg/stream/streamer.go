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

package stream

import (
	"context"
	"errors"
	"io"
	"runtime/trace"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/basenana/blobfs/config"
	"github.com/basenana/blobfs/pkg/types"
	"github.com/basenana/blobfs/utils/logger"
)

// Downloader fetches at most limit bytes of path starting at off.
type Downloader interface {
	Get(ctx context.Context, path string, off, limit int64) (io.ReadCloser, error)
}

type Stats struct {
	Files      int   `json:"files"`
	Blocks     int   `json:"blocks"`
	Bytes      int64 `json:"bytes"`
	Evictions  int64 `json:"evictions"`
	Downloads  int64 `json:"downloads"`
	DirectRead int64 `json:"direct_read"`
}

// Streamer serves reads of open files from block-aligned cached ranges.
// With maxBlocks zero every read goes straight to the store.
type Streamer struct {
	store     Downloader
	enable    bool
	blockSize int64
	maxBlocks int
	size      *SizeCalculator
	objects   map[string]*object
	mux       sync.Mutex

	evictions  int64
	downloads  int64
	directRead int64

	logger *zap.SugaredLogger
}

func NewStreamer(store Downloader, cfg config.Stream) *Streamer {
	blockSize := cfg.BlockSize
	if blockSize <= 0 {
		blockSize = 16 << 20
	}
	return &Streamer{
		store:     store,
		enable:    cfg.Enable,
		blockSize: blockSize,
		maxBlocks: cfg.MaxBlocksPerFile,
		size:      NewSizeCalculator(cfg.BufferSize),
		objects:   map[string]*object{},
		logger:    logger.NewLogger("streamer"),
	}
}

func (s *Streamer) Enabled() bool {
	return s.enable
}

// Handle is one open reader of a streamed file. It keeps the object it
// was opened on, so closing it never touches an object created by a later
// Open of the same path.
type Handle struct {
	s    *Streamer
	obj  *object
	once sync.Once
}

// Open counts a handle of path; the first open prefetches block zero.
func (s *Streamer) Open(ctx context.Context, path string) *Handle {
	h := &Handle{s: s}
	if s.maxBlocks <= 0 {
		return h
	}
	defer trace.StartRegion(ctx, "stream.Open").End()

	s.mux.Lock()
	obj, ok := s.objects[path]
	if !ok {
		obj = newObject(path)
		s.objects[path] = obj
	}
	obj.refs++
	s.mux.Unlock()
	h.obj = obj

	if err := s.withBlock(ctx, obj, path, 0, func(*block) {}); err != nil {
		s.logger.Warnw("prefetch first block failed", "path", path, "err", err)
	}
	return h
}

// ReadAt reads through the blocks of the handle. path is the current name
// of the file, used for uncached downloads once the blocks were dropped.
func (h *Handle) ReadAt(ctx context.Context, path string, dest []byte, off int64) (int, error) {
	defer trace.StartRegion(ctx, "stream.Handle.ReadAt").End()
	if len(dest) == 0 {
		return 0, nil
	}
	if h.obj == nil {
		return h.s.readDirect(ctx, path, dest, off)
	}
	return h.s.readBlocks(ctx, h.obj, path, dest, off)
}

// Close releases the handle; the cached blocks go with the last one.
func (h *Handle) Close() {
	if h.obj == nil {
		return
	}
	h.once.Do(func() {
		h.s.release(h.obj)
	})
}

func (s *Streamer) release(obj *object) {
	s.mux.Lock()
	obj.refs--
	if obj.refs > 0 {
		s.mux.Unlock()
		return
	}
	if s.objects[obj.path] == obj {
		delete(s.objects, obj.path)
	}
	s.mux.Unlock()
	s.drop(obj)
}

// Delete drops the blocks of path regardless of open handles. Readers
// still holding the file fall back to uncached downloads.
func (s *Streamer) Delete(path string) {
	s.mux.Lock()
	obj, ok := s.objects[path]
	if ok {
		delete(s.objects, path)
	}
	s.mux.Unlock()
	if ok {
		s.drop(obj)
	}
}

// ReadAt fills dest from off, spanning blocks as needed. It returns
// io.EOF together with a short count when the file ends first.
func (s *Streamer) ReadAt(ctx context.Context, path string, dest []byte, off int64) (int, error) {
	defer trace.StartRegion(ctx, "stream.ReadAt").End()
	if len(dest) == 0 {
		return 0, nil
	}

	s.mux.Lock()
	obj, ok := s.objects[path]
	s.mux.Unlock()
	if s.maxBlocks <= 0 || !ok {
		return s.readDirect(ctx, path, dest, off)
	}
	return s.readBlocks(ctx, obj, path, dest, off)
}

func (s *Streamer) readBlocks(ctx context.Context, obj *object, path string, dest []byte, off int64) (int, error) {
	if len(dest) == 0 {
		return 0, nil
	}
	var (
		n   int
		eof bool
	)
	for n < len(dest) && !eof {
		pos := off + int64(n)
		start := pos - pos%s.blockSize
		err := s.withBlock(ctx, obj, path, start, func(b *block) {
			inner := pos - b.start
			if inner >= int64(len(b.data)) {
				eof = true
				return
			}
			n += copy(dest[n:], b.data[inner:])
			if b.last && off+int64(n) >= b.start+int64(len(b.data)) {
				eof = true
			}
		})
		if err != nil {
			return n, err
		}
	}
	if n < len(dest) {
		return n, io.EOF
	}
	return n, nil
}

func (s *Streamer) Stats() Stats {
	st := Stats{
		Bytes:      s.size.Used(),
		Evictions:  atomic.LoadInt64(&s.evictions),
		Downloads:  atomic.LoadInt64(&s.downloads),
		DirectRead: atomic.LoadInt64(&s.directRead),
	}
	s.mux.Lock()
	objs := make([]*object, 0, len(s.objects))
	for _, obj := range s.objects {
		objs = append(objs, obj)
	}
	s.mux.Unlock()

	st.Files = len(objs)
	for _, obj := range objs {
		obj.mux.Lock()
		st.Blocks += obj.blocks.Len()
		obj.mux.Unlock()
	}
	return st
}

// withBlock runs fn with the block at start locked, downloading it first
// when it is not cached. A dropped object is bypassed and path is
// downloaded directly. Concurrent callers of a block being downloaded
// wait for the download instead of issuing their own.
func (s *Streamer) withBlock(ctx context.Context, obj *object, path string, start int64, fn func(b *block)) error {
	for {
		obj.mux.Lock()
		if obj.dropped {
			obj.mux.Unlock()
			b := &block{start: start}
			if err := s.download(ctx, path, b); err != nil {
				return err
			}
			fn(b)
			return nil
		}

		if b := obj.find(start); b != nil {
			obj.mux.Unlock()
			b.mu.RLock()
			if b.valid && !b.evicted {
				fn(b)
				b.mu.RUnlock()
				return nil
			}
			b.mu.RUnlock()
			continue
		}

		b := &block{start: start}
		b.mu.Lock()
		victims := obj.push(b, s.maxBlocks, s.size)
		obj.mux.Unlock()
		s.free(victims...)

		if err := s.download(ctx, obj.path, b); err != nil {
			obj.mux.Lock()
			obj.remove(b)
			obj.mux.Unlock()
			b.evicted = true
			b.mu.Unlock()
			return err
		}
		b.valid = true
		s.size.Add(int64(len(b.data)))
		fn(b)
		b.mu.Unlock()
		return nil
	}
}

func (s *Streamer) download(ctx context.Context, path string, b *block) error {
	defer logDownloadLatency("block", time.Now())
	atomic.AddInt64(&s.downloads, 1)

	reader, err := s.store.Get(ctx, path, b.start, s.blockSize)
	if err != nil {
		if errors.Is(err, types.ErrInvalidRange) {
			b.data, b.last = nil, true
			return nil
		}
		streamDownloadErrorCounter.Inc()
		return err
	}
	defer reader.Close()

	buf := make([]byte, s.blockSize)
	n, err := io.ReadFull(reader, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		streamDownloadErrorCounter.Inc()
		return err
	}
	b.data = buf[:n]
	b.last = int64(n) < s.blockSize
	return nil
}

func (s *Streamer) readDirect(ctx context.Context, path string, dest []byte, off int64) (int, error) {
	defer logDownloadLatency("direct", time.Now())
	atomic.AddInt64(&s.directRead, 1)

	reader, err := s.store.Get(ctx, path, off, int64(len(dest)))
	if err != nil {
		if errors.Is(err, types.ErrInvalidRange) {
			return 0, io.EOF
		}
		streamDownloadErrorCounter.Inc()
		return 0, err
	}
	defer reader.Close()

	n, err := io.ReadFull(reader, dest)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return n, err
}

// free releases detached blocks, waiting for readers and in-flight
// downloads of each through its block lock.
func (s *Streamer) free(blocks ...*block) {
	for _, b := range blocks {
		b.mu.Lock()
		if !b.evicted {
			b.evicted = true
			if b.valid {
				s.size.Remove(int64(len(b.data)))
			}
			b.data = nil
			atomic.AddInt64(&s.evictions, 1)
			streamBlockEvictionCounter.Inc()
		}
		b.mu.Unlock()
	}
}

func (s *Streamer) drop(obj *object) {
	obj.mux.Lock()
	obj.dropped = true
	blocks := obj.drain()
	obj.mux.Unlock()
	s.free(blocks...)
}

func logDownloadLatency(kind string, start time.Time) {
	streamDownloadLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}
