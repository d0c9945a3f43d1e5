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
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/basenana/blobfs/config"
	"github.com/basenana/blobfs/pkg/types"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

const testBlockSize = 1024

type fakeDownloader struct {
	mux   sync.Mutex
	files map[string][]byte
	gets  map[int64]int
	fail  int
	delay time.Duration
}

func newFakeDownloader() *fakeDownloader {
	return &fakeDownloader{files: map[string][]byte{}, gets: map[int64]int{}}
}

func (f *fakeDownloader) Get(ctx context.Context, path string, off, limit int64) (io.ReadCloser, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mux.Lock()
	defer f.mux.Unlock()
	f.gets[off]++
	if f.fail > 0 {
		f.fail--
		return nil, types.ErrTransient
	}
	data, ok := f.files[path]
	if !ok {
		return nil, types.ErrNotFound
	}
	if off >= int64(len(data)) {
		return nil, types.ErrInvalidRange
	}
	end := off + limit
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return io.NopCloser(bytes.NewReader(data[off:end])), nil
}

func (f *fakeDownloader) count(off int64) int {
	f.mux.Lock()
	defer f.mux.Unlock()
	return f.gets[off]
}

func (f *fakeDownloader) total() int {
	f.mux.Lock()
	defer f.mux.Unlock()
	cnt := 0
	for _, c := range f.gets {
		cnt += c
	}
	return cnt
}

// gatedDownloader holds the downloads of gated offsets until released.
type gatedDownloader struct {
	*fakeDownloader
	entered map[int64]chan struct{}
	gates   map[int64]chan struct{}
}

func (g *gatedDownloader) Get(ctx context.Context, path string, off, limit int64) (io.ReadCloser, error) {
	if gate, ok := g.gates[off]; ok {
		close(g.entered[off])
		<-gate
	}
	return g.fakeDownloader.Get(ctx, path, off, limit)
}

func randomData(size int) []byte {
	data := make([]byte, size)
	rand.Read(data)
	return data
}

func newTestStreamer(store Downloader, maxBlocks int, budget int64) *Streamer {
	return NewStreamer(store, config.Stream{Enable: true, BlockSize: testBlockSize, MaxBlocksPerFile: maxBlocks, BufferSize: budget})
}

var _ = Describe("TestStreamerRead", func() {
	var (
		ctx   = context.TODO()
		store *fakeDownloader
		data  []byte
	)
	BeforeEach(func() {
		store = newFakeDownloader()
		data = randomData(testBlockSize*4 + 100)
		store.files["f"] = data
	})

	Context("aligned blocks", func() {
		It("reads inside one block should download it once", func() {
			s := newTestStreamer(store, 3, 0)
			s.Open(ctx, "f")
			Expect(store.count(0)).Should(Equal(1))

			buf := make([]byte, 100)
			for _, off := range []int64{0, 10, 500, testBlockSize - 100} {
				n, err := s.ReadAt(ctx, "f", buf, off)
				Expect(err).Should(BeNil())
				Expect(n).Should(Equal(100))
				Expect(buf).Should(Equal(data[off : off+100]))
			}
			Expect(store.count(0)).Should(Equal(1))
		})
		It("blocks 0 and 2 should be cached independently", func() {
			s := newTestStreamer(store, 3, 0)
			s.Open(ctx, "f")

			buf := make([]byte, 10)
			_, err := s.ReadAt(ctx, "f", buf, 2*testBlockSize+5)
			Expect(err).Should(BeNil())
			Expect(buf).Should(Equal(data[2*testBlockSize+5 : 2*testBlockSize+15]))
			_, err = s.ReadAt(ctx, "f", buf, 5)
			Expect(err).Should(BeNil())
			_, err = s.ReadAt(ctx, "f", buf, 2*testBlockSize+50)
			Expect(err).Should(BeNil())

			Expect(store.count(0)).Should(Equal(1))
			Expect(store.count(testBlockSize)).Should(Equal(0))
			Expect(store.count(2 * testBlockSize)).Should(Equal(1))
			Expect(s.Stats().Blocks).Should(Equal(2))
		})
		It("a slow block 0 should not hold up a read of block 2", func() {
			gated := &gatedDownloader{
				fakeDownloader: store,
				entered:        map[int64]chan struct{}{0: make(chan struct{})},
				gates:          map[int64]chan struct{}{0: make(chan struct{})},
			}
			s := newTestStreamer(gated, 3, 0)

			opened := make(chan *Handle, 1)
			go func() {
				defer GinkgoRecover()
				opened <- s.Open(ctx, "f")
			}()
			<-gated.entered[0]

			block0 := make(chan []byte, 1)
			go func() {
				defer GinkgoRecover()
				buf := make([]byte, 10)
				_, err := s.ReadAt(ctx, "f", buf, 5)
				Expect(err).Should(BeNil())
				block0 <- buf
			}()

			buf := make([]byte, 10)
			n, err := s.ReadAt(ctx, "f", buf, 2*testBlockSize+5)
			Expect(err).Should(BeNil())
			Expect(buf[:n]).Should(Equal(data[2*testBlockSize+5 : 2*testBlockSize+15]))
			Consistently(block0, 20*time.Millisecond).ShouldNot(Receive())

			close(gated.gates[0])
			Eventually(block0).Should(Receive(Equal(data[5:15])))
			h := <-opened
			h.Close()
			Expect(store.count(0)).Should(Equal(1))
		})
		It("read across blocks and past the end should return EOF", func() {
			s := newTestStreamer(store, 3, 0)
			s.Open(ctx, "f")

			buf := make([]byte, 3*testBlockSize)
			n, err := s.ReadAt(ctx, "f", buf, testBlockSize/2)
			Expect(err).Should(BeNil())
			Expect(n).Should(Equal(len(buf)))
			Expect(buf).Should(Equal(data[testBlockSize/2 : testBlockSize/2+len(buf)]))

			n, err = s.ReadAt(ctx, "f", buf, int64(len(data))-50)
			Expect(err).Should(Equal(io.EOF))
			Expect(n).Should(Equal(50))
			Expect(buf[:n]).Should(Equal(data[len(data)-50:]))

			n, err = s.ReadAt(ctx, "f", buf, int64(len(data))+10)
			Expect(err).Should(Equal(io.EOF))
			Expect(n).Should(Equal(0))
		})
		It("file ending on a block boundary should return EOF", func() {
			store.files["exact"] = randomData(2 * testBlockSize)
			s := newTestStreamer(store, 3, 0)
			s.Open(ctx, "exact")
			buf := make([]byte, testBlockSize)
			n, err := s.ReadAt(ctx, "exact", buf, 2*testBlockSize-10)
			Expect(err).Should(Equal(io.EOF))
			Expect(n).Should(Equal(10))
		})
	})

	Context("eviction", func() {
		It("single block per file should evict the older block", func() {
			s := newTestStreamer(store, 1, 0)
			s.Open(ctx, "f")
			buf := make([]byte, 10)
			_, _ = s.ReadAt(ctx, "f", buf, testBlockSize)
			_, _ = s.ReadAt(ctx, "f", buf, 0)
			Expect(store.count(0)).Should(Equal(2))
			Expect(s.Stats().Blocks).Should(Equal(1))
			Expect(s.Stats().Evictions).Should(Equal(int64(2)))
		})
		It("tiny budget should still read correctly", func() {
			s := newTestStreamer(store, 3, 1)
			s.Open(ctx, "f")
			buf := make([]byte, len(data))
			n, err := s.ReadAt(ctx, "f", buf, 0)
			Expect(err).Should(BeNil())
			Expect(n).Should(Equal(len(data)))
			Expect(buf).Should(Equal(data))
			Expect(s.Stats().Blocks).Should(Equal(1))
			Expect(s.Stats().Bytes).Should(BeNumerically("<=", testBlockSize))
		})
		It("concurrent readers with a tiny budget should read correctly", func() {
			s := newTestStreamer(store, 2, 1)
			s.Open(ctx, "f")
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					defer GinkgoRecover()
					off := int64(i%4) * testBlockSize
					buf := make([]byte, testBlockSize+10)
					n, err := s.ReadAt(ctx, "f", buf, off)
					Expect(err).Should(BeNil())
					Expect(buf[:n]).Should(Equal(data[off : off+int64(n)]))
				}(i)
			}
			wg.Wait()
		})
	})

	Context("open handles", func() {
		It("blocks should live until the last close", func() {
			s := newTestStreamer(store, 3, 0)
			h1 := s.Open(ctx, "f")
			h2 := s.Open(ctx, "f")
			Expect(store.count(0)).Should(Equal(1))

			h1.Close()
			h1.Close()
			Expect(s.Stats().Files).Should(Equal(1))
			Expect(s.Stats().Blocks).Should(Equal(1))

			h2.Close()
			Expect(s.Stats().Files).Should(Equal(0))
			Expect(s.Stats().Bytes).Should(Equal(int64(0)))
		})
		It("delete should drop blocks of open files", func() {
			s := newTestStreamer(store, 3, 0)
			s.Open(ctx, "f")
			s.Delete("f")
			Expect(s.Stats().Files).Should(Equal(0))
			Expect(s.Stats().Bytes).Should(Equal(int64(0)))

			buf := make([]byte, 10)
			n, err := s.ReadAt(ctx, "f", buf, 0)
			Expect(err).Should(BeNil())
			Expect(n).Should(Equal(10))
		})
		It("closing a handle opened before delete should keep the new blocks", func() {
			s := newTestStreamer(store, 3, 0)
			old := s.Open(ctx, "f")
			s.Delete("f")
			cur := s.Open(ctx, "f")
			Expect(store.count(0)).Should(Equal(2))

			old.Close()
			Expect(s.Stats().Files).Should(Equal(1))
			Expect(s.Stats().Blocks).Should(Equal(1))

			buf := make([]byte, 10)
			n, err := cur.ReadAt(ctx, "f", buf, 0)
			Expect(err).Should(BeNil())
			Expect(buf[:n]).Should(Equal(data[:10]))
			Expect(store.count(0)).Should(Equal(2))
			cur.Close()
			Expect(s.Stats().Files).Should(Equal(0))
		})
		It("a dropped handle should read the current path directly", func() {
			store.files["g"] = data
			s := newTestStreamer(store, 3, 0)
			h := s.Open(ctx, "f")
			s.Delete("f")
			buf := make([]byte, 10)
			n, err := h.ReadAt(ctx, "g", buf, 20)
			Expect(err).Should(BeNil())
			Expect(buf[:n]).Should(Equal(data[20:30]))
			h.Close()
		})
	})

	Context("downloads", func() {
		It("concurrent readers of one block should share the download", func() {
			s := newTestStreamer(store, 3, 0)
			s.Open(ctx, "f")
			store.delay = 20 * time.Millisecond
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					buf := make([]byte, 10)
					_, _ = s.ReadAt(ctx, "f", buf, 3*testBlockSize)
				}()
			}
			wg.Wait()
			Expect(store.count(3 * testBlockSize)).Should(Equal(1))
		})
		It("failed download should not be cached", func() {
			s := newTestStreamer(store, 3, 0)
			s.Open(ctx, "f")
			store.fail = 1
			buf := make([]byte, 10)
			_, err := s.ReadAt(ctx, "f", buf, testBlockSize)
			Expect(errors.Is(err, types.ErrTransient)).Should(BeTrue())
			n, err := s.ReadAt(ctx, "f", buf, testBlockSize)
			Expect(err).Should(BeNil())
			Expect(n).Should(Equal(10))
			Expect(store.count(testBlockSize)).Should(Equal(2))
		})
		It("zero blocks per file should read directly", func() {
			s := newTestStreamer(store, 0, 0)
			s.Open(ctx, "f")
			Expect(store.total()).Should(Equal(0))
			buf := make([]byte, 10)
			for i := 0; i < 3; i++ {
				n, err := s.ReadAt(ctx, "f", buf, 7)
				Expect(err).Should(BeNil())
				Expect(n).Should(Equal(10))
				Expect(buf).Should(Equal(data[7:17]))
			}
			Expect(store.count(7)).Should(Equal(3))
			Expect(s.Stats().DirectRead).Should(Equal(int64(3)))
		})
	})
})
