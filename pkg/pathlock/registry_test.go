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

package pathlock

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("TestArena", func() {
	Context("unbounded arena", func() {
		arena := NewArena[sync.Mutex](0, func(string) *sync.Mutex { return &sync.Mutex{} })
		It("same key should share one item", func() {
			m1, r1 := arena.Acquire("a/b")
			m2, r2 := arena.Acquire("a/b")
			defer r1()
			defer r2()
			Expect(m1 == m2).Should(BeTrue())
		})
		It("concurrent acquire should create one item", func() {
			var (
				wg    sync.WaitGroup
				items sync.Map
			)
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					m, release := arena.Acquire("a/c")
					defer release()
					items.Store(fmt.Sprintf("%p", m), struct{}{})
				}()
			}
			wg.Wait()
			cnt := 0
			items.Range(func(_, _ any) bool { cnt++; return true })
			Expect(cnt).Should(Equal(1))
		})
		It("keys should be sorted and filtered", func() {
			_, r := arena.Acquire("a")
			r()
			Expect(arena.Keys(nil)).Should(Equal([]string{"a", "a/b", "a/c"}))
			Expect(arena.Keys(func(k string) bool { return k != "a" })).Should(Equal([]string{"a/b", "a/c"}))
		})
	})

	Context("bounded arena", func() {
		arena := NewArena[sync.Mutex](4, func(string) *sync.Mutex { return &sync.Mutex{} })
		It("idle items should be swept beyond capacity", func() {
			for i := 0; i < 10; i++ {
				_, release := arena.Acquire(fmt.Sprintf("file-%d", i))
				release()
			}
			Expect(arena.Len()).Should(BeNumerically("<=", 4))
			Expect(arena.Swept()).Should(BeNumerically(">=", 6))
			_, ok := arena.Peek("file-0")
			Expect(ok).Should(BeFalse())
			_, ok = arena.Peek("file-9")
			Expect(ok).Should(BeTrue())
		})
		It("pinned items should survive sweeping", func() {
			pinned, release := arena.Acquire("pinned")
			for i := 0; i < 10; i++ {
				_, r := arena.Acquire(fmt.Sprintf("other-%d", i))
				r()
			}
			again, r := arena.Acquire("pinned")
			Expect(again == pinned).Should(BeTrue())
			r()
			release()
		})
		It("release should be idempotent", func() {
			_, release := arena.Acquire("twice")
			release()
			release()
			for i := 0; i < 10; i++ {
				_, r := arena.Acquire(fmt.Sprintf("more-%d", i))
				r()
			}
			_, ok := arena.Peek("twice")
			Expect(ok).Should(BeFalse())
		})
	})
})

var _ = Describe("TestRegistry", func() {
	registry := NewRegistry(0)

	Context("directory locks", func() {
		It("shared holders should not block each other", func() {
			unlock1 := registry.RLockDirectory("dir")
			done := make(chan struct{})
			go func() {
				unlock2 := registry.RLockDirectory("dir")
				unlock2()
				close(done)
			}()
			Eventually(done, time.Second).Should(BeClosed())
			unlock1()
		})
		It("exclusive listing should wait for shared holders", func() {
			unlockShared := registry.RLockDirectory("dir")
			var listed int32
			done := make(chan struct{})
			go func() {
				unlock := registry.LockDirectory("dir")
				atomic.StoreInt32(&listed, 1)
				unlock()
				close(done)
			}()
			Consistently(func() int32 { return atomic.LoadInt32(&listed) }, 100*time.Millisecond).Should(Equal(int32(0)))
			unlockShared()
			Eventually(done, time.Second).Should(BeClosed())
		})
		It("multi directory lock should dedup and not deadlock", func() {
			unlock := registry.RLockDirectories("b", "a", "b")
			dirs, _ := registry.Stats()
			Expect(dirs).Should(BeNumerically(">=", 2))
			unlock()

			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(2)
				go func() {
					defer wg.Done()
					registry.RLockDirectories("x", "y")()
				}()
				go func() {
					defer wg.Done()
					registry.LockDirectory("y")()
				}()
			}
			finished := make(chan struct{})
			go func() { wg.Wait(); close(finished) }()
			Eventually(finished, 5*time.Second).Should(BeClosed())
		})
	})

	Context("file locks", func() {
		It("try lock should fail while held", func() {
			unlock := registry.LockFile("dir/file")
			_, ok := registry.TryLockFile("dir/file")
			Expect(ok).Should(BeFalse())
			unlock()

			unlock, ok = registry.TryLockFile("dir/file")
			Expect(ok).Should(BeTrue())
			unlock()
		})
	})
})
