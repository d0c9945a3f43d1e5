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
	"sort"
	"sync"

	"github.com/basenana/blobfs/utils"
)

// Arena hands out one shared *T per key, created on first use. The arena
// lock is only held for insert-if-absent and reference counting; callers
// lock the returned item themselves.
//
// With a positive capacity an LRU index sweeps the least recently used
// items once the arena grows past it. Items with outstanding references
// are never swept, so the arena may run over capacity while they are busy.
type Arena[T any] struct {
	items    map[string]*slot[T]
	index    *utils.LRUIndex
	newFn    func(key string) *T
	capacity int
	swept    int64
	mux      sync.Mutex
}

type slot[T any] struct {
	item *T
	refs int
}

func NewArena[T any](capacity int, newFn func(key string) *T) *Arena[T] {
	a := &Arena[T]{
		items:    make(map[string]*slot[T]),
		newFn:    newFn,
		capacity: capacity,
	}
	if capacity > 0 {
		a.index = utils.NewLRUIndex(capacity)
		a.index.HandlerEvict = a.sweep
	}
	return a
}

// Acquire returns the item for key and pins it until release is called.
func (a *Arena[T]) Acquire(key string) (item *T, release func()) {
	a.mux.Lock()
	defer a.mux.Unlock()
	s, ok := a.items[key]
	if !ok {
		s = &slot[T]{item: a.newFn(key)}
		a.items[key] = s
	}
	s.refs++
	if a.index != nil {
		a.index.Touch(key)
	}

	var once sync.Once
	return s.item, func() {
		once.Do(func() {
			a.mux.Lock()
			s.refs--
			a.mux.Unlock()
		})
	}
}

// Peek returns the item for key without creating or pinning it.
func (a *Arena[T]) Peek(key string) (*T, bool) {
	a.mux.Lock()
	defer a.mux.Unlock()
	s, ok := a.items[key]
	if !ok {
		return nil, false
	}
	return s.item, true
}

func (a *Arena[T]) Len() int {
	a.mux.Lock()
	defer a.mux.Unlock()
	return len(a.items)
}

func (a *Arena[T]) Swept() int64 {
	a.mux.Lock()
	defer a.mux.Unlock()
	return a.swept
}

// Keys returns a sorted snapshot of the keys accepted by filter.
func (a *Arena[T]) Keys(filter func(key string) bool) []string {
	a.mux.Lock()
	keys := make([]string, 0, len(a.items))
	for k := range a.items {
		if filter == nil || filter(k) {
			keys = append(keys, k)
		}
	}
	a.mux.Unlock()
	sort.Strings(keys)
	return keys
}

// sweep runs with a.mux held, called back from the index during Acquire.
func (a *Arena[T]) sweep(key string) {
	s, ok := a.items[key]
	if !ok || s.refs > 0 {
		return
	}
	delete(a.items, key)
	a.swept++
}
