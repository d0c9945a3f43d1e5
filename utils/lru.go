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

package utils

import (
	"sync"

	"github.com/bluele/gcache"
)

// LRUIndex tracks key recency with a bounded gcache LRU. Keys pushed out
// of the index are reported through Evicted after the triggering call
// returns, so handlers may safely call back into the index.
type LRUIndex struct {
	cache   gcache.Cache
	pending []string
	mux     sync.Mutex

	HandlerEvict func(key string)
}

func NewLRUIndex(size int) *LRUIndex {
	idx := &LRUIndex{}
	idx.cache = gcache.New(size).LRU().EvictedFunc(idx.evictedFunc).Build()
	return idx
}

func (l *LRUIndex) Touch(key string) {
	if _, err := l.cache.GetIFPresent(key); err == nil {
		return
	}
	_ = l.cache.Set(key, struct{}{})
	l.flush()
}

func (l *LRUIndex) Remove(key string) {
	l.cache.Remove(key)
}

func (l *LRUIndex) Has(key string) bool {
	return l.cache.Has(key)
}

func (l *LRUIndex) Len() int {
	return l.cache.Len(false)
}

func (l *LRUIndex) evictedFunc(key interface{}, _ interface{}) {
	l.mux.Lock()
	l.pending = append(l.pending, key.(string))
	l.mux.Unlock()
}

func (l *LRUIndex) flush() {
	l.mux.Lock()
	evicted := l.pending
	l.pending = nil
	l.mux.Unlock()
	if l.HandlerEvict == nil {
		return
	}
	for _, k := range evicted {
		l.HandlerEvict(k)
	}
}
