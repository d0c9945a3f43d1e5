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
	"container/list"
	"sync"
)

type block struct {
	start int64
	data  []byte
	last  bool

	// valid is set once the download completed, evicted once the block
	// left its object list and released its bytes.
	valid   bool
	evicted bool
	mu      sync.RWMutex
}

// object is the per-file block list, most recently added in front.
type object struct {
	path    string
	refs    int
	dropped bool
	blocks  *list.List
	mux     sync.Mutex
}

func newObject(path string) *object {
	return &object{path: path, blocks: list.New()}
}

// find needs mux held.
func (o *object) find(start int64) *block {
	for e := o.blocks.Front(); e != nil; e = e.Next() {
		if b := e.Value.(*block); b.start == start {
			return b
		}
	}
	return nil
}

// push adds b to the front, first detaching tail blocks while the list
// is at maxBlocks or the budget is spent. Needs mux held; the detached
// blocks are returned for the caller to free outside of mux.
func (o *object) push(b *block, maxBlocks int, size *SizeCalculator) []*block {
	var victims []*block
	for o.blocks.Len() > 0 && (o.blocks.Len() >= maxBlocks || size.Exceeded()) {
		tail := o.blocks.Back()
		o.blocks.Remove(tail)
		victims = append(victims, tail.Value.(*block))
	}
	o.blocks.PushFront(b)
	return victims
}

// remove needs mux held.
func (o *object) remove(b *block) {
	for e := o.blocks.Front(); e != nil; e = e.Next() {
		if e.Value.(*block) == b {
			o.blocks.Remove(e)
			return
		}
	}
}

// drain detaches every block, needs mux held.
func (o *object) drain() []*block {
	blocks := make([]*block, 0, o.blocks.Len())
	for e := o.blocks.Front(); e != nil; e = e.Next() {
		blocks = append(blocks, e.Value.(*block))
	}
	o.blocks.Init()
	return blocks
}
