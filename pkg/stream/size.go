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

import "sync"

// SizeCalculator accounts the bytes held by cached blocks against a
// global budget. A zero max never reports the budget as exceeded.
type SizeCalculator struct {
	max  int64
	used int64
	mux  sync.Mutex
}

func NewSizeCalculator(max int64) *SizeCalculator {
	return &SizeCalculator{max: max}
}

func (s *SizeCalculator) Add(n int64) {
	s.mux.Lock()
	s.used += n
	s.mux.Unlock()
	streamCachedBytesGauge.Add(float64(n))
}

func (s *SizeCalculator) Remove(n int64) {
	s.mux.Lock()
	s.used -= n
	if s.used < 0 {
		s.used = 0
	}
	s.mux.Unlock()
	streamCachedBytesGauge.Sub(float64(n))
}

func (s *SizeCalculator) Exceeded() bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.max > 0 && s.used >= s.max
}

func (s *SizeCalculator) Used() int64 {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.used
}
