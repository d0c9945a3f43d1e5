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
	"context"
	"fmt"
	"runtime/debug"

	"github.com/getsentry/sentry-go"
)

type ParallelLimiter struct {
	q chan struct{}
}

func (l *ParallelLimiter) Acquire(ctx context.Context) error {
	select {
	case l.q <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *ParallelLimiter) Release() {
	select {
	case <-l.q:
	default:
	}
}

func NewParallelLimiter(ctn int) *ParallelLimiter {
	if ctn <= 0 {
		ctn = 1
	}
	return &ParallelLimiter{q: make(chan struct{}, ctn)}
}

// ParallelDo runs fn for every item with at most limit goroutines in flight
// and returns the first error encountered.
func ParallelDo[T any](ctx context.Context, limit int, items []T, fn func(ctx context.Context, item T) error) error {
	var (
		limiter = NewParallelLimiter(limit)
		errCh   = make(chan error, len(items))
	)
	for i := range items {
		if err := limiter.Acquire(ctx); err != nil {
			errCh <- err
			break
		}
		go func(item T) {
			defer limiter.Release()
			defer func() {
				if rErr := Recover(recover()); rErr != nil {
					errCh <- rErr
				}
			}()
			if err := fn(ctx, item); err != nil {
				errCh <- err
			}
		}(items[i])
	}
	for i := 0; i < cap(limiter.q); i++ {
		_ = limiter.Acquire(context.Background())
	}
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

// Recover reports a recovered panic value to sentry and converts it into
// an error. Call it as Recover(recover()) from a deferred function.
func Recover(panicErr interface{}) error {
	if panicErr != nil {
		debug.PrintStack()
		sentry.CurrentHub().Recover(panicErr)
		return fmt.Errorf("panic: %v", panicErr)
	}
	return nil
}
