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

package storage

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/basenana/blobfs/pkg/types"
	"github.com/basenana/blobfs/utils/logger"
)

var (
	storageOperationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storage_operation_latency_seconds",
			Help:    "The latency of storage operation.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		},
		[]string{"storage_id", "operation"},
	)
	storageOperationErrorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_operation_errors",
			Help: "This count of storage encountering errors",
		},
		[]string{"storage_id", "operation"},
	)
	storageOperationRetryCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_operation_retries",
			Help: "This count of retried storage operations",
		},
		[]string{"storage_id", "operation"},
	)
)

func init() {
	prometheus.MustRegister(
		storageOperationLatency,
		storageOperationErrorCounter,
		storageOperationRetryCounter,
	)
}

type instrumentalStorage struct {
	s       Storage
	timeout time.Duration
	retry   int
	logger  *zap.SugaredLogger
}

var _ Storage = &instrumentalStorage{}

// NewInstrumentalStorage bounds each attempt by timeout (0 disables it) and
// retries idempotent operations up to retry times on retryable errors.
func NewInstrumentalStorage(s Storage, timeout time.Duration, retry int) Storage {
	return &instrumentalStorage{s: s, timeout: timeout, retry: retry, logger: logger.NewLogger("storage")}
}

func (i *instrumentalStorage) ID() string {
	return i.s.ID()
}

func (i *instrumentalStorage) List(ctx context.Context, dir, delimiter, continuation string) (*types.ListResult, error) {
	const listOperation = "list"
	defer logStorageOperationLatency(i.ID(), listOperation, time.Now())
	var result *types.ListResult
	err := i.do(ctx, listOperation, true, func(ctx context.Context) (err error) {
		result, err = i.s.List(ctx, dir, delimiter, continuation)
		return err
	})
	return result, logErr(storageOperationErrorCounter, err, i.ID(), listOperation)
}

func (i *instrumentalStorage) GetProperties(ctx context.Context, path string) (*types.Attribute, error) {
	const headOperation = "head"
	defer logStorageOperationLatency(i.ID(), headOperation, time.Now())
	var attr *types.Attribute
	err := i.do(ctx, headOperation, true, func(ctx context.Context) (err error) {
		attr, err = i.s.GetProperties(ctx, path)
		return err
	})
	if types.IsNotFound(err) {
		return nil, err
	}
	return attr, logErr(storageOperationErrorCounter, err, i.ID(), headOperation)
}

// Get bounds opening the stream only; the body is read under ctx and
// released by Close.
func (i *instrumentalStorage) Get(ctx context.Context, path string, off, limit int64) (io.ReadCloser, error) {
	const getOperation = "get"
	defer logStorageOperationLatency(i.ID(), getOperation, time.Now())
	var reader io.ReadCloser
	err := i.retryDo(ctx, getOperation, true, func() error {
		attemptCtx, cancel := context.WithCancel(ctx)
		var timer *time.Timer
		if i.timeout > 0 {
			timer = time.AfterFunc(i.timeout, cancel)
		}
		r, err := i.s.Get(attemptCtx, path, off, limit)
		if timer != nil && !timer.Stop() && err == nil {
			_ = r.Close()
			err = types.ErrTimeout
		}
		if err != nil {
			err = translateCtxErr(ctx, attemptCtx, err)
			cancel()
			return err
		}
		reader = &cancelReader{ReadCloser: r, cancel: cancel}
		return nil
	})
	if errors.Is(err, types.ErrInvalidRange) {
		return nil, err
	}
	return reader, logErr(storageOperationErrorCounter, err, i.ID(), getOperation)
}

func (i *instrumentalStorage) Put(ctx context.Context, path string, in io.Reader, size int64, meta map[string]string) error {
	const putOperation = "put"
	defer logStorageOperationLatency(i.ID(), putOperation, time.Now())
	err := i.do(ctx, putOperation, false, func(ctx context.Context) error {
		return i.s.Put(ctx, path, in, size, meta)
	})
	return logErr(storageOperationErrorCounter, err, i.ID(), putOperation)
}

func (i *instrumentalStorage) Delete(ctx context.Context, path string) error {
	const deleteOperation = "delete"
	defer logStorageOperationLatency(i.ID(), deleteOperation, time.Now())
	err := i.do(ctx, deleteOperation, false, func(ctx context.Context) error {
		return i.s.Delete(ctx, path)
	})
	return logErr(storageOperationErrorCounter, err, i.ID(), deleteOperation)
}

func (i *instrumentalStorage) CreateDirectoryMarker(ctx context.Context, path string, meta map[string]string) error {
	const mkdirOperation = "mkdir"
	defer logStorageOperationLatency(i.ID(), mkdirOperation, time.Now())
	err := i.do(ctx, mkdirOperation, true, func(ctx context.Context) error {
		return i.s.CreateDirectoryMarker(ctx, path, meta)
	})
	return logErr(storageOperationErrorCounter, err, i.ID(), mkdirOperation)
}

func (i *instrumentalStorage) Rename(ctx context.Context, src, dst string) error {
	const renameOperation = "rename"
	defer logStorageOperationLatency(i.ID(), renameOperation, time.Now())
	err := i.do(ctx, renameOperation, false, func(ctx context.Context) error {
		return i.s.Rename(ctx, src, dst)
	})
	return logErr(storageOperationErrorCounter, err, i.ID(), renameOperation)
}

func (i *instrumentalStorage) GetACL(ctx context.Context, path string) (*types.ACL, error) {
	const getACLOperation = "get_acl"
	defer logStorageOperationLatency(i.ID(), getACLOperation, time.Now())
	var acl *types.ACL
	err := i.do(ctx, getACLOperation, true, func(ctx context.Context) (err error) {
		acl, err = i.s.GetACL(ctx, path)
		return err
	})
	return acl, logErr(storageOperationErrorCounter, err, i.ID(), getACLOperation)
}

func (i *instrumentalStorage) SetACL(ctx context.Context, path string, acl types.ACL) error {
	const setACLOperation = "set_acl"
	defer logStorageOperationLatency(i.ID(), setACLOperation, time.Now())
	err := i.do(ctx, setACLOperation, true, func(ctx context.Context) error {
		return i.s.SetACL(ctx, path, acl)
	})
	return logErr(storageOperationErrorCounter, err, i.ID(), setACLOperation)
}

// do runs fn with a per-attempt timeout.
func (i *instrumentalStorage) do(ctx context.Context, operation string, idempotent bool, fn func(ctx context.Context) error) error {
	return i.retryDo(ctx, operation, idempotent, func() error {
		attemptCtx := ctx
		if i.timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, i.timeout)
			defer cancel()
		}
		return translateCtxErr(ctx, attemptCtx, fn(attemptCtx))
	})
}

func (i *instrumentalStorage) retryDo(ctx context.Context, operation string, idempotent bool, fn func() error) error {
	if !idempotent || i.retry <= 0 {
		return fn()
	}

	attempt := 0
	op := func() error {
		err := fn()
		if err != nil && !types.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		attempt++
		storageOperationRetryCounter.WithLabelValues(i.ID(), operation).Inc()
		i.logger.Warnw("storage operation failed, retrying", "operation", operation, "attempt", attempt, "next", next.String(), "err", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Millisecond * 100
	bo.MaxInterval = time.Second * 5
	return backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(i.retry)), ctx), notify)
}

// translateCtxErr turns an expired attempt into types.ErrTimeout while the
// caller's own context is still live.
func translateCtxErr(parent, attempt context.Context, err error) error {
	if err == nil {
		return nil
	}
	if parent.Err() == nil && attempt.Err() != nil {
		return types.ErrTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.ErrTimeout
	}
	return err
}

type cancelReader struct {
	io.ReadCloser
	cancel context.CancelFunc
	once   sync.Once
}

func (r *cancelReader) Close() error {
	err := r.ReadCloser.Close()
	r.once.Do(r.cancel)
	return err
}

func logStorageOperationLatency(id, operation string, startAt time.Time) {
	storageOperationLatency.WithLabelValues(id, operation).Observe(time.Since(startAt).Seconds())
}

func logErr(counter *prometheus.CounterVec, err error, labels ...string) error {
	if err != nil {
		counter.WithLabelValues(labels...).Inc()
	}
	return err
}
