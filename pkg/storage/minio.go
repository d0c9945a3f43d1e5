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
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/basenana/blobfs/config"
	"github.com/basenana/blobfs/pkg/token"
	"github.com/basenana/blobfs/pkg/types"
	"github.com/basenana/blobfs/utils/logger"
)

type minioObjectStore struct {
	bucket string
	cli    *minio.Client
	cfg    *config.MinIOConfig
	logger *zap.SugaredLogger
}

var _ objectStore = &minioObjectStore{}

func (m *minioObjectStore) headObject(ctx context.Context, key string) (*objectInfo, error) {
	info, err := m.cli.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, minioErr(err, key)
	}
	return minioObjectInfo(info), nil
}

func (m *minioObjectStore) getObject(ctx context.Context, key string, off, limit int64) (io.ReadCloser, error) {
	opts := minio.GetObjectOptions{}
	switch {
	case limit > 0:
		if err := opts.SetRange(off, off+limit-1); err != nil {
			return nil, err
		}
	case off > 0:
		if err := opts.SetRange(off, 0); err != nil {
			return nil, err
		}
	}

	obj, err := m.cli.GetObject(ctx, m.bucket, key, opts)
	if err != nil {
		return nil, minioErr(err, key)
	}
	// GetObject is lazy, Stat sends the request and surfaces its error
	if _, err = obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, minioErr(err, key)
	}
	return obj, nil
}

func (m *minioObjectStore) putObject(ctx context.Context, key string, in io.Reader, size int64, meta map[string]string) error {
	_, err := m.cli.PutObject(ctx, m.bucket, key, in, size, minio.PutObjectOptions{
		ContentType:  "application/octet-stream",
		UserMetadata: meta,
	})
	if err != nil {
		m.logger.Errorw("put object failed", "object", key, "err", err)
		return minioErr(err, key)
	}
	return nil
}

func (m *minioObjectStore) copyObject(ctx context.Context, src, dst string, meta map[string]string) error {
	_, err := m.cli.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: m.bucket, Object: dst, UserMetadata: meta, ReplaceMetadata: meta != nil},
		minio.CopySrcOptions{Bucket: m.bucket, Object: src},
	)
	if err != nil {
		m.logger.Errorw("copy object failed", "src", src, "dst", dst, "err", err)
		return minioErr(err, src)
	}
	return nil
}

func (m *minioObjectStore) deleteObject(ctx context.Context, key string) error {
	err := m.cli.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		m.logger.Errorw("delete object failed", "object", key, "err", err)
		return minioErr(err, key)
	}
	return nil
}

func (m *minioObjectStore) listObjects(ctx context.Context, prefix, delimiter, startAfter string, max int) ([]objectInfo, bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	objectCh := m.cli.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{
		Prefix:     prefix,
		Recursive:  delimiter == "",
		StartAfter: startAfter,
		MaxKeys:    max,
	})

	var result []objectInfo
	for object := range objectCh {
		if object.Err != nil {
			m.logger.Errorw("list object failed", "prefix", prefix, "err", object.Err)
			return nil, false, minioErr(object.Err, prefix)
		}
		if max > 0 && len(result) == max {
			return result, true, nil
		}
		info := minioObjectInfo(object)
		if delimiter != "" && object.Key != prefix && strings.HasSuffix(object.Key, delimiter) {
			info.IsPrefix = true
		}
		result = append(result, *info)
	}
	return result, false, nil
}

func (m *minioObjectStore) initBucket(ctx context.Context) error {
	ctx, canF := context.WithTimeout(ctx, time.Minute)
	defer canF()

	exists, errBucketExists := m.cli.BucketExists(ctx, m.bucket)
	if errBucketExists == nil && exists {
		return nil
	}

	m.logger.Infof("init bucket: %s", m.bucket)
	return m.cli.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: m.cfg.Location})
}

func newMinioStorage(storageID string, cfg *config.MinIOConfig, tokens *token.Manager) (Storage, error) {
	if cfg == nil {
		return nil, fmt.Errorf("minio is nil")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio config endpoint is empty")
	}
	if cfg.BucketName == "" {
		cfg.BucketName = fmt.Sprintf("blobfs-%s", storageID)
	}

	minioClient, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.New(tokens.MinioProvider()),
		Secure:    cfg.UseSSL,
		Region:    cfg.Location,
		Transport: http.DefaultTransport,
	})
	if err != nil {
		return nil, err
	}
	minioClient.SetAppInfo("blobfs", config.VersionInfo().Version())
	s := &minioObjectStore{
		bucket: cfg.BucketName,
		cli:    minioClient,
		cfg:    cfg,
		logger: logger.NewLogger("minio"),
	}
	if err = s.initBucket(context.TODO()); err != nil {
		return nil, err
	}
	return newFlatStorage(storageID, MinioStorage, s), nil
}

func minioObjectInfo(info minio.ObjectInfo) *objectInfo {
	result := &objectInfo{
		Key:        info.Key,
		Size:       info.Size,
		ModifiedAt: info.LastModified,
		ETag:       strings.Trim(info.ETag, "\""),
	}
	if len(info.UserMetadata) > 0 {
		result.Meta = map[string]string(info.UserMetadata)
	}
	return result
}

func minioErr(err error, key string) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return errors.Wrapf(types.ErrNotFound, "%s", key)
	case "InvalidRange":
		return types.ErrInvalidRange
	case "AccessDenied":
		return errors.Wrapf(types.ErrNoPerm, "%s", key)
	case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
		return errors.Wrapf(types.ErrTransient, "%s: %s", key, resp.Message)
	}
	return statusErr(resp.StatusCode, err, key)
}

// statusErr classifies an http status reported by any of the sdks.
func statusErr(code int, err error, key string) error {
	switch {
	case code == http.StatusNotFound:
		return errors.Wrapf(types.ErrNotFound, "%s", key)
	case code == http.StatusRequestedRangeNotSatisfiable:
		return types.ErrInvalidRange
	case code == http.StatusForbidden:
		return errors.Wrapf(types.ErrNoPerm, "%s", key)
	case code == http.StatusTooManyRequests || code >= http.StatusInternalServerError:
		return errors.Wrapf(types.ErrTransient, "%s: %s", key, err)
	}
	return err
}
