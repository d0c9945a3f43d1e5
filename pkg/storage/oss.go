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
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/basenana/blobfs/config"
	"github.com/basenana/blobfs/pkg/token"
	"github.com/basenana/blobfs/pkg/types"
	"github.com/basenana/blobfs/utils/logger"
)

type aliyunOSSObjectStore struct {
	cli        *oss.Client
	bucket     *oss.Bucket
	cfg        *config.OSSConfig
	readLimit  chan struct{}
	writeLimit chan struct{}
	logger     *zap.SugaredLogger
}

var _ objectStore = &aliyunOSSObjectStore{}

func (a *aliyunOSSObjectStore) headObject(ctx context.Context, key string) (*objectInfo, error) {
	a.readLimit <- struct{}{}
	defer func() {
		<-a.readLimit
	}()
	header, err := a.bucket.GetObjectDetailedMeta(key, oss.WithContext(ctx))
	if err != nil {
		return nil, ossErr(err, key)
	}

	info := &objectInfo{
		Key:  key,
		ETag: strings.Trim(header.Get(oss.HTTPHeaderEtag), "\""),
		Meta: map[string]string{},
	}
	info.Size, _ = strconv.ParseInt(header.Get(oss.HTTPHeaderContentLength), 10, 64)
	info.ModifiedAt, _ = http.ParseTime(header.Get(oss.HTTPHeaderLastModified))
	for k := range header {
		if strings.HasPrefix(k, oss.HTTPHeaderOssMetaPrefix) {
			info.Meta[strings.TrimPrefix(k, oss.HTTPHeaderOssMetaPrefix)] = header.Get(k)
		}
	}
	return info, nil
}

func (a *aliyunOSSObjectStore) getObject(ctx context.Context, key string, off, limit int64) (io.ReadCloser, error) {
	a.readLimit <- struct{}{}
	defer func() {
		<-a.readLimit
	}()
	options := []oss.Option{oss.WithContext(ctx), oss.RangeBehavior("standard")}
	switch {
	case limit > 0:
		options = append(options, oss.Range(off, off+limit-1))
	case off > 0:
		options = append(options, oss.NormalizedRange(fmt.Sprintf("%d-", off)))
	}
	r, err := a.bucket.GetObject(key, options...)
	if err != nil {
		return nil, ossErr(err, key)
	}
	return r, nil
}

func (a *aliyunOSSObjectStore) putObject(ctx context.Context, key string, in io.Reader, size int64, meta map[string]string) error {
	a.writeLimit <- struct{}{}
	defer func() {
		<-a.writeLimit
	}()
	options := append([]oss.Option{oss.WithContext(ctx)}, ossMetaOptions(meta)...)
	if err := a.bucket.PutObject(key, in, options...); err != nil {
		a.logger.Errorw("put object to oss error", "object", key, "err", err)
		return ossErr(err, key)
	}
	return nil
}

func (a *aliyunOSSObjectStore) copyObject(ctx context.Context, src, dst string, meta map[string]string) error {
	a.writeLimit <- struct{}{}
	defer func() {
		<-a.writeLimit
	}()
	options := []oss.Option{oss.WithContext(ctx)}
	if meta != nil {
		options = append(options, oss.MetadataDirective(oss.MetaReplace))
		options = append(options, ossMetaOptions(meta)...)
	}
	if _, err := a.bucket.CopyObject(src, dst, options...); err != nil {
		a.logger.Errorw("copy oss object error", "src", src, "dst", dst, "err", err)
		return ossErr(err, src)
	}
	return nil
}

func (a *aliyunOSSObjectStore) deleteObject(ctx context.Context, key string) error {
	if err := a.bucket.DeleteObject(key, oss.WithContext(ctx)); err != nil {
		a.logger.Errorw("delete oss object error", "object", key, "err", err)
		return ossErr(err, key)
	}
	return nil
}

func (a *aliyunOSSObjectStore) listObjects(ctx context.Context, prefix, delimiter, startAfter string, max int) ([]objectInfo, bool, error) {
	a.readLimit <- struct{}{}
	defer func() {
		<-a.readLimit
	}()
	options := []oss.Option{oss.WithContext(ctx), oss.Prefix(prefix), oss.MaxKeys(max)}
	if delimiter != "" {
		options = append(options, oss.Delimiter(delimiter))
	}
	if startAfter != "" {
		options = append(options, oss.StartAfter(startAfter))
	}
	output, err := a.bucket.ListObjectsV2(options...)
	if err != nil {
		a.logger.Errorw("list oss objects error", "prefix", prefix, "err", err)
		return nil, false, ossErr(err, prefix)
	}

	result := make([]objectInfo, 0, len(output.Objects)+len(output.CommonPrefixes))
	for _, obj := range output.Objects {
		result = append(result, objectInfo{
			Key:        obj.Key,
			Size:       obj.Size,
			ModifiedAt: obj.LastModified,
			ETag:       strings.Trim(obj.ETag, "\""),
		})
	}
	for _, p := range output.CommonPrefixes {
		result = append(result, objectInfo{Key: p, IsPrefix: true})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, output.IsTruncated, nil
}

func newOSSStorage(storageID string, cfg *config.OSSConfig, tokens *token.Manager) (Storage, error) {
	if cfg == nil {
		return nil, fmt.Errorf("OSS config is nil")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("OSS config endpoint is empty")
	}
	if cfg.BucketName == "" {
		cfg.BucketName = fmt.Sprintf("blobfs-%s", storageID)
	}

	cli, err := oss.New(cfg.Endpoint, "", "", oss.SetCredentialsProvider(tokens.OSSProvider()))
	if err != nil {
		return nil, err
	}

	log := logger.NewLogger("oss")
	exist, err := cli.IsBucketExist(cfg.BucketName)
	if err != nil {
		log.Errorw("check bucket exist failed", "bucket", cfg.BucketName, "err", err)
		return nil, err
	}
	if !exist {
		log.Infof("init bucket: %s", cfg.BucketName)
		if err = cli.CreateBucket(cfg.BucketName); err != nil {
			return nil, err
		}
	}

	bucket, err := cli.Bucket(cfg.BucketName)
	if err != nil {
		return nil, err
	}

	s := &aliyunOSSObjectStore{
		cli:        cli,
		bucket:     bucket,
		cfg:        cfg,
		readLimit:  make(chan struct{}, 20),
		writeLimit: make(chan struct{}, 10),
		logger:     log,
	}
	return newFlatStorage(storageID, OSSStorage, s), nil
}

func ossMetaOptions(meta map[string]string) []oss.Option {
	options := make([]oss.Option, 0, len(meta))
	for k, v := range meta {
		options = append(options, oss.Meta(k, v))
	}
	return options
}

func ossErr(err error, key string) error {
	var svcErr oss.ServiceError
	if errors.As(err, &svcErr) {
		switch svcErr.Code {
		case "NoSuchKey", "NoSuchBucket":
			return pkgerrors.Wrapf(types.ErrNotFound, "%s", key)
		case "InvalidRange":
			return types.ErrInvalidRange
		case "AccessDenied":
			return pkgerrors.Wrapf(types.ErrNoPerm, "%s", key)
		}
		return statusErr(svcErr.StatusCode, err, key)
	}
	return err
}
