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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/aws/smithy-go/logging"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/basenana/blobfs/config"
	"github.com/basenana/blobfs/pkg/token"
	"github.com/basenana/blobfs/pkg/types"
	"github.com/basenana/blobfs/utils"
	"github.com/basenana/blobfs/utils/logger"
)

const (
	s3ReadLimitEnvKey  = "STORAGE_S3_READ_LIMIT"
	s3WriteLimitEnvKey = "STORAGE_S3_WRITE_LIMIT"
)

type s3ObjectStore struct {
	s3Client  *s3.Client
	cfg       *config.S3Config
	readRate  *utils.ParallelLimiter
	writeRate *utils.ParallelLimiter
	logger    *zap.SugaredLogger
}

var _ objectStore = &s3ObjectStore{}

func (s *s3ObjectStore) headObject(ctx context.Context, key string) (*objectInfo, error) {
	if err := s.readRate.Acquire(ctx); err != nil {
		return nil, err
	}
	defer s.readRate.Release()

	output, err := s.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.BucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, s3Err(err, key)
	}
	return &objectInfo{
		Key:        key,
		Size:       output.ContentLength,
		ModifiedAt: aws.ToTime(output.LastModified),
		ETag:       strings.Trim(aws.ToString(output.ETag), "\""),
		Meta:       output.Metadata,
	}, nil
}

func (s *s3ObjectStore) getObject(ctx context.Context, key string, off, limit int64) (io.ReadCloser, error) {
	if err := s.readRate.Acquire(ctx); err != nil {
		return nil, err
	}
	defer s.readRate.Release()

	input := &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.BucketName),
		Key:    aws.String(key),
	}
	switch {
	case limit > 0:
		input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", off, off+limit-1))
	case off > 0:
		input.Range = aws.String(fmt.Sprintf("bytes=%d-", off))
	}
	output, err := s.s3Client.GetObject(ctx, input)
	if err != nil {
		return nil, s3Err(err, key)
	}
	return output.Body, nil
}

func (s *s3ObjectStore) putObject(ctx context.Context, key string, in io.Reader, size int64, meta map[string]string) error {
	if err := s.writeRate.Acquire(ctx); err != nil {
		return err
	}
	defer s.writeRate.Release()

	_, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(s.cfg.BucketName),
		Key:      aws.String(key),
		Body:     newS3SeekerWrapper(in),
		Metadata: meta,
	})
	if err != nil {
		s.logger.Errorw("put object to s3 error", "object", key, "err", err)
		return s3Err(err, key)
	}
	return nil
}

func (s *s3ObjectStore) copyObject(ctx context.Context, src, dst string, meta map[string]string) error {
	if err := s.writeRate.Acquire(ctx); err != nil {
		return err
	}
	defer s.writeRate.Release()

	input := &s3.CopyObjectInput{
		Bucket:            aws.String(s.cfg.BucketName),
		Key:               aws.String(dst),
		CopySource:        aws.String(s3CopySource(s.cfg.BucketName, src)),
		MetadataDirective: s3types.MetadataDirectiveCopy,
	}
	if meta != nil {
		input.Metadata = meta
		input.MetadataDirective = s3types.MetadataDirectiveReplace
	}
	if _, err := s.s3Client.CopyObject(ctx, input); err != nil {
		s.logger.Errorw("copy s3 object error", "src", src, "dst", dst, "err", err)
		return s3Err(err, src)
	}
	return nil
}

func (s *s3ObjectStore) deleteObject(ctx context.Context, key string) error {
	_, err := s.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.BucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		s.logger.Errorw("delete s3 object error", "object", key, "err", err)
		return s3Err(err, key)
	}
	return nil
}

func (s *s3ObjectStore) listObjects(ctx context.Context, prefix, delimiter, startAfter string, max int) ([]objectInfo, bool, error) {
	if err := s.readRate.Acquire(ctx); err != nil {
		return nil, false, err
	}
	defer s.readRate.Release()

	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.cfg.BucketName),
		Prefix:  aws.String(prefix),
		MaxKeys: int32(max),
	}
	if delimiter != "" {
		input.Delimiter = aws.String(delimiter)
	}
	if startAfter != "" {
		input.StartAfter = aws.String(startAfter)
	}
	output, err := s.s3Client.ListObjectsV2(ctx, input)
	if err != nil {
		s.logger.Errorw("list s3 objects error", "prefix", prefix, "err", err)
		return nil, false, s3Err(err, prefix)
	}

	result := make([]objectInfo, 0, len(output.Contents)+len(output.CommonPrefixes))
	for _, obj := range output.Contents {
		result = append(result, objectInfo{
			Key:        aws.ToString(obj.Key),
			Size:       obj.Size,
			ModifiedAt: aws.ToTime(obj.LastModified),
			ETag:       strings.Trim(aws.ToString(obj.ETag), "\""),
		})
	}
	for _, p := range output.CommonPrefixes {
		result = append(result, objectInfo{Key: aws.ToString(p.Prefix), IsPrefix: true})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, output.IsTruncated, nil
}

func (s *s3ObjectStore) initBucket(ctx context.Context) error {
	_, err := s.s3Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.BucketName)})
	if err == nil {
		return nil
	}
	s.logger.Warnw("head bucket got error, try create one", "bucket", s.cfg.BucketName, "err", err)

	_, err = s.s3Client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket:                    aws.String(s.cfg.BucketName),
		CreateBucketConfiguration: &s3types.CreateBucketConfiguration{LocationConstraint: s3types.BucketLocationConstraint(s.cfg.Region)},
	})
	if err != nil {
		s.logger.Errorw("create bucket error", "bucket", s.cfg.BucketName, "err", err)
		return fmt.Errorf("create bucket %s error %s", s.cfg.BucketName, err)
	}
	return nil
}

func newS3Storage(storageID string, cfg *config.S3Config, tokens *token.Manager) (Storage, error) {
	log := logger.NewLogger("s3")

	if cfg == nil {
		return nil, fmt.Errorf("s3 is nil")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("region is emtry")
	}
	if cfg.BucketName == "" {
		return nil, fmt.Errorf("bucket_name is emtry")
	}

	awsConfig, err := awscfg.LoadDefaultConfig(
		context.TODO(),
		awscfg.WithRegion(cfg.Region),
		awscfg.WithCredentialsProvider(aws.NewCredentialsCache(tokens.AWSProvider())),
		awscfg.WithDefaultsMode(aws.DefaultsModeStandard),
		awscfg.WithLogger(s3LoggerWrapper{SugaredLogger: log}),
		awscfg.WithClientLogMode(aws.LogRetries|aws.LogRequest),
	)
	if err != nil {
		return nil, err
	}
	s := &s3ObjectStore{
		s3Client:  s3.NewFromConfig(awsConfig, s3CustomConfig(cfg)),
		cfg:       cfg,
		readRate:  utils.NewParallelLimiter(str2Int(os.Getenv(s3ReadLimitEnvKey), 20)),
		writeRate: utils.NewParallelLimiter(str2Int(os.Getenv(s3WriteLimitEnvKey), 10)),
		logger:    log,
	}
	if err = s.initBucket(context.TODO()); err != nil {
		return nil, err
	}
	return newFlatStorage(storageID, S3Storage, s), nil
}

type s3LoggerWrapper struct {
	*zap.SugaredLogger
}

func (log s3LoggerWrapper) Logf(classification logging.Classification, format string, v ...interface{}) {
	if classification == logging.Warn {
		log.Warnf(format, v...)
		return
	}
	log.Debugf(format, v...)
}

func s3CustomConfig(cfg *config.S3Config) func(opt *s3.Options) {
	return func(opt *s3.Options) {
		opt.RetryMode = aws.RetryModeAdaptive
		opt.RetryMaxAttempts = 5
		opt.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			opt.EndpointResolver = s3.EndpointResolverFromURL(cfg.Endpoint)
		}
	}
}

func s3CopySource(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i := range segments {
		segments[i] = url.PathEscape(segments[i])
	}
	return bucket + "/" + strings.Join(segments, "/")
}

func s3Err(err error, key string) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return pkgerrors.Wrapf(types.ErrNotFound, "%s", key)
		case "InvalidRange":
			return types.ErrInvalidRange
		case "AccessDenied", "Forbidden":
			return pkgerrors.Wrapf(types.ErrNoPerm, "%s", key)
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return pkgerrors.Wrapf(types.ErrTransient, "%s: %s", key, apiErr.ErrorMessage())
		}
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		return statusErr(respErr.HTTPStatusCode(), err, key)
	}
	return err
}

// newS3SeekerWrapper Wrap the Reader as a ReadSeeker by using a memory copy.
// FIXME: There are performance issues here that need to be addressed.
// We need to pay attention to further developments https://github.com/aws/aws-sdk-go-v2/issues/2038
func newS3SeekerWrapper(r io.Reader) io.ReadSeeker {
	if rs, ok := r.(io.ReadSeeker); ok {
		return rs
	}
	data, _ := io.ReadAll(r)
	return bytes.NewReader(data)
}

func str2Int(s string, def int) int {
	if s == "" {
		return def
	}
	i, err := strconv.Atoi(s)
	if err != nil || i <= 0 {
		return def
	}
	return i
}
