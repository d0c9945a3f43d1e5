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
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/basenana/blobfs/config"
	"github.com/basenana/blobfs/pkg/token"
	"github.com/basenana/blobfs/pkg/types"
)

const (
	LocalStorage  = config.LocalStorage
	MemoryStorage = config.MemoryStorage
	MinioStorage  = config.MinioStorage
	S3Storage     = config.S3Storage
	OSSStorage    = config.OSSStorage
	WebdavStorage = config.WebdavStorage

	// Delimiter lists the direct children of a directory, an empty
	// delimiter lists the whole subtree.
	Delimiter = "/"

	listPageSize = 1000
)

// Storage is the remote store a mount is backed by. Paths are canonical
// (see types.CleanPath); the root is "".
type Storage interface {
	ID() string
	// List returns one page of the entries below dir. The continuation is
	// the Next of the previous page and pages never overlap.
	List(ctx context.Context, dir, delimiter, continuation string) (*types.ListResult, error)
	GetProperties(ctx context.Context, path string) (*types.Attribute, error)
	// Get opens path at off. A limit <= 0 reads to the end of the object;
	// an offset at or beyond the end returns types.ErrInvalidRange.
	Get(ctx context.Context, path string, off, limit int64) (io.ReadCloser, error)
	Put(ctx context.Context, path string, in io.Reader, size int64, meta map[string]string) error
	Delete(ctx context.Context, path string) error
	CreateDirectoryMarker(ctx context.Context, path string, meta map[string]string) error
	Rename(ctx context.Context, src, dst string) error
	GetACL(ctx context.Context, path string) (*types.ACL, error)
	SetACL(ctx context.Context, path string, acl types.ACL) error
}

// NewStorage builds the configured backend once and wraps it with
// metrics, timeouts and retries.
func NewStorage(cfg config.Storage, fsCfg *config.FS) (Storage, error) {
	var (
		s   Storage
		err error
	)
	switch cfg.Type {
	case MemoryStorage:
		s = newFlatStorage(cfg.ID, MemoryStorage, newMemoryObjectStore())
	case LocalStorage:
		s, err = newLocalStorage(cfg.ID, cfg.LocalDir)
	case MinioStorage:
		var tm *token.Manager
		if tm, err = newTokenManager(cfg, minioFallback(cfg.MinIO)); err == nil {
			s, err = newMinioStorage(cfg.ID, cfg.MinIO, tm)
		}
	case S3Storage:
		var tm *token.Manager
		if tm, err = newTokenManager(cfg, s3Fallback(cfg.S3)); err == nil {
			s, err = newS3Storage(cfg.ID, cfg.S3, tm)
		}
	case OSSStorage:
		var tm *token.Manager
		if tm, err = newTokenManager(cfg, ossFallback(cfg.OSS)); err == nil {
			s, err = newOSSStorage(cfg.ID, cfg.OSS, tm)
		}
	case WebdavStorage:
		s, err = newWebdavStorage(cfg.ID, cfg.Webdav)
	default:
		return nil, fmt.Errorf("unknow storage type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	timeout, retry := time.Duration(0), 0
	if fsCfg != nil {
		timeout = time.Duration(fsCfg.RemoteTimeout) * time.Second
		retry = fsCfg.RemoteRetry
	}
	return NewInstrumentalStorage(s, timeout, retry), nil
}

func newTokenManager(cfg config.Storage, fallback token.Credential) (*token.Manager, error) {
	source, err := token.NewSource(cfg.Credential, fallback)
	if err != nil {
		return nil, err
	}
	return token.NewManager(source), nil
}

func minioFallback(cfg *config.MinIOConfig) token.Credential {
	if cfg == nil {
		return token.Credential{}
	}
	return token.Credential{AccessKeyID: cfg.AccessKeyID, SecretAccessKey: cfg.SecretAccessKey, SessionToken: cfg.Token}
}

func s3Fallback(cfg *config.S3Config) token.Credential {
	if cfg == nil {
		return token.Credential{}
	}
	return token.Credential{AccessKeyID: cfg.AccessKeyID, SecretAccessKey: cfg.SecretAccessKey}
}

func ossFallback(cfg *config.OSSConfig) token.Credential {
	if cfg == nil {
		return token.Credential{}
	}
	return token.Credential{AccessKeyID: cfg.AccessKeyID, SecretAccessKey: cfg.AccessKeySecret}
}

// NewMeta builds the user metadata persisted with a new object.
func NewMeta(mode os.FileMode, uid, gid int64) map[string]string {
	return map[string]string{
		types.MetaKeyMode:  strconv.FormatUint(uint64(mode.Perm()), 8),
		types.MetaKeyOwner: strconv.FormatInt(uid, 10),
		types.MetaKeyGroup: strconv.FormatInt(gid, 10),
	}
}

// SymlinkMeta marks an object whose content is a link target.
func SymlinkMeta(meta map[string]string) map[string]string {
	result := normalizeMeta(meta)
	result[types.MetaKeySymlink] = "true"
	return result
}

func normalizeMeta(meta map[string]string) map[string]string {
	result := make(map[string]string, len(meta))
	for k, v := range meta {
		result[strings.ToLower(k)] = v
	}
	return result
}

// applyMeta fills the attribute fields carried by user metadata.
func applyMeta(attr *types.Attribute, meta map[string]string) {
	meta = normalizeMeta(meta)
	attr.Metadata = meta
	attr.MetaRetrieved = true
	if m, ok := meta[types.MetaKeyMode]; ok {
		if mode, err := strconv.ParseUint(m, 8, 32); err == nil {
			attr.Mode = os.FileMode(mode).Perm()
		}
	}
	if o, ok := meta[types.MetaKeyOwner]; ok {
		if uid, err := strconv.ParseInt(o, 10, 64); err == nil {
			attr.UID = uid
		}
	}
	if g, ok := meta[types.MetaKeyGroup]; ok {
		if gid, err := strconv.ParseInt(g, 10, 64); err == nil {
			attr.GID = gid
		}
	}
	if meta[types.MetaKeySymlink] == "true" {
		attr.IsSymlink = true
	}
	if meta[types.MetaKeyDirHint] == "true" {
		attr.IsDir = true
	}
}

func aclFromMeta(attr *types.Attribute) *types.ACL {
	acl := &types.ACL{
		Owner:       strconv.FormatInt(attr.UID, 10),
		Group:       strconv.FormatInt(attr.GID, 10),
		Permissions: attr.Mode.Perm(),
	}
	if attr.Metadata != nil {
		acl.Entries = attr.Metadata[types.MetaKeyACL]
	}
	return acl
}

func mergeACLMeta(meta map[string]string, acl types.ACL) map[string]string {
	result := normalizeMeta(meta)
	result[types.MetaKeyMode] = strconv.FormatUint(uint64(acl.Permissions.Perm()), 8)
	if acl.Owner != "" {
		result[types.MetaKeyOwner] = acl.Owner
	}
	if acl.Group != "" {
		result[types.MetaKeyGroup] = acl.Group
	}
	if acl.Entries != "" {
		result[types.MetaKeyACL] = acl.Entries
	}
	return result
}

func newAttribute(path string) *types.Attribute {
	path = types.CleanPath(path)
	return &types.Attribute{
		Name:   types.BaseName(path),
		Path:   path,
		Exists: true,
		Valid:  true,
	}
}

func rootAttribute() *types.Attribute {
	attr := newAttribute("")
	attr.IsDir = true
	return attr
}
