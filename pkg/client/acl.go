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

package client

import (
	"context"
	"io"
	"os"
	"runtime/trace"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/basenana/blobfs/pkg/attrcache"
	"github.com/basenana/blobfs/pkg/storage"
	"github.com/basenana/blobfs/pkg/types"
)

// Chmod stores the new mode and invalidates the cached entry, the next
// lookup refetches it.
func (c *client) Chmod(ctx context.Context, path string, mode os.FileMode) error {
	defer trace.StartRegion(ctx, "client.Chmod").End()
	defer logOperationLatency("chmod", time.Now())
	path = types.CleanPath(path)
	if c.chmodPending(path, mode) {
		return nil
	}
	if _, err := c.GetAttr(ctx, path); err != nil {
		return err
	}

	err := c.attrs.Update(ctx, path, func(ctx context.Context, en *attrcache.Entry) error {
		if err := c.store.SetACL(ctx, path, types.ACL{Permissions: mode.Perm()}); err != nil {
			return err
		}
		en.Invalidate()
		return nil
	})
	if err != nil {
		c.logger.Errorw("change mode failed", "path", path, "mode", mode, "err", err)
		return logOperationError("chmod", err)
	}
	c.mux.Lock()
	if of, ok := c.opened[path]; ok {
		of.mode = mode.Perm()
	}
	c.mux.Unlock()
	return nil
}

// chmodPending records the mode of a file not uploaded yet, it is
// applied by the upload.
func (c *client) chmodPending(path string, mode os.FileMode) bool {
	c.mux.Lock()
	defer c.mux.Unlock()
	of, ok := c.opened[path]
	if !ok || !of.pending {
		return false
	}
	of.mode = mode.Perm()
	return true
}

// Chown changes the owner and group, a negative id keeps the current one.
func (c *client) Chown(ctx context.Context, path string, uid, gid int64) error {
	defer trace.StartRegion(ctx, "client.Chown").End()
	defer logOperationLatency("chown", time.Now())
	path = types.CleanPath(path)
	attr, err := c.GetAttr(ctx, path)
	if err != nil {
		return err
	}
	if uid < 0 {
		uid = attr.UID
	}
	if gid < 0 {
		gid = attr.GID
	}

	acl := types.ACL{
		Owner:       strconv.FormatInt(uid, 10),
		Group:       strconv.FormatInt(gid, 10),
		Permissions: attr.Mode.Perm(),
	}
	err = c.attrs.Update(ctx, path, func(ctx context.Context, en *attrcache.Entry) error {
		if err := c.store.SetACL(ctx, path, acl); err != nil {
			return err
		}
		en.Invalidate()
		return nil
	})
	if err != nil {
		c.logger.Errorw("change owner failed", "path", path, "err", err)
		return logOperationError("chown", err)
	}
	return nil
}

func (c *client) GetACL(ctx context.Context, path string) (*types.ACL, error) {
	defer trace.StartRegion(ctx, "client.GetACL").End()
	acl, err := c.store.GetACL(ctx, types.CleanPath(path))
	if err != nil {
		return nil, logOperationError("get_acl", err)
	}
	return acl, nil
}

func (c *client) SetACL(ctx context.Context, path string, acl types.ACL) error {
	defer trace.StartRegion(ctx, "client.SetACL").End()
	path = types.CleanPath(path)
	err := c.attrs.Update(ctx, path, func(ctx context.Context, en *attrcache.Entry) error {
		if err := c.store.SetACL(ctx, path, acl); err != nil {
			return err
		}
		en.Invalidate()
		return nil
	})
	return logOperationError("set_acl", err)
}

func (c *client) Symlink(ctx context.Context, target, link string) error {
	defer trace.StartRegion(ctx, "client.Symlink").End()
	defer logOperationLatency("symlink", time.Now())
	link = types.CleanPath(link)
	if err := checkName(link); err != nil {
		return err
	}
	if _, err := c.GetAttr(ctx, link); err == nil {
		return errors.Wrapf(types.ErrIsExist, "%s", link)
	} else if !types.IsNotFound(err) {
		return err
	}
	if err := c.checkParent(ctx, link); err != nil {
		return err
	}

	meta := storage.SymlinkMeta(storage.NewMeta(0777, c.uid, c.gid))
	err := c.attrs.Update(ctx, link, func(ctx context.Context, en *attrcache.Entry) error {
		if err := c.store.Put(ctx, link, strings.NewReader(target), int64(len(target)), meta); err != nil {
			return err
		}
		en.Invalidate()
		return nil
	})
	if err != nil {
		c.logger.Errorw("create symlink failed", "link", link, "err", err)
		return logOperationError("symlink", err)
	}
	c.attrs.Invalidate(types.ParentDir(link))
	return nil
}

func (c *client) Readlink(ctx context.Context, path string) (string, error) {
	defer trace.StartRegion(ctx, "client.Readlink").End()
	path = types.CleanPath(path)
	attr, err := c.GetAttr(ctx, path)
	if err != nil {
		return "", err
	}
	if !attr.IsSymlink {
		return "", errors.Wrapf(types.ErrInvalid, "%s is not a symlink", path)
	}
	reader, err := c.store.Get(ctx, path, 0, 0)
	if err != nil {
		return "", logOperationError("readlink", err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", logOperationError("readlink", err)
	}
	return string(data), nil
}
