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
	"os"
	"runtime/trace"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/basenana/blobfs/pkg/types"
)

const maxNameLength = 255

func (c *client) GetAttr(ctx context.Context, path string) (*types.Attribute, error) {
	defer trace.StartRegion(ctx, "client.GetAttr").End()
	defer logOperationLatency("get_attr", time.Now())
	path = types.CleanPath(path)
	if attr, ok := c.pendingAttr(path); ok {
		return attr, nil
	}

	attr, err := c.attrs.GetOrFetch(ctx, path, c.store.GetProperties)
	if err != nil {
		return nil, logOperationError("get_attr", err)
	}
	if !attr.Exists {
		return nil, errors.Wrapf(types.ErrNotFound, "%s", path)
	}
	return c.withDefaults(attr), nil
}

func (c *client) Exists(ctx context.Context, path string) (bool, error) {
	_, err := c.GetAttr(ctx, path)
	if err != nil {
		if types.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetProperties serves from the attribute cache and goes remote only for
// unconfirmed entries.
func (c *client) GetProperties(ctx context.Context, path string) (*types.Attribute, error) {
	return c.GetAttr(ctx, path)
}

// withDefaults fills what a plain object store does not keep.
func (c *client) withDefaults(attr types.Attribute) *types.Attribute {
	if attr.Mode.Perm() == 0 {
		switch {
		case attr.IsDir:
			attr.Mode = c.dirMode
		case attr.IsSymlink:
			attr.Mode = 0777
		default:
			attr.Mode = c.fileMode
		}
	}
	if attr.Metadata[types.MetaKeyOwner] == "" && attr.UID == 0 && attr.GID == 0 {
		attr.UID, attr.GID = c.uid, c.gid
	}
	if attr.Name == "" {
		attr.Name = types.BaseName(attr.Path)
	}
	return &attr
}

// pendingAttr describes a file whose newest content so far only exists in
// the local cache.
func (c *client) pendingAttr(path string) (*types.Attribute, bool) {
	c.mux.Lock()
	of, ok := c.opened[path]
	if !ok || of.localRefs == 0 || !of.pending {
		c.mux.Unlock()
		return nil, false
	}
	mode := of.mode
	c.mux.Unlock()

	info, err := os.Stat(c.files.PrependRoot(path))
	if err != nil {
		return nil, false
	}
	return &types.Attribute{
		Name:       types.BaseName(path),
		Path:       path,
		Size:       info.Size(),
		ModifiedAt: info.ModTime(),
		Mode:       mode.Perm(),
		UID:        c.uid,
		GID:        c.gid,
		Exists:     true,
		Valid:      true,
	}, true
}

func (c *client) checkParent(ctx context.Context, path string) error {
	parent := types.ParentDir(path)
	if parent == "" {
		return nil
	}
	attr, err := c.GetAttr(ctx, parent)
	if err != nil {
		return err
	}
	if !attr.IsDir {
		return errors.Wrapf(types.ErrNotDir, "%s", parent)
	}
	return nil
}

func checkName(path string) error {
	for _, seg := range strings.Split(path, "/") {
		if len(seg) > maxNameLength {
			return errors.Wrapf(types.ErrNameTooLong, "%s", seg)
		}
	}
	return nil
}
