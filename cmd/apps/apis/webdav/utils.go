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

package webdav

import (
	"errors"
	"io/fs"
	"os"

	"github.com/basenana/blobfs/cmd/apps/apis/apitool"
	"github.com/basenana/blobfs/pkg/types"
)

func flag2OpenAttr(flags int) types.OpenAttr {
	attr := types.OpenAttr{
		Read: true,
	}
	if flags&os.O_CREATE > 0 {
		attr.Create = true
	}
	if flags&os.O_TRUNC > 0 {
		attr.Trunc = true
	}
	if flags&os.O_APPEND > 0 {
		attr.Append = true
	}
	if flags&os.O_RDWR > 0 || flags&os.O_WRONLY > 0 {
		attr.Write = true
	}
	return attr
}

// checkAccess applies the owner, group or other permission bits of attr.
func checkAccess(user *apitool.UserInfo, attr *types.Attribute, write bool) error {
	if user.UID == 0 {
		return nil
	}
	perm := attr.Mode.Perm()
	switch {
	case user.UID == attr.UID:
		perm >>= 6
	case user.GID == attr.GID:
		perm >>= 3
	}
	need := os.FileMode(04)
	if write {
		need = 02
	}
	if perm&need == 0 {
		return types.ErrNoAccess
	}
	return nil
}

func error2FsError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, types.ErrNotFound):
		return fs.ErrNotExist
	case errors.Is(err, types.ErrIsExist):
		return fs.ErrExist
	case errors.Is(err, types.ErrNoAccess), errors.Is(err, types.ErrNoPerm):
		return fs.ErrPermission
	case errors.Is(err, types.ErrNotEmpty), errors.Is(err, types.ErrNameTooLong), errors.Is(err, types.ErrInvalid):
		return fs.ErrInvalid
	default:
		return err
	}
}
