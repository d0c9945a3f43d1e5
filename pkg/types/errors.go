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

package types

import (
	"context"
	"errors"
)

var (
	ErrNotFound     = errors.New("no record")
	ErrNameTooLong  = errors.New("name too long")
	ErrIsExist      = errors.New("record existed")
	ErrNotEmpty     = errors.New("directory not empty")
	ErrNotDir       = errors.New("not directory")
	ErrIsDir        = errors.New("this object is a directory")
	ErrNoAccess     = errors.New("no access")
	ErrNoPerm       = errors.New("no permission")
	ErrConflict     = errors.New("operation conflict")
	ErrTimeout      = errors.New("remote operation timeout")
	ErrTransient    = errors.New("remote temporarily unavailable")
	ErrInvalidRange = errors.New("range not satisfiable")
	ErrUnsupported  = errors.New("unsupported operation")
	ErrClosed       = errors.New("handle closed")
	ErrInvalid      = errors.New("invalid argument")
)

// IsRetryable reports whether err is worth retrying against the remote store.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
