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

package fuse

import (
	"context"
	"errors"
	"os"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/basenana/blobfs/pkg/types"
)

const (
	fileBlockSize = 1 << 12 // 4k
	NoErr         = syscall.Errno(0)

	RenameNoreplace = 0x1
	RenameExchange  = 0x2
	RenameWhiteout  = 0x4
)

var (
	operationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fuse_operation_latency_seconds",
			Help:    "The latency of fuse operation.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 5, 10),
		},
		[]string{"operation"},
	)
	unexpectedErrorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fuse_unexpected_errors",
			Help: "This count of fuse operation encountering unexpected errors",
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(
		operationLatency,
		unexpectedErrorCounter,
	)
}

var errnoTable = []struct {
	err   error
	errno syscall.Errno
}{
	{types.ErrNotFound, syscall.ENOENT},
	{types.ErrIsExist, syscall.EEXIST},
	{types.ErrNotDir, syscall.ENOTDIR},
	{types.ErrIsDir, syscall.EISDIR},
	{types.ErrNotEmpty, syscall.ENOTEMPTY},
	{types.ErrNoAccess, syscall.EACCES},
	{types.ErrNoPerm, syscall.EPERM},
	{types.ErrNameTooLong, syscall.ENAMETOOLONG},
	{types.ErrUnsupported, syscall.ENOTSUP},
	{types.ErrClosed, syscall.EBADF},
	{types.ErrInvalid, syscall.EINVAL},
	{types.ErrConflict, syscall.EBUSY},
	{context.Canceled, syscall.EINTR},
}

// Error2FuseSysError maps the error taxonomy to errno. Remote timeouts
// and anything unknown surface as EIO.
func Error2FuseSysError(operation string, err error) syscall.Errno {
	if err == nil {
		return NoErr
	}
	for _, e := range errnoTable {
		if errors.Is(err, e.err) {
			return e.errno
		}
	}
	unexpectedErrorCounter.WithLabelValues(operation).Inc()
	return syscall.EIO
}

func openFileAttr(flags uint32) types.OpenAttr {
	attr := types.OpenAttr{
		Read: true,
	}
	if int(flags)&os.O_CREATE > 0 {
		attr.Create = true
	}
	if int(flags)&os.O_TRUNC > 0 {
		attr.Trunc = true
	}
	if int(flags)&os.O_APPEND > 0 {
		attr.Append = true
	}
	switch int(flags) & syscall.O_ACCMODE {
	case os.O_WRONLY:
		attr.Read = false
		attr.Write = true
	case os.O_RDWR:
		attr.Write = true
	}
	return attr
}

func modeFromAttr(attr *types.Attribute) uint32 {
	mode := uint32(attr.Mode.Perm())
	switch {
	case attr.IsDir:
		mode |= syscall.S_IFDIR
	case attr.IsSymlink:
		mode |= syscall.S_IFLNK
	default:
		mode |= syscall.S_IFREG
	}
	return mode
}

func updateAttrOut(attr *types.Attribute, out *fuse.Attr) {
	out.Size = uint64(attr.Size)
	out.Blocks = uint64(attr.Size/fileBlockSize + 1)
	out.Blksize = fileBlockSize
	out.Mode = modeFromAttr(attr)
	out.Nlink = 1
	if attr.IsDir {
		out.Nlink = 2
	}
	out.Uid = uint32(attr.UID)
	out.Gid = uint32(attr.GID)
	mTime := attr.ModifiedAt
	if mTime.IsZero() {
		mTime = time.Unix(0, 0)
	}
	out.SetTimes(&mTime, &mTime, &mTime)
}

func fsInfo2StatFs(info *types.FsInfo, out *fuse.StatfsOut) {
	out.Blocks = info.TotalBytes / fileBlockSize
	used := info.UsageBytes
	if used > info.TotalBytes {
		used = info.TotalBytes
	}
	out.Bfree = (info.TotalBytes - used) / fileBlockSize
	out.Bavail = out.Bfree
	out.Files = info.Files
	out.Ffree = 1 << 20
	out.Bsize = uint32(fileBlockSize)
	out.Frsize = uint32(fileBlockSize)
	out.NameLen = 255
}

func callerID(ctx context.Context) (uid, gid int64, ok bool) {
	fuseCtx, ok := ctx.(*fuse.Context)
	if !ok {
		return 0, 0, false
	}
	return int64(fuseCtx.Uid), int64(fuseCtx.Gid), true
}

// checkSetattr allows mode and owner changes to root and the owner only.
func checkSetattr(ctx context.Context, in *fuse.SetAttrIn, attr *types.Attribute) error {
	uid, _, ok := callerID(ctx)
	if !ok || uid == 0 || uid == attr.UID {
		return nil
	}
	if _, set := in.GetMode(); set {
		return types.ErrNoPerm
	}
	if _, set := in.GetUID(); set {
		return types.ErrNoPerm
	}
	if _, set := in.GetGID(); set {
		return types.ErrNoPerm
	}
	return nil
}

func logOperationLatency(operation string, startAt time.Time) {
	operationLatency.WithLabelValues(operation).Observe(time.Since(startAt).Seconds())
}
