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
	"context"
	"io"
	"io/fs"
	"os"
	"time"

	"golang.org/x/net/webdav"

	"github.com/basenana/blobfs/pkg/client"
	"github.com/basenana/blobfs/pkg/types"
)

// File opens its client handle on first use, so PROPFIND and HEAD never
// touch the file content.
type File struct {
	client client.Client
	path   string
	attr   types.OpenAttr
	file   client.File
	info   *Info
	off    int64
	size   int64
}

func (f *File) Read(p []byte) (n int, err error) {
	if err = f.open(context.TODO()); err != nil {
		return 0, error2FsError(err)
	}
	var cnt int64
	cnt, err = f.file.ReadAt(context.TODO(), p, f.off)
	f.off += cnt
	if err != nil && err != io.EOF {
		return int(cnt), error2FsError(err)
	}
	if cnt == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return int(cnt), nil
}

func (f *File) Write(p []byte) (n int, err error) {
	if err = f.open(context.TODO()); err != nil {
		return 0, error2FsError(err)
	}
	var cnt int64
	cnt, err = f.file.WriteAt(context.TODO(), p, f.off)
	f.off += cnt
	if f.off > f.size {
		f.size = f.off
	}
	return int(cnt), error2FsError(err)
}

func (f *File) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		f.off = offset
	case io.SeekCurrent:
		f.off += offset
	case io.SeekEnd:
		f.off = f.size + offset
	}
	if f.off < 0 {
		f.off = 0
		return 0, fs.ErrInvalid
	}
	return f.off, nil
}

func (f *File) Stat() (fs.FileInfo, error) {
	if f.info == nil {
		return nil, fs.ErrNotExist
	}
	info := *f.info
	info.size = f.size
	if f.file != nil && f.attr.Write {
		info.etag = ""
		info.mTime = time.Now()
	}
	return &info, nil
}

func (f *File) Close() error {
	if f.file == nil {
		return nil
	}
	err := f.file.Close(context.TODO())
	f.file = nil
	return error2FsError(err)
}

func (f *File) Readdir(count int) ([]fs.FileInfo, error) {
	return nil, types.ErrNotDir
}

func (f *File) open(ctx context.Context) (err error) {
	if f.file != nil {
		return nil
	}
	f.file, err = f.client.Open(ctx, f.path, f.attr, 0)
	return err
}

type Dir struct {
	client client.Client
	path   string
	info   *Info

	children []fs.FileInfo
	pos      int
}

func (d *Dir) Readdir(count int) ([]fs.FileInfo, error) {
	if d.children == nil {
		children, err := d.client.ReadDir(context.TODO(), d.path)
		if err != nil {
			return nil, error2FsError(err)
		}
		d.children = make([]fs.FileInfo, len(children))
		for i := range children {
			d.children[i] = newInfo(&children[i])
		}
	}

	remain := d.children[d.pos:]
	if count <= 0 {
		d.pos = len(d.children)
		return remain, nil
	}
	if len(remain) == 0 {
		return nil, io.EOF
	}
	if count > len(remain) {
		count = len(remain)
	}
	d.pos += count
	return remain[:count], nil
}

func (d *Dir) Stat() (fs.FileInfo, error) {
	return d.info, nil
}

func (d *Dir) Write(p []byte) (int, error) {
	return 0, types.ErrIsDir
}

func (d *Dir) Read(p []byte) (int, error) {
	return 0, types.ErrIsDir
}

func (d *Dir) Seek(offset int64, whence int) (int64, error) {
	return 0, types.ErrIsDir
}

func (d *Dir) Close() error {
	return nil
}

type Info struct {
	name  string
	size  int64
	mode  os.FileMode
	mTime time.Time
	isDir bool
	etag  string
}

var (
	_ os.FileInfo   = &Info{}
	_ webdav.ETager = &Info{}
)

func newInfo(attr *types.Attribute) *Info {
	name := attr.Name
	if name == "" {
		name = "/"
	}
	return &Info{
		name:  name,
		size:  attr.Size,
		mode:  attr.FileMode(),
		mTime: attr.ModifiedAt,
		isDir: attr.IsDir,
		etag:  attr.ETag,
	}
}

func (i *Info) Name() string {
	return i.name
}

func (i *Info) Size() int64 {
	return i.size
}

func (i *Info) Mode() fs.FileMode {
	return i.mode
}

func (i *Info) ModTime() time.Time {
	return i.mTime
}

func (i *Info) IsDir() bool {
	return i.isDir
}

func (i *Info) Sys() any {
	return nil
}

// ETag reuses the remote etag, the handler derives one from size and
// mtime when it is unknown.
func (i *Info) ETag(ctx context.Context) (string, error) {
	if i.etag == "" {
		return "", webdav.ErrNotImplemented
	}
	return `"` + i.etag + `"`, nil
}
