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
	"runtime/trace"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/basenana/blobfs/pkg/types"
)

type nodeOperation interface {
	fs.NodeOnAdder

	fs.NodeStatfser
	fs.NodeGetattrer
	fs.NodeSetattrer
	fs.NodeOpener
	fs.NodeLookuper
	fs.NodeCreater
	fs.NodeOpendirer
	fs.NodeReaddirer
	fs.NodeMkdirer
	fs.NodeSymlinker
	fs.NodeReadlinker
	fs.NodeUnlinker
	fs.NodeRmdirer
	fs.NodeRenamer
	fs.NodeReleaser
}

// BlobNode is the inode of one remote path. Its path follows renames of
// the node itself and of any ancestor.
type BlobNode struct {
	fs.Inode
	R *BlobFS

	path   string
	mux    sync.RWMutex
	logger *zap.SugaredLogger
}

var _ nodeOperation = &BlobNode{}

func (n *BlobNode) entryPath() string {
	n.mux.RLock()
	defer n.mux.RUnlock()
	return n.path
}

func (n *BlobNode) childPath(name string) string {
	return types.JoinPath(n.entryPath(), name)
}

func (n *BlobNode) setPath(path string) {
	n.mux.Lock()
	n.path = path
	n.logger = n.R.logger.With(zap.String("path", path))
	n.mux.Unlock()

	for name, ch := range n.Children() {
		if chNode, ok := ch.Operations().(*BlobNode); ok {
			chNode.setPath(types.JoinPath(path, name))
		}
	}
}

func (n *BlobNode) log() *zap.SugaredLogger {
	n.mux.RLock()
	defer n.mux.RUnlock()
	return n.logger
}

func (n *BlobNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	defer trace.StartRegion(ctx, "fuse.node.Getattr").End()
	defer logOperationLatency("entry_get_attr", time.Now())
	file, ok := f.(fs.FileGetattrer)
	if ok {
		return file.Getattr(ctx, out)
	}

	attr, err := n.R.GetAttr(ctx, n.entryPath())
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			n.log().Errorw("get entry attr failed", "err", err)
		}
		return Error2FuseSysError("entry_get_attr", err)
	}
	updateAttrOut(attr, &out.Attr)
	return NoErr
}

func (n *BlobNode) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	defer trace.StartRegion(ctx, "fuse.node.Setattr").End()
	defer logOperationLatency("entry_set_attr", time.Now())

	path := n.entryPath()
	attr, err := n.R.GetAttr(ctx, path)
	if err != nil {
		return Error2FuseSysError("entry_set_attr", err)
	}
	if err = checkSetattr(ctx, in, attr); err != nil {
		return Error2FuseSysError("entry_set_attr", err)
	}

	if mode, ok := in.GetMode(); ok {
		if err = n.R.Chmod(ctx, path, os.FileMode(mode).Perm()); err != nil {
			n.log().Errorw("chmod entry failed", "mode", mode, "err", err)
			return Error2FuseSysError("entry_set_attr", err)
		}
	}

	uid, uidSet := in.GetUID()
	gid, gidSet := in.GetGID()
	if uidSet || gidSet {
		newUID, newGID := int64(-1), int64(-1)
		if uidSet {
			newUID = int64(uid)
		}
		if gidSet {
			newGID = int64(gid)
		}
		if err = n.R.Chown(ctx, path, newUID, newGID); err != nil {
			n.log().Errorw("chown entry failed", "uid", newUID, "gid", newGID, "err", err)
			return Error2FuseSysError("entry_set_attr", err)
		}
	}

	if size, ok := in.GetSize(); ok {
		if attr.IsDir {
			return syscall.EISDIR
		}
		if file, isFile := f.(*File); isFile && file.attr.Write {
			err = file.file.Truncate(ctx, int64(size))
		} else {
			err = n.R.Truncate(ctx, path, int64(size))
		}
		if err != nil {
			n.log().Errorw("truncate entry failed", "size", size, "err", err)
			return Error2FuseSysError("entry_set_attr", err)
		}
	}
	return n.Getattr(ctx, f, out)
}

func (n *BlobNode) Open(ctx context.Context, flags uint32) (fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	defer trace.StartRegion(ctx, "fuse.node.Open").End()
	defer logOperationLatency("entry_open", time.Now())
	openAttr := openFileAttr(flags)
	if openAttr.Write && n.R.cfg.ReadOnly {
		return nil, 0, syscall.EROFS
	}
	file, err := n.R.Open(ctx, n.entryPath(), openAttr, 0)
	if err != nil {
		n.log().Errorw("open entry failed", "err", err)
		return nil, 0, Error2FuseSysError("entry_open", err)
	}
	return &File{node: n, file: file, attr: openAttr}, 0, NoErr
}

func (n *BlobNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	defer trace.StartRegion(ctx, "fuse.node.Create").End()
	defer logOperationLatency("entry_create", time.Now())

	path := n.childPath(name)
	existed, err := n.R.Exists(ctx, path)
	if err != nil {
		n.log().Errorw("lookup for create entry failed", "err", err, "name", name)
		return nil, nil, 0, Error2FuseSysError("entry_create", err)
	}
	if existed && flags&syscall.O_EXCL != 0 {
		return nil, nil, 0, syscall.EEXIST
	}

	openAttr := openFileAttr(flags)
	openAttr.Create = true
	f, err := n.R.Open(ctx, path, openAttr, os.FileMode(mode).Perm())
	if err != nil {
		n.log().Errorw("create new entry failed", "err", err, "name", name)
		return nil, nil, 0, Error2FuseSysError("entry_create", err)
	}

	attr, err := n.R.GetAttr(ctx, path)
	if err != nil {
		_ = f.Close(ctx)
		return nil, nil, 0, Error2FuseSysError("entry_create", err)
	}
	updateAttrOut(attr, &out.Attr)

	node := n.R.newFsNode(path)
	inode := n.NewInode(ctx, node, fs.StableAttr{Mode: syscall.S_IFREG})
	return inode, &File{node: node, file: f, attr: openAttr}, 0, NoErr
}

func (n *BlobNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	defer trace.StartRegion(ctx, "fuse.node.Lookup").End()
	defer logOperationLatency("entry_lookup", time.Now())

	path := n.childPath(name)
	attr, err := n.R.GetAttr(ctx, path)
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			n.log().Errorw("lookup entry failed", "err", err, "name", name)
		}
		return nil, Error2FuseSysError("entry_lookup", err)
	}
	updateAttrOut(attr, &out.Attr)

	fileType := out.Mode & syscall.S_IFMT
	if ch := n.GetChild(name); ch != nil && ch.StableAttr().Mode == fileType {
		return ch, NoErr
	}
	return n.NewInode(ctx, n.R.newFsNode(path), fs.StableAttr{Mode: fileType}), NoErr
}

func (n *BlobNode) Opendir(ctx context.Context) syscall.Errno {
	defer trace.StartRegion(ctx, "fuse.node.Opendir").End()
	defer logOperationLatency("entry_open_dir", time.Now())
	attr, err := n.R.GetAttr(ctx, n.entryPath())
	if err != nil {
		return Error2FuseSysError("entry_open_dir", err)
	}
	if attr.IsDir {
		return NoErr
	}
	return syscall.ENOTDIR
}

func (n *BlobNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	defer trace.StartRegion(ctx, "fuse.node.Readdir").End()
	defer logOperationLatency("entry_read_dir", time.Now())
	children, err := n.R.ReadDir(ctx, n.entryPath())
	if err != nil {
		n.log().Errorw("read entry dir failed", "err", err)
		return nil, Error2FuseSysError("entry_read_dir", err)
	}

	result := make([]fuse.DirEntry, 0, len(children))
	for i := range children {
		ch := children[i]
		result = append(result, fuse.DirEntry{
			Mode: modeFromAttr(&ch),
			Name: ch.Name,
		})
	}
	return fs.NewListDirStream(result), NoErr
}

func (n *BlobNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	defer trace.StartRegion(ctx, "fuse.node.Mkdir").End()
	defer logOperationLatency("entry_mkdir", time.Now())

	path := n.childPath(name)
	if err := n.R.Mkdir(ctx, path, os.FileMode(mode).Perm()); err != nil {
		if !errors.Is(err, types.ErrIsExist) {
			n.log().Errorw("create dir entry failed", "err", err, "name", name)
		}
		return nil, Error2FuseSysError("entry_mkdir", err)
	}
	attr, err := n.R.GetAttr(ctx, path)
	if err != nil {
		return nil, Error2FuseSysError("entry_mkdir", err)
	}
	updateAttrOut(attr, &out.Attr)
	return n.NewInode(ctx, n.R.newFsNode(path), fs.StableAttr{Mode: syscall.S_IFDIR}), NoErr
}

func (n *BlobNode) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (node *fs.Inode, errno syscall.Errno) {
	defer trace.StartRegion(ctx, "fuse.node.Symlink").End()
	defer logOperationLatency("entry_symlink", time.Now())

	path := n.childPath(name)
	if err := n.R.Client.Symlink(ctx, target, path); err != nil {
		n.log().Errorw("create symlink failed", "err", err, "name", name, "target", target)
		return nil, Error2FuseSysError("entry_symlink", err)
	}
	attr, err := n.R.GetAttr(ctx, path)
	if err != nil {
		return nil, Error2FuseSysError("entry_symlink", err)
	}
	updateAttrOut(attr, &out.Attr)
	return n.NewInode(ctx, n.R.newFsNode(path), fs.StableAttr{Mode: syscall.S_IFLNK}), NoErr
}

func (n *BlobNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	defer trace.StartRegion(ctx, "fuse.node.Readlink").End()
	defer logOperationLatency("entry_readlink", time.Now())
	target, err := n.R.Client.Readlink(ctx, n.entryPath())
	if err != nil {
		n.log().Errorw("read symlink failed", "err", err)
		return nil, Error2FuseSysError("entry_readlink", err)
	}
	return []byte(target), NoErr
}

func (n *BlobNode) Unlink(ctx context.Context, name string) syscall.Errno {
	defer trace.StartRegion(ctx, "fuse.node.Unlink").End()
	defer logOperationLatency("entry_unlink", time.Now())
	if err := n.R.Client.Unlink(ctx, n.childPath(name)); err != nil {
		n.log().Errorw("unlink entry failed", "err", err, "name", name)
		return Error2FuseSysError("entry_unlink", err)
	}
	return NoErr
}

func (n *BlobNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	defer trace.StartRegion(ctx, "fuse.node.Rmdir").End()
	defer logOperationLatency("entry_rmdir", time.Now())
	if err := n.R.Client.Rmdir(ctx, n.childPath(name)); err != nil {
		if !errors.Is(err, types.ErrNotEmpty) {
			n.log().Errorw("remove dir entry failed", "err", err, "name", name)
		}
		return Error2FuseSysError("entry_rmdir", err)
	}
	return NoErr
}

func (n *BlobNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	defer trace.StartRegion(ctx, "fuse.node.Rename").End()
	defer logOperationLatency("entry_rename", time.Now())
	newNode, ok := newParent.(*BlobNode)
	if !ok {
		return syscall.EIO
	}
	if flags&(RenameExchange|RenameWhiteout) > 0 {
		return syscall.ENOTSUP
	}

	src, dst := n.childPath(name), newNode.childPath(newName)
	if err := n.R.Client.Rename(ctx, src, dst, flags&RenameNoreplace > 0); err != nil {
		n.log().Errorw("rename entry failed", "err", err, "name", name, "newPath", dst)
		return Error2FuseSysError("entry_rename", err)
	}

	// the kernel moves the inode itself once this returns
	if ch := n.GetChild(name); ch != nil {
		if chNode, ok := ch.Operations().(*BlobNode); ok {
			chNode.setPath(dst)
		}
	}
	return NoErr
}

func (n *BlobNode) OnAdd(ctx context.Context) {
	defer trace.StartRegion(ctx, "fuse.node.OnAdd").End()
}

func (n *BlobNode) Release(ctx context.Context, f fs.FileHandle) (err syscall.Errno) {
	defer trace.StartRegion(ctx, "fuse.node.Release").End()
	closer, ok := f.(fs.FileReleaser)
	if ok {
		err = closer.Release(ctx)
	}

	if !errors.Is(err, NoErr) {
		return err
	}
	return NoErr
}

func (n *BlobNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	defer trace.StartRegion(ctx, "fuse.node.Statfs").End()
	defer logOperationLatency("entry_statfs", time.Now())
	info, err := n.R.Client.Statfs(ctx)
	if err != nil {
		n.log().Errorw("statfs failed", "err", err)
		return Error2FuseSysError("entry_statfs", err)
	}
	fsInfo2StatFs(info, out)
	return NoErr
}
