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
	"fmt"
	"os"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/pkg/errors"

	"github.com/basenana/blobfs/pkg/types"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("TestErrorMapping", func() {
	It("should map wrapped errors to errno", func() {
		Expect(Error2FuseSysError("test", nil)).Should(Equal(NoErr))
		Expect(Error2FuseSysError("test", errors.Wrapf(types.ErrNotFound, "%s", "a/b"))).Should(Equal(syscall.ENOENT))
		Expect(Error2FuseSysError("test", fmt.Errorf("mkdir: %w", types.ErrIsExist))).Should(Equal(syscall.EEXIST))
		Expect(Error2FuseSysError("test", types.ErrNotEmpty)).Should(Equal(syscall.ENOTEMPTY))
		Expect(Error2FuseSysError("test", types.ErrNameTooLong)).Should(Equal(syscall.ENAMETOOLONG))
		Expect(Error2FuseSysError("test", types.ErrUnsupported)).Should(Equal(syscall.ENOTSUP))
		Expect(Error2FuseSysError("test", context.Canceled)).Should(Equal(syscall.EINTR))
	})
	It("should fall back to EIO", func() {
		Expect(Error2FuseSysError("test", types.ErrTimeout)).Should(Equal(syscall.EIO))
		Expect(Error2FuseSysError("test", fmt.Errorf("boom"))).Should(Equal(syscall.EIO))
	})
	It("should decode open flags", func() {
		attr := openFileAttr(uint32(os.O_RDONLY))
		Expect(attr.Read).Should(BeTrue())
		Expect(attr.Write).Should(BeFalse())

		attr = openFileAttr(uint32(os.O_WRONLY | os.O_CREATE | os.O_TRUNC))
		Expect(attr.Read).Should(BeFalse())
		Expect(attr.Write).Should(BeTrue())
		Expect(attr.Create).Should(BeTrue())
		Expect(attr.Trunc).Should(BeTrue())

		attr = openFileAttr(uint32(os.O_RDWR | os.O_APPEND))
		Expect(attr.Read && attr.Write && attr.Append).Should(BeTrue())
	})
})

var _ = Describe("TestNodeFile", func() {
	var ctx = context.TODO()

	It("create and write a file should be ok", func() {
		out := &fuse.EntryOut{}
		inode, fh, _, errno := root.Create(ctx, "node_file.txt", uint32(os.O_RDWR|os.O_CREATE), 0640, out)
		Expect(errno).Should(Equal(NoErr))
		Expect(inode).ShouldNot(BeNil())
		Expect(out.Mode & syscall.S_IFMT).Should(Equal(uint32(syscall.S_IFREG)))

		f := fh.(*File)
		n, errno := f.Write(ctx, []byte("hello blobfs"), 0)
		Expect(errno).Should(Equal(NoErr))
		Expect(n).Should(Equal(uint32(12)))
		Expect(root.Release(ctx, fh)).Should(Equal(NoErr))
	})
	It("lookup file should be ok", func() {
		out := &fuse.EntryOut{}
		inode, errno := root.Lookup(ctx, "node_file.txt", out)
		Expect(errno).Should(Equal(NoErr))
		Expect(out.Size).Should(Equal(uint64(12)))
		Expect(out.Mode & 0777).Should(Equal(uint32(0640)))
		Expect(out.Uid).Should(Equal(uint32(1000)))

		node := inode.Operations().(*BlobNode)
		fh, _, errno := node.Open(ctx, uint32(os.O_RDONLY))
		Expect(errno).Should(Equal(NoErr))
		buf := make([]byte, 32)
		res, errno := fh.(*File).Read(ctx, buf, 6)
		Expect(errno).Should(Equal(NoErr))
		data, _ := res.Bytes(nil)
		Expect(string(data)).Should(Equal("blobfs"))
		Expect(node.Release(ctx, fh)).Should(Equal(NoErr))
	})
	It("chmod and truncate by setattr should be ok", func() {
		inode, errno := root.Lookup(ctx, "node_file.txt", &fuse.EntryOut{})
		Expect(errno).Should(Equal(NoErr))
		node := inode.Operations().(*BlobNode)

		in := &fuse.SetAttrIn{}
		in.Valid = fuse.FATTR_MODE | fuse.FATTR_SIZE
		in.Mode = 0600
		in.Size = 5
		out := &fuse.AttrOut{}
		Expect(node.Setattr(ctx, nil, in, out)).Should(Equal(NoErr))
		Expect(out.Mode & 0777).Should(Equal(uint32(0600)))
		Expect(out.Size).Should(Equal(uint64(5)))
	})
	It("lookup missing file should be ENOENT", func() {
		_, errno := root.Lookup(ctx, "node_missing.txt", &fuse.EntryOut{})
		Expect(errno).Should(Equal(syscall.ENOENT))
	})
	It("exclusive create on an existing file should be EEXIST", func() {
		_, _, _, errno := root.Create(ctx, "node_file.txt", uint32(os.O_RDWR|os.O_CREATE|os.O_EXCL), 0644, &fuse.EntryOut{})
		Expect(errno).Should(Equal(syscall.EEXIST))
	})
	It("unlink file should be ok", func() {
		Expect(root.Unlink(ctx, "node_file.txt")).Should(Equal(NoErr))
		_, errno := root.Lookup(ctx, "node_file.txt", &fuse.EntryOut{})
		Expect(errno).Should(Equal(syscall.ENOENT))
	})
})

var _ = Describe("TestNodeDir", func() {
	var (
		ctx     = context.TODO()
		dirNode *BlobNode
		chNode  *BlobNode
	)

	It("mkdir should be ok", func() {
		out := &fuse.EntryOut{}
		inode, errno := root.Mkdir(ctx, "node_dir", 0755, out)
		Expect(errno).Should(Equal(NoErr))
		Expect(out.Mode & syscall.S_IFMT).Should(Equal(uint32(syscall.S_IFDIR)))
		root.AddChild("node_dir", inode, false)
		dirNode = inode.Operations().(*BlobNode)

		_, errno = root.Mkdir(ctx, "node_dir", 0755, &fuse.EntryOut{})
		Expect(errno).Should(Equal(syscall.EEXIST))
		Expect(dirNode.Opendir(ctx)).Should(Equal(NoErr))
	})
	It("create children should be ok", func() {
		inode, fh, _, errno := dirNode.Create(ctx, "child.txt", uint32(os.O_WRONLY|os.O_CREATE), 0644, &fuse.EntryOut{})
		Expect(errno).Should(Equal(NoErr))
		Expect(dirNode.Release(ctx, fh)).Should(Equal(NoErr))
		dirNode.AddChild("child.txt", inode, false)
		chNode = inode.Operations().(*BlobNode)

		_, errno = dirNode.Symlink(ctx, "child.txt", "link", &fuse.EntryOut{})
		Expect(errno).Should(Equal(NoErr))
	})
	It("readdir should be ok", func() {
		stream, errno := dirNode.Readdir(ctx)
		Expect(errno).Should(Equal(NoErr))
		names := map[string]uint32{}
		for stream.HasNext() {
			en, errno := stream.Next()
			Expect(errno).Should(Equal(NoErr))
			names[en.Name] = en.Mode & syscall.S_IFMT
		}
		Expect(names).Should(Equal(map[string]uint32{
			"child.txt": syscall.S_IFREG,
			"link":      syscall.S_IFLNK,
		}))
	})
	It("readlink should be ok", func() {
		inode, errno := dirNode.Lookup(ctx, "link", &fuse.EntryOut{})
		Expect(errno).Should(Equal(NoErr))
		target, errno := inode.Operations().(*BlobNode).Readlink(ctx)
		Expect(errno).Should(Equal(NoErr))
		Expect(string(target)).Should(Equal("child.txt"))
	})
	It("rmdir non-empty dir should be ENOTEMPTY", func() {
		Expect(root.Rmdir(ctx, "node_dir")).Should(Equal(syscall.ENOTEMPTY))
	})
	It("rename dir should move the paths of loaded nodes", func() {
		Expect(root.Rename(ctx, "node_dir", root, "node_dir_new", 0)).Should(Equal(NoErr))
		Expect(dirNode.entryPath()).Should(Equal("node_dir_new"))
		Expect(chNode.entryPath()).Should(Equal("node_dir_new/child.txt"))

		out := &fuse.AttrOut{}
		Expect(chNode.Getattr(ctx, nil, out)).Should(Equal(NoErr))
		Expect(out.Mode & syscall.S_IFMT).Should(Equal(uint32(syscall.S_IFREG)))
	})
	It("rename with exchange should be ENOTSUP", func() {
		Expect(root.Rename(ctx, "node_dir_new", root, "other", RenameExchange)).Should(Equal(syscall.ENOTSUP))
	})
	It("statfs should be ok", func() {
		out := &fuse.StatfsOut{}
		Expect(root.Statfs(ctx, out)).Should(Equal(NoErr))
		Expect(out.Bsize).Should(Equal(uint32(fileBlockSize)))
		Expect(out.Blocks).ShouldNot(BeZero())
	})
})
