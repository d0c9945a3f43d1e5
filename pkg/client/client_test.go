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
	"bytes"
	"context"
	"errors"
	"io"
	"os"

	"github.com/basenana/blobfs/pkg/types"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func readAll(ctx context.Context, f File, size int) []byte {
	buf := make([]byte, size)
	n, err := f.ReadAt(ctx, buf, 0)
	if err != nil {
		Expect(err).Should(Equal(io.EOF))
	}
	return buf[:n]
}

var _ = Describe("TestFileHandle", func() {
	var (
		ctx   = context.TODO()
		store *countingStorage
		cli   Client
	)

	BeforeEach(func() {
		store = newCountingStorage(newMemoryStorage())
		cli = newTestClient(store, false)
	})

	Context("create a new file", func() {
		It("should be visible before the first upload", func() {
			f, err := cli.Create(ctx, "new.txt", 0)
			Expect(err).Should(BeNil())
			_, err = f.WriteAt(ctx, []byte("hello"), 0)
			Expect(err).Should(BeNil())

			_, err = store.Storage.GetProperties(ctx, "new.txt")
			Expect(types.IsNotFound(err)).Should(BeTrue())

			attr, err := cli.GetAttr(ctx, "new.txt")
			Expect(err).Should(BeNil())
			Expect(attr.Size).Should(Equal(int64(5)))
			Expect(attr.Mode).Should(Equal(os.FileMode(0644)))

			items, err := cli.ReadDir(ctx, "")
			Expect(err).Should(BeNil())
			Expect(items).Should(HaveLen(1))
			Expect(items[0].Name).Should(Equal("new.txt"))

			Expect(f.Close(ctx)).Should(BeNil())
		})
		It("should be uploaded on close", func() {
			attr, err := store.Storage.GetProperties(ctx, "new.txt")
			Expect(err).Should(HaveOccurred())
			Expect(attr).Should(BeNil())

			f, err := cli.Create(ctx, "new.txt", 0600)
			Expect(err).Should(BeNil())
			_, err = f.WriteAt(ctx, []byte("hello world"), 0)
			Expect(err).Should(BeNil())
			Expect(f.Close(ctx)).Should(BeNil())

			attr, err = store.Storage.GetProperties(ctx, "new.txt")
			Expect(err).Should(BeNil())
			Expect(attr.Size).Should(Equal(int64(11)))
			Expect(attr.Mode).Should(Equal(os.FileMode(0600)))

			f, err = cli.Open(ctx, "new.txt", types.OpenAttr{Read: true}, 0)
			Expect(err).Should(BeNil())
			Expect(string(readAll(ctx, f, 32))).Should(Equal("hello world"))
			Expect(f.Close(ctx)).Should(BeNil())
		})
		It("should list it once after the upload", func() {
			f, err := cli.Create(ctx, "once.txt", 0)
			Expect(err).Should(BeNil())
			_, err = f.WriteAt(ctx, []byte("data"), 0)
			Expect(err).Should(BeNil())
			Expect(f.Flush(ctx)).Should(BeNil())

			items, err := cli.ReadDir(ctx, "")
			Expect(err).Should(BeNil())
			Expect(items).Should(HaveLen(1))
			Expect(f.Close(ctx)).Should(BeNil())
		})
	})

	Context("open a missing file", func() {
		It("should fail without create", func() {
			_, err := cli.Open(ctx, "missing.txt", types.OpenAttr{Read: true}, 0)
			Expect(types.IsNotFound(err)).Should(BeTrue())
		})
		It("should fail when parent is missing", func() {
			_, err := cli.Create(ctx, "no/such/file.txt", 0)
			Expect(types.IsNotFound(err)).Should(BeTrue())
		})
	})

	Context("write an existing file", func() {
		It("should keep unchanged bytes", func() {
			Expect(cli.UploadFromStream(ctx, "exist.txt", bytes.NewReader([]byte("0123456789")), nil)).Should(BeNil())

			f, err := cli.Open(ctx, "exist.txt", types.OpenAttr{Read: true, Write: true}, 0)
			Expect(err).Should(BeNil())
			_, err = f.WriteAt(ctx, []byte("ab"), 4)
			Expect(err).Should(BeNil())
			Expect(f.Close(ctx)).Should(BeNil())

			buf := &bytes.Buffer{}
			_, err = cli.DownloadToStream(ctx, "exist.txt", buf, 0, 0)
			Expect(err).Should(BeNil())
			Expect(buf.String()).Should(Equal("0123ab6789"))
		})
		It("should truncate", func() {
			Expect(cli.UploadFromStream(ctx, "trunc.txt", bytes.NewReader([]byte("hello world")), nil)).Should(BeNil())
			Expect(cli.Truncate(ctx, "trunc.txt", 5)).Should(BeNil())

			attr, err := cli.GetAttr(ctx, "trunc.txt")
			Expect(err).Should(BeNil())
			Expect(attr.Size).Should(Equal(int64(5)))
		})
		It("should reject writes on read only handle", func() {
			Expect(cli.CreateFile(ctx, "ro.txt")).Should(BeNil())
			f, err := cli.Open(ctx, "ro.txt", types.OpenAttr{Read: true}, 0)
			Expect(err).Should(BeNil())
			_, err = f.WriteAt(ctx, []byte("x"), 0)
			Expect(errors.Is(err, types.ErrUnsupported)).Should(BeTrue())
			Expect(f.Close(ctx)).Should(BeNil())
		})
	})

	Context("unlink an opened file", func() {
		It("should not upload it again on close", func() {
			f, err := cli.Create(ctx, "gone.txt", 0)
			Expect(err).Should(BeNil())
			_, err = f.WriteAt(ctx, []byte("bye"), 0)
			Expect(err).Should(BeNil())

			Expect(cli.Unlink(ctx, "gone.txt")).Should(BeNil())
			Expect(f.Close(ctx)).Should(BeNil())

			_, err = cli.GetAttr(ctx, "gone.txt")
			Expect(types.IsNotFound(err)).Should(BeTrue())
		})
	})

	Context("stream a file", func() {
		It("should read through cached blocks", func() {
			streamCli := newTestClient(store, true)
			Expect(streamCli.UploadFromStream(ctx, "stream.bin", bytes.NewReader([]byte("0123456789ab")), nil)).Should(BeNil())

			f, err := streamCli.Open(ctx, "stream.bin", types.OpenAttr{Read: true}, 0)
			Expect(err).Should(BeNil())
			buf := make([]byte, 6)
			n, err := f.ReadAt(ctx, buf, 2)
			Expect(err).Should(BeNil())
			Expect(string(buf[:n])).Should(Equal("234567"))
			Expect(streamCli.Stats().Stream.Files).Should(Equal(1))

			n, err = f.ReadAt(ctx, buf, 8)
			Expect(err).Should(Equal(io.EOF))
			Expect(string(buf[:n])).Should(Equal("89ab"))

			Expect(f.Close(ctx)).Should(BeNil())
			Expect(streamCli.Stats().Stream.Files).Should(Equal(0))
		})
	})
})

var _ = Describe("TestDirectory", func() {
	var (
		ctx   = context.TODO()
		store *countingStorage
		cli   Client
	)

	BeforeEach(func() {
		store = newCountingStorage(newMemoryStorage())
		cli = newTestClient(store, false)
	})

	It("should create and remove directory", func() {
		Expect(cli.Mkdir(ctx, "dir", 0700)).Should(BeNil())
		Expect(errors.Is(cli.Mkdir(ctx, "dir", 0700), types.ErrIsExist)).Should(BeTrue())

		attr, err := cli.GetAttr(ctx, "dir")
		Expect(err).Should(BeNil())
		Expect(attr.IsDir).Should(BeTrue())
		Expect(attr.Mode).Should(Equal(os.FileMode(0700)))

		Expect(cli.CreateFile(ctx, "dir/file.txt")).Should(BeNil())
		Expect(errors.Is(cli.Rmdir(ctx, "dir"), types.ErrNotEmpty)).Should(BeTrue())
		Expect(errors.Is(cli.Unlink(ctx, "dir"), types.ErrIsDir)).Should(BeTrue())
		Expect(errors.Is(cli.Rmdir(ctx, "dir/file.txt"), types.ErrNotDir)).Should(BeTrue())

		Expect(cli.Unlink(ctx, "dir/file.txt")).Should(BeNil())
		Expect(cli.Rmdir(ctx, "dir")).Should(BeNil())
		_, err = cli.GetAttr(ctx, "dir")
		Expect(types.IsNotFound(err)).Should(BeTrue())
	})

	It("should reject names too long", func() {
		name := string(bytes.Repeat([]byte("n"), maxNameLength+1))
		Expect(errors.Is(cli.Mkdir(ctx, name, 0), types.ErrNameTooLong)).Should(BeTrue())
	})

	It("should list sorted children", func() {
		Expect(cli.Mkdir(ctx, "list", 0)).Should(BeNil())
		for _, name := range []string{"c", "a", "b"} {
			Expect(cli.CreateFile(ctx, "list/"+name)).Should(BeNil())
		}
		Expect(cli.Mkdir(ctx, "list/sub", 0)).Should(BeNil())

		items, err := cli.ReadDir(ctx, "list")
		Expect(err).Should(BeNil())
		var names []string
		for _, item := range items {
			names = append(names, item.Name)
		}
		Expect(names).Should(Equal([]string{"a", "b", "c", "sub"}))
		Expect(items[3].IsDir).Should(BeTrue())
		Expect(items[0].UID).Should(Equal(int64(1000)))
	})

	Context("rename", func() {
		It("should replace file unless asked not to", func() {
			Expect(cli.UploadFromStream(ctx, "src.txt", bytes.NewReader([]byte("src")), nil)).Should(BeNil())
			Expect(cli.UploadFromStream(ctx, "dst.txt", bytes.NewReader([]byte("dst")), nil)).Should(BeNil())

			Expect(errors.Is(cli.Rename(ctx, "src.txt", "dst.txt", true), types.ErrIsExist)).Should(BeTrue())
			Expect(cli.Rename(ctx, "src.txt", "dst.txt", false)).Should(BeNil())

			buf := &bytes.Buffer{}
			_, err := cli.DownloadToStream(ctx, "dst.txt", buf, 0, 0)
			Expect(err).Should(BeNil())
			Expect(buf.String()).Should(Equal("src"))
			_, err = cli.GetAttr(ctx, "src.txt")
			Expect(types.IsNotFound(err)).Should(BeTrue())
		})
		It("should check the type of destination", func() {
			Expect(cli.Mkdir(ctx, "d1", 0)).Should(BeNil())
			Expect(cli.CreateFile(ctx, "f1")).Should(BeNil())
			Expect(errors.Is(cli.Rename(ctx, "f1", "d1", false), types.ErrIsDir)).Should(BeTrue())
			Expect(errors.Is(cli.Rename(ctx, "d1", "f1", false), types.ErrNotDir)).Should(BeTrue())
			Expect(errors.Is(cli.Rename(ctx, "d1", "d1/inner", false), types.ErrInvalid)).Should(BeTrue())
		})
		It("should move an opened dirty file", func() {
			f, err := cli.Create(ctx, "moving.txt", 0)
			Expect(err).Should(BeNil())
			_, err = f.WriteAt(ctx, []byte("content"), 0)
			Expect(err).Should(BeNil())

			Expect(cli.Rename(ctx, "moving.txt", "moved.txt", false)).Should(BeNil())
			Expect(f.Path()).Should(Equal("moved.txt"))
			_, err = f.WriteAt(ctx, []byte("!"), 7)
			Expect(err).Should(BeNil())
			Expect(f.Close(ctx)).Should(BeNil())

			buf := &bytes.Buffer{}
			_, err = cli.DownloadToStream(ctx, "moved.txt", buf, 0, 0)
			Expect(err).Should(BeNil())
			Expect(buf.String()).Should(Equal("content!"))
			_, err = cli.GetAttr(ctx, "moving.txt")
			Expect(types.IsNotFound(err)).Should(BeTrue())
		})
	})

	Context("change attributes", func() {
		It("should refetch the mode exactly once after chmod", func() {
			Expect(cli.CreateFile(ctx, "mode.txt")).Should(BeNil())
			_, err := cli.GetAttr(ctx, "mode.txt")
			Expect(err).Should(BeNil())
			Expect(store.fetched("mode.txt")).Should(Equal(1))

			Expect(cli.Chmod(ctx, "mode.txt", 0600)).Should(BeNil())
			_, confirmed := cli.(*client).attrs.Get("mode.txt")
			Expect(confirmed).Should(BeFalse())

			for i := 0; i < 3; i++ {
				attr, err := cli.GetAttr(ctx, "mode.txt")
				Expect(err).Should(BeNil())
				Expect(attr.Mode).Should(Equal(os.FileMode(0600)))
			}
			Expect(store.fetched("mode.txt")).Should(Equal(2))
		})
		It("should change owner", func() {
			Expect(cli.CreateFile(ctx, "owner.txt")).Should(BeNil())
			Expect(cli.Chown(ctx, "owner.txt", 2000, -1)).Should(BeNil())
			_, confirmed := cli.(*client).attrs.Get("owner.txt")
			Expect(confirmed).Should(BeFalse())
			attr, err := cli.GetAttr(ctx, "owner.txt")
			Expect(err).Should(BeNil())
			Expect(attr.UID).Should(Equal(int64(2000)))
			Expect(attr.GID).Should(Equal(int64(1000)))

			acl, err := cli.GetACL(ctx, "owner.txt")
			Expect(err).Should(BeNil())
			Expect(acl.Owner).Should(Equal("2000"))
		})
		It("should create and read symlink", func() {
			Expect(cli.Symlink(ctx, "target/file", "link")).Should(BeNil())
			attr, err := cli.GetAttr(ctx, "link")
			Expect(err).Should(BeNil())
			Expect(attr.IsSymlink).Should(BeTrue())

			target, err := cli.Readlink(ctx, "link")
			Expect(err).Should(BeNil())
			Expect(target).Should(Equal("target/file"))

			Expect(cli.CreateFile(ctx, "plain")).Should(BeNil())
			_, err = cli.Readlink(ctx, "plain")
			Expect(errors.Is(err, types.ErrInvalid)).Should(BeTrue())
		})
	})

	It("should report fs stats", func() {
		info, err := cli.Statfs(ctx)
		Expect(err).Should(BeNil())
		Expect(info.TotalBytes).ShouldNot(BeZero())
	})
})
