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
	"net/http/httptest"
	"os"
	"sort"

	"github.com/studio-b12/gowebdav"
	"golang.org/x/crypto/bcrypt"

	"github.com/basenana/blobfs/config"
	"github.com/basenana/blobfs/pkg/client"
	"github.com/basenana/blobfs/utils/logger"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func writeFile(ctx context.Context, operator FsOperator, name, content string) {
	f, err := operator.OpenFile(ctx, name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	Expect(err).Should(BeNil())
	_, err = f.Write([]byte(content))
	Expect(err).Should(BeNil())
	Expect(f.Close()).Should(BeNil())
}

func readFile(ctx context.Context, operator FsOperator, name string) string {
	f, err := operator.OpenFile(ctx, name, os.O_RDONLY, 0)
	Expect(err).Should(BeNil())
	defer f.Close()
	data, err := io.ReadAll(f)
	Expect(err).Should(BeNil())
	return string(data)
}

var _ = Describe("FsOperator", func() {
	var (
		operator FsOperator
		c        client.Client
		ctx      context.Context
	)

	BeforeEach(func() {
		c = newTestClient()
		operator = FsOperator{client: c, cfg: config.Webdav{}, logger: logger.NewLogger("webdav.test")}
		ctx = withUserContext(context.Background(), 1000, 1000)
	})

	Describe("Mkdir", func() {
		It("should create nested directories", func() {
			Expect(operator.Mkdir(ctx, "/nested/a/b", 0755)).Should(BeNil())
			info, err := operator.Stat(ctx, "/nested/a/b")
			Expect(err).Should(BeNil())
			Expect(info.IsDir()).Should(BeTrue())
		})
		It("should fail on existing directory", func() {
			Expect(operator.Mkdir(ctx, "/dir", 0755)).Should(BeNil())
			Expect(operator.Mkdir(ctx, "/dir", 0755)).Should(Equal(os.ErrExist))
		})
	})

	Describe("OpenFile", func() {
		It("should write and read back", func() {
			writeFile(ctx, operator, "/docs/hello.txt", "hello webdav")
			info, err := operator.Stat(ctx, "/docs/hello.txt")
			Expect(err).Should(BeNil())
			Expect(info.Size()).Should(Equal(int64(12)))
			Expect(info.Name()).Should(Equal("hello.txt"))
			Expect(readFile(ctx, operator, "/docs/hello.txt")).Should(Equal("hello webdav"))
		})
		It("should create an empty file without writes", func() {
			f, err := operator.OpenFile(ctx, "/empty.txt", os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
			Expect(err).Should(BeNil())
			Expect(f.Close()).Should(BeNil())
			info, err := operator.Stat(ctx, "/empty.txt")
			Expect(err).Should(BeNil())
			Expect(info.Size()).Should(BeZero())
		})
		It("should truncate on overwrite", func() {
			writeFile(ctx, operator, "/over.txt", "a long content")
			writeFile(ctx, operator, "/over.txt", "short")
			Expect(readFile(ctx, operator, "/over.txt")).Should(Equal("short"))
		})
		It("should seek to the end", func() {
			writeFile(ctx, operator, "/seek.txt", "0123456789")
			f, err := operator.OpenFile(ctx, "/seek.txt", os.O_RDONLY, 0)
			Expect(err).Should(BeNil())
			defer f.Close()
			end, err := f.Seek(-3, io.SeekEnd)
			Expect(err).Should(BeNil())
			Expect(end).Should(Equal(int64(7)))
			data, err := io.ReadAll(f)
			Expect(err).Should(BeNil())
			Expect(string(data)).Should(Equal("789"))
		})
		It("should list directory", func() {
			writeFile(ctx, operator, "/list/b.txt", "b")
			writeFile(ctx, operator, "/list/a.txt", "a")
			Expect(operator.Mkdir(ctx, "/list/sub", 0755)).Should(BeNil())

			d, err := operator.OpenFile(ctx, "/list", os.O_RDONLY, 0)
			Expect(err).Should(BeNil())
			infos, err := d.Readdir(0)
			Expect(err).Should(BeNil())
			var names []string
			for _, info := range infos {
				names = append(names, info.Name())
			}
			sort.Strings(names)
			Expect(names).Should(Equal([]string{"a.txt", "b.txt", "sub"}))
		})
		It("should not find missing file", func() {
			_, err := operator.OpenFile(ctx, "/missing.txt", os.O_RDONLY, 0)
			Expect(err).Should(Equal(fs.ErrNotExist))
		})
	})

	Describe("Access", func() {
		It("should deny writes by other users", func() {
			writeFile(ctx, operator, "/private.txt", "secret")
			otherCtx := withUserContext(context.Background(), 2000, 2000)

			_, err := operator.OpenFile(otherCtx, "/private.txt", os.O_RDWR, 0)
			Expect(err).Should(Equal(fs.ErrPermission))
			Expect(readFile(otherCtx, operator, "/private.txt")).Should(Equal("secret"))
		})
		It("should deny anonymous context", func() {
			writeFile(ctx, operator, "/anon.txt", "x")
			_, err := operator.OpenFile(context.Background(), "/anon.txt", os.O_RDONLY, 0)
			Expect(err).Should(Equal(fs.ErrPermission))
		})
	})

	Describe("RemoveAll and Rename", func() {
		It("should remove file and directory", func() {
			writeFile(ctx, operator, "/rm/a/file.txt", "x")
			Expect(operator.RemoveAll(ctx, "/rm/a/file.txt")).Should(BeNil())
			_, err := operator.Stat(ctx, "/rm/a/file.txt")
			Expect(err).Should(Equal(fs.ErrNotExist))

			writeFile(ctx, operator, "/rm/a/other.txt", "y")
			Expect(operator.RemoveAll(ctx, "/rm")).Should(BeNil())
			_, err = operator.Stat(ctx, "/rm")
			Expect(err).Should(Equal(fs.ErrNotExist))
			Expect(operator.RemoveAll(ctx, "/rm")).Should(BeNil())
		})
		It("should rename file", func() {
			writeFile(ctx, operator, "/mv/src.txt", "moved")
			Expect(operator.Rename(ctx, "/mv/src.txt", "/mv/dst.txt")).Should(BeNil())
			Expect(readFile(ctx, operator, "/mv/dst.txt")).Should(Equal("moved"))
			_, err := operator.Stat(ctx, "/mv/src.txt")
			Expect(err).Should(Equal(fs.ErrNotExist))
		})
	})
})

var _ = Describe("WebdavServer", func() {
	var (
		server *httptest.Server
		cli    *gowebdav.Client
	)

	BeforeEach(func() {
		hashed, err := bcrypt.GenerateFromPassword([]byte("hashed-pass"), bcrypt.MinCost)
		Expect(err).Should(BeNil())
		w, err := NewWebdavServer(newTestClient(), config.Webdav{
			Enable: true,
			Port:   7082,
			OverwriteUsers: []config.OverwriteUser{
				{UID: 1000, GID: 1000, Username: "plain", Password: "plain-pass"},
				{UID: 1000, GID: 1000, Username: "hashed", Password: string(hashed)},
			},
		})
		Expect(err).Should(BeNil())
		server = httptest.NewServer(w.Handler())
		cli = gowebdav.NewClient(server.URL, "plain", "plain-pass")
	})

	AfterEach(func() {
		server.Close()
	})

	It("should serve files over http", func() {
		Expect(cli.MkdirAll("/http/dir", 0755)).Should(BeNil())
		Expect(cli.Write("/http/dir/file.txt", []byte("over http"), 0644)).Should(BeNil())

		data, err := cli.Read("/http/dir/file.txt")
		Expect(err).Should(BeNil())
		Expect(string(data)).Should(Equal("over http"))

		infos, err := cli.ReadDir("/http/dir")
		Expect(err).Should(BeNil())
		Expect(infos).Should(HaveLen(1))
		Expect(infos[0].Name()).Should(Equal("file.txt"))

		Expect(cli.Rename("/http/dir/file.txt", "/http/moved.txt", true)).Should(BeNil())
		Expect(cli.Remove("/http/moved.txt")).Should(BeNil())
		_, err = cli.Stat("/http/moved.txt")
		Expect(gowebdav.IsErrNotFound(err)).Should(BeTrue())
	})

	It("should accept bcrypt passwords", func() {
		hashedCli := gowebdav.NewClient(server.URL, "hashed", "hashed-pass")
		Expect(hashedCli.Write("/hashed.txt", []byte("ok"), 0644)).Should(BeNil())
	})

	It("should reject wrong passwords", func() {
		badCli := gowebdav.NewClient(server.URL, "plain", "wrong")
		_, err := badCli.ReadDir("/")
		Expect(err).ShouldNot(BeNil())
	})
})
