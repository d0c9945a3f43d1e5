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

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/basenana/blobfs/pkg/types"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func readAll(s Storage, path string, off, limit int64) (string, error) {
	r, err := s.Get(context.TODO(), path, off, limit)
	if err != nil {
		return "", err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	return string(data), err
}

func putString(s Storage, path, content string) {
	err := s.Put(context.TODO(), path, strings.NewReader(content), int64(len(content)), NewMeta(0640, 1000, 1000))
	Expect(err).Should(BeNil())
}

func listNames(s Storage, dir, delimiter string) []string {
	var (
		names        []string
		continuation string
	)
	for {
		result, err := s.List(context.TODO(), dir, delimiter, continuation)
		Expect(err).Should(BeNil())
		for _, item := range result.Items {
			names = append(names, item.Path)
		}
		if result.Next == "" {
			break
		}
		continuation = result.Next
	}
	sort.Strings(names)
	return names
}

func storageBehaviors(build func() Storage) {
	var (
		ctx = context.TODO()
		s   Storage
	)
	BeforeEach(func() {
		s = build()
	})

	Context("put then read a file", func() {
		It("should return the whole content and attributes", func() {
			putString(s, "docs/readme.txt", "abcdefghij")

			data, err := readAll(s, "docs/readme.txt", 0, 0)
			Expect(err).Should(BeNil())
			Expect(data).Should(Equal("abcdefghij"))

			attr, err := s.GetProperties(ctx, "docs/readme.txt")
			Expect(err).Should(BeNil())
			Expect(attr.Name).Should(Equal("readme.txt"))
			Expect(attr.Size).Should(Equal(int64(10)))
			Expect(attr.IsDir).Should(BeFalse())
			Expect(attr.Mode).Should(Equal(os.FileMode(0640)))
			Expect(attr.Exists).Should(BeTrue())
		})
		It("should read a range", func() {
			putString(s, "range.txt", "abcdefghij")

			data, err := readAll(s, "range.txt", 2, 3)
			Expect(err).Should(BeNil())
			Expect(data).Should(Equal("cde"))

			data, err = readAll(s, "range.txt", 7, 100)
			Expect(err).Should(BeNil())
			Expect(data).Should(Equal("hij"))
		})
		It("should report a range past the end", func() {
			putString(s, "range.txt", "abc")
			_, err := readAll(s, "range.txt", 3, 10)
			Expect(errors.Is(err, types.ErrInvalidRange)).Should(BeTrue())
		})
		It("should overwrite existing content", func() {
			putString(s, "over.txt", "first version")
			putString(s, "over.txt", "second")
			data, err := readAll(s, "over.txt", 0, 0)
			Expect(err).Should(BeNil())
			Expect(data).Should(Equal("second"))
		})
	})

	Context("missing paths", func() {
		It("should return not found", func() {
			_, err := s.GetProperties(ctx, "nothing/here")
			Expect(types.IsNotFound(err)).Should(BeTrue())
			_, err = s.Get(ctx, "nothing/here", 0, 0)
			Expect(types.IsNotFound(err)).Should(BeTrue())
			Expect(types.IsNotFound(s.Delete(ctx, "nothing/here"))).Should(BeTrue())
		})
		It("should treat the root as a directory", func() {
			attr, err := s.GetProperties(ctx, "")
			Expect(err).Should(BeNil())
			Expect(attr.IsDir).Should(BeTrue())
		})
	})

	Context("directories", func() {
		It("should create and list a directory", func() {
			Expect(s.CreateDirectoryMarker(ctx, "photos", NewMeta(0750, 0, 0))).Should(BeNil())
			attr, err := s.GetProperties(ctx, "photos")
			Expect(err).Should(BeNil())
			Expect(attr.IsDir).Should(BeTrue())
			Expect(attr.IsEmptyDir).Should(BeTrue())

			putString(s, "photos/a.jpg", "a")
			putString(s, "photos/b.jpg", "bb")
			Expect(s.CreateDirectoryMarker(ctx, "photos/2023", nil)).Should(BeNil())
			putString(s, "photos/2023/c.jpg", "ccc")

			Expect(listNames(s, "photos", Delimiter)).Should(Equal([]string{"photos/2023", "photos/a.jpg", "photos/b.jpg"}))
			Expect(listNames(s, "photos", "")).Should(Equal([]string{"photos/2023", "photos/2023/c.jpg", "photos/a.jpg", "photos/b.jpg"}))

			attr, err = s.GetProperties(ctx, "photos")
			Expect(err).Should(BeNil())
			Expect(attr.IsEmptyDir).Should(BeFalse())
		})
		It("should refuse to delete a non-empty directory", func() {
			Expect(s.CreateDirectoryMarker(ctx, "full", nil)).Should(BeNil())
			putString(s, "full/file", "x")

			err := s.Delete(ctx, "full")
			Expect(errors.Is(err, types.ErrNotEmpty)).Should(BeTrue())

			Expect(s.Delete(ctx, "full/file")).Should(BeNil())
			Expect(s.Delete(ctx, "full")).Should(BeNil())
			_, err = s.GetProperties(ctx, "full")
			Expect(types.IsNotFound(err)).Should(BeTrue())
		})
	})

	Context("rename", func() {
		It("should move a file", func() {
			putString(s, "src.txt", "moved")
			Expect(s.Rename(ctx, "src.txt", "dir/dst.txt")).Should(BeNil())

			_, err := s.GetProperties(ctx, "src.txt")
			Expect(types.IsNotFound(err)).Should(BeTrue())
			data, err := readAll(s, "dir/dst.txt", 0, 0)
			Expect(err).Should(BeNil())
			Expect(data).Should(Equal("moved"))
		})
		It("should move a directory with its subtree", func() {
			Expect(s.CreateDirectoryMarker(ctx, "a", nil)).Should(BeNil())
			Expect(s.CreateDirectoryMarker(ctx, "a/sub", nil)).Should(BeNil())
			putString(s, "a/x", "x")
			putString(s, "a/sub/y", "y")

			Expect(s.Rename(ctx, "a", "b")).Should(BeNil())

			_, err := s.GetProperties(ctx, "a")
			Expect(types.IsNotFound(err)).Should(BeTrue())
			_, err = s.GetProperties(ctx, "a/x")
			Expect(types.IsNotFound(err)).Should(BeTrue())
			Expect(listNames(s, "b", "")).Should(Equal([]string{"b/sub", "b/sub/y", "b/x"}))

			data, err := readAll(s, "b/sub/y", 0, 0)
			Expect(err).Should(BeNil())
			Expect(data).Should(Equal("y"))
		})
		It("should refuse to move a directory below itself", func() {
			Expect(s.CreateDirectoryMarker(ctx, "loop", nil)).Should(BeNil())
			err := s.Rename(ctx, "loop", "loop/inner")
			Expect(errors.Is(err, types.ErrConflict)).Should(BeTrue())
		})
	})

	Context("acl", func() {
		It("should update the permission bits", func() {
			putString(s, "secret", "s")
			acl, err := s.GetACL(ctx, "secret")
			Expect(err).Should(BeNil())
			Expect(acl.Permissions).Should(Equal(os.FileMode(0640)))

			acl.Permissions = 0600
			acl.Owner, acl.Group = "", ""
			Expect(s.SetACL(ctx, "secret", *acl)).Should(BeNil())

			attr, err := s.GetProperties(ctx, "secret")
			Expect(err).Should(BeNil())
			Expect(attr.Mode).Should(Equal(os.FileMode(0600)))
			data, err := readAll(s, "secret", 0, 0)
			Expect(err).Should(BeNil())
			Expect(data).Should(Equal("s"))
		})
	})
}

var _ = Describe("TestMemoryStorage", func() {
	storageBehaviors(func() Storage {
		return newFlatStorage("memory-test", MemoryStorage, newMemoryObjectStore())
	})
})

var _ = Describe("TestLocalStorage", func() {
	var dirs []string
	AfterEach(func() {
		for _, d := range dirs {
			_ = os.RemoveAll(d)
		}
		dirs = nil
	})
	storageBehaviors(func() Storage {
		dir, err := os.MkdirTemp(os.TempDir(), "blobfs-local-")
		Expect(err).Should(BeNil())
		dirs = append(dirs, dir)
		s, err := newLocalStorage("local-test", dir)
		Expect(err).Should(BeNil())
		return s
	})

	It("should store symlinks natively", func() {
		dir, err := os.MkdirTemp(os.TempDir(), "blobfs-local-")
		Expect(err).Should(BeNil())
		dirs = append(dirs, dir)
		s, err := newLocalStorage("local-test", dir)
		Expect(err).Should(BeNil())

		err = s.Put(context.TODO(), "link", strings.NewReader("target/file"), 11, SymlinkMeta(nil))
		Expect(err).Should(BeNil())
		attr, err := s.GetProperties(context.TODO(), "link")
		Expect(err).Should(BeNil())
		Expect(attr.IsSymlink).Should(BeTrue())
		data, err := readAll(s, "link", 0, 0)
		Expect(err).Should(BeNil())
		Expect(data).Should(Equal("target/file"))
	})
})

var _ = Describe("TestFlatLayout", func() {
	var (
		ctx   = context.TODO()
		store *memoryObjectStore
		s     *flatStorage
	)
	BeforeEach(func() {
		store = newMemoryObjectStore()
		s = newFlatStorage("flat-test", MemoryStorage, store)
	})

	It("should infer a directory from the keys below it", func() {
		putString(s, "implicit/deep/file", "data")

		attr, err := s.GetProperties(ctx, "implicit/deep")
		Expect(err).Should(BeNil())
		Expect(attr.IsDir).Should(BeTrue())
		Expect(listNames(s, "implicit", Delimiter)).Should(Equal([]string{"implicit/deep"}))
	})

	It("should keep directory markers as trailing slash keys", func() {
		Expect(s.CreateDirectoryMarker(ctx, "marked", nil)).Should(BeNil())
		info, err := store.headObject(ctx, "marked/")
		Expect(err).Should(BeNil())
		Expect(info.Meta[types.MetaKeyDirHint]).Should(Equal("true"))
	})

	It("should page through prefixes without repeating them", func() {
		for i := 0; i < 5; i++ {
			putString(s, fmt.Sprintf("p/dir%d/file", i), "x")
			putString(s, fmt.Sprintf("p/file%d", i), "x")
		}

		var (
			seen       []string
			startAfter string
		)
		for {
			objects, truncated, err := store.listObjects(ctx, "p/", Delimiter, startAfter, 3)
			Expect(err).Should(BeNil())
			for _, obj := range objects {
				seen = append(seen, obj.Key)
			}
			if !truncated {
				break
			}
			startAfter = nextToken(objects[len(objects)-1])
		}
		Expect(seen).Should(HaveLen(10))
		Expect(seen[0]).Should(Equal("p/dir0/"))
		Expect(seen[9]).Should(Equal("p/file4"))
	})

	It("should page a large listing", func() {
		for i := 0; i < listPageSize+5; i++ {
			err := s.Put(ctx, fmt.Sprintf("many/%05d", i), bytes.NewReader(nil), 0, nil)
			Expect(err).Should(BeNil())
		}
		first, err := s.List(ctx, "many", Delimiter, "")
		Expect(err).Should(BeNil())
		Expect(first.Items).Should(HaveLen(listPageSize))
		Expect(first.Next).ShouldNot(BeEmpty())

		second, err := s.List(ctx, "many", Delimiter, first.Next)
		Expect(err).Should(BeNil())
		Expect(second.Items).Should(HaveLen(5))
		Expect(second.Next).Should(BeEmpty())
	})

	It("should keep user metadata across a rename", func() {
		putString(s, "meta/src", "x")
		Expect(s.Rename(ctx, "meta/src", "meta/dst")).Should(BeNil())
		attr, err := s.GetProperties(ctx, "meta/dst")
		Expect(err).Should(BeNil())
		Expect(attr.Mode).Should(Equal(os.FileMode(0640)))
		Expect(attr.UID).Should(Equal(int64(1000)))
	})
})
