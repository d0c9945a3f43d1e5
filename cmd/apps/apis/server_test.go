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

package apis

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/basenana/blobfs/config"
	"github.com/basenana/blobfs/pkg/client"
	"github.com/basenana/blobfs/pkg/storage"
	"github.com/basenana/blobfs/pkg/token"
	"github.com/basenana/blobfs/pkg/types"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

const testSecret = "ut-secret-0123456789"

func newTestServer(secret string) (*Server, client.Client) {
	s, err := storage.NewStorage(config.Storage{ID: "ut-memory", Type: storage.MemoryStorage}, nil)
	Expect(err).Should(BeNil())
	cfg := config.Config{
		Api: config.Api{Enable: true, Host: "127.0.0.1", Port: 7081, Metrics: true, Secret: secret},
		Cache: config.Cache{
			Dir:           path.Join(workdir, uuid.New().String()),
			Timeout:       60,
			HighThreshold: 90,
			LowThreshold:  80,
			PollInterval:  100,
			MaxEviction:   10,
		},
		FS: &config.FS{FileMode: 0644, DirMode: 0755},
	}
	c, err := client.New(s, cfg)
	Expect(err).Should(BeNil())
	srv, err := NewApiServer(c, cfg)
	Expect(err).Should(BeNil())
	return srv, c
}

func serve(srv *Server, method, url, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, url, &bytes.Buffer{})
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

var _ = Describe("ApiServer", func() {
	var ctx = context.TODO()

	It("ping should be ok", func() {
		srv, _ := newTestServer("")
		rec := serve(srv, http.MethodGet, "/_ping", "")
		Expect(rec.Code).Should(Equal(http.StatusOK))

		resp := map[string]string{}
		Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).Should(BeNil())
		Expect(resp["status"]).Should(Equal("ok"))
	})
	It("metrics should be exported", func() {
		srv, _ := newTestServer("")
		rec := serve(srv, http.MethodGet, "/metrics", "")
		Expect(rec.Code).Should(Equal(http.StatusOK))
		Expect(rec.Body.String()).Should(ContainSubstring("go_goroutines"))
	})
	It("admin routes should require a valid token", func() {
		srv, _ := newTestServer(testSecret)
		Expect(serve(srv, http.MethodGet, "/cache/stats", "").Code).Should(Equal(http.StatusUnauthorized))

		badToken, err := token.IssueAdminToken("ut", time.Hour, []byte("another-secret-000000"))
		Expect(err).Should(BeNil())
		Expect(serve(srv, http.MethodGet, "/cache/stats", badToken).Code).Should(Equal(http.StatusUnauthorized))

		goodToken, err := token.IssueAdminToken("ut", time.Hour, []byte(testSecret))
		Expect(err).Should(BeNil())
		Expect(serve(srv, http.MethodGet, "/cache/stats", goodToken).Code).Should(Equal(http.StatusOK))
	})
	It("invalidate should drop cached attributes", func() {
		srv, c := newTestServer("")
		Expect(c.Mkdir(ctx, "dir", 0755)).Should(BeNil())
		Expect(c.CreateFile(ctx, "dir/file")).Should(BeNil())
		_, err := c.GetAttr(ctx, "dir/file")
		Expect(err).Should(BeNil())
		before := c.Stats().Attr

		rec := serve(srv, http.MethodPost, "/cache/invalidate?path=/dir&recursive=true", "")
		Expect(rec.Code).Should(Equal(http.StatusOK))
		resp := map[string]any{}
		Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).Should(BeNil())
		Expect(resp["path"]).Should(Equal(types.CleanPath("/dir")))

		_, err = c.GetAttr(ctx, "dir/file")
		Expect(err).Should(BeNil())
		Expect(c.Stats().Attr.Misses).Should(BeNumerically(">", before.Misses))
	})
	It("clean should conflict with open files", func() {
		srv, c := newTestServer("")
		f, err := c.Create(ctx, "busy", 0644)
		Expect(err).Should(BeNil())
		Expect(serve(srv, http.MethodPost, "/cache/clean", "").Code).Should(Equal(http.StatusConflict))
		Expect(f.Close(ctx)).Should(BeNil())
		Expect(serve(srv, http.MethodPost, "/cache/clean", "").Code).Should(Equal(http.StatusOK))
	})
})
