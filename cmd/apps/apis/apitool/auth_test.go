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

package apitool

import (
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/basenana/blobfs/config"
	"github.com/basenana/blobfs/pkg/token"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("TestCheckPassword", func() {
	It("should compare plain passwords", func() {
		Expect(CheckPassword("plain", "plain")).Should(BeTrue())
		Expect(CheckPassword("plain", "other")).Should(BeFalse())
	})
	It("should compare bcrypt hashes", func() {
		hashed, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
		Expect(err).Should(BeNil())
		Expect(CheckPassword(string(hashed), "s3cret")).Should(BeTrue())
		Expect(CheckPassword(string(hashed), "wrong")).Should(BeFalse())
		Expect(CheckPassword(string(hashed), string(hashed))).Should(BeFalse())
	})
})

var _ = Describe("TestBasicAuthHandler", func() {
	var (
		h    http.Handler
		seen *UserInfo
	)

	BeforeEach(func() {
		seen = nil
		h = BasicAuthHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = GetUserInfo(r.Context())
		}), []config.OverwriteUser{{UID: 1001, GID: 1002, Username: "ut", Password: "pass"}})
	})

	It("should pass the user to the handler", func() {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.SetBasicAuth("ut", "pass")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		Expect(rec.Code).Should(Equal(http.StatusOK))
		Expect(seen).ShouldNot(BeNil())
		Expect(seen.UID).Should(Equal(int64(1001)))
		Expect(seen.GID).Should(Equal(int64(1002)))
	})
	It("should reject missing or wrong credentials", func() {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		Expect(rec.Code).Should(Equal(http.StatusUnauthorized))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.SetBasicAuth("ut", "bad")
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		Expect(rec.Code).Should(Equal(http.StatusUnauthorized))
		Expect(seen).Should(BeNil())
	})
})

var _ = Describe("TestBearerAuth", func() {
	const secret = "ut-secret-0123456789"

	newEngine := func(secret string) *gin.Engine {
		gin.SetMode(gin.TestMode)
		engine := gin.New()
		engine.GET("/admin", BearerAuth(secret), func(gCtx *gin.Context) {
			gCtx.String(http.StatusOK, GetOperator(gCtx))
		})
		return engine
	}
	call := func(engine *gin.Engine, bearer string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, req)
		return rec
	}

	It("should be open without a secret", func() {
		Expect(call(newEngine(""), "").Code).Should(Equal(http.StatusOK))
	})
	It("should accept a signed token", func() {
		tk, err := token.IssueAdminToken("alice", time.Hour, []byte(secret))
		Expect(err).Should(BeNil())
		rec := call(newEngine(secret), tk)
		Expect(rec.Code).Should(Equal(http.StatusOK))
		Expect(rec.Body.String()).Should(Equal("alice"))
	})
	It("should reject missing and foreign tokens", func() {
		Expect(call(newEngine(secret), "").Code).Should(Equal(http.StatusUnauthorized))
		tk, err := token.IssueAdminToken("alice", time.Hour, []byte("another-secret-000000"))
		Expect(err).Should(BeNil())
		Expect(call(newEngine(secret), tk).Code).Should(Equal(http.StatusUnauthorized))
	})
})
