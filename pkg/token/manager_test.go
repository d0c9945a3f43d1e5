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

package token

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/basenana/blobfs/config"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

type countingSource struct {
	cred  Credential
	calls int32
	err   error
}

func (c *countingSource) Retrieve(ctx context.Context) (*Credential, error) {
	atomic.AddInt32(&c.calls, 1)
	if c.err != nil {
		return nil, c.err
	}
	cred := c.cred
	return &cred, nil
}

var _ = Describe("TestCredentialManager", func() {
	var ctx = context.TODO()

	Context("cached credential", func() {
		It("should retrieve once", func() {
			src := &countingSource{cred: Credential{AccessKeyID: "ak", SecretAccessKey: "sk"}}
			m := NewManager(src)
			for i := 0; i < 5; i++ {
				cred, err := m.Credential(ctx)
				Expect(err).Should(BeNil())
				Expect(cred.AccessKeyID).Should(Equal("ak"))
			}
			Expect(atomic.LoadInt32(&src.calls)).Should(Equal(int32(1)))

			m.Invalidate()
			_, err := m.Credential(ctx)
			Expect(err).Should(BeNil())
			Expect(atomic.LoadInt32(&src.calls)).Should(Equal(int32(2)))
		})
		It("expiring credential should be refreshed", func() {
			src := &countingSource{cred: Credential{AccessKeyID: "ak", SecretAccessKey: "sk", Expiration: time.Now().Add(time.Minute)}}
			m := NewManager(src)
			_, err := m.Credential(ctx)
			Expect(err).Should(BeNil())
			_, err = m.Credential(ctx)
			Expect(err).Should(BeNil())
			Expect(atomic.LoadInt32(&src.calls)).Should(Equal(int32(2)))
		})
		It("source failure should propagate", func() {
			m := NewManager(&countingSource{err: errors.New("denied")})
			_, err := m.Credential(ctx)
			Expect(err).ShouldNot(BeNil())
		})
	})

	Context("sources", func() {
		It("env source should read prefixed vars", func() {
			Expect(os.Setenv("UT_BLOBFS_ACCESS_KEY_ID", "env-ak")).Should(BeNil())
			Expect(os.Setenv("UT_BLOBFS_SECRET_ACCESS_KEY", "env-sk")).Should(BeNil())
			defer os.Unsetenv("UT_BLOBFS_ACCESS_KEY_ID")
			defer os.Unsetenv("UT_BLOBFS_SECRET_ACCESS_KEY")

			cred, err := EnvSource{Prefix: "UT_BLOBFS"}.Retrieve(ctx)
			Expect(err).Should(BeNil())
			Expect(cred.SecretAccessKey).Should(Equal("env-sk"))

			_, err = EnvSource{Prefix: "UT_MISSING"}.Retrieve(ctx)
			Expect(err).ShouldNot(BeNil())
		})
		It("file source should pick up rotated secrets", func() {
			p := filepath.Join(workdir, "cred.json")
			write := func(sk string) {
				raw, _ := json.Marshal(Credential{AccessKeyID: "file-ak", SecretAccessKey: sk})
				Expect(os.WriteFile(p, raw, 0600)).Should(BeNil())
			}
			src, err := NewSource(&config.Credential{Type: config.FileCredential, File: p}, Credential{})
			Expect(err).Should(BeNil())

			write("sk-1")
			cred, err := src.Retrieve(ctx)
			Expect(err).Should(BeNil())
			Expect(cred.SecretAccessKey).Should(Equal("sk-1"))
			write("sk-2")
			cred, err = src.Retrieve(ctx)
			Expect(err).Should(BeNil())
			Expect(cred.SecretAccessKey).Should(Equal("sk-2"))
		})
		It("missing config should fall back to static pair", func() {
			src, err := NewSource(nil, Credential{AccessKeyID: "a", SecretAccessKey: "b"})
			Expect(err).Should(BeNil())
			cred, err := src.Retrieve(ctx)
			Expect(err).Should(BeNil())
			Expect(cred.AccessKeyID).Should(Equal("a"))

			_, err = NewSource(&config.Credential{Type: "vault"}, Credential{})
			Expect(err).ShouldNot(BeNil())
		})
	})

	Context("sdk adaptors", func() {
		m := NewManager(StaticSource{Credential: Credential{AccessKeyID: "ak", SecretAccessKey: "sk", SessionToken: "st"}})
		It("minio provider should serve the credential", func() {
			p := m.MinioProvider()
			val, err := p.Retrieve()
			Expect(err).Should(BeNil())
			Expect(val.SessionToken).Should(Equal("st"))
			Expect(p.IsExpired()).Should(BeFalse())
		})
		It("aws provider should serve the credential", func() {
			cred, err := m.AWSProvider().Retrieve(ctx)
			Expect(err).Should(BeNil())
			Expect(cred.AccessKeyID).Should(Equal("ak"))
			Expect(cred.CanExpire).Should(BeFalse())
		})
		It("oss provider should serve the credential", func() {
			cred := m.OSSProvider().GetCredentials()
			Expect(cred.GetAccessKeySecret()).Should(Equal("sk"))
			Expect(cred.GetSecurityToken()).Should(Equal("st"))
		})
	})
})

var _ = Describe("TestAdminToken", func() {
	secret := []byte("ut-secret")
	It("issued token should verify", func() {
		tokenStr, err := IssueAdminToken("ops", time.Hour, secret)
		Expect(err).Should(BeNil())
		claims, err := VerifyAdminToken(tokenStr, secret)
		Expect(err).Should(BeNil())
		Expect(claims.Operator).Should(Equal("ops"))
	})
	It("wrong secret or expired token should fail", func() {
		tokenStr, err := IssueAdminToken("ops", time.Hour, secret)
		Expect(err).Should(BeNil())
		_, err = VerifyAdminToken(tokenStr, []byte("other"))
		Expect(err).ShouldNot(BeNil())

		expired := jwt.NewWithClaims(jwt.SigningMethodHS256, &AdminClaims{
			Operator: "ops",
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    Issuer,
				Audience:  jwt.ClaimStrings{AdminAudience},
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			},
		})
		expired.Header["kid"] = KeyID
		tokenStr, err = expired.SignedString(secret)
		Expect(err).Should(BeNil())
		_, err = VerifyAdminToken(tokenStr, secret)
		Expect(err).ShouldNot(BeNil())
	})
	It("token without expiration should verify", func() {
		tokenStr, err := IssueAdminToken("ops", 0, secret)
		Expect(err).Should(BeNil())
		_, err = VerifyAdminToken(tokenStr, secret)
		Expect(err).Should(BeNil())
	})
})
