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
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/basenana/blobfs/config"
	"github.com/basenana/blobfs/pkg/token"
)

const (
	userInfoContextKey = "ctx.user_info"
	operatorContextKey = "ctx.operator"
)

type UserInfo struct {
	Username string
	UID, GID int64
}

func GetUserInfo(ctx context.Context) *UserInfo {
	rawUi := ctx.Value(userInfoContextKey)
	if rawUi == nil {
		return nil
	}
	return rawUi.(*UserInfo)
}

func WithUserInfo(ctx context.Context, ui *UserInfo) context.Context {
	return context.WithValue(ctx, userInfoContextKey, ui)
}

// CheckPassword accepts bcrypt hashes and plain passwords.
func CheckPassword(stored, given string) bool {
	if isBcryptHash(stored) {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(given)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(given)) == 1
}

func isBcryptHash(s string) bool {
	return len(s) == 60 && (strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$"))
}

func BasicAuthHandler(h http.Handler, users []config.OverwriteUser) http.Handler {
	userMapper := make(map[string]config.OverwriteUser, len(users))
	for _, u := range users {
		userMapper[u.Username] = u
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte("Unauthorised.\n"))
			return
		}

		info, ok := userMapper[username]
		if !ok || !CheckPassword(info.Password, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte("User or password incorrect.\n"))
			return
		}

		ctx := WithUserInfo(r.Context(), &UserInfo{
			Username: username,
			UID:      info.UID,
			GID:      info.GID,
		})
		h.ServeHTTP(w, r.WithContext(ctx))
	})
}

// BearerAuth guards admin routes with a token signed by secret. An empty
// secret disables the check.
func BearerAuth(secret string) gin.HandlerFunc {
	return func(gCtx *gin.Context) {
		if secret == "" {
			gCtx.Next()
			return
		}
		header := gCtx.GetHeader("Authorization")
		tokenStr, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenStr == "" {
			gCtx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := token.VerifyAdminToken(tokenStr, []byte(secret))
		if err != nil {
			gCtx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		gCtx.Set(operatorContextKey, claims.Operator)
		gCtx.Next()
	}
}

func GetOperator(gCtx *gin.Context) string {
	return gCtx.GetString(operatorContextKey)
}
