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
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	Issuer             = "blobfs"
	KeyID              = "v1"
	AdminAudience      = "blobfs.admin"
	AdminTokenDuration = 30 * 24 * time.Hour
)

// AdminClaims authorize calls to the admin api.
type AdminClaims struct {
	Operator string `json:"operator"`
	jwt.RegisteredClaims
}

func IssueAdminToken(operator string, ttl time.Duration, secret []byte) (string, error) {
	now := time.Now()
	claims := &AdminClaims{
		Operator: operator,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   Issuer,
			Audience: jwt.ClaimStrings{AdminAudience},
			IssuedAt: jwt.NewNumericDate(now),
			Subject:  fmt.Sprintf("/operator/%s", operator),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = KeyID
	return token.SignedString(secret)
}

func VerifyAdminToken(tokenStr string, secret []byte) (*AdminClaims, error) {
	claims := &AdminClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if kid, ok := t.Header["kid"].(string); !ok || kid != KeyID {
			return nil, fmt.Errorf("unexpected admin token kid=%v", t.Header["kid"])
		}
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(AdminAudience),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid or expired admin token: %w", err)
	}
	return claims, nil
}
