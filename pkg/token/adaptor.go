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
	"time"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type minioProvider struct {
	m *Manager
}

func (p *minioProvider) Retrieve() (credentials.Value, error) {
	cred, err := p.m.Credential(context.Background())
	if err != nil {
		return credentials.Value{}, err
	}
	return credentials.Value{
		AccessKeyID:     cred.AccessKeyID,
		SecretAccessKey: cred.SecretAccessKey,
		SessionToken:    cred.SessionToken,
		SignerType:      credentials.SignatureV4,
	}, nil
}

func (p *minioProvider) IsExpired() bool {
	_, ok := p.m.cached()
	return !ok
}

func (m *Manager) MinioProvider() credentials.Provider {
	return &minioProvider{m: m}
}

func (m *Manager) AWSProvider() aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		cred, err := m.Credential(ctx)
		if err != nil {
			return aws.Credentials{}, err
		}
		return aws.Credentials{
			AccessKeyID:     cred.AccessKeyID,
			SecretAccessKey: cred.SecretAccessKey,
			SessionToken:    cred.SessionToken,
			Source:          "blobfs",
			CanExpire:       !cred.Expiration.IsZero(),
			Expires:         cred.Expiration.Add(-defaultRefreshWindow),
		}, nil
	})
}

type ossCredentials struct {
	cred *Credential
}

func (c ossCredentials) GetAccessKeyID() string     { return c.cred.AccessKeyID }
func (c ossCredentials) GetAccessKeySecret() string { return c.cred.SecretAccessKey }
func (c ossCredentials) GetSecurityToken() string   { return c.cred.SessionToken }

type ossProvider struct {
	m *Manager
}

// GetCredentials has no way to report failures, an empty pair makes the
// request fail with an auth error instead.
func (p ossProvider) GetCredentials() oss.Credentials {
	cred, err := p.m.Credential(context.Background())
	if err != nil {
		return ossCredentials{cred: &Credential{Expiration: time.Now()}}
	}
	return ossCredentials{cred: cred}
}

func (m *Manager) OSSProvider() oss.CredentialsProvider {
	return ossProvider{m: m}
}
