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
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/basenana/blobfs/config"
)

// Credential is a secret pair handed to storage backends.
type Credential struct {
	AccessKeyID     string    `json:"access_key_id"`
	SecretAccessKey string    `json:"secret_access_key"`
	SessionToken    string    `json:"session_token,omitempty"`
	Expiration      time.Time `json:"expiration,omitempty"`
}

func (c *Credential) Expired(now time.Time, window time.Duration) bool {
	if c.Expiration.IsZero() {
		return false
	}
	return !now.Add(window).Before(c.Expiration)
}

// Source retrieves the current credential from its origin.
type Source interface {
	Retrieve(ctx context.Context) (*Credential, error)
}

type StaticSource struct {
	Credential Credential
}

func (s StaticSource) Retrieve(ctx context.Context) (*Credential, error) {
	cred := s.Credential
	return &cred, nil
}

// EnvSource reads <Prefix>_ACCESS_KEY_ID, <Prefix>_SECRET_ACCESS_KEY and
// the optional <Prefix>_SESSION_TOKEN.
type EnvSource struct {
	Prefix string
}

func (s EnvSource) Retrieve(ctx context.Context) (*Credential, error) {
	prefix := strings.TrimSuffix(s.Prefix, "_")
	cred := &Credential{
		AccessKeyID:     os.Getenv(prefix + "_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv(prefix + "_SECRET_ACCESS_KEY"),
		SessionToken:    os.Getenv(prefix + "_SESSION_TOKEN"),
	}
	if cred.AccessKeyID == "" || cred.SecretAccessKey == "" {
		return nil, fmt.Errorf("env %s_ACCESS_KEY_ID or %s_SECRET_ACCESS_KEY not set", prefix, prefix)
	}
	return cred, nil
}

// FileSource re-reads a JSON credential file on every retrieve, so an
// external agent may rotate it in place.
type FileSource struct {
	Path string
}

func (s FileSource) Retrieve(ctx context.Context) (*Credential, error) {
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read credential file %s failed: %w", s.Path, err)
	}
	cred := &Credential{}
	if err = json.Unmarshal(raw, cred); err != nil {
		return nil, fmt.Errorf("parse credential file %s failed: %w", s.Path, err)
	}
	if cred.AccessKeyID == "" || cred.SecretAccessKey == "" {
		return nil, fmt.Errorf("credential file %s has no access key", s.Path)
	}
	return cred, nil
}

// NewSource builds the source configured for a storage. A nil config
// falls back to the static pair given by the backend section.
func NewSource(cfg *config.Credential, fallback Credential) (Source, error) {
	if cfg == nil {
		return StaticSource{Credential: fallback}, nil
	}
	switch cfg.Type {
	case config.StaticCredential:
		return StaticSource{Credential: Credential{AccessKeyID: cfg.AccessKey, SecretAccessKey: cfg.SecretKey, SessionToken: cfg.Token}}, nil
	case config.EnvCredential:
		return EnvSource{Prefix: cfg.EnvPrefix}, nil
	case config.FileCredential:
		return FileSource{Path: cfg.File}, nil
	default:
		return nil, fmt.Errorf("unknown credential type %s", cfg.Type)
	}
}
