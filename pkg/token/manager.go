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
	"sync"
	"time"

	"github.com/bluele/gcache"
	"go.uber.org/zap"

	"github.com/basenana/blobfs/utils/logger"
)

const (
	credentialKey        = "credential"
	defaultCacheTime     = time.Minute * 10
	defaultRefreshWindow = time.Minute * 5
)

// Manager caches the credential of one source and refreshes it ahead of
// its expiration. Backends share one manager per storage.
type Manager struct {
	source Source
	cache  gcache.Cache
	window time.Duration
	mux    sync.Mutex
	logger *zap.SugaredLogger
}

func NewManager(source Source) *Manager {
	return &Manager{
		source: source,
		cache:  gcache.New(1).LRU().Build(),
		window: defaultRefreshWindow,
		logger: logger.NewLogger("tokenManager"),
	}
}

func (m *Manager) Credential(ctx context.Context) (*Credential, error) {
	if cred, ok := m.cached(); ok {
		return cred, nil
	}

	m.mux.Lock()
	defer m.mux.Unlock()
	if cred, ok := m.cached(); ok {
		return cred, nil
	}

	cred, err := m.source.Retrieve(ctx)
	if err != nil {
		m.logger.Errorw("retrieve credential failed", "err", err)
		return nil, err
	}

	ttl := defaultCacheTime
	if !cred.Expiration.IsZero() {
		if until := time.Until(cred.Expiration) - m.window; until < ttl {
			ttl = until
		}
	}
	if ttl > 0 {
		_ = m.cache.SetWithExpire(credentialKey, cred, ttl)
	}
	return cred, nil
}

// Invalidate forces the next call to retrieve again, e.g. after the
// store rejected the cached secret.
func (m *Manager) Invalidate() {
	m.cache.Remove(credentialKey)
}

func (m *Manager) cached() (*Credential, bool) {
	val, err := m.cache.GetIFPresent(credentialKey)
	if err != nil {
		return nil, false
	}
	cred := val.(*Credential)
	if cred.Expired(time.Now(), m.window) {
		return nil, false
	}
	return cred, true
}
