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

package config

import (
	"fmt"
	"os"
	"path"
	"regexp"
)

var (
	storageIDPattern = "^[a-zA-Z][a-zA-Z0-9-_.]{2,31}$"
	storageIDRegexp  = regexp.MustCompile(storageIDPattern)
)

const minSecretLength = 16

type verifier func(config *Config) error

var verifiers = []verifier{
	setDefaultValue,
	checkApiConfig,
	checkFuseConfig,
	checkWebdavConfig,
	checkStorageConfig,
	checkCacheConfig,
	checkStreamConfig,
}

// Verify fills defaults and validates cfg in place.
func Verify(cfg *Config) error {
	for _, f := range verifiers {
		if err := f(cfg); err != nil {
			return err
		}
	}
	return nil
}

func setDefaultValue(config *Config) error {
	if config.FS == nil {
		config.FS = defaultFsConfig()
	}
	if config.FS.FileMode == 0 {
		config.FS.FileMode = defaultFileMode
	}
	if config.FS.DirMode == 0 {
		config.FS.DirMode = defaultDirMode
	}
	if config.FS.RemoteTimeout == 0 {
		config.FS.RemoteTimeout = defaultRemoteTimeout
	}
	if config.FS.UploadParallel == 0 {
		config.FS.UploadParallel = defaultUploadParallel
	}

	c := &config.Cache
	if c.Dir == "" {
		c.Dir = path.Join(LocalUserPath(), defaultCacheDir)
	}
	if c.Timeout == 0 {
		c.Timeout = defaultCacheTimeout
	}
	if c.HighThreshold == 0 {
		c.HighThreshold = defaultHighThreshold
	}
	if c.LowThreshold == 0 {
		c.LowThreshold = defaultLowThreshold
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.MaxEviction == 0 {
		c.MaxEviction = defaultMaxEviction
	}

	s := &config.Stream
	if s.BlockSize == 0 {
		s.BlockSize = defaultBlockSize
	}
	if s.BufferSize == 0 {
		s.BufferSize = defaultStreamBuffer
	}
	return nil
}

func checkApiConfig(config *Config) error {
	aCfg := config.Api
	if !aCfg.Enable {
		return nil
	}
	if aCfg.Host == "" || aCfg.Port == 0 {
		return fmt.Errorf("api.host or api.port not config")
	}
	if aCfg.Secret != "" && len(aCfg.Secret) < minSecretLength {
		return fmt.Errorf("api.secret must be at least %d characters", minSecretLength)
	}
	return nil
}

func checkFuseConfig(config *Config) error {
	fCfg := config.FUSE
	if !fCfg.Enable {
		return nil
	}
	_, err := os.Stat(fCfg.RootPath)
	if err != nil {
		return fmt.Errorf("check fuse.root_path error: %s", err)
	}
	return nil
}

func checkWebdavConfig(config *Config) error {
	wCfg := config.Webdav
	if wCfg == nil || !wCfg.Enable {
		return nil
	}
	if wCfg.Host == "" || wCfg.Port == 0 {
		return fmt.Errorf("webdav.host or webdav.port not config")
	}

	if len(wCfg.OverwriteUsers) == 0 {
		return fmt.Errorf("webdav.overwrite_users not config")
	}
	return nil
}

func checkStorageConfig(config *Config) error {
	sConfig := config.Storage
	if sConfig.ID == "" {
		return fmt.Errorf("storage.id is empty")
	}
	if !storageIDRegexp.MatchString(sConfig.ID) {
		return fmt.Errorf("storage.id must match %s", storageIDPattern)
	}
	if sConfig.Credential != nil {
		if err := checkCredentialConfig(*sConfig.Credential); err != nil {
			return err
		}
	}
	hasCredential := sConfig.Credential != nil

	switch sConfig.Type {
	case MemoryStorage:
	case LocalStorage:
		if sConfig.LocalDir == "" {
			return fmt.Errorf("local path is empty")
		}
	case S3Storage:
		cfg := sConfig.S3
		if cfg == nil {
			return fmt.Errorf("s3 is nil")
		}
		if cfg.Region == "" {
			return fmt.Errorf("s3 config region is empty")
		}
		if !hasCredential && (cfg.AccessKeyID == "" || cfg.SecretAccessKey == "") {
			return fmt.Errorf("s3 config access_key_id or secret_access_key is empty")
		}
		if cfg.BucketName == "" {
			return fmt.Errorf("s3 config bucket_name is empty")
		}
	case MinioStorage:
		cfg := sConfig.MinIO
		if cfg == nil {
			return fmt.Errorf("minio is nil")
		}
		if cfg.Endpoint == "" {
			return fmt.Errorf("minio config endpoint is empty")
		}
		if !hasCredential && (cfg.AccessKeyID == "" || cfg.SecretAccessKey == "") {
			return fmt.Errorf("minio config access_key_id or secret_access_key is empty")
		}
	case OSSStorage:
		cfg := sConfig.OSS
		if cfg == nil {
			return fmt.Errorf("OSS config is nil")
		}
		if cfg.Endpoint == "" {
			return fmt.Errorf("OSS config endpoint is empty")
		}
		if !hasCredential && (cfg.AccessKeyID == "" || cfg.AccessKeySecret == "") {
			return fmt.Errorf("OSS config access_key_id or access_key_secret is empty")
		}
	case WebdavStorage:
		cfg := sConfig.Webdav
		if cfg == nil {
			return fmt.Errorf("webdav config is nil")
		}
		if cfg.ServerURL == "" {
			return fmt.Errorf("webdav config server_url is empty")
		}
	default:
		return fmt.Errorf("unknown storage type %s", sConfig.Type)
	}
	return nil
}

func checkCredentialConfig(c Credential) error {
	switch c.Type {
	case StaticCredential:
		if c.AccessKey == "" {
			return fmt.Errorf("credential.access_key is empty")
		}
	case EnvCredential:
	case FileCredential:
		if c.File == "" {
			return fmt.Errorf("credential.file is empty")
		}
	default:
		return fmt.Errorf("unknown credential type %s", c.Type)
	}
	return nil
}

func checkCacheConfig(config *Config) error {
	c := config.Cache
	if c.HighThreshold <= 0 || c.HighThreshold > 100 {
		return fmt.Errorf("cache.high_threshold must in (0, 100]")
	}
	if c.LowThreshold <= 0 || c.LowThreshold > c.HighThreshold {
		return fmt.Errorf("cache.low_threshold must in (0, high_threshold]")
	}
	if c.Size < 0 || c.AttrCapacity < 0 || c.MaxEviction < 0 {
		return fmt.Errorf("cache.size, cache.attr_capacity and cache.max_eviction must not be negative")
	}
	return nil
}

func checkStreamConfig(config *Config) error {
	s := config.Stream
	if !s.Enable {
		return nil
	}
	if s.BlockSize <= 0 {
		return fmt.Errorf("stream.block_size must be positive")
	}
	if s.MaxBlocksPerFile < 0 {
		return fmt.Errorf("stream.max_blocks_per_file must not be negative")
	}
	return nil
}
