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
	"os/user"
	"strconv"
)

const (
	S3Storage     = "s3"
	OSSStorage    = "oss"
	MinioStorage  = "minio"
	WebdavStorage = "webdav"
	LocalStorage  = "local"
	MemoryStorage = "memory"

	StaticCredential = "static"
	EnvCredential    = "env"
	FileCredential   = "file"
)

type FS struct {
	Owner          FSOwner `json:"owner,omitempty"`
	FileMode       uint32  `json:"file_mode,omitempty"`
	DirMode        uint32  `json:"dir_mode,omitempty"`
	RemoteTimeout  int     `json:"remote_timeout,omitempty"`
	RemoteRetry    int     `json:"remote_retry,omitempty"`
	UploadParallel int     `json:"upload_parallel,omitempty"`
}

type FSOwner struct {
	Uid int64 `json:"uid"`
	Gid int64 `json:"gid"`
}

type Storage struct {
	ID         string               `json:"id"`
	Type       string               `json:"type"`
	LocalDir   string               `json:"local_dir,omitempty"`
	S3         *S3Config            `json:"s3,omitempty"`
	MinIO      *MinIOConfig         `json:"minio,omitempty"`
	OSS        *OSSConfig           `json:"oss,omitempty"`
	Webdav     *WebdavStorageConfig `json:"webdav,omitempty"`
	Credential *Credential          `json:"credential,omitempty"`
}

// Credential selects where backend secrets come from. Fields inside the
// backend sections are used when no credential source is configured.
type Credential struct {
	Type      string `json:"type"`
	AccessKey string `json:"access_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty"`
	Token     string `json:"token,omitempty"`
	EnvPrefix string `json:"env_prefix,omitempty"`
	File      string `json:"file,omitempty"`
}

type S3Config struct {
	Region          string `json:"region"`
	Endpoint        string `json:"endpoint,omitempty"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	BucketName      string `json:"bucket_name"`
	UsePathStyle    bool   `json:"use_path_style"`
}

type MinIOConfig struct {
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	BucketName      string `json:"bucket_name"`
	Location        string `json:"location"`
	Token           string `json:"token"`
	UseSSL          bool   `json:"use_ssl"`
}

type OSSConfig struct {
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	AccessKeySecret string `json:"access_key_secret"`
	BucketName      string `json:"bucket_name"`
}

type WebdavStorageConfig struct {
	ServerURL string `json:"server_url"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	Insecure  bool   `json:"insecure,omitempty"`
}

func defaultFsConfig() *FS {
	fs := &FS{
		FileMode:      defaultFileMode,
		DirMode:       defaultDirMode,
		RemoteTimeout: defaultRemoteTimeout,
		RemoteRetry:   defaultRemoteRetry,
	}
	u, err := user.Current()
	if err != nil {
		return fs
	}
	fs.Owner.Uid, _ = strconv.ParseInt(u.Uid, 10, 64)
	fs.Owner.Gid, _ = strconv.ParseInt(u.Gid, 10, 64)
	return fs
}
