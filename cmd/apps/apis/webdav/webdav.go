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

package webdav

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime/trace"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/webdav"

	"github.com/basenana/blobfs/cmd/apps/apis/apitool"
	"github.com/basenana/blobfs/config"
	"github.com/basenana/blobfs/pkg/client"
	"github.com/basenana/blobfs/pkg/types"
	"github.com/basenana/blobfs/utils/logger"
)

type Webdav struct {
	cfg     config.Webdav
	handler http.Handler
	logger  *zap.SugaredLogger
}

func (w *Webdav) Handler() http.Handler {
	return apitool.MetricMiddleware("webdav", apitool.BasicAuthHandler(w.handler, w.cfg.OverwriteUsers))
}

func (w *Webdav) Run(stopCh chan struct{}) {
	addr := fmt.Sprintf("%s:%d", w.cfg.Host, w.cfg.Port)
	w.logger.Infof("webdav server on %s", addr)

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      w.Handler(),
		ReadTimeout:  time.Hour,
		WriteTimeout: time.Hour,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil {
			if err != http.ErrServerClosed {
				w.logger.Panicw("webdav server down", "err", err.Error())
			}
			w.logger.Infof("webdav server stopped")
		}
	}()

	<-stopCh
	shutdownCtx, canF := context.WithTimeout(context.TODO(), time.Second)
	defer canF()
	_ = httpServer.Shutdown(shutdownCtx)
}

// FsOperator serves webdav.FileSystem from the client, checking the mode
// bits against the uid and gid of the authenticated user.
type FsOperator struct {
	client client.Client
	cfg    config.Webdav
	logger *zap.SugaredLogger
}

var _ webdav.FileSystem = FsOperator{}

func (o FsOperator) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	defer trace.StartRegion(ctx, "apis.webdav.Mkdir").End()
	if err := o.access(ctx, types.ParentDir(name), true); err != nil && !types.IsNotFound(err) {
		return error2FsError(err)
	}
	existed, err := o.client.Exists(ctx, name)
	if err != nil {
		return error2FsError(err)
	}
	if existed {
		return os.ErrExist
	}
	return error2FsError(o.client.CreateDirectory(ctx, name))
}

func (o FsOperator) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	defer trace.StartRegion(ctx, "apis.webdav.OpenFile").End()
	openAttr := flag2OpenAttr(flag)

	attr, err := o.client.GetAttr(ctx, name)
	switch {
	case err == nil:
		if err = o.access(ctx, name, openAttr.Write); err != nil {
			return nil, error2FsError(err)
		}
		if attr.IsDir {
			return &Dir{client: o.client, path: types.CleanPath(name), info: newInfo(attr)}, nil
		}
	case types.IsNotFound(err):
		if !openAttr.Create {
			return nil, error2FsError(err)
		}
		parent := types.ParentDir(name)
		if err = o.client.CreateDirectory(ctx, parent); err != nil {
			return nil, error2FsError(err)
		}
		if err = o.access(ctx, parent, true); err != nil {
			return nil, error2FsError(err)
		}
	default:
		return nil, error2FsError(err)
	}

	f := &File{client: o.client, path: types.CleanPath(name), attr: openAttr}
	if attr != nil {
		f.info = newInfo(attr)
		f.size = attr.Size
	}
	// creation and truncation take effect even if nothing is written
	if openAttr.Write {
		if err = f.open(ctx); err != nil {
			return nil, error2FsError(err)
		}
		if f.info == nil {
			attr, err = o.client.GetAttr(ctx, name)
			if err != nil {
				_ = f.Close()
				return nil, error2FsError(err)
			}
			f.info = newInfo(attr)
		}
		if openAttr.Trunc {
			f.size = 0
		}
	}
	return f, nil
}

func (o FsOperator) RemoveAll(ctx context.Context, name string) error {
	defer trace.StartRegion(ctx, "apis.webdav.RemoveAll").End()
	if types.CleanPath(name) == "" {
		return os.ErrPermission
	}
	attr, err := o.client.GetAttr(ctx, name)
	if err != nil {
		if types.IsNotFound(err) {
			return nil
		}
		return error2FsError(err)
	}
	if err = o.access(ctx, types.ParentDir(name), true); err != nil {
		return error2FsError(err)
	}
	if attr.IsDir {
		return error2FsError(o.client.DeleteDirectory(ctx, name))
	}
	return error2FsError(o.client.Unlink(ctx, name))
}

func (o FsOperator) Rename(ctx context.Context, oldName, newName string) error {
	defer trace.StartRegion(ctx, "apis.webdav.Rename").End()
	if err := o.access(ctx, types.ParentDir(oldName), true); err != nil {
		return error2FsError(err)
	}
	if err := o.access(ctx, types.ParentDir(newName), true); err != nil {
		return error2FsError(err)
	}
	return error2FsError(o.client.Rename(ctx, oldName, newName, false))
}

func (o FsOperator) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	defer trace.StartRegion(ctx, "apis.webdav.Stat").End()
	attr, err := o.client.GetAttr(ctx, name)
	if err != nil {
		return nil, error2FsError(err)
	}
	return newInfo(attr), nil
}

func (o FsOperator) access(ctx context.Context, name string, write bool) error {
	userInfo := apitool.GetUserInfo(ctx)
	if userInfo == nil {
		return types.ErrNoAccess
	}
	attr, err := o.client.GetAttr(ctx, name)
	if err != nil {
		return err
	}
	if err = checkAccess(userInfo, attr, write); err != nil {
		if !errors.Is(err, types.ErrNoAccess) {
			return err
		}
		o.logger.Warnw("access denied", "user", userInfo.Username, "path", name, "write", write)
		return err
	}
	return nil
}

func NewWebdavServer(c client.Client, cfg config.Webdav) (*Webdav, error) {
	if cfg.Port == 0 {
		return nil, fmt.Errorf("http port not set")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}

	log := logger.NewLogger("webdav")
	handler := &webdav.Handler{
		FileSystem: FsOperator{client: c, cfg: cfg, logger: log},
		LockSystem: webdav.NewMemLS(),
		Logger:     logger.InitWebdavLogger().Handle,
	}
	return &Webdav{cfg: cfg, handler: handler, logger: log}, nil
}
