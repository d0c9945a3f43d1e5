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

package fuse

import (
	"os/exec"
	"runtime"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/basenana/blobfs/config"
	"github.com/basenana/blobfs/pkg/client"
	"github.com/basenana/blobfs/utils/logger"
)

const (
	fsName = "blobfs"
)

type BlobFS struct {
	client.Client

	Path      string
	Display   string
	MountOpts []string

	cfg    config.FUSE
	logger *zap.SugaredLogger

	// debug will enable debug log and SingleThreaded
	debug bool
}

func (b *BlobFS) Start(stopCh chan struct{}) error {
	opt := b.options()

	rawFs := fs.NewNodeFS(b.Root(), opt)
	server, err := fuse.NewServer(rawFs, b.Path, &opt.MountOptions)
	if err != nil {
		return err
	}
	server.SetDebug(b.cfg.VerboseLog)

	go server.Serve()

	go func() {
		<-stopCh
		b.umount(server)
	}()

	waitMount := func() error {
		var (
			timeout = time.NewTimer(time.Minute)
			finish  = make(chan struct{})
		)
		defer timeout.Stop()
		go func() {
			b.logger.Infow("waiting mount finish")
			select {
			case <-timeout.C:
				if err = server.Unmount(); err != nil {
					b.logger.Errorw("mount timeout and clean mount point failed", "err", err.Error())
				}
				b.logger.Panicw("wait mount timeout")
			case <-finish:
				b.logger.Infow("fuse mounted")
				return
			}
		}()
		if err := server.WaitMount(); err != nil {
			return err
		}
		close(finish)
		return nil
	}
	return waitMount()
}

func (b *BlobFS) options() *fs.Options {
	mountOpts := fsMountOptions(b.Display, b.MountOpts)
	if b.cfg.ReadOnly {
		mountOpts = append(mountOpts, "ro")
	}
	opt := &fs.Options{
		MountOptions: fuse.MountOptions{
			AllowOther:     true,
			FsName:         fsName,
			Name:           fsName,
			Options:        mountOpts,
			SingleThreaded: b.debug,
		},
		Logger: logger.NewFuseLogger(),
	}

	if b.cfg.EntryTimeout != nil {
		entryTimeout := time.Duration(*b.cfg.EntryTimeout) * time.Second
		opt.EntryTimeout = &entryTimeout
	}
	if b.cfg.AttrTimeout != nil {
		attrTimeout := time.Duration(*b.cfg.AttrTimeout) * time.Second
		opt.AttrTimeout = &attrTimeout
	}
	return opt
}

func (b *BlobFS) SetDebug(debug bool) {
	b.logger.Warn("enable debug mode")
	b.debug = debug
}

// Root builds the node of the store root, child nodes are created on lookup.
func (b *BlobFS) Root() *BlobNode {
	return b.newFsNode("")
}

func (b *BlobFS) newFsNode(path string) *BlobNode {
	return &BlobNode{
		R:      b,
		path:   path,
		logger: b.logger.With(zap.String("path", path)),
	}
}

func (b *BlobFS) umount(server *fuse.Server) {
	b.logger.Infof("umount %s", b.Path)
	err := server.Unmount()
	if err == nil {
		return
	}

	b.logger.Errorw("umount failed, try again ", "err", err)
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("umount", "-f", b.Path)
	case "linux":
		cmd = exec.Command("umount", "-l", b.Path)
	default:
		return
	}

	if err := cmd.Run(); err != nil {
		b.logger.Errorw("umount failed", "err", err.Error())
	}
	b.logger.Info("umount finish")
}

func NewBlobFsRoot(c client.Client, cfg config.FUSE) (*BlobFS, error) {
	var st syscall.Stat_t
	err := syscall.Stat(cfg.RootPath, &st)
	if err != nil {
		return nil, err
	}

	if cfg.DisplayName == "" {
		cfg.DisplayName = fsName
	}

	bfs := &BlobFS{
		Client:    c,
		Path:      cfg.RootPath,
		Display:   cfg.DisplayName,
		MountOpts: cfg.MountOptions,
		cfg:       cfg,
		logger:    logger.NewLogger("fuse"),
	}

	return bfs, nil
}

func Run(stopCh chan struct{}, c client.Client, cfg config.FUSE, debug bool) error {
	if !cfg.Enable {
		return nil
	}
	fsServer, err := NewBlobFsRoot(c, cfg)
	if err != nil {
		return err
	}
	if debug {
		fsServer.SetDebug(debug)
	}
	return fsServer.Start(stopCh)
}
