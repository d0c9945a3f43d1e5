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

package apps

import (
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/spf13/cobra"

	"github.com/basenana/blobfs/cmd/apps/apis"
	configapp "github.com/basenana/blobfs/cmd/apps/config"
	"github.com/basenana/blobfs/cmd/apps/fuse"
	"github.com/basenana/blobfs/config"
	"github.com/basenana/blobfs/pkg/client"
	"github.com/basenana/blobfs/pkg/storage"
	"github.com/basenana/blobfs/pkg/token"
	"github.com/basenana/blobfs/utils"
	"github.com/basenana/blobfs/utils/logger"
	"github.com/basenana/blobfs/utils/metrics"
)

var (
	tokenOperator string
	tokenTTL      time.Duration
)

func init() {
	RootCmd.AddCommand(daemonCmd)
	RootCmd.AddCommand(versionCmd)
	RootCmd.AddCommand(cacheCmd)
	RootCmd.AddCommand(tokenCmd)
	RootCmd.AddCommand(configapp.RunCmd)

	cacheCmd.AddCommand(cacheCleanCmd)
	tokenCmd.AddCommand(tokenIssueCmd)
}

var RootCmd = &cobra.Command{
	Use:   "blobfs",
	Short: "BlobFS mount server",
	Long:  `POSIX-style filesystem over blob storage with a local file cache.`,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func init() {
	defaultConfig := path.Join(config.LocalUserPath(), config.DefaultConfigBase)
	for _, c := range []*cobra.Command{daemonCmd, cacheCmd, tokenCmd} {
		c.PersistentFlags().StringVar(&config.FilePath, "config", defaultConfig, "blobfs config file")
	}
	tokenIssueCmd.Flags().StringVar(&tokenOperator, "operator", "admin", "token operator name")
	tokenIssueCmd.Flags().DurationVar(&tokenTTL, "ttl", token.AdminTokenDuration, "token lifetime, 0 never expires")
}

func loadConfig() config.Config {
	cfg, err := config.NewConfigLoader().GetConfig()
	if err != nil {
		panic(err)
	}
	if cfg.LogFile != "" {
		if err = logger.InitFileLogger(cfg.LogFile); err != nil {
			panic(err)
		}
	}
	if cfg.Debug {
		logger.SetDebug(cfg.Debug)
	}
	return cfg
}

func newClient(cfg config.Config) client.Client {
	store, err := storage.NewStorage(cfg.Storage, cfg.FS)
	if err != nil {
		panic(err)
	}
	c, err := client.New(store, cfg)
	if err != nil {
		panic(err)
	}
	return c
}

var daemonCmd = &cobra.Command{
	Use:   "serve",
	Short: "Mount the storage and start server service",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if err := metrics.InitSentry(config.VersionInfo().Version()); err != nil {
			panic(err)
		}

		c := newClient(cfg)
		stop := utils.HandleTerminalSignal()
		run(c, cfg, stop)
	},
}

func run(c client.Client, cfg config.Config, stopCh chan struct{}) {
	log := logger.NewLogger("blobfs")
	log.Infow("starting", "version", config.VersionInfo().Version(), "storage", cfg.Storage.ID)
	c.Start(stopCh)

	if err := apis.Setup(c, cfg, stopCh); err != nil {
		log.Panicw("setup api servers failed", "err", err.Error())
	}
	if err := fuse.Run(stopCh, c, cfg.FUSE, cfg.Debug); err != nil {
		log.Panicw("mount fuse failed", "err", err.Error())
	}

	log.Info("started")
	<-stopCh
	log.Info("shutdown after 5s")
	time.Sleep(time.Second * 5)
	log.Info("stopped")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "View version information",
	Run: func(cmd *cobra.Command, args []string) {
		vInfo := config.VersionInfo()
		fmt.Printf("Version: %s\n", vInfo.Version())
		fmt.Printf("GitCommit: %s\n", vInfo.Git)
		if vInfo.BuildDate != "" {
			fmt.Printf("BuildDate: %s\n", vInfo.BuildDate)
		}
		fmt.Printf("GoVersion: %s\n", vInfo.GoVersion)
	},
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "View local cache usage",
	Run: func(cmd *cobra.Command, args []string) {
		c := newClient(loadConfig())
		raw, _ := json.MarshalIndent(c.Stats(), "", "    ")
		fmt.Println(string(raw))
	},
}

var cacheCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove every local cached file, the mount must be stopped",
	Run: func(cmd *cobra.Command, args []string) {
		c := newClient(loadConfig())
		if err := c.CleanCache(); err != nil {
			fmt.Printf("clean cache failed: %s\n", err)
			return
		}
		fmt.Println("cache cleaned")
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Admin api token management",
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue an admin api token signed with api.secret",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if cfg.Api.Secret == "" {
			fmt.Println("api.secret not config, admin api is not protected")
			return
		}
		tk, err := token.IssueAdminToken(tokenOperator, tokenTTL, []byte(cfg.Api.Secret))
		if err != nil {
			fmt.Printf("issue token failed: %s\n", err)
			return
		}
		fmt.Println(tk)
	},
}
