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

package apis

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/basenana/blobfs/cmd/apps/apis/apitool"
	"github.com/basenana/blobfs/cmd/apps/apis/webdav"
	"github.com/basenana/blobfs/config"
	"github.com/basenana/blobfs/pkg/client"
	"github.com/basenana/blobfs/utils/logger"
)

const (
	defaultHttpTimeout = time.Minute * 30
)

type Server struct {
	engine    *gin.Engine
	client    client.Client
	apiConfig config.Api
	logger    *zap.SugaredLogger
}

func (s *Server) Handler() http.Handler {
	return apitool.MetricMiddleware("api", s.engine)
}

func (s *Server) Run(stopCh chan struct{}) {
	addr := fmt.Sprintf("%s:%d", s.apiConfig.Host, s.apiConfig.Port)
	s.logger.Infof("http server on %s", addr)

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  defaultHttpTimeout,
		WriteTimeout: defaultHttpTimeout,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil {
			if err != http.ErrServerClosed {
				s.logger.Panicw("api server down", "err", err.Error())
			}
			s.logger.Infof("api server stopped")
		}
	}()

	<-stopCh
	shutdownCtx, canF := context.WithTimeout(context.TODO(), time.Second)
	defer canF()
	_ = httpServer.Shutdown(shutdownCtx)
}

func (s *Server) Ping(gCtx *gin.Context) {
	gCtx.JSON(200, map[string]string{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func NewApiServer(c client.Client, cfg config.Config) (*Server, error) {
	apiConfig := cfg.Api
	if apiConfig.Enable && apiConfig.Port == 0 {
		return nil, fmt.Errorf("http port not set")
	}
	if apiConfig.Enable && apiConfig.Host == "" {
		apiConfig.Host = "127.0.0.1"
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine:    gin.New(),
		client:    c,
		apiConfig: apiConfig,
		logger:    logger.NewLogger("api"),
	}
	s.engine.Use(gin.Recovery())

	s.engine.GET("/_ping", s.Ping)

	if apiConfig.Metrics {
		s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	if apiConfig.Pprof {
		pprof.Register(s.engine)
	}

	cache := s.engine.Group("/cache", apitool.BearerAuth(apiConfig.Secret))
	cache.GET("/stats", s.CacheStats)
	cache.POST("/invalidate", s.InvalidateCache)
	cache.POST("/clean", s.CleanCache)

	return s, nil
}

func NewWebdavServer(c client.Client, cfg config.Config) (*webdav.Webdav, error) {
	if cfg.Webdav == nil || !cfg.Webdav.Enable {
		return nil, fmt.Errorf("webdav not enable")
	}
	return webdav.NewWebdavServer(c, *cfg.Webdav)
}

// Setup starts the enabled http servers, they stop with stopCh.
func Setup(c client.Client, cfg config.Config, stopCh chan struct{}) error {
	if cfg.Api.Enable {
		s, err := NewApiServer(c, cfg)
		if err != nil {
			return err
		}
		go s.Run(stopCh)
	}
	if cfg.Webdav != nil && cfg.Webdav.Enable {
		w, err := NewWebdavServer(c, cfg)
		if err != nil {
			return err
		}
		go w.Run(stopCh)
	}
	return nil
}
