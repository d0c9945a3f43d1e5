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
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/basenana/blobfs/cmd/apps/apis/apitool"
	"github.com/basenana/blobfs/pkg/types"
)

func (s *Server) CacheStats(gCtx *gin.Context) {
	gCtx.JSON(http.StatusOK, s.client.Stats())
}

func (s *Server) InvalidateCache(gCtx *gin.Context) {
	path := gCtx.Query("path")
	recursive, _ := strconv.ParseBool(gCtx.DefaultQuery("recursive", "false"))
	s.client.InvalidateCache(path, recursive)
	s.logger.Infow("cache invalidated", "path", path, "recursive", recursive, "operator", apitool.GetOperator(gCtx))
	gCtx.JSON(http.StatusOK, gin.H{"path": types.CleanPath(path), "recursive": recursive})
}

func (s *Server) CleanCache(gCtx *gin.Context) {
	if err := s.client.CleanCache(); err != nil {
		if errors.Is(err, types.ErrConflict) {
			gCtx.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		s.logger.Errorw("clean cache failed", "err", err)
		gCtx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.logger.Infow("cache cleaned", "operator", apitool.GetOperator(gCtx))
	gCtx.JSON(http.StatusOK, gin.H{"status": "ok"})
}
