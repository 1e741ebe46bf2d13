// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// LiveStreamer - FFmpeg 直播推流调度工具

package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// NewRouter mounts the handler under /api/v1. metrics may be nil.
func NewRouter(h *Handler, metrics http.Handler, log zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), cors.Default(), accessLog(log))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}

	v1 := r.Group("/api/v1")
	{
		v1.GET("/streams", h.ListStreams)
		v1.POST("/streams", h.CreateStream)
		v1.GET("/streams/:id", h.GetStream)
		v1.PUT("/streams/:id", h.UpdateStream)
		v1.PUT("/streams/:id/recurring", h.SetRecurring)
		v1.PUT("/streams/:id/command", h.Command)
		v1.GET("/streams/:id/state", h.GetState)
		v1.GET("/streams/:id/report", h.GetReport)
	}

	return r
}

func accessLog(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		ev := log.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = log.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("http request")
	}
}
