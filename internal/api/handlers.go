// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// LiveStreamer - FFmpeg 直播推流调度工具

package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ZSC714725/livestreamer/internal/process"
	"github.com/ZSC714725/livestreamer/internal/stream"
	"github.com/ZSC714725/livestreamer/internal/supervisor"
)

// Streams is the stream CRUD the handlers need.
type Streams interface {
	Create(ctx context.Context, cfg *stream.Config) error
	Get(ctx context.Context, id string) (*stream.Config, error)
	List(ctx context.Context) ([]*stream.Config, error)
	Update(ctx context.Context, cfg *stream.Config) error
	SetRecurringEnabled(ctx context.Context, id string, enabled bool) (*stream.Config, error)
}

// Controller starts and stops streams on demand.
type Controller interface {
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id, reason string) error
	RuntimeStatus(ctx context.Context, id string) (supervisor.RuntimeStatus, error)
	Report(id string) []process.Line
}

// Handler holds dependencies
type Handler struct {
	streams Streams
	ctl     Controller
}

// NewHandler creates API handler
func NewHandler(streams Streams, ctl Controller) *Handler {
	return &Handler{streams: streams, ctl: ctl}
}

func errResp(c *gin.Context, code int, msg, detail string) {
	c.JSON(code, ErrorResponse{Code: code, Message: msg, Detail: detail})
}

// fail maps domain errors onto HTTP codes.
func fail(c *gin.Context, msg string, err error) {
	switch {
	case errors.Is(err, stream.ErrNotFound):
		errResp(c, http.StatusNotFound, "Unknown stream ID", err.Error())
	case errors.Is(err, stream.ErrInvalidConfig), errors.Is(err, stream.ErrMediaNotFound):
		errResp(c, http.StatusBadRequest, msg, err.Error())
	case errors.Is(err, stream.ErrStreamExists), errors.Is(err, stream.ErrAlreadyRunning), errors.Is(err, stream.ErrStreamLive):
		errResp(c, http.StatusConflict, msg, err.Error())
	default:
		errResp(c, http.StatusInternalServerError, msg, err.Error())
	}
}

// CreateStream POST /api/v1/streams
func (h *Handler) CreateStream(c *gin.Context) {
	var req StreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errResp(c, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}

	cfg := requestToConfig(&req)
	if err := h.streams.Create(c.Request.Context(), cfg); err != nil {
		fail(c, "Invalid config", err)
		return
	}

	c.JSON(http.StatusCreated, cfg)
}

// ListStreams GET /api/v1/streams
func (h *Handler) ListStreams(c *gin.Context) {
	all, err := h.streams.List(c.Request.Context())
	if err != nil {
		fail(c, "List failed", err)
		return
	}
	c.JSON(http.StatusOK, all)
}

// GetStream GET /api/v1/streams/:id
func (h *Handler) GetStream(c *gin.Context) {
	cfg, err := h.streams.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, "Get failed", err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// UpdateStream PUT /api/v1/streams/:id
func (h *Handler) UpdateStream(c *gin.Context) {
	var req StreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errResp(c, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}

	cfg := requestToConfig(&req)
	cfg.ID = c.Param("id")
	if cfg.ScheduleType == "" {
		cfg.ScheduleType = stream.ScheduleOnce
	}

	ctx := c.Request.Context()
	if err := h.streams.Update(ctx, cfg); err != nil {
		fail(c, "Update failed", err)
		return
	}
	updated, err := h.streams.Get(ctx, cfg.ID)
	if err != nil {
		fail(c, "Get failed", err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// SetRecurring PUT /api/v1/streams/:id/recurring
func (h *Handler) SetRecurring(c *gin.Context) {
	var req RecurringRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errResp(c, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}

	cfg, err := h.streams.SetRecurringEnabled(c.Request.Context(), c.Param("id"), *req.Enabled)
	if err != nil {
		fail(c, "Toggle failed", err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// Command PUT /api/v1/streams/:id/command
func (h *Handler) Command(c *gin.Context) {
	id := c.Param("id")

	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errResp(c, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}

	ctx := c.Request.Context()
	var err error
	switch req.Command {
	case "start":
		err = h.ctl.Start(ctx, id)
	case "stop":
		if _, err = h.streams.Get(ctx, id); err == nil {
			err = h.ctl.Stop(ctx, id, supervisor.ReasonUser)
		}
	default:
		errResp(c, http.StatusBadRequest, "Unknown command", "Known: start, stop")
		return
	}

	if err != nil {
		fail(c, "Command failed", err)
		return
	}

	c.JSON(http.StatusOK, "OK")
}

// GetState GET /api/v1/streams/:id/state
func (h *Handler) GetState(c *gin.Context) {
	rs, err := h.ctl.RuntimeStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, "State failed", err)
		return
	}
	c.JSON(http.StatusOK, rs)
}

// GetReport GET /api/v1/streams/:id/report
func (h *Handler) GetReport(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.streams.Get(c.Request.Context(), id); err != nil {
		fail(c, "Report failed", err)
		return
	}

	lines := h.ctl.Report(id)
	report := StreamReport{Log: make([][2]string, len(lines))}
	for i, line := range lines {
		report.Log[i] = [2]string{
			line.Timestamp.Format("2006-01-02 15:04:05.000"),
			line.Data,
		}
	}

	c.JSON(http.StatusOK, report)
}
