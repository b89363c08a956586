// Package httpapi exposes the job engine over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nanichwdry/videoexpressai/internal/engine"
	"github.com/nanichwdry/videoexpressai/internal/job"
	"github.com/nanichwdry/videoexpressai/internal/logging"
	"github.com/nanichwdry/videoexpressai/internal/store"
)

const (
	authHeaderName      = "X-API-Token"
	requestIDHeaderName = "X-Request-ID"
	requestIDKey        = "request_id"
)

// Service is the engine surface the handlers use.
type Service interface {
	CreateJob(ctx context.Context, req job.CreateJobRequest) (job.Job, error)
	CreateStitchJob(ctx context.Context, req job.StitchRequest) (job.Job, error)
	GetJob(ctx context.Context, jobID string) (job.JobView, error)
	ListJobs(ctx context.Context, limit int) ([]job.JobSummary, error)
	CancelJob(ctx context.Context, jobID string) (job.CancelJobResponse, error)
	DeleteJob(ctx context.Context, jobID string) (job.DeleteJobResponse, error)
	WorkersConfigured() bool
}

type Handler struct {
	svc Service
	gpu GPUController
	log *logrus.Entry
}

// NewRouter builds the gin engine. An empty token disables auth; /health is
// always open. A nil gpu answers the /gpu routes with 503.
func NewRouter(svc Service, gpu GPUController, apiToken string, logger *logrus.Logger) *gin.Engine {
	h := &Handler{svc: svc, gpu: gpu, log: logging.Component(logger, "control_plane")}

	r := gin.New()
	r.Use(gin.Recovery(), withRequestID())
	r.GET("/health", h.health)

	api := r.Group("/", withAuth(apiToken, h.log))
	api.POST("/jobs", h.createJob)
	api.GET("/jobs", h.listJobs)
	api.GET("/jobs/:id", h.getJob)
	api.POST("/jobs/:id/cancel", h.cancelJob)
	api.DELETE("/jobs/:id", h.deleteJob)
	api.POST("/timeline/stitch", h.stitch)
	api.GET("/gpu/status", h.gpuStatus)
	api.POST("/gpu/on", h.gpuOn)
	api.POST("/gpu/off", h.gpuOff)
	api.POST("/gpu/emergency-off", h.gpuEmergencyOff)
	return r
}

func withRequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.GetHeader(requestIDHeaderName))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(requestIDKey, requestID)
		c.Header(requestIDHeaderName, requestID)
		c.Next()
	}
}

func withAuth(token string, log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.TrimSpace(token) != "" && c.GetHeader(authHeaderName) != token {
			logging.Audit(log, "warn", "control.auth", requestID(c), map[string]any{
				"status_code": http.StatusUnauthorized,
				"path":        c.FullPath(),
			})
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func requestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "runpod_connected": h.svc.WorkersConfigured()})
}

func (h *Handler) createJob(c *gin.Context) {
	rid := requestID(c)
	var req job.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, "control.jobs_create", http.StatusBadRequest, "invalid json", nil)
		return
	}
	created, err := h.svc.CreateJob(c.Request.Context(), req)
	if err != nil {
		h.failErr(c, "control.jobs_create", err, map[string]any{"type": req.Type})
		return
	}
	logging.Audit(h.log, "info", "control.jobs_create", rid, map[string]any{
		"status_code": http.StatusCreated,
		"job_id":      created.ID,
		"type":        created.Type,
	})
	c.JSON(http.StatusCreated, job.CreateJobResponse{
		JobID:     created.ID,
		Status:    created.Status,
		CreatedAt: job.FormatTime(created.CreatedAt),
	})
}

func (h *Handler) stitch(c *gin.Context) {
	var req job.StitchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, "control.timeline_stitch", http.StatusBadRequest, "invalid json", nil)
		return
	}
	created, err := h.svc.CreateStitchJob(c.Request.Context(), req)
	if err != nil {
		h.failErr(c, "control.timeline_stitch", err, map[string]any{"clips": len(req.Clips)})
		return
	}
	logging.Audit(h.log, "info", "control.timeline_stitch", requestID(c), map[string]any{
		"status_code": http.StatusCreated,
		"job_id":      created.ID,
		"clips":       len(req.Clips),
	})
	c.JSON(http.StatusCreated, job.CreateJobResponse{JobID: created.ID, Status: created.Status})
}

func (h *Handler) listJobs(c *gin.Context) {
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.fail(c, "control.jobs_list", http.StatusBadRequest, "limit must be a positive integer", nil)
			return
		}
		limit = parsed
	}
	jobs, err := h.svc.ListJobs(c.Request.Context(), limit)
	if err != nil {
		h.failErr(c, "control.jobs_list", err, nil)
		return
	}
	logging.Audit(h.log, "debug", "control.jobs_list", requestID(c), map[string]any{
		"status_code": http.StatusOK,
		"count":       len(jobs),
	})
	c.JSON(http.StatusOK, jobs)
}

func (h *Handler) getJob(c *gin.Context) {
	jobID := strings.TrimSpace(c.Param("id"))
	view, err := h.svc.GetJob(c.Request.Context(), jobID)
	if err != nil {
		h.failErr(c, "control.job_get", err, map[string]any{"job_id": jobID})
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) cancelJob(c *gin.Context) {
	jobID := strings.TrimSpace(c.Param("id"))
	resp, err := h.svc.CancelJob(c.Request.Context(), jobID)
	if err != nil {
		h.failErr(c, "control.job_cancel", err, map[string]any{"job_id": jobID})
		return
	}
	logging.Audit(h.log, "info", "control.job_cancel", requestID(c), map[string]any{
		"status_code": http.StatusOK,
		"job_id":      jobID,
		"status":      resp.Status,
	})
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) deleteJob(c *gin.Context) {
	jobID := strings.TrimSpace(c.Param("id"))
	resp, err := h.svc.DeleteJob(c.Request.Context(), jobID)
	if err != nil {
		h.failErr(c, "control.job_delete", err, map[string]any{"job_id": jobID})
		return
	}
	logging.Audit(h.log, "info", "control.job_delete", requestID(c), map[string]any{
		"status_code":       http.StatusOK,
		"job_id":            jobID,
		"artifacts_cleaned": resp.ArtifactsCleaned,
	})
	c.JSON(http.StatusOK, resp)
}

// failErr maps service errors onto HTTP statuses.
func (h *Handler) failErr(c *gin.Context, event string, err error, fields map[string]any) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		h.fail(c, event, http.StatusNotFound, "Job not found", fields)
	case errors.Is(err, engine.ErrInvalidRequest):
		h.fail(c, event, http.StatusBadRequest, err.Error(), fields)
	case errors.Is(err, store.ErrStoreUnavailable):
		h.fail(c, event, http.StatusServiceUnavailable, "job store unavailable", fields)
	default:
		if fields == nil {
			fields = map[string]any{}
		}
		fields["cause"] = err.Error()
		h.fail(c, event, http.StatusInternalServerError, "internal error", fields)
	}
}

func (h *Handler) fail(c *gin.Context, event string, status int, msg string, fields map[string]any) {
	payload := map[string]any{"status_code": status, "error": msg}
	for k, v := range fields {
		payload[k] = v
	}
	level := "warn"
	if status >= http.StatusInternalServerError {
		level = "error"
	}
	logging.Audit(h.log, level, event, requestID(c), payload)
	c.JSON(status, gin.H{"error": msg})
}
