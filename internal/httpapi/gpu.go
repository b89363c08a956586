package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nanichwdry/videoexpressai/internal/logging"
	"github.com/nanichwdry/videoexpressai/internal/worker"
)

// GPUController scales the RunPod endpoint's warm worker pool.
type GPUController interface {
	Status(ctx context.Context) (worker.EndpointScale, error)
	SetWorkersMin(ctx context.Context, n int) (worker.EndpointScale, error)
}

type gpuResponse struct {
	Status     string `json:"status"`
	WorkersMin int    `json:"workers_min"`
	WorkersMax int    `json:"workers_max"`
	Message    string `json:"message,omitempty"`
}

func gpuState(ep worker.EndpointScale) string {
	if ep.WorkersMin > 0 {
		return "on"
	}
	return "off"
}

func (h *Handler) gpuStatus(c *gin.Context) {
	if !h.gpuConfigured(c, "control.gpu_status") {
		return
	}
	ep, err := h.gpu.Status(c.Request.Context())
	if err != nil {
		h.failGPU(c, "control.gpu_status", err)
		return
	}
	c.JSON(http.StatusOK, gpuResponse{Status: gpuState(ep), WorkersMin: ep.WorkersMin, WorkersMax: ep.WorkersMax})
}

func (h *Handler) gpuOn(c *gin.Context) {
	h.scaleGPU(c, "control.gpu_on", 1, "on", "GPU enabled - ready for inference")
}

func (h *Handler) gpuOff(c *gin.Context) {
	h.scaleGPU(c, "control.gpu_off", 0, "off", "GPU disabled - no idle costs")
}

// gpuEmergencyOff is gpuOff with a response that tells the operator what
// to do by hand when the API call fails.
func (h *Handler) gpuEmergencyOff(c *gin.Context) {
	const event = "control.gpu_emergency_off"
	if !h.gpuConfigured(c, event) {
		return
	}
	ep, err := h.gpu.SetWorkersMin(c.Request.Context(), 0)
	if err != nil {
		logging.Audit(h.log, "error", event, requestID(c), map[string]any{
			"status_code": http.StatusBadGateway,
			"cause":       err.Error(),
		})
		c.JSON(http.StatusBadGateway, gin.H{
			"status":          "error",
			"error":           "Emergency shutdown failed: " + err.Error(),
			"action_required": "Manually disable endpoint in RunPod dashboard",
		})
		return
	}
	logging.Audit(h.log, "warn", event, requestID(c), map[string]any{
		"status_code": http.StatusOK,
		"workers_min": ep.WorkersMin,
	})
	c.JSON(http.StatusOK, gpuResponse{
		Status:     "emergency_off",
		WorkersMin: ep.WorkersMin,
		WorkersMax: ep.WorkersMax,
		Message:    "Emergency shutdown complete",
	})
}

func (h *Handler) scaleGPU(c *gin.Context, event string, workersMin int, status, message string) {
	if !h.gpuConfigured(c, event) {
		return
	}
	ep, err := h.gpu.SetWorkersMin(c.Request.Context(), workersMin)
	if err != nil {
		h.failGPU(c, event, err)
		return
	}
	logging.Audit(h.log, "info", event, requestID(c), map[string]any{
		"status_code": http.StatusOK,
		"workers_min": ep.WorkersMin,
		"workers_max": ep.WorkersMax,
	})
	c.JSON(http.StatusOK, gpuResponse{Status: status, WorkersMin: ep.WorkersMin, WorkersMax: ep.WorkersMax, Message: message})
}

func (h *Handler) gpuConfigured(c *gin.Context, event string) bool {
	if h.gpu == nil {
		h.fail(c, event, http.StatusServiceUnavailable, "GPU control not configured", nil)
		return false
	}
	return true
}

func (h *Handler) failGPU(c *gin.Context, event string, err error) {
	fields := map[string]any{"cause": err.Error()}
	if errors.Is(err, worker.ErrEndpointNotFound) {
		h.fail(c, event, http.StatusNotFound, "Endpoint not found", fields)
		return
	}
	h.fail(c, event, http.StatusBadGateway, "RunPod API error", fields)
}
