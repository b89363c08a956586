// Package worker adapts remote GPU backends to a submit/poll contract.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	StatePending   = "PENDING"
	StateCompleted = "COMPLETED"
	StateFailed    = "FAILED"

	defaultFailureMessage = "RunPod job failed"
)

var (
	ErrNotConfigured   = errors.New("worker not configured")
	ErrInvalidResponse = errors.New("invalid worker response")
	ErrCircuitOpen     = errors.New("worker circuit open")
)

// HTTPError is a non-2xx answer from a worker endpoint.
type HTTPError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: worker returned %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: worker returned %d: %s", e.Op, e.StatusCode, e.Body)
}

// PollResult is one observation of a remote job. State is one of the
// State constants; RawStatus keeps the backend's own word for it.
type PollResult struct {
	State     string
	RawStatus string
	Progress  *int
	Output    json.RawMessage
	Error     string
}

type Worker interface {
	Submit(ctx context.Context, jobType string, params json.RawMessage) (string, error)
	Poll(ctx context.Context, externalID string) (PollResult, error)
}

// Canceler is implemented by backends that accept a best-effort cancel.
type Canceler interface {
	Cancel(ctx context.Context, externalID string) error
}

// Router picks the worker for a job type, falling back to a default.
type Router struct {
	fallback Worker
	byType   map[string]Worker
}

func NewRouter(fallback Worker, byType map[string]Worker) *Router {
	r := &Router{fallback: fallback, byType: map[string]Worker{}}
	for t, w := range byType {
		if w == nil {
			continue
		}
		r.byType[strings.ToUpper(strings.TrimSpace(t))] = w
	}
	return r
}

func (r *Router) For(jobType string) (Worker, error) {
	if r == nil {
		return nil, ErrNotConfigured
	}
	if w, ok := r.byType[strings.ToUpper(strings.TrimSpace(jobType))]; ok {
		return w, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%w for job type %s", ErrNotConfigured, jobType)
}

// Configured reports whether any worker is reachable.
func (r *Router) Configured() bool {
	return r != nil && (r.fallback != nil || len(r.byType) > 0)
}

// NormalizeState maps backend status words onto the State constants.
func NormalizeState(raw string) string {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "COMPLETED":
		return StateCompleted
	case "FAILED", "CANCELLED", "CANCELED", "TIMED_OUT":
		return StateFailed
	default:
		return StatePending
	}
}

// FailureMessage returns the worker's error text or a generic one.
func (p PollResult) FailureMessage() string {
	if msg := strings.TrimSpace(p.Error); msg != "" {
		return msg
	}
	return defaultFailureMessage
}

// ExtractOutputURL finds the primary artifact locator in a worker output.
// It accepts a bare string or an object carrying video_url, audio_url or
// output_url, checked in that order. An empty string means no output.
func ExtractOutputURL(output json.RawMessage) string {
	trimmed := strings.TrimSpace(string(output))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	var bare string
	if err := json.Unmarshal(output, &bare); err == nil {
		return strings.TrimSpace(bare)
	}
	var fields map[string]any
	if err := json.Unmarshal(output, &fields); err != nil {
		return ""
	}
	for _, key := range []string{"video_url", "audio_url", "output_url"} {
		if v, ok := fields[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
