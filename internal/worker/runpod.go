package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

type BreakerConfig struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

type RunPodConfig struct {
	Name     string
	Endpoint string
	APIKey   string
	Timeout  time.Duration
	Breaker  BreakerConfig
	Client   *http.Client
}

// RunPod talks to one RunPod serverless endpoint.
type RunPod struct {
	name     string
	endpoint string
	apiKey   string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
}

func NewRunPod(cfg RunPodConfig) (*RunPod, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" || strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrNotConfigured
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("runpod endpoint: %w", err)
	}
	name := cfg.Name
	if name == "" {
		name = "runpod"
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &RunPod{
		name:     name,
		endpoint: endpoint,
		apiKey:   cfg.APIKey,
		client:   client,
		breaker:  newBreaker(name, cfg.Breaker),
	}, nil
}

func newBreaker(name string, cfg BreakerConfig) *gobreaker.CircuitBreaker {
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = 3
	}
	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = 0.6
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= cfg.MinRequests && failureRatio >= cfg.FailureRatio
		},
		IsSuccessful: endpointHealthy,
	})
}

// endpointHealthy decides what the breaker counts against the endpoint.
// A 4xx is about one request (bad params, an unknown id), not the endpoint,
// and a canceled caller says nothing about the remote side.
func endpointHealthy(err error) bool {
	if err == nil {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode < http.StatusInternalServerError
	}
	return errors.Is(err, context.Canceled)
}

func (r *RunPod) Name() string {
	return r.name
}

type runResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type statusResponse struct {
	ID       string          `json:"id"`
	Status   string          `json:"status"`
	Progress *float64        `json:"progress"`
	Output   json.RawMessage `json:"output"`
	Error    json.RawMessage `json:"error"`
}

func (r *RunPod) Submit(ctx context.Context, jobType string, params json.RawMessage) (string, error) {
	input := map[string]any{"job_type": jobType}
	if trimmed := strings.TrimSpace(string(params)); trimmed != "" && trimmed != "null" {
		var fields map[string]any
		if err := json.Unmarshal(params, &fields); err != nil {
			return "", fmt.Errorf("submit: params must be a json object: %w", err)
		}
		for k, v := range fields {
			input[k] = v
		}
	}
	payload, err := json.Marshal(map[string]any{"input": input})
	if err != nil {
		return "", err
	}

	var out runResponse
	if err := r.call(ctx, "submit", http.MethodPost, "/run", payload, &out); err != nil {
		return "", err
	}
	id := strings.TrimSpace(out.ID)
	if id == "" {
		return "", fmt.Errorf("%w: no job id returned", ErrInvalidResponse)
	}
	return id, nil
}

func (r *RunPod) Poll(ctx context.Context, externalID string) (PollResult, error) {
	var out statusResponse
	if err := r.call(ctx, "poll", http.MethodGet, "/status/"+url.PathEscape(externalID), nil, &out); err != nil {
		return PollResult{}, err
	}
	if strings.TrimSpace(out.Status) == "" {
		return PollResult{}, fmt.Errorf("%w: status missing", ErrInvalidResponse)
	}
	res := PollResult{
		State:     NormalizeState(out.Status),
		RawStatus: out.Status,
		Output:    out.Output,
		Error:     errorText(out.Error),
	}
	if out.Progress != nil {
		p := int(*out.Progress)
		res.Progress = &p
	}
	return res, nil
}

func (r *RunPod) Cancel(ctx context.Context, externalID string) error {
	return r.call(ctx, "cancel", http.MethodPost, "/cancel/"+url.PathEscape(externalID), nil, nil)
}

func (r *RunPod) call(ctx context.Context, op, method, path string, payload []byte, out any) error {
	_, err := r.breaker.Execute(func() (interface{}, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, r.endpoint+path, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &HTTPError{Op: op, StatusCode: resp.StatusCode, Body: readLimitedBody(resp.Body)}
		}
		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidResponse, op, err)
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %v", ErrCircuitOpen, r.name, err)
	}
	return err
}

// errorText flattens the error field, which RunPod sends either as a
// string or as a structured object.
func errorText(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return trimmed
}
