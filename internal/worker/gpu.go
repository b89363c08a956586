package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const DefaultGraphQLURL = "https://api.runpod.io/graphql"

var ErrEndpointNotFound = errors.New("runpod endpoint not found")

// GraphQLError carries the messages of a GraphQL "errors" array.
type GraphQLError struct {
	Messages []string
}

func (e *GraphQLError) Error() string {
	return "graphql: " + strings.Join(e.Messages, "; ")
}

type GPUConfig struct {
	GraphQLURL string
	APIKey     string
	EndpointID string
	Timeout    time.Duration
	Client     *http.Client
}

// EndpointScale is the scaling state of a serverless endpoint. A
// WorkersMin above zero keeps a GPU warm and billed.
type EndpointScale struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	GPUIDs     string `json:"gpuIds"`
	TemplateID string `json:"templateId"`
	WorkersMin int    `json:"workersMin"`
	WorkersMax int    `json:"workersMax"`
}

// GPUControl scales one RunPod endpoint through the account GraphQL API.
type GPUControl struct {
	url        string
	apiKey     string
	endpointID string
	client     *http.Client
}

func NewGPUControl(cfg GPUConfig) (*GPUControl, error) {
	if strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.EndpointID) == "" {
		return nil, ErrNotConfigured
	}
	u := strings.TrimSpace(cfg.GraphQLURL)
	if u == "" {
		u = DefaultGraphQLURL
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &GPUControl{
		url:        u,
		apiKey:     cfg.APIKey,
		endpointID: strings.TrimSpace(cfg.EndpointID),
		client:     client,
	}, nil
}

const endpointsQuery = `query Endpoints { myself { endpoints { id gpuIds name templateId workersMin workersMax } } }`

const saveEndpointMutation = `mutation saveEndpoint($input: SaveEndpointInput!) { saveEndpoint(input: $input) { id workersMin workersMax } }`

// Status reads the current scaling of the configured endpoint.
func (g *GPUControl) Status(ctx context.Context) (EndpointScale, error) {
	var out struct {
		Myself struct {
			Endpoints []EndpointScale `json:"endpoints"`
		} `json:"myself"`
	}
	if err := g.do(ctx, endpointsQuery, nil, &out); err != nil {
		return EndpointScale{}, err
	}
	for _, ep := range out.Myself.Endpoints {
		if ep.ID == g.endpointID {
			return ep, nil
		}
	}
	return EndpointScale{}, fmt.Errorf("%w: %s", ErrEndpointNotFound, g.endpointID)
}

// SetWorkersMin saves the endpoint with a new minimum worker count. The
// mutation replaces the whole endpoint, so the other fields are read first.
func (g *GPUControl) SetWorkersMin(ctx context.Context, n int) (EndpointScale, error) {
	if n < 0 {
		return EndpointScale{}, fmt.Errorf("workers min must not be negative, got %d", n)
	}
	current, err := g.Status(ctx)
	if err != nil {
		return EndpointScale{}, err
	}
	input := map[string]any{
		"id":         current.ID,
		"gpuIds":     current.GPUIDs,
		"name":       current.Name,
		"templateId": current.TemplateID,
		"workersMax": current.WorkersMax,
		"workersMin": n,
	}
	var out struct {
		SaveEndpoint struct {
			ID         string `json:"id"`
			WorkersMin int    `json:"workersMin"`
			WorkersMax int    `json:"workersMax"`
		} `json:"saveEndpoint"`
	}
	if err := g.do(ctx, saveEndpointMutation, map[string]any{"input": input}, &out); err != nil {
		return EndpointScale{}, err
	}
	current.WorkersMin = out.SaveEndpoint.WorkersMin
	current.WorkersMax = out.SaveEndpoint.WorkersMax
	return current, nil
}

func (g *GPUControl) do(ctx context.Context, query string, variables map[string]any, out any) error {
	body := map[string]any{"query": query}
	if variables != nil {
		body["variables"] = variables
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("graphql: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &HTTPError{Op: "graphql", StatusCode: resp.StatusCode, Body: readLimitedBody(resp.Body)}
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&envelope); err != nil {
		return fmt.Errorf("%w: graphql: %v", ErrInvalidResponse, err)
	}
	if len(envelope.Errors) > 0 {
		gqlErr := &GraphQLError{}
		for _, e := range envelope.Errors {
			gqlErr.Messages = append(gqlErr.Messages, e.Message)
		}
		return gqlErr
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return fmt.Errorf("%w: graphql: data missing", ErrInvalidResponse)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("%w: graphql: %v", ErrInvalidResponse, err)
	}
	return nil
}
