package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// RenderClient talks to the render farm's job API, which generates video
// clips from a keyframe plus motion parameters and merges finished clips
// into one video. Both operations are async server-side jobs:
//
//  1. POST /v1/jobs           submit, returns a job ID
//  2. GET  /v1/jobs/{id}      poll status until terminal
//
// See DDR-074: Render Farm Job API Client.
type RenderClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// Compile-time interface check.
var _ Provider = (*RenderClient)(nil)

// renderHTTPTimeout is the per-request timeout; job durations are handled by
// the poller, not the HTTP client.
const renderHTTPTimeout = 30 * time.Second

// NewRenderClient creates a render farm client.
// The API key is loaded from SSM Parameter Store or the environment at startup.
func NewRenderClient(baseURL, apiKey string) *RenderClient {
	return &RenderClient{
		httpClient: &http.Client{Timeout: renderHTTPTimeout},
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

// --- API request/response types ---

type renderJobRequest struct {
	Type  string         `json:"type"` // "clip" or "merge"
	Input renderJobInput `json:"input"`
}

type renderJobInput struct {
	FrameURL        string            `json:"frameUrl,omitempty"`
	Prompt          string            `json:"prompt,omitempty"`
	DurationSeconds float64           `json:"durationSeconds,omitempty"`
	MotionParams    map[string]string `json:"motionParams,omitempty"`
	AspectRatio     string            `json:"aspectRatio,omitempty"`
	ClipURLs        []string          `json:"clipUrls,omitempty"`
}

type renderJobResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"` // queued, running, completed, failed
	OutputURL string `json:"outputUrl,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Submit dispatches a clip or merge job and returns its handle.
func (c *RenderClient) Submit(ctx context.Context, spec Spec) (Handle, error) {
	req := renderJobRequest{
		Type: string(spec.Kind),
		Input: renderJobInput{
			FrameURL:        spec.FrameURL,
			Prompt:          spec.Prompt,
			DurationSeconds: spec.DurationSeconds,
			MotionParams:    spec.MotionParams,
			AspectRatio:     spec.AspectRatio,
			ClipURLs:        spec.ClipURLs,
		},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal render job: %w", err)
	}

	log.Debug().Str("type", string(spec.Kind)).Int("clips", len(spec.ClipURLs)).Msg("Submitting render job")

	resp, err := c.doJSON(ctx, http.MethodPost, "/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("submit render job: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("submit render job: %w: no job ID returned", ErrUnavailable)
	}

	log.Info().Str("jobId", resp.ID).Str("type", string(spec.Kind)).Msg("Render job submitted")
	return Handle(resp.ID), nil
}

// Poll reports a render job's current status.
func (c *RenderClient) Poll(ctx context.Context, h Handle) (Status, error) {
	resp, err := c.doJSON(ctx, http.MethodGet, "/v1/jobs/"+string(h), nil)
	if err != nil {
		return Status{}, fmt.Errorf("poll render job %s: %w", h, err)
	}

	switch resp.Status {
	case "queued":
		return Status{State: StateQueued}, nil
	case "running":
		return Status{State: StateRunning}, nil
	case "completed":
		return Status{State: StateCompleted, ResultURL: resp.OutputURL}, nil
	case "failed":
		return Status{State: StateFailed, Message: resp.Error}, nil
	default:
		return Status{}, fmt.Errorf("poll render job %s: unknown status %q", h, resp.Status)
	}
}

// doJSON performs one API call and decodes the job response.
// 5xx responses and transport errors wrap ErrUnavailable so the stage
// executor can distinguish "retry submit" from "job is broken".
func (c *RenderClient) doJSON(ctx context.Context, method, endpoint string, body io.Reader) (*renderJobResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	startTime := time.Now()
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer httpResp.Body.Close()

	log.Debug().
		Str("method", method).
		Str("path", endpoint).
		Int("statusCode", httpResp.StatusCode).
		Dur("duration", time.Since(startTime)).
		Msg("Render API response")

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: HTTP %d (body: %s)", ErrUnavailable, httpResp.StatusCode, truncate(string(respBody), 200))
	}
	if httpResp.StatusCode >= 400 {
		return nil, fmt.Errorf("render API error: HTTP %d (body: %s)", httpResp.StatusCode, truncate(string(respBody), 200))
	}

	var resp renderJobResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("parse response: %w (body: %s)", err, truncate(string(respBody), 200))
	}
	return &resp, nil
}

// truncate returns the first n characters of s, appending "..." if truncated.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
