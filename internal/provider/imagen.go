package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// FrameUploader stores a generated keyframe image and returns a URL the
// clip provider can fetch it from. Implemented by the S3 asset publisher.
type FrameUploader interface {
	PutImage(ctx context.Context, key string, data []byte, mimeType string) (string, error)
}

// ImagenProvider generates per-scene keyframe images via the Vertex AI
// Imagen REST API (:predict). Predict is synchronous and returns image
// bytes inline, so calls run through a localRunner and the result is
// uploaded to S3 to produce a URL-addressable artifact.
type ImagenProvider struct {
	projectID   string
	region      string
	accessToken string // GCP OAuth2 access token
	httpClient  *http.Client
	uploader    FrameUploader
	runner      *localRunner
}

// Compile-time interface check.
var _ Provider = (*ImagenProvider)(nil)

// NewImagenProvider creates a keyframe provider.
// accessToken is a GCP OAuth2 access token (not the Gemini API key).
func NewImagenProvider(projectID, region, accessToken string, uploader FrameUploader) *ImagenProvider {
	return &ImagenProvider{
		projectID:   projectID,
		region:      region,
		accessToken: accessToken,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		uploader:    uploader,
		runner:      newLocalRunner("frame-"),
	}
}

// --- Vertex AI Imagen request/response types ---

type imagenRequest struct {
	Instances  []imagenInstance `json:"instances"`
	Parameters imagenParameters `json:"parameters"`
}

type imagenInstance struct {
	Prompt string `json:"prompt"`
}

type imagenParameters struct {
	SampleCount int    `json:"sampleCount"`
	AspectRatio string `json:"aspectRatio,omitempty"`
}

type imagenResponse struct {
	Predictions []imagenPrediction `json:"predictions"`
	Error       *imagenError       `json:"error,omitempty"`
}

type imagenPrediction struct {
	BytesBase64Encoded string `json:"bytesBase64Encoded"`
	MimeType           string `json:"mimeType"`
}

type imagenError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Submit starts keyframe generation for one scene.
func (p *ImagenProvider) Submit(ctx context.Context, spec Spec) (Handle, error) {
	prompt := spec.Prompt
	aspect := spec.AspectRatio

	h := p.runner.start(func(ctx context.Context, h Handle) (string, string, error) {
		data, mime, err := p.generate(ctx, prompt, aspect)
		if err != nil {
			return "", "", err
		}

		url, err := p.uploader.PutImage(ctx, "frames/"+string(h), data, mime)
		if err != nil {
			return "", "", fmt.Errorf("store keyframe: %w", err)
		}
		return url, "", nil
	})

	log.Info().Str("jobId", string(h)).Str("aspectRatio", aspect).Msg("Keyframe generation job started")
	return h, nil
}

// Poll reports keyframe job status.
func (p *ImagenProvider) Poll(ctx context.Context, h Handle) (Status, error) {
	return p.runner.poll(h)
}

// generate calls the Imagen :predict endpoint and returns the image bytes.
func (p *ImagenProvider) generate(ctx context.Context, prompt, aspectRatio string) ([]byte, string, error) {
	log.Debug().
		Str("prompt", truncate(prompt, 100)).
		Str("aspectRatio", aspectRatio).
		Msg("Starting Imagen keyframe generation")

	startTime := time.Now()

	reqBody := imagenRequest{
		Instances:  []imagenInstance{{Prompt: prompt}},
		Parameters: imagenParameters{SampleCount: 1, AspectRatio: aspectRatio},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, "", fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf(
		"https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s/publishers/google/models/imagen-3.0-generate-002:predict",
		p.region, p.projectID, p.region)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.accessToken)
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read response: %w", err)
	}

	var resp imagenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, "", fmt.Errorf("parse response: %w (body: %s)", err, truncate(string(body), 200))
	}
	if resp.Error != nil {
		return nil, "", fmt.Errorf("Imagen API error: %s (code %d)", resp.Error.Message, resp.Error.Code)
	}
	if len(resp.Predictions) == 0 {
		return nil, "", fmt.Errorf("Imagen returned no predictions")
	}

	data, err := base64.StdEncoding.DecodeString(resp.Predictions[0].BytesBase64Encoded)
	if err != nil {
		return nil, "", fmt.Errorf("decode image data: %w", err)
	}

	mime := resp.Predictions[0].MimeType
	if mime == "" {
		mime = "image/png"
	}

	log.Info().
		Int("imageBytes", len(data)).
		Dur("duration", time.Since(startTime)).
		Msg("Imagen keyframe generated")

	return data, mime, nil
}
