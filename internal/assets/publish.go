// Package assets stores generated media in S3 and hands out pre-signed URLs
// for it. Keyframes are written directly from provider output; merged videos
// are copied out of the render provider's short-lived result URLs so the
// final asset outlives them.
package assets

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// presignExpiry is the lifetime of returned asset URLs.
const presignExpiry = 24 * time.Hour

// maxAssetBytes caps a merged-video copy. Render output beyond this is
// almost certainly a provider bug, not a real ad video.
const maxAssetBytes = 1 << 30

// Publisher writes generated assets to one S3 bucket.
type Publisher struct {
	client     *s3.Client
	presign    *s3.PresignClient
	httpClient *http.Client
	bucket     string
}

// NewPublisher creates a Publisher for the given bucket.
func NewPublisher(client *s3.Client, bucket string) *Publisher {
	return &Publisher{
		client:     client,
		presign:    s3.NewPresignClient(client),
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		bucket:     bucket,
	}
}

// PutImage stores raw image bytes under the given key and returns a
// pre-signed GET URL for them.
func (p *Publisher) PutImage(ctx context.Context, key string, data []byte, mimeType string) (string, error) {
	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &p.bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: &mimeType,
	})
	if err != nil {
		return "", fmt.Errorf("put image %s: %w", key, err)
	}

	log.Debug().Str("key", key).Int("bytes", len(data)).Str("contentType", mimeType).Msg("Image stored in S3")
	return p.presignGet(ctx, key)
}

// PublishMerged copies the merged video from the provider's result URL into
// the bucket under merged/{draftID}.mp4 and returns a pre-signed URL for the
// stored copy.
func (p *Publisher) PublishMerged(ctx context.Context, draftID, sourceURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download merged video: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download merged video: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAssetBytes+1))
	if err != nil {
		return "", fmt.Errorf("read merged video: %w", err)
	}
	if len(data) > maxAssetBytes {
		return "", fmt.Errorf("merged video exceeds %d bytes", maxAssetBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/mp4"
	}

	key := "merged/" + draftID + ".mp4"
	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &p.bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: &contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put merged video %s: %w", key, err)
	}

	log.Info().
		Str("draftId", draftID).
		Str("key", key).
		Int("bytes", len(data)).
		Msg("Merged video published to S3")
	return p.presignGet(ctx, key)
}

func (p *Publisher) presignGet(ctx context.Context, key string) (string, error) {
	result, err := p.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &p.bucket, Key: &key,
	}, func(opts *s3.PresignOptions) {
		opts.Expires = presignExpiry
	})
	if err != nil {
		return "", fmt.Errorf("presign GetObject %s: %w", key, err)
	}
	return result.URL, nil
}
