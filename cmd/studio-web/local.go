package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// localAssets stores generated assets as files in a temp directory, served
// back through the server's own /assets/ route. Stands in for the S3
// publisher in --local mode.
type localAssets struct {
	dir        string
	baseURL    string
	httpClient *http.Client
}

func newLocalAssets(baseURL string) (*localAssets, error) {
	dir, err := os.MkdirTemp("", "studio-assets-*")
	if err != nil {
		return nil, fmt.Errorf("create asset dir: %w", err)
	}
	return &localAssets{
		dir:        dir,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}, nil
}

func (l *localAssets) PutImage(ctx context.Context, key string, data []byte, mimeType string) (string, error) {
	ext := ".png"
	if mimeType == "image/jpeg" {
		ext = ".jpg"
	}
	name := strings.ReplaceAll(key, "/", "-") + ext
	if err := os.WriteFile(filepath.Join(l.dir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("write asset %s: %w", name, err)
	}

	log.Debug().Str("file", name).Int("bytes", len(data)).Msg("Asset written to local dir")
	return l.baseURL + "/" + name, nil
}

func (l *localAssets) PublishMerged(ctx context.Context, draftID, sourceURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download merged video: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download merged video: status %d", resp.StatusCode)
	}

	name := "merged-" + draftID + ".mp4"
	f, err := os.Create(filepath.Join(l.dir, name))
	if err != nil {
		return "", fmt.Errorf("create asset %s: %w", name, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return "", fmt.Errorf("write asset %s: %w", name, err)
	}

	log.Info().Str("draftId", draftID).Str("file", name).Msg("Merged video saved to local dir")
	return l.baseURL + "/" + name, nil
}
