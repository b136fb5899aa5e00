// Package render defines the external render and publish collaborators.
// Both are consumed as opaque calls: success yields a result handle,
// failure is terminal for the calling job.
package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kalambet/lookcast/internal/matching"
)

// ErrPublisherUnavailable is returned when no publish target is configured.
var ErrPublisherUnavailable = errors.New("publisher not configured")

// Renderer composes the selected items into the output asset and returns
// a URL the client can fetch it from.
type Renderer interface {
	Render(ctx context.Context, jobID string, items []matching.MatchItem) (videoURL string, err error)
}

// Publisher pushes a rendered asset to the external publishing target.
// Delivery is at-least-once; callers guard re-publishing by job state.
type Publisher interface {
	Publish(ctx context.Context, jobID, videoURL string) (publishURL string, err error)
}

// LocalRenderer writes a deterministic composition manifest next to the
// asset path a real video encoder would fill in. It keeps the pipeline
// runnable end to end without the external renderer.
type LocalRenderer struct {
	AssetDir string
	BaseURL  string
}

// Render writes the manifest and returns the asset URL.
func (r *LocalRenderer) Render(ctx context.Context, jobID string, items []matching.MatchItem) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir := filepath.Join(r.AssetDir, "videos")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating video directory: %w", err)
	}

	manifest, err := json.MarshalIndent(map[string]any{
		"job_id": jobID,
		"items":  items,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, jobID+".json"), manifest, 0o644); err != nil {
		return "", fmt.Errorf("writing manifest: %w", err)
	}

	return strings.TrimRight(r.BaseURL, "/") + "/assets/videos/" + jobID + ".mp4", nil
}

// NopPublisher reports the publisher as unavailable. Used when no external
// publishing target is configured; jobs then record publish state skipped.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, jobID, videoURL string) (string, error) {
	return "", ErrPublisherUnavailable
}
