package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kalambet/lookcast/internal/catalog"
	"github.com/kalambet/lookcast/internal/matching"
	"github.com/kalambet/lookcast/internal/storage"
	"github.com/kalambet/lookcast/internal/vision"
)

// Stage progress checkpoints.
const (
	progressIngested  = 5
	progressAnalyzed  = 20
	progressMatched   = 45
	progressComposed  = 70
	progressRendering = 85
	progressReview    = 95
	progressTerminal  = 100
)

// runJob drives one job through every stage. It is the job's single
// writer; each transition is persisted before the next stage begins, so a
// crash leaves the job in its last durably-recorded state.
func (s *Service) runJob(jobID string) {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		s.logger.Error("loading job for run", "job_id", jobID, "error", err)
		return
	}

	// Ingest -> analyze: validate and derive descriptors (CPU-bound, off
	// the job lock).
	data, err := os.ReadFile(job.UploadPath)
	if err != nil {
		// The stored upload went missing or unreadable after ingest: an
		// internal processing fault, not an empty search result.
		s.logger.Warn("upload unreadable", "job_id", jobID, "error", err)
		s.fail(jobID, storage.FailRenderError)
		return
	}
	desc, err := vision.Analyze(data)
	if err != nil {
		s.logger.Warn("analyzing upload", "job_id", jobID, "error", err)
		s.fail(jobID, storage.FailRenderError)
		return
	}
	if blockedHint(job.Tone) || blockedHint(job.Theme) {
		s.fail(jobID, storage.FailSafetyBlocked)
		return
	}
	if _, err := s.transition(jobID, func(j *storage.Job) {
		j.Status = storage.JobAnalyzed
		j.Progress = progressAnalyzed
	}); err != nil {
		return
	}

	// Analyze -> matched: one engine invocation per requested category.
	colorHint := job.Tone
	if colorHint == "" {
		colorHint = job.Theme
	}
	categories := matchCategories(job.LookCount)
	items := make([]matching.MatchItem, 0, len(categories))
	matchedCount := 0
	for _, category := range categories {
		_, hasRegion := desc.ByCategory[category]
		item, ok := s.matcher.Select(matching.Query{
			Category:  category,
			Vector:    desc.Descriptor(category),
			HasRegion: hasRegion,
		}, matching.Constraints{ColorHint: colorHint})
		if ok {
			matchedCount++
		}
		items = append(items, item)
	}

	if matchedCount == 0 {
		// Every category came back empty: terminal failure, but keep the
		// fallback items so the record still shows what was attempted.
		s.failWithItems(jobID, storage.FailEmptyResult, items)
		return
	}

	status := storage.JobMatched
	if matchedCount < len(categories) {
		status = storage.JobMatchedPartial
	}
	itemsJSON, err := encodeItems(items)
	if err != nil {
		s.logger.Error("encoding match items", "job_id", jobID, "error", err)
		s.fail(jobID, storage.FailRenderError)
		return
	}
	if _, err := s.transition(jobID, func(j *storage.Job) {
		j.Status = status
		j.Progress = progressMatched
		j.ItemsJSON = itemsJSON
		j.PreviewURL = strings.TrimRight(s.opts.BaseURL, "/") + "/assets/previews/" + jobID + ".jpg"
	}); err != nil {
		return
	}

	// Match -> composed: licensing gate before composition is committed.
	if restrictedBrand(items) {
		s.fail(jobID, storage.FailLicenseBlocked)
		return
	}
	if _, err := s.transition(jobID, func(j *storage.Job) {
		j.Status = storage.JobComposed
		j.Progress = progressComposed
	}); err != nil {
		return
	}

	// Composed -> rendering: the RENDERING state is durable before the
	// external call so a crash mid-render is visible as-is.
	if _, err := s.transition(jobID, func(j *storage.Job) {
		j.Status = storage.JobRendering
		j.Progress = progressRendering
	}); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.RenderTimeout)
	videoURL, err := s.renderer.Render(ctx, jobID, items)
	cancel()
	if err != nil {
		s.logger.Warn("render failed", "job_id", jobID, "error", err)
		s.fail(jobID, storage.FailRenderError)
		return
	}

	if job.QualityMode == storage.QualityHumanReview {
		if _, err := s.transition(jobID, func(j *storage.Job) {
			j.Status = storage.JobReviewRequired
			j.Progress = progressReview
			j.VideoURL = videoURL
		}); err != nil {
			return
		}
		return
	}

	done, err := s.transition(jobID, func(j *storage.Job) {
		j.Status = storage.JobCompleted
		j.Progress = progressTerminal
		j.VideoURL = videoURL
		j.CompletedAt = time.Now().UTC()
	})
	if err != nil {
		return
	}
	s.ledger.JobCompleted(done.CompletedAt.Sub(done.CreatedAt))

	s.attemptPublish(jobID)
}

// transition applies mutate under the job lock and persists the result.
func (s *Service) transition(jobID string, mutate func(*storage.Job)) (storage.Job, error) {
	mu := s.lockJob(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := s.store.GetJob(jobID)
	if err != nil {
		s.logger.Error("loading job for transition", "job_id", jobID, "error", err)
		return storage.Job{}, err
	}
	mutate(&job)
	if err := s.store.UpdateJob(job); err != nil {
		s.logger.Error("persisting transition", "job_id", jobID, "status", job.Status, "error", err)
		return storage.Job{}, err
	}
	return job, nil
}

func (s *Service) fail(jobID, failureCode string) {
	s.failWithItems(jobID, failureCode, nil)
}

func (s *Service) failWithItems(jobID, failureCode string, items []matching.MatchItem) {
	done, err := s.transition(jobID, func(j *storage.Job) {
		j.Status = storage.JobFailed
		j.FailureCode = failureCode
		j.Progress = progressTerminal
		j.CompletedAt = time.Now().UTC()
		if items != nil {
			if itemsJSON, err := encodeItems(items); err == nil {
				j.ItemsJSON = itemsJSON
			}
		}
	})
	if err != nil {
		return
	}
	s.ledger.JobFailed(done.CompletedAt.Sub(done.CreatedAt))
}

// matchCategories picks the category slots for a look count, in priority
// order. Items length never exceeds the requested count.
func matchCategories(lookCount int) []string {
	if lookCount > len(catalog.CategoryPriority) {
		lookCount = len(catalog.CategoryPriority)
	}
	return catalog.CategoryPriority[:lookCount]
}

// blockedHint is the safety gate over free-text styling hints.
var blockedHintTokens = []string{"gore", "nsfw", "violence", "weapon"}

func blockedHint(hint string) bool {
	hint = strings.ToLower(hint)
	for _, tok := range blockedHintTokens {
		if strings.Contains(hint, tok) {
			return true
		}
	}
	return false
}

// restrictedBrands cannot appear in composed output for licensing reasons.
var restrictedBrands = map[string]bool{
	"supreme-sample": true,
}

func restrictedBrand(items []matching.MatchItem) bool {
	for _, item := range items {
		if restrictedBrands[strings.ToLower(item.Brand)] {
			return true
		}
	}
	return false
}

func encodeItems(items []matching.MatchItem) (string, error) {
	data, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("encoding items: %w", err)
	}
	return string(data), nil
}

func decodeItems(itemsJSON string) ([]matching.MatchItem, error) {
	if itemsJSON == "" {
		return nil, nil
	}
	var items []matching.MatchItem
	if err := json.Unmarshal([]byte(itemsJSON), &items); err != nil {
		return nil, fmt.Errorf("decoding items: %w", err)
	}
	return items, nil
}
