// Package pipeline drives jobs through the fixed stage sequence
// ingest -> analyze -> match -> compose -> render -> (review) -> complete.
// Every transition is persisted before the next stage begins; each job has
// exactly one runner goroutine, the single writer over its record.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/lookcast/internal/matching"
	"github.com/kalambet/lookcast/internal/metrics"
	"github.com/kalambet/lookcast/internal/render"
	"github.com/kalambet/lookcast/internal/storage"
	"github.com/kalambet/lookcast/internal/vision"
)

var (
	// ErrInvalidState is returned for operations not valid in the job's
	// current status (approve outside review, retry of a non-failed job).
	ErrInvalidState = errors.New("operation not valid in current job state")

	// ErrRetryExhausted is returned when a retry would exceed the
	// configured attempt cap.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrInvalidRequest is returned for malformed creation parameters, as
	// opposed to internal failures while persisting or starting the job.
	ErrInvalidRequest = errors.New("invalid job request")
)

// Matcher is the slice of the matching engine the pipeline needs.
type Matcher interface {
	Select(q matching.Query, cons matching.Constraints) (matching.MatchItem, bool)
}

// Options tune pipeline behavior.
type Options struct {
	MaxAttempts     int // retry chain cap; 0 = unbounded
	RenderTimeout   time.Duration
	PublishTimeout  time.Duration
	PublishRequired bool
	BaseURL         string
	AssetDir        string
}

// Service owns job lifecycle operations. Creation and idempotency-key
// lookups are serialized by createMu; per-job record mutations are
// serialized by a per-job lock.
type Service struct {
	store     *storage.Store
	matcher   Matcher
	renderer  render.Renderer
	publisher render.Publisher
	ledger    *metrics.Ledger
	opts      Options
	logger    *slog.Logger

	createMu sync.Mutex
	jobLocks sync.Map // job id -> *sync.Mutex

	syncRun bool // tests run stages inline instead of spawning a runner
}

// NewService creates a pipeline Service.
func NewService(store *storage.Store, matcher Matcher, renderer render.Renderer, publisher render.Publisher, ledger *metrics.Ledger, opts Options) *Service {
	if opts.RenderTimeout <= 0 {
		opts.RenderTimeout = 30 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 30 * time.Second
	}
	if publisher == nil {
		publisher = render.NopPublisher{}
	}
	return &Service{
		store:     store,
		matcher:   matcher,
		renderer:  renderer,
		publisher: publisher,
		ledger:    ledger,
		opts:      opts,
		logger:    slog.Default(),
	}
}

func (s *Service) lockJob(id string) *sync.Mutex {
	mu, _ := s.jobLocks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// CreateRequest carries everything needed to start a job.
type CreateRequest struct {
	ImageData      []byte
	ContentType    string
	LookCount      int
	QualityMode    string
	Tone           string
	Theme          string
	IdempotencyKey string
}

// CreateResult is the creation acknowledgement.
type CreateResult struct {
	JobID            string `json:"job_id"`
	Status           string `json:"status"`
	EstimatedSeconds int    `json:"estimated_seconds"`
}

// Create validates the request and starts a new job, unless the
// idempotency key was seen before, in which case the previously created
// job is returned unchanged and no new runner starts.
func (s *Service) Create(req CreateRequest) (CreateResult, error) {
	if req.LookCount < 1 {
		return CreateResult{}, fmt.Errorf("%w: look_count must be positive", ErrInvalidRequest)
	}
	if req.QualityMode != storage.QualityAutoGate && req.QualityMode != storage.QualityHumanReview {
		return CreateResult{}, fmt.Errorf("%w: invalid quality_mode %q", ErrInvalidRequest, req.QualityMode)
	}
	if err := vision.Validate(req.ImageData, req.ContentType); err != nil {
		return CreateResult{}, err
	}
	return s.create(req, "", 1)
}

// create is the shared creation path for Create and Retry. parentID and
// attempts establish retry lineage.
func (s *Service) create(req CreateRequest, parentID string, attempts int) (CreateResult, error) {
	s.createMu.Lock()
	defer s.createMu.Unlock()

	if req.IdempotencyKey != "" {
		existingID, err := s.store.LookupIdempotencyKey(req.IdempotencyKey)
		if err == nil {
			existing, err := s.store.GetJob(existingID)
			if err != nil {
				return CreateResult{}, fmt.Errorf("loading job for idempotency key: %w", err)
			}
			return CreateResult{JobID: existing.ID, Status: existing.Status, EstimatedSeconds: 2}, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return CreateResult{}, fmt.Errorf("looking up idempotency key: %w", err)
		}
	}

	jobID := uuid.New().String()
	uploadPath, err := s.saveUpload(jobID, req.ImageData, req.ContentType)
	if err != nil {
		return CreateResult{}, err
	}

	job := storage.Job{
		ID:          jobID,
		Status:      storage.JobIngested,
		QualityMode: req.QualityMode,
		LookCount:   req.LookCount,
		Progress:    5,
		Attempts:    attempts,
		ParentJobID: parentID,
		Tone:        req.Tone,
		Theme:       req.Theme,
		UploadPath:  uploadPath,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.SaveJob(job); err != nil {
		return CreateResult{}, fmt.Errorf("saving job: %w", err)
	}
	if req.IdempotencyKey != "" {
		if err := s.store.SaveIdempotencyKey(req.IdempotencyKey, jobID); err != nil {
			return CreateResult{}, fmt.Errorf("saving idempotency key: %w", err)
		}
	}
	s.ledger.JobCreated()

	if s.syncRun {
		s.runJob(jobID)
	} else {
		go s.runJob(jobID)
	}

	return CreateResult{JobID: jobID, Status: job.Status, EstimatedSeconds: 2}, nil
}

// Get returns the full job record.
func (s *Service) Get(jobID string) (storage.Job, error) {
	return s.store.GetJob(jobID)
}

// RetryResult reports a retry's new lineage entry.
type RetryResult struct {
	PreviousJobID string `json:"previous_job_id"`
	NewJobID      string `json:"new_job_id"`
	Status        string `json:"status"`
}

// Retry starts a fresh job copying a FAILED job's inputs, with
// parent_job_id set and attempts incremented. The parent record is left
// untouched for audit.
func (s *Service) Retry(jobID string) (RetryResult, error) {
	parent, err := s.store.GetJob(jobID)
	if err != nil {
		return RetryResult{}, err
	}
	if parent.Status != storage.JobFailed {
		return RetryResult{}, fmt.Errorf("%w: retry requires FAILED, job is %s", ErrInvalidState, parent.Status)
	}
	if s.opts.MaxAttempts > 0 && parent.Attempts >= s.opts.MaxAttempts {
		return RetryResult{}, fmt.Errorf("%w: %d attempts used", ErrRetryExhausted, parent.Attempts)
	}

	data, err := os.ReadFile(parent.UploadPath)
	if err != nil {
		return RetryResult{}, fmt.Errorf("reading source image for retry: %w", err)
	}

	created, err := s.create(CreateRequest{
		ImageData:   data,
		ContentType: contentTypeFromPath(parent.UploadPath),
		LookCount:   parent.LookCount,
		QualityMode: parent.QualityMode,
		Tone:        parent.Tone,
		Theme:       parent.Theme,
	}, parent.ID, parent.Attempts+1)
	if err != nil {
		return RetryResult{}, err
	}
	s.ledger.JobRetried()

	return RetryResult{PreviousJobID: parent.ID, NewJobID: created.JobID, Status: created.Status}, nil
}

// Approve transitions a REVIEW_REQUIRED job to COMPLETED. It is the only
// way out of review.
func (s *Service) Approve(jobID string) (storage.Job, error) {
	mu := s.lockJob(jobID)
	mu.Lock()
	job, err := s.store.GetJob(jobID)
	if err != nil {
		mu.Unlock()
		return storage.Job{}, err
	}
	if job.Status != storage.JobReviewRequired || job.QualityMode != storage.QualityHumanReview {
		mu.Unlock()
		return storage.Job{}, fmt.Errorf("%w: approve requires REVIEW_REQUIRED, job is %s", ErrInvalidState, job.Status)
	}

	job.Status = storage.JobCompleted
	job.Progress = 100
	job.CompletedAt = time.Now().UTC()
	if err := s.store.UpdateJob(job); err != nil {
		mu.Unlock()
		return storage.Job{}, fmt.Errorf("persisting approval: %w", err)
	}
	s.ledger.JobCompleted(job.CompletedAt.Sub(job.CreatedAt))
	mu.Unlock()

	s.attemptPublish(jobID)
	return s.store.GetJob(jobID)
}

// Rerank re-invokes the matching engine for a single category with added
// constraints and replaces that category's item in place. Job status is
// unchanged; constraints that eliminate every candidate set a scoped
// failure code on the item instead of failing the job.
func (s *Service) Rerank(jobID, category string, cons matching.Constraints) (matching.MatchItem, error) {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		return matching.MatchItem{}, err
	}
	if !rerankable(job.Status) {
		return matching.MatchItem{}, fmt.Errorf("%w: rerank not available while %s", ErrInvalidState, job.Status)
	}

	// Descriptor derivation and ranking run outside the job lock.
	data, err := os.ReadFile(job.UploadPath)
	if err != nil {
		return matching.MatchItem{}, fmt.Errorf("reading source image: %w", err)
	}
	desc, err := vision.Analyze(data)
	if err != nil {
		return matching.MatchItem{}, fmt.Errorf("deriving descriptors: %w", err)
	}

	_, hasRegion := desc.ByCategory[category]
	item, _ := s.matcher.Select(matching.Query{
		Category:  category,
		Vector:    desc.Descriptor(category),
		HasRegion: hasRegion,
	}, cons)

	mu := s.lockJob(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err = s.store.GetJob(jobID)
	if err != nil {
		return matching.MatchItem{}, err
	}
	items, err := decodeItems(job.ItemsJSON)
	if err != nil {
		return matching.MatchItem{}, err
	}

	replaced := false
	for i := range items {
		if items[i].Category == category {
			items[i] = item
			replaced = true
			break
		}
	}
	if !replaced {
		items = append(items, item)
	}

	job.ItemsJSON, err = encodeItems(items)
	if err != nil {
		return matching.MatchItem{}, err
	}
	if err := s.store.UpdateJob(job); err != nil {
		return matching.MatchItem{}, fmt.Errorf("persisting rerank: %w", err)
	}
	return item, nil
}

func rerankable(status string) bool {
	switch status {
	case storage.JobMatched, storage.JobMatchedPartial, storage.JobComposed,
		storage.JobRendering, storage.JobReviewRequired:
		return true
	}
	return false
}

// PublishResult reports a publish attempt.
type PublishResult struct {
	JobID         string `json:"job_id"`
	PublishStatus string `json:"publish_status"`
	PublishURL    string `json:"publish_url,omitempty"`
}

// Publish pushes the rendered asset to the external target. At-least-once:
// a second call on an already-published job is a no-op returning the
// recorded URL.
func (s *Service) Publish(jobID string) (PublishResult, error) {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		return PublishResult{}, err
	}
	if job.VideoURL == "" {
		return PublishResult{}, fmt.Errorf("%w: no rendered asset to publish", ErrInvalidState)
	}
	if job.PublishStatus == storage.PublishUploaded {
		return PublishResult{JobID: job.ID, PublishStatus: job.PublishStatus, PublishURL: job.PublishURL}, nil
	}

	s.attemptPublish(jobID)

	job, err = s.store.GetJob(jobID)
	if err != nil {
		return PublishResult{}, err
	}
	if job.PublishStatus != storage.PublishUploaded {
		return PublishResult{JobID: job.ID, PublishStatus: job.PublishStatus},
			fmt.Errorf("publish failed for job %s", job.ID)
	}
	return PublishResult{JobID: job.ID, PublishStatus: job.PublishStatus, PublishURL: job.PublishURL}, nil
}

// attemptPublish calls the publisher and records the outcome. Publisher
// absence records skipped; failure records failed and, when publishing is
// required, fails the job with LICENSE_BLOCKED.
func (s *Service) attemptPublish(jobID string) {
	mu := s.lockJob(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := s.store.GetJob(jobID)
	if err != nil {
		s.logger.Error("loading job for publish", "job_id", jobID, "error", err)
		return
	}
	if job.VideoURL == "" || job.PublishStatus == storage.PublishUploaded {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.PublishTimeout)
	publishURL, err := s.publisher.Publish(ctx, job.ID, job.VideoURL)
	cancel()

	switch {
	case err == nil:
		job.PublishStatus = storage.PublishUploaded
		job.PublishURL = publishURL
		s.ledger.PublishSucceeded()
	case errors.Is(err, render.ErrPublisherUnavailable):
		job.PublishStatus = storage.PublishSkipped
	default:
		job.PublishStatus = storage.PublishFailed
		s.logger.Warn("publish failed", "job_id", job.ID, "error", err)
		if s.opts.PublishRequired && job.Status == storage.JobCompleted {
			// The job was already counted as completed; the flip moves
			// that count to failed rather than adding a second terminal
			// observation.
			job.Status = storage.JobFailed
			job.FailureCode = storage.FailLicenseBlocked
			job.Progress = 100
			s.ledger.JobCompletionReversed()
		}
	}

	if err := s.store.UpdateJob(job); err != nil {
		s.logger.Error("persisting publish state", "job_id", job.ID, "error", err)
	}
}

func (s *Service) saveUpload(jobID string, data []byte, contentType string) (string, error) {
	dir := filepath.Join(s.opts.AssetDir, "uploads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating upload directory: %w", err)
	}
	path := filepath.Join(dir, jobID+extensionFor(contentType))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing upload: %w", err)
	}
	return path, nil
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	default:
		return ".jpg"
	}
}

func contentTypeFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	default:
		return "image/jpeg"
	}
}
