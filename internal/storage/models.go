package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Job status values.
const (
	JobIngested       = "INGESTED"
	JobAnalyzed       = "ANALYZED"
	JobMatched        = "MATCHED"
	JobMatchedPartial = "MATCHED_PARTIAL"
	JobComposed       = "COMPOSED"
	JobRendering      = "RENDERING"
	JobReviewRequired = "REVIEW_REQUIRED"
	JobCompleted      = "COMPLETED"
	JobFailed         = "FAILED"
)

// Failure codes recorded on FAILED jobs or on individual match items.
const (
	FailCrawlTimeout   = "CRAWL_TIMEOUT"
	FailEmptyResult    = "EMPTY_RESULT"
	FailRenderError    = "RENDER_ERROR"
	FailSafetyBlocked  = "SAFETY_BLOCKED"
	FailLicenseBlocked = "LICENSE_BLOCKED"
)

// Quality modes.
const (
	QualityAutoGate    = "auto_gate"
	QualityHumanReview = "human_review"
)

// Publish upload states.
const (
	PublishPending  = "pending"
	PublishUploaded = "uploaded"
	PublishFailed   = "failed"
	PublishSkipped  = "skipped"
)

// Job is one end-to-end styling request. Items are stored as a JSON array
// in ItemsJSON; the pipeline package owns the element type.
type Job struct {
	ID            string
	Status        string
	QualityMode   string
	LookCount     int
	Progress      int
	Attempts      int
	ParentJobID   string
	Tone          string
	Theme         string
	ItemsJSON     string
	FailureCode   string
	PreviewURL    string
	VideoURL      string
	PublishURL    string
	PublishStatus string
	UploadPath    string
	CreatedAt     time.Time
	CompletedAt   time.Time // zero when not terminal
}

// CatalogProduct is one crawled product. Replaced wholesale by full
// crawls, never mutated in place by readers.
type CatalogProduct struct {
	ProductID  string
	Category   string
	Brand      string
	Name       string
	Price      int // 0 means unknown
	ImageURL   string
	ProductURL string
	Embedding  []float32
	UpdatedAt  time.Time
}

// Crawl job status values.
const (
	CrawlQueued    = "QUEUED"
	CrawlRunning   = "RUNNING"
	CrawlCompleted = "COMPLETED"
	CrawlFailed    = "FAILED"
)

// Crawl modes.
const (
	CrawlModeIncremental = "incremental"
	CrawlModeFull        = "full"
)

// CrawlJob tracks one catalog crawl run. Immutable once terminal.
type CrawlJob struct {
	ID              string
	Status          string
	Mode            string
	StartedAt       time.Time
	CompletedAt     time.Time
	TotalDiscovered int
	TotalIndexed    int
	ErrorMessage    string
}

// JobTotals aggregates the jobs table for metrics rebuild on startup.
type JobTotals struct {
	Created    int
	Completed  int
	Failed     int
	Retried    int
	Published  int
	AvgSeconds float64
}
