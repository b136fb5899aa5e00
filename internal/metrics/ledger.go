// Package metrics keeps process-lifetime counters over job terminal
// transitions and a minimal history projection. The ledger is an
// aggregation, never a source of truth: it is rebuilt from the jobs table
// on startup.
package metrics

import (
	"sync"
	"time"

	"github.com/kalambet/lookcast/internal/storage"
)

// Ledger is a mutex-guarded counter set. Updates happen alongside the
// owning job's terminal transition; the mutex keeps concurrent duplicate
// requests from double-counting.
type Ledger struct {
	mu        sync.Mutex
	created   int
	completed int
	failed    int
	retried   int
	published int
	durSum    float64
	durCount  int
}

func NewLedger() *Ledger {
	return &Ledger{}
}

// Restore seeds the ledger from aggregated job history so counters
// survive process restarts.
func (l *Ledger) Restore(t storage.JobTotals) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.created = t.Created
	l.completed = t.Completed
	l.failed = t.Failed
	l.retried = t.Retried
	l.published = t.Published
	l.durCount = t.Completed + t.Failed
	l.durSum = t.AvgSeconds * float64(l.durCount)
}

func (l *Ledger) JobCreated() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.created++
}

func (l *Ledger) JobCompleted(processing time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.completed++
	l.observe(processing)
}

func (l *Ledger) JobFailed(processing time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failed++
	l.observe(processing)
}

// JobCompletionReversed moves one terminal count from completed to
// failed, keeping completed+failed stable. Used when a required publish
// fails a job after it already completed; the processing duration was
// observed at completion and stands.
func (l *Ledger) JobCompletionReversed() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.completed > 0 {
		l.completed--
	}
	l.failed++
}

func (l *Ledger) JobRetried() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.retried++
}

func (l *Ledger) PublishSucceeded() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.published++
}

func (l *Ledger) observe(d time.Duration) {
	if d < 0 {
		return
	}
	l.durSum += d.Seconds()
	l.durCount++
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	TotalJobsCreated     int     `json:"total_jobs_created"`
	TotalJobsCompleted   int     `json:"total_jobs_completed"`
	TotalJobsFailed      int     `json:"total_jobs_failed"`
	TotalJobsRetried     int     `json:"total_jobs_retried"`
	TotalPublished       int     `json:"total_published"`
	AvgProcessingSeconds float64 `json:"avg_processing_seconds"`
}

// Snapshot returns the current counter values.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Snapshot{
		TotalJobsCreated:   l.created,
		TotalJobsCompleted: l.completed,
		TotalJobsFailed:    l.failed,
		TotalJobsRetried:   l.retried,
		TotalPublished:     l.published,
	}
	if l.durCount > 0 {
		s.AvgProcessingSeconds = l.durSum / float64(l.durCount)
	}
	return s
}

// HistoryItem is the minimal job projection returned by history queries.
type HistoryItem struct {
	JobID        string     `json:"job_id"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ThumbnailURL string     `json:"thumbnail_url,omitempty"`
}

// HistoryFromJobs projects job records (already most-recent-first) into
// history items.
func HistoryFromJobs(jobs []storage.Job) []HistoryItem {
	items := make([]HistoryItem, 0, len(jobs))
	for _, j := range jobs {
		item := HistoryItem{
			JobID:        j.ID,
			Status:       j.Status,
			CreatedAt:    j.CreatedAt,
			ThumbnailURL: j.PreviewURL,
		}
		if !j.CompletedAt.IsZero() {
			completed := j.CompletedAt
			item.CompletedAt = &completed
		}
		items = append(items, item)
	}
	return items
}
