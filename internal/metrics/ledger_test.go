package metrics

import (
	"testing"
	"time"

	"github.com/kalambet/lookcast/internal/storage"
)

func TestLedgerCounters(t *testing.T) {
	l := NewLedger()

	l.JobCreated()
	l.JobCreated()
	l.JobCompleted(4 * time.Second)
	l.JobFailed(2 * time.Second)
	l.JobRetried()
	l.PublishSucceeded()

	s := l.Snapshot()
	if s.TotalJobsCreated != 2 {
		t.Errorf("created: want 2, got %d", s.TotalJobsCreated)
	}
	if s.TotalJobsCompleted != 1 {
		t.Errorf("completed: want 1, got %d", s.TotalJobsCompleted)
	}
	if s.TotalJobsFailed != 1 {
		t.Errorf("failed: want 1, got %d", s.TotalJobsFailed)
	}
	if s.TotalJobsRetried != 1 {
		t.Errorf("retried: want 1, got %d", s.TotalJobsRetried)
	}
	if s.TotalPublished != 1 {
		t.Errorf("published: want 1, got %d", s.TotalPublished)
	}
	if s.AvgProcessingSeconds != 3 {
		t.Errorf("avg: want 3, got %f", s.AvgProcessingSeconds)
	}
}

func TestLedgerEmptySnapshot(t *testing.T) {
	s := NewLedger().Snapshot()
	if s != (Snapshot{}) {
		t.Errorf("empty ledger snapshot not zero: %+v", s)
	}
}

func TestLedgerCompletionReversed(t *testing.T) {
	l := NewLedger()
	l.JobCreated()
	l.JobCompleted(4 * time.Second)
	l.JobCompletionReversed()

	s := l.Snapshot()
	if s.TotalJobsCompleted != 0 || s.TotalJobsFailed != 1 {
		t.Errorf("reversal: completed=%d failed=%d, want 0/1", s.TotalJobsCompleted, s.TotalJobsFailed)
	}
	if s.TotalJobsCompleted+s.TotalJobsFailed > s.TotalJobsCreated {
		t.Errorf("terminal counts exceed created: %+v", s)
	}
	if s.AvgProcessingSeconds != 4 {
		t.Errorf("reversal must keep the observed duration: got %f", s.AvgProcessingSeconds)
	}
}

func TestLedgerIgnoresNegativeDurations(t *testing.T) {
	l := NewLedger()
	l.JobCompleted(-time.Second)
	l.JobCompleted(6 * time.Second)

	s := l.Snapshot()
	if s.TotalJobsCompleted != 2 {
		t.Errorf("completed: want 2, got %d", s.TotalJobsCompleted)
	}
	if s.AvgProcessingSeconds != 6 {
		t.Errorf("negative duration should not skew avg: got %f", s.AvgProcessingSeconds)
	}
}

func TestLedgerRestore(t *testing.T) {
	l := NewLedger()
	l.Restore(storage.JobTotals{
		Created:    10,
		Completed:  6,
		Failed:     2,
		Retried:    3,
		Published:  4,
		AvgSeconds: 5,
	})

	s := l.Snapshot()
	if s.TotalJobsCreated != 10 || s.TotalJobsCompleted != 6 || s.TotalJobsFailed != 2 {
		t.Errorf("restored counters wrong: %+v", s)
	}
	if s.TotalJobsRetried != 3 || s.TotalPublished != 4 {
		t.Errorf("restored counters wrong: %+v", s)
	}
	if s.AvgProcessingSeconds != 5 {
		t.Errorf("restored avg: want 5, got %f", s.AvgProcessingSeconds)
	}

	// New observations blend into the restored average.
	l.JobCompleted(14 * time.Second)
	s = l.Snapshot()
	want := (5.0*8 + 14) / 9
	if s.AvgProcessingSeconds != want {
		t.Errorf("blended avg: want %f, got %f", want, s.AvgProcessingSeconds)
	}
}

func TestHistoryFromJobs(t *testing.T) {
	created := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	done := created.Add(8 * time.Second)

	jobs := []storage.Job{
		{ID: "job-a", Status: "COMPLETED", CreatedAt: created, CompletedAt: done, PreviewURL: "http://localhost:4500/assets/job-a/preview.png"},
		{ID: "job-b", Status: "ANALYZED", CreatedAt: created},
	}

	items := HistoryFromJobs(jobs)
	if len(items) != 2 {
		t.Fatalf("want 2 items, got %d", len(items))
	}
	if items[0].JobID != "job-a" || items[0].Status != "COMPLETED" {
		t.Errorf("first item: %+v", items[0])
	}
	if items[0].CompletedAt == nil || !items[0].CompletedAt.Equal(done) {
		t.Errorf("completed_at not projected: %+v", items[0].CompletedAt)
	}
	if items[0].ThumbnailURL != jobs[0].PreviewURL {
		t.Errorf("thumbnail: got %q", items[0].ThumbnailURL)
	}
	if items[1].CompletedAt != nil {
		t.Errorf("unfinished job must have nil completed_at")
	}

	if got := HistoryFromJobs(nil); len(got) != 0 {
		t.Errorf("nil input: want empty, got %d", len(got))
	}
}
