package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kalambet/lookcast/internal/matching"
	"github.com/kalambet/lookcast/internal/storage"
)

// JobView is the external representation of a styling job.
type JobView struct {
	JobID         string               `json:"job_id"`
	Status        string               `json:"status"`
	Progress      int                  `json:"progress"`
	QualityMode   string               `json:"quality_mode"`
	LookCount     int                  `json:"look_count"`
	Attempts      int                  `json:"attempts"`
	ParentJobID   string               `json:"parent_job_id,omitempty"`
	Tone          string               `json:"tone,omitempty"`
	Theme         string               `json:"theme,omitempty"`
	Items         []matching.MatchItem `json:"items,omitempty"`
	FailureCode   string               `json:"failure_code,omitempty"`
	PreviewURL    string               `json:"preview_url,omitempty"`
	VideoURL      string               `json:"video_url,omitempty"`
	PublishURL    string               `json:"publish_url,omitempty"`
	PublishStatus string               `json:"publish_status,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	CompletedAt   *time.Time           `json:"completed_at,omitempty"`
}

func jobProjection(job storage.Job) (JobView, error) {
	view := JobView{
		JobID:         job.ID,
		Status:        job.Status,
		Progress:      job.Progress,
		QualityMode:   job.QualityMode,
		LookCount:     job.LookCount,
		Attempts:      job.Attempts,
		ParentJobID:   job.ParentJobID,
		Tone:          job.Tone,
		Theme:         job.Theme,
		FailureCode:   job.FailureCode,
		PreviewURL:    job.PreviewURL,
		VideoURL:      job.VideoURL,
		PublishURL:    job.PublishURL,
		PublishStatus: job.PublishStatus,
		CreatedAt:     job.CreatedAt,
	}
	if !job.CompletedAt.IsZero() {
		completed := job.CompletedAt
		view.CompletedAt = &completed
	}
	if job.ItemsJSON != "" {
		if err := json.Unmarshal([]byte(job.ItemsJSON), &view.Items); err != nil {
			return JobView{}, fmt.Errorf("decoding items: %w", err)
		}
	}
	return view, nil
}

// CrawlJobView is the external representation of a crawl job.
type CrawlJobView struct {
	CrawlJobID      string     `json:"crawl_job_id"`
	Status          string     `json:"status"`
	Mode            string     `json:"mode"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	TotalDiscovered int        `json:"total_discovered"`
	TotalIndexed    int        `json:"total_indexed"`
	ErrorMessage    string     `json:"error_message,omitempty"`
}

func crawlJobProjection(job storage.CrawlJob) CrawlJobView {
	view := CrawlJobView{
		CrawlJobID:      job.ID,
		Status:          job.Status,
		Mode:            job.Mode,
		StartedAt:       job.StartedAt,
		TotalDiscovered: job.TotalDiscovered,
		TotalIndexed:    job.TotalIndexed,
		ErrorMessage:    job.ErrorMessage,
	}
	if !job.CompletedAt.IsZero() {
		completed := job.CompletedAt
		view.CompletedAt = &completed
	}
	return view
}
