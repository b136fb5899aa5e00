package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/lookcast/internal/catalog"
	"github.com/kalambet/lookcast/internal/matching"
	"github.com/kalambet/lookcast/internal/metrics"
	"github.com/kalambet/lookcast/internal/pipeline"
	"github.com/kalambet/lookcast/internal/storage"
	"github.com/kalambet/lookcast/internal/vision"
)

const defaultHistoryLimit = 20

// AppDeps holds the service dependencies for the HTTP surface.
type AppDeps struct {
	Jobs    *pipeline.Service
	Catalog *catalog.Service
	Store   *storage.Store
	Ledger  *metrics.Ledger
	Token   string // empty disables bearer auth on operator routes
	BootAt  time.Time

	// CrawlLimit is the configured per-category crawl limit applied when a
	// request does not name one.
	CrawlLimit int
}

// NewAppHandler builds the chi router for every external operation.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", handleHealth(deps))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", handleCreateJob(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))
		r.Post("/jobs/{id}/rerank", handleRerank(deps))
		r.Post("/jobs/{id}/approve", handleApprove(deps))
		r.Post("/jobs/{id}/retry", handleRetry(deps))
		r.Post("/jobs/{id}/publish", handlePublish(deps))

		r.Get("/metrics", handleMetrics(deps))
		r.Get("/history", handleHistory(deps))
		r.Get("/catalog/stats", handleCatalogStats(deps))
		r.Get("/catalog/crawl/{id}", handleGetCrawlJob(deps))

		// Operator routes: mutating catalog state requires the token when
		// one is configured.
		r.Group(func(r chi.Router) {
			if deps.Token != "" {
				r.Use(BearerAuth(deps.Token))
			}
			r.Post("/catalog/crawl", handleStartCrawl(deps))
			r.Post("/catalog/reindex", handleReindex(deps))
		})
	})

	return r
}

func handleCreateJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, vision.MaxUploadBytes+1<<20)

		if err := r.ParseMultipartForm(vision.MaxUploadBytes); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart form: %v", err)
			return
		}

		file, header, err := r.FormFile("image")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "image file is required")
			return
		}
		defer file.Close()

		data, err := io.ReadAll(io.LimitReader(file, vision.MaxUploadBytes+1))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading image: %v", err)
			return
		}

		lookCount := 2
		if raw := r.FormValue("look_count"); raw != "" {
			lookCount, err = strconv.Atoi(raw)
			if err != nil || lookCount < 1 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "look_count must be a positive integer")
				return
			}
		}
		qualityMode := r.FormValue("quality_mode")
		if qualityMode == "" {
			qualityMode = storage.QualityAutoGate
		}

		result, err := deps.Jobs.Create(pipeline.CreateRequest{
			ImageData:      data,
			ContentType:    header.Header.Get("Content-Type"),
			LookCount:      lookCount,
			QualityMode:    qualityMode,
			Tone:           r.FormValue("tone"),
			Theme:          r.FormValue("theme"),
			IdempotencyKey: r.Header.Get("Idempotency-Key"),
		})
		if err != nil {
			if errors.Is(err, vision.ErrInvalidImage) || errors.Is(err, pipeline.ErrInvalidRequest) {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "creating job: %v", err)
			return
		}

		writeJSON(w, http.StatusCreated, result)
	}
}

func handleGetJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := deps.Jobs.Get(chi.URLParam(r, "id"))
		if err != nil {
			jobError(w, err)
			return
		}
		proj, err := jobProjection(job)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "projecting job: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, proj)
	}
}

type rerankRequest struct {
	Category  string `json:"category"`
	PriceCap  int    `json:"price_cap,omitempty"`
	ColorHint string `json:"color_hint,omitempty"`
}

func handleRerank(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rerankRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Category == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "category is required")
			return
		}

		item, err := deps.Jobs.Rerank(chi.URLParam(r, "id"), req.Category, matching.Constraints{
			PriceCap:  req.PriceCap,
			ColorHint: req.ColorHint,
		})
		if err != nil {
			jobError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"job_id":   chi.URLParam(r, "id"),
			"category": req.Category,
			"selected": item,
		})
	}
}

func handleApprove(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := deps.Jobs.Approve(chi.URLParam(r, "id"))
		if err != nil {
			jobError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"job_id":    job.ID,
			"status":    job.Status,
			"video_url": job.VideoURL,
		})
	}
}

func handleRetry(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := deps.Jobs.Retry(chi.URLParam(r, "id"))
		if err != nil {
			jobError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func handlePublish(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := deps.Jobs.Publish(chi.URLParam(r, "id"))
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) || errors.Is(err, pipeline.ErrInvalidState) {
				jobError(w, err)
				return
			}
			writeJSON(w, http.StatusBadGateway, result)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

type startCrawlRequest struct {
	LimitPerCategory int    `json:"limit_per_category"`
	Mode             string `json:"mode"`
}

func handleStartCrawl(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := startCrawlRequest{Mode: storage.CrawlModeIncremental}
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
		}

		if req.LimitPerCategory <= 0 {
			req.LimitPerCategory = deps.CrawlLimit
		}

		job, err := deps.Catalog.StartCrawl(req.LimitPerCategory, req.Mode)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"crawl_job_id": job.ID,
			"status":       job.Status,
			"mode":         job.Mode,
		})
	}
}

func handleGetCrawlJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := deps.Catalog.GetCrawlJob(chi.URLParam(r, "id"))
		if err != nil {
			jobError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, crawlJobProjection(job))
	}
}

func handleReindex(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		total, indexed, err := deps.Catalog.RebuildIndex()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "rebuilding index: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"total_products":         total,
			"total_indexed_products": indexed,
		})
	}
}

func handleCatalogStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Catalog.Stats()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading stats: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func handleMetrics(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Ledger.Snapshot())
	}
}

func handleHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultHistoryLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "limit must be a positive integer")
				return
			}
			limit = n
		}

		jobs, err := deps.Store.ListRecentJobs(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing history: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"jobs": metrics.HistoryFromJobs(jobs),
		})
	}
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		totals, err := deps.Store.JobTotals()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading job totals: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":         "ok",
			"uptime_seconds": int(time.Since(deps.BootAt).Seconds()),
			"total_jobs":     totals.Created,
		})
	}
}

// jobError maps service errors to HTTP status codes.
func jobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "not found")
	case errors.Is(err, pipeline.ErrInvalidState):
		httpError(w, http.StatusConflict, "invalid_state_error", "%v", err)
	case errors.Is(err, pipeline.ErrRetryExhausted):
		httpError(w, http.StatusConflict, "invalid_state_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
