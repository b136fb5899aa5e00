package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/lookcast/internal/storage"
)

// Service owns the crawl lifecycle and the published index snapshot. The
// index pointer is the only shared structure: many readers, one writer,
// swapped atomically and never mutated after publication.
type Service struct {
	store        *storage.Store
	crawler      *Crawler
	fetchTimeout time.Duration
	logger       *slog.Logger

	index   atomic.Pointer[Index]
	version atomic.Int64

	// rebuildMu serializes snapshot+build+publish so a stale snapshot can
	// never overwrite a newer one under a higher version number. It also
	// guards degraded, the categories whose sources all failed on the
	// latest crawl.
	rebuildMu sync.Mutex
	degraded  []string
}

// NewService creates a catalog Service and publishes an empty index so
// Current never returns nil.
func NewService(store *storage.Store, crawler *Crawler, fetchTimeout time.Duration) *Service {
	if fetchTimeout <= 0 {
		fetchTimeout = 10 * time.Second
	}
	s := &Service{
		store:        store,
		crawler:      crawler,
		fetchTimeout: fetchTimeout,
		logger:       slog.Default(),
	}
	s.index.Store(BuildIndex(0, nil))
	return s
}

// Current returns the latest published index snapshot.
func (s *Service) Current() *Index {
	return s.index.Load()
}

// RebuildIndex snapshots the catalog store, builds a fresh per-category
// index, and atomically replaces the published pointer. In-flight matching
// calls keep using the snapshot they already dereferenced. Rebuilds are
// serialized: concurrent callers queue, and each published snapshot was
// taken after every earlier rebuild's publish.
func (s *Service) RebuildIndex() (total, indexed int, err error) {
	s.rebuildMu.Lock()
	defer s.rebuildMu.Unlock()

	products, err := s.store.SnapshotProducts()
	if err != nil {
		return 0, 0, fmt.Errorf("snapshotting catalog: %w", err)
	}
	ix := BuildIndex(s.version.Add(1), products, s.degraded...)
	s.index.Store(ix)
	s.logger.Info("catalog index rebuilt",
		"version", ix.Version(), "total", ix.Total(), "indexed", ix.Indexed())
	return ix.Total(), ix.Indexed(), nil
}

// StartCrawl records a QUEUED crawl job and runs it in the background.
func (s *Service) StartCrawl(limitPerCategory int, mode string) (storage.CrawlJob, error) {
	if mode != storage.CrawlModeIncremental && mode != storage.CrawlModeFull {
		return storage.CrawlJob{}, fmt.Errorf("invalid crawl mode %q", mode)
	}
	if limitPerCategory <= 0 {
		limitPerCategory = 300
	}

	job := storage.CrawlJob{
		ID:     uuid.New().String(),
		Status: storage.CrawlQueued,
		Mode:   mode,
	}
	if err := s.store.SaveCrawlJob(job); err != nil {
		return storage.CrawlJob{}, fmt.Errorf("saving crawl job: %w", err)
	}

	go s.runCrawl(job, limitPerCategory)
	return job, nil
}

// GetCrawlJob returns a crawl job projection.
func (s *Service) GetCrawlJob(id string) (storage.CrawlJob, error) {
	return s.store.GetCrawlJob(id)
}

func (s *Service) runCrawl(job storage.CrawlJob, limitPerCategory int) {
	job.Status = storage.CrawlRunning
	job.StartedAt = time.Now().UTC()
	if err := s.store.UpdateCrawlJob(job); err != nil {
		s.logger.Error("marking crawl job running", "crawl_job_id", job.ID, "error", err)
		return
	}

	discovered, indexed, err := s.crawlAndIndex(limitPerCategory, job.Mode)
	job.CompletedAt = time.Now().UTC()
	if err != nil {
		job.Status = storage.CrawlFailed
		job.ErrorMessage = err.Error()
		s.logger.Warn("crawl failed", "crawl_job_id", job.ID, "error", err)
	} else {
		job.Status = storage.CrawlCompleted
		job.TotalDiscovered = discovered
		job.TotalIndexed = indexed
		s.logger.Info("crawl completed",
			"crawl_job_id", job.ID, "discovered", discovered, "indexed", indexed)
	}
	if err := s.store.UpdateCrawlJob(job); err != nil {
		s.logger.Error("recording crawl result", "crawl_job_id", job.ID, "error", err)
	}
}

// crawlAndIndex fetches every source, skipping failed ones; when every
// source fails it loads the deterministic seed catalog so the system never
// ends up with an empty index. The new products are persisted and a fresh
// index is published.
func (s *Service) crawlAndIndex(limitPerCategory int, mode string) (discovered, indexed int, err error) {
	merged := make(map[string]storage.CatalogProduct)
	var order []string
	failed := make(map[string]bool)
	succeeded := make(map[string]bool)

	for _, src := range s.crawler.sources {
		ctx, cancel := context.WithTimeout(context.Background(), s.fetchTimeout)
		products, err := s.crawler.Fetch(ctx, src, limitPerCategory)
		cancel()
		if err != nil {
			// Partial success is success: skip the source and continue.
			s.logger.Warn("crawl source skipped", "category", src.Category, "url", src.URL, "error", err)
			failed[src.Category] = true
			continue
		}
		succeeded[src.Category] = true
		for _, p := range products {
			if _, ok := merged[p.ProductID]; !ok {
				order = append(order, p.ProductID)
			}
			merged[p.ProductID] = p
		}
	}

	var products []storage.CatalogProduct
	for _, id := range order {
		products = append(products, merged[id])
	}

	if len(products) == 0 {
		s.logger.Warn("all crawl sources failed, loading seed catalog")
		products = SeedCatalog()
	}

	embedCtx, cancel := context.WithTimeout(context.Background(), s.fetchTimeout*2)
	defer cancel()
	products = s.crawler.Embed(embedCtx, products)

	// Persist first, then derive the index from the store so the published
	// snapshot and durable state never diverge.
	if err := s.persist(products, mode); err != nil {
		return 0, 0, err
	}

	// Categories whose every source failed are marked degraded: their
	// emptiness reflects crawl timeouts, not an empty-result search.
	var degraded []string
	for category := range failed {
		if !succeeded[category] {
			degraded = append(degraded, category)
		}
	}
	s.rebuildMu.Lock()
	s.degraded = degraded
	s.rebuildMu.Unlock()

	if _, _, err := s.RebuildIndex(); err != nil {
		return 0, 0, err
	}

	for _, p := range products {
		if len(p.Embedding) > 0 {
			indexed++
		}
	}
	return len(products), indexed, nil
}

// persist applies mode semantics: full replaces the catalog wholesale,
// incremental merges by product_id, last write wins.
func (s *Service) persist(products []storage.CatalogProduct, mode string) error {
	if mode == storage.CrawlModeFull {
		if err := s.store.ReplaceProducts(products); err != nil {
			return fmt.Errorf("replacing catalog: %w", err)
		}
		return nil
	}
	if err := s.store.UpsertProducts(products); err != nil {
		return fmt.Errorf("upserting catalog: %w", err)
	}
	return nil
}

// Stats reports aggregate catalog state. Purely derived, no side effects.
type Stats struct {
	TotalProducts        int            `json:"total_products"`
	TotalIndexedProducts int            `json:"total_indexed_products"`
	Categories           map[string]int `json:"categories"`
	IndexVersion         int64          `json:"index_version"`
	LastCrawlCompletedAt *time.Time     `json:"last_crawl_completed_at,omitempty"`
}

// Stats returns current catalog statistics.
func (s *Service) Stats() (Stats, error) {
	total, indexed, err := s.store.CountProducts()
	if err != nil {
		return Stats{}, fmt.Errorf("counting products: %w", err)
	}

	ix := s.Current()
	stats := Stats{
		TotalProducts:        total,
		TotalIndexedProducts: indexed,
		Categories:           ix.CategoryCounts(),
		IndexVersion:         ix.Version(),
	}

	last, err := s.store.LastCrawlCompletedAt()
	if err != nil {
		return Stats{}, fmt.Errorf("reading last crawl time: %w", err)
	}
	if !last.IsZero() {
		stats.LastCrawlCompletedAt = &last
	}
	return stats, nil
}
