package catalog

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/lookcast/internal/storage"
	"github.com/kalambet/lookcast/internal/vision"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:): %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

const listingHTML = `<!DOCTYPE html>
<html><body>
<div class="list">
  <a href="/goods/1001"><img src="/img/1001.jpg" alt="Wool Overcoat"/><span>BrandA Wool Overcoat</span><em>129,000</em></a>
  <a href="/goods/1002" title="Denim Jacket"><span>BrandB Denim Jacket 89,000</span></a>
  <a href="/goods/1001"><span>duplicate entry 129,000</span></a>
  <a href="/about">not a product</a>
  <a href="/products/2003"><img alt="Canvas Tote" src="https://cdn.example.com/2003.png"/></a>
</div>
</body></html>`

func TestCrawlerFetchExtractsProducts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(listingHTML))
	}))
	defer srv.Close()

	c := NewCrawler(srv.Client(), nil)
	products, err := c.Fetch(context.Background(), Source{Category: "outer", URL: srv.URL + "/search"}, 10)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if len(products) != 3 {
		t.Fatalf("want 3 products (duplicates and non-product links dropped), got %d", len(products))
	}

	first := products[0]
	if first.ProductID != "1001" {
		t.Errorf("product ID: want 1001, got %s", first.ProductID)
	}
	if first.Category != "outer" {
		t.Errorf("category: want outer, got %s", first.Category)
	}
	if first.Price != 129000 {
		t.Errorf("price: want 129000, got %d", first.Price)
	}
	if first.ImageURL != srv.URL+"/img/1001.jpg" {
		t.Errorf("image URL not resolved: %s", first.ImageURL)
	}
	if first.ProductURL != srv.URL+"/goods/1001" {
		t.Errorf("product URL not resolved: %s", first.ProductURL)
	}

	second := products[1]
	if second.Name != "Denim Jacket" {
		t.Errorf("title attribute should win: got %q", second.Name)
	}

	third := products[2]
	if third.ProductID != "2003" || third.Name != "Canvas Tote" {
		t.Errorf("img alt should name the product: %+v", third)
	}
	if third.ImageURL != "https://cdn.example.com/2003.png" {
		t.Errorf("absolute image URL must pass through: %s", third.ImageURL)
	}
}

func TestCrawlerFetchLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(listingHTML))
	}))
	defer srv.Close()

	c := NewCrawler(srv.Client(), nil)
	products, err := c.Fetch(context.Background(), Source{Category: "outer", URL: srv.URL}, 1)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(products) != 1 {
		t.Errorf("limit not applied: got %d", len(products))
	}
}

func TestCrawlerFetchErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/empty":
			w.Write([]byte("<html><body><p>no products here</p></body></html>"))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := NewCrawler(srv.Client(), nil)

	if _, err := c.Fetch(context.Background(), Source{Category: "top", URL: srv.URL + "/boom"}, 10); err == nil {
		t.Error("want error for 500 response")
	}
	if _, err := c.Fetch(context.Background(), Source{Category: "top", URL: srv.URL + "/empty"}, 10); err == nil {
		t.Error("want error for page without products")
	}
}

func TestEmbedFallsBackToText(t *testing.T) {
	// No reachable image server: every product degrades to text embedding.
	c := NewCrawler(&http.Client{Timeout: 100 * time.Millisecond}, nil)

	products := []storage.CatalogProduct{
		{ProductID: "p1", Category: "top", Name: "Linen Shirt", ImageURL: "http://127.0.0.1:1/nope.jpg"},
		{ProductID: "p2", Category: "shoes", Name: "Leather Boots"},
	}
	products = c.Embed(context.Background(), products)

	for _, p := range products {
		if len(p.Embedding) != vision.Dim {
			t.Errorf("%s: missing embedding", p.ProductID)
		}
	}
}

func TestEmbedKeepsExisting(t *testing.T) {
	c := NewCrawler(&http.Client{Timeout: 100 * time.Millisecond}, nil)

	existing := make([]float32, vision.Dim)
	existing[0] = 1
	products := c.Embed(context.Background(), []storage.CatalogProduct{
		{ProductID: "p1", Category: "top", Name: "Shirt", Embedding: existing},
	})
	if products[0].Embedding[0] != 1 {
		t.Error("existing embedding must not be recomputed")
	}
}

func TestSeedCatalogDeterministic(t *testing.T) {
	a := SeedCatalog()
	b := SeedCatalog()

	if len(a) == 0 {
		t.Fatal("seed catalog is empty")
	}
	if len(a) != len(b) {
		t.Fatalf("seed catalog size unstable: %d vs %d", len(a), len(b))
	}

	covered := make(map[string]bool)
	for i, p := range a {
		if p.ProductID != b[i].ProductID {
			t.Fatalf("seed order unstable at %d: %s vs %s", i, p.ProductID, b[i].ProductID)
		}
		if len(p.Embedding) != vision.Dim {
			t.Errorf("seed product %s missing embedding", p.ProductID)
		}
		covered[p.Category] = true
	}
	for _, category := range CategoryPriority {
		if !covered[category] {
			t.Errorf("seed catalog missing category %s", category)
		}
	}
}

func TestRebuildIndexPublishesSnapshot(t *testing.T) {
	store := openTestStore(t)
	svc := NewService(store, NewCrawler(nil, nil), time.Second)

	// Before any rebuild: the empty index, version 0.
	if got := svc.Current().Version(); got != 0 {
		t.Errorf("initial version: want 0, got %d", got)
	}

	if err := store.UpsertProducts(SeedCatalog()); err != nil {
		t.Fatalf("UpsertProducts: %v", err)
	}

	total, indexed, err := svc.RebuildIndex()
	if err != nil {
		t.Fatalf("RebuildIndex: %v", err)
	}
	if total == 0 || indexed != total {
		t.Errorf("seed catalog should fully index: total=%d indexed=%d", total, indexed)
	}

	ix := svc.Current()
	if ix.Version() != 1 {
		t.Errorf("version: want 1, got %d", ix.Version())
	}
	if len(ix.Candidates("top")) == 0 {
		t.Error("no top candidates after rebuild")
	}
}

// TestIndexSwapSnapshotStability verifies that a reader holding an index
// reference observes no mutation while rebuilds publish new versions.
func TestIndexSwapSnapshotStability(t *testing.T) {
	store := openTestStore(t)
	svc := NewService(store, NewCrawler(nil, nil), time.Second)
	if err := store.UpsertProducts(SeedCatalog()); err != nil {
		t.Fatalf("UpsertProducts: %v", err)
	}
	if _, _, err := svc.RebuildIndex(); err != nil {
		t.Fatalf("RebuildIndex: %v", err)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				svc.RebuildIndex()
			}
		}
	}()

	for i := 0; i < 200; i++ {
		ix := svc.Current()
		version := ix.Version()
		count := len(ix.Candidates("top"))
		// Re-reads of the same snapshot must be stable regardless of
		// concurrent rebuilds.
		if ix.Version() != version || len(ix.Candidates("top")) != count {
			t.Fatal("index snapshot mutated after publication")
		}
	}
	close(stop)
	wg.Wait()

	if svc.Current().Version() < 1 {
		t.Error("rebuilds did not advance the version")
	}
}

// TestRebuildIndexSerialized drives concurrent upsert+rebuild pairs and
// checks that the final published snapshot reflects every upsert. Each
// rebuild snapshots under the serialization lock, so whichever rebuild
// publishes last observed all earlier writes.
func TestRebuildIndexSerialized(t *testing.T) {
	store := openTestStore(t)
	svc := NewService(store, NewCrawler(nil, []Source{}), time.Second)

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := storage.CatalogProduct{
				ProductID: fmt.Sprintf("p-%d", i),
				Category:  "top",
				Name:      fmt.Sprintf("Shirt %d", i),
				Embedding: vision.EmbedText(fmt.Sprintf("shirt %d", i)),
				UpdatedAt: time.Now().UTC(),
			}
			if err := store.UpsertProducts([]storage.CatalogProduct{p}); err != nil {
				t.Errorf("UpsertProducts: %v", err)
				return
			}
			if _, _, err := svc.RebuildIndex(); err != nil {
				t.Errorf("RebuildIndex: %v", err)
			}
		}(i)
	}
	wg.Wait()

	ix := svc.Current()
	if ix.Indexed() != writers {
		t.Errorf("published snapshot lost writes: want %d products, got %d", writers, ix.Indexed())
	}
	if ix.Version() != writers {
		t.Errorf("version: want %d, got %d", writers, ix.Version())
	}
}

func TestCrawlMarksFailedCategoriesDegraded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(listingHTML))
	}))
	defer srv.Close()

	store := openTestStore(t)
	sources := []Source{
		{Category: "top", URL: srv.URL + "/search"},
		{Category: "shoes", URL: "http://127.0.0.1:1/search"},
	}
	crawler := NewCrawler(&http.Client{Timeout: 300 * time.Millisecond}, sources)
	svc := NewService(store, crawler, time.Second)

	if _, _, err := svc.crawlAndIndex(10, storage.CrawlModeIncremental); err != nil {
		t.Fatalf("crawlAndIndex: %v", err)
	}

	ix := svc.Current()
	if !ix.Degraded("shoes") {
		t.Error("shoes source failed, category should be degraded")
	}
	if ix.Degraded("top") {
		t.Error("top source succeeded, category must not be degraded")
	}

	// A later operator rebuild keeps the crawl's degraded marking.
	if _, _, err := svc.RebuildIndex(); err != nil {
		t.Fatalf("RebuildIndex: %v", err)
	}
	if !svc.Current().Degraded("shoes") {
		t.Error("rebuild dropped the degraded marking")
	}
}

func TestCrawlAndIndexSeedFallback(t *testing.T) {
	// Sources point at an unreachable host: every fetch fails and the seed
	// catalog is loaded instead.
	store := openTestStore(t)
	sources := []Source{{Category: "top", URL: "http://127.0.0.1:1/search"}}
	crawler := NewCrawler(&http.Client{Timeout: 50 * time.Millisecond}, sources)
	svc := NewService(store, crawler, 100*time.Millisecond)

	discovered, indexed, err := svc.crawlAndIndex(10, storage.CrawlModeIncremental)
	if err != nil {
		t.Fatalf("crawlAndIndex: %v", err)
	}
	if discovered == 0 || indexed != discovered {
		t.Errorf("seed fallback: discovered=%d indexed=%d", discovered, indexed)
	}

	total, _, err := store.CountProducts()
	if err != nil {
		t.Fatalf("CountProducts: %v", err)
	}
	if total != discovered {
		t.Errorf("persisted %d products, reported %d", total, discovered)
	}
	if svc.Current().Version() != 1 {
		t.Errorf("index not rebuilt after crawl: v%d", svc.Current().Version())
	}
}

func TestCrawlFullReplaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(listingHTML))
	}))
	defer srv.Close()

	store := openTestStore(t)

	// Pre-existing product that the full crawl must remove.
	stale := storage.CatalogProduct{
		ProductID: "stale-1", Category: "top", Name: "Old Shirt",
		Embedding: vision.EmbedText("old shirt"), UpdatedAt: time.Now().UTC(),
	}
	if err := store.UpsertProducts([]storage.CatalogProduct{stale}); err != nil {
		t.Fatalf("UpsertProducts: %v", err)
	}

	sources := []Source{{Category: "outer", URL: srv.URL + "/search"}}
	svc := NewService(store, NewCrawler(srv.Client(), sources), time.Second)

	if _, _, err := svc.crawlAndIndex(10, storage.CrawlModeFull); err != nil {
		t.Fatalf("crawlAndIndex: %v", err)
	}

	products, err := store.SnapshotProducts()
	if err != nil {
		t.Fatalf("SnapshotProducts: %v", err)
	}
	for _, p := range products {
		if p.ProductID == "stale-1" {
			t.Error("full crawl must replace the catalog wholesale")
		}
	}
}

func TestStartCrawlValidatesMode(t *testing.T) {
	store := openTestStore(t)
	svc := NewService(store, NewCrawler(nil, nil), time.Second)

	if _, err := svc.StartCrawl(10, "bulk"); err == nil {
		t.Error("want error for invalid mode")
	}
}

func TestStats(t *testing.T) {
	store := openTestStore(t)
	svc := NewService(store, NewCrawler(nil, nil), time.Second)

	if err := store.UpsertProducts(SeedCatalog()); err != nil {
		t.Fatalf("UpsertProducts: %v", err)
	}
	if _, _, err := svc.RebuildIndex(); err != nil {
		t.Fatalf("RebuildIndex: %v", err)
	}

	stats, err := svc.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalProducts == 0 || stats.TotalIndexedProducts != stats.TotalProducts {
		t.Errorf("unexpected counts: %+v", stats)
	}
	if stats.IndexVersion != 1 {
		t.Errorf("index version: want 1, got %d", stats.IndexVersion)
	}
	if stats.Categories["top"] == 0 {
		t.Error("missing per-category count")
	}
	if stats.LastCrawlCompletedAt != nil {
		t.Error("no crawl yet, last crawl time should be nil")
	}
}
