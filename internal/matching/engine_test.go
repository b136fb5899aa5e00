package matching

import (
	"strings"
	"testing"

	"github.com/kalambet/lookcast/internal/catalog"
	"github.com/kalambet/lookcast/internal/storage"
)

type staticIndex struct {
	ix *catalog.Index
}

func (s staticIndex) Current() *catalog.Index { return s.ix }

func newTestEngine(products []storage.CatalogProduct) *Engine {
	return NewEngine(staticIndex{ix: catalog.BuildIndex(7, products)}, 0.35)
}

func product(id string, price int, embedding []float32) storage.CatalogProduct {
	return storage.CatalogProduct{
		ProductID: id,
		Category:  "top",
		Brand:     "BrandX",
		Name:      "Product " + id,
		Price:     price,
		Embedding: embedding,
	}
}

func TestSelectPicksHighestScore(t *testing.T) {
	query := []float32{1, 0, 0}
	e := newTestEngine([]storage.CatalogProduct{
		product("far", 100, []float32{0, 1, 0}),
		product("close", 100, []float32{0.9, 0.1, 0}),
		product("exact", 100, []float32{1, 0, 0}),
	})

	item, ok := e.Select(Query{Category: "top", Vector: query, HasRegion: true}, Constraints{})
	if !ok {
		t.Fatal("expected a real match")
	}
	if item.ProductID != "exact" {
		t.Errorf("want exact, got %s", item.ProductID)
	}
	if item.ScoreBreakdown.Image != 1.0 {
		t.Errorf("image score: want 1.0, got %f", item.ScoreBreakdown.Image)
	}
}

func TestSelectThresholdFiltersWeakMatches(t *testing.T) {
	// Orthogonal vector: cosine 0, below any positive threshold.
	e := newTestEngine([]storage.CatalogProduct{
		product("orthogonal", 100, []float32{0, 1, 0}),
	})

	item, ok := e.Select(Query{Category: "top", Vector: []float32{1, 0, 0}, HasRegion: true}, Constraints{})
	if ok {
		t.Fatalf("expected fallback, got %s", item.ProductID)
	}
	if item.FailureCode != storage.FailEmptyResult {
		t.Errorf("fallback failure code: want %s, got %s", storage.FailEmptyResult, item.FailureCode)
	}
	if item.ProductID != "fallback-top" {
		t.Errorf("fallback product ID: got %s", item.ProductID)
	}
	if item.ProductURL == "" || !strings.Contains(item.ProductURL, "keyword=") {
		t.Errorf("fallback should carry a search link, got %q", item.ProductURL)
	}
}

func TestSelectDegradedCategoryReportsTimeout(t *testing.T) {
	// "shoes" has zero candidates because every crawl source for it
	// failed; the fallback carries CRAWL_TIMEOUT, not EMPTY_RESULT.
	ix := catalog.BuildIndex(3, []storage.CatalogProduct{
		product("p1", 100, []float32{1, 0, 0}),
	}, "shoes")
	e := NewEngine(staticIndex{ix: ix}, 0.35)

	item, ok := e.Select(Query{Category: "shoes", Vector: []float32{1, 0, 0}}, Constraints{})
	if ok {
		t.Fatalf("expected fallback, got %s", item.ProductID)
	}
	if item.FailureCode != storage.FailCrawlTimeout {
		t.Errorf("degraded fallback code: want %s, got %s", storage.FailCrawlTimeout, item.FailureCode)
	}
	if item.ProductID != "fallback-shoes" {
		t.Errorf("fallback product ID: got %s", item.ProductID)
	}
}

func TestSelectDegradedWithCandidatesStaysEmptyResult(t *testing.T) {
	// Candidates exist but none clears the threshold: that is a genuine
	// empty ranking even when the category is marked degraded.
	ix := catalog.BuildIndex(4, []storage.CatalogProduct{
		product("weak", 100, []float32{0, 1, 0}),
	}, "top")
	e := NewEngine(staticIndex{ix: ix}, 0.35)

	item, ok := e.Select(Query{Category: "top", Vector: []float32{1, 0, 0}, HasRegion: true}, Constraints{})
	if ok {
		t.Fatalf("expected fallback, got %s", item.ProductID)
	}
	if item.FailureCode != storage.FailEmptyResult {
		t.Errorf("fallback code: want %s, got %s", storage.FailEmptyResult, item.FailureCode)
	}
}

func TestSelectTieBreakLowerPrice(t *testing.T) {
	query := []float32{1, 0, 0}
	vec := []float32{1, 0, 0}
	e := newTestEngine([]storage.CatalogProduct{
		product("pricier", 200, vec),
		product("cheaper", 100, vec),
	})

	item, ok := e.Select(Query{Category: "top", Vector: query, HasRegion: true}, Constraints{})
	if !ok {
		t.Fatal("expected a real match")
	}
	if item.ProductID != "cheaper" {
		t.Errorf("tie should break to lower price, got %s", item.ProductID)
	}
}

func TestSelectTieBreakInsertionOrder(t *testing.T) {
	query := []float32{1, 0, 0}
	vec := []float32{1, 0, 0}
	e := newTestEngine([]storage.CatalogProduct{
		product("first", 100, vec),
		product("second", 100, vec),
	})

	item, ok := e.Select(Query{Category: "top", Vector: query, HasRegion: true}, Constraints{})
	if !ok {
		t.Fatal("expected a real match")
	}
	if item.ProductID != "first" {
		t.Errorf("full tie should break to insertion order, got %s", item.ProductID)
	}
}

func TestSelectPriceCapExcludes(t *testing.T) {
	query := []float32{1, 0, 0}
	e := newTestEngine([]storage.CatalogProduct{
		product("expensive", 500, []float32{1, 0, 0}),
		product("affordable", 100, []float32{0.9, 0.1, 0}),
	})

	item, ok := e.Select(Query{Category: "top", Vector: query, HasRegion: true}, Constraints{PriceCap: 200})
	if !ok {
		t.Fatal("expected a real match")
	}
	if item.ProductID != "affordable" {
		t.Errorf("price cap should exclude expensive, got %s", item.ProductID)
	}
}

func TestSelectPriceCapAllExcludedFallsBack(t *testing.T) {
	e := newTestEngine([]storage.CatalogProduct{
		product("expensive", 500, []float32{1, 0, 0}),
	})

	_, ok := e.Select(Query{Category: "top", Vector: []float32{1, 0, 0}, HasRegion: true}, Constraints{PriceCap: 100})
	if ok {
		t.Error("expected fallback when every candidate exceeds the cap")
	}
}

func TestSelectColorHintBoost(t *testing.T) {
	query := []float32{1, 0, 0}
	vec := []float32{1, 0, 0}
	navy := product("navy-item", 100, vec)
	navy.Name = "Navy Oxford Shirt"
	red := product("red-item", 100, vec)
	red.Name = "Red Flannel Shirt"

	e := newTestEngine([]storage.CatalogProduct{red, navy})

	item, ok := e.Select(Query{Category: "top", Vector: query, HasRegion: true}, Constraints{ColorHint: "navy"})
	if !ok {
		t.Fatal("expected a real match")
	}
	if item.ProductID != "navy-item" {
		t.Errorf("color hint should prefer matching color, got %s", item.ProductID)
	}
}

func TestEvidenceTags(t *testing.T) {
	seed := product("seed-top-1", 100, []float32{1, 0, 0})
	e := newTestEngine([]storage.CatalogProduct{seed})

	item, ok := e.Select(Query{Category: "top", Vector: []float32{1, 0, 0}, HasRegion: true},
		Constraints{PriceCap: 300, ColorHint: "Black"})
	if !ok {
		t.Fatal("expected a real match")
	}

	want := map[string]bool{
		"category:top":  true,
		"index:v7":      true,
		"source:seed":   true,
		"price_cap:300": true,
		"color:black":   true,
	}
	got := make(map[string]bool, len(item.EvidenceTags))
	for _, tag := range item.EvidenceTags {
		got[tag] = true
	}
	for tag := range want {
		if !got[tag] {
			t.Errorf("missing evidence tag %q in %v", tag, item.EvidenceTags)
		}
	}
}

func TestSelectEmptyCategory(t *testing.T) {
	e := newTestEngine(nil)

	item, ok := e.Select(Query{Category: "bag", Vector: []float32{1, 0, 0}}, Constraints{})
	if ok {
		t.Fatal("expected fallback for empty category")
	}
	if item.Category != "bag" || item.FailureCode != storage.FailEmptyResult {
		t.Errorf("unexpected fallback: %+v", item)
	}
}

func TestCosineSimilarity(t *testing.T) {
	cases := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"empty", nil, []float32{1, 0}, 0},
		{"mismatched", []float32{1}, []float32{1, 0}, 0},
		{"zero norm", []float32{0, 0}, []float32{1, 0}, 0},
	}
	for _, tc := range cases {
		got := cosineSimilarity(tc.a, tc.b)
		if got < tc.want-1e-9 || got > tc.want+1e-9 {
			t.Errorf("%s: want %f, got %f", tc.name, tc.want, got)
		}
	}
}

func TestPriceFit(t *testing.T) {
	if got := priceFit(100, 0); got != 1.0 {
		t.Errorf("no cap: want 1.0, got %f", got)
	}
	if got := priceFit(0, 200); got != 0.5 {
		t.Errorf("unknown price: want 0.5, got %f", got)
	}
	if got := priceFit(100, 200); got != 0.75 {
		t.Errorf("half of cap: want 0.75, got %f", got)
	}
}

func TestColorCompatibility(t *testing.T) {
	if got := colorCompatibility("", "Navy Shirt"); got != 0.5 {
		t.Errorf("no hint: want 0.5, got %f", got)
	}
	if got := colorCompatibility("navy", "Navy Shirt"); got != 1.0 {
		t.Errorf("match: want 1.0, got %f", got)
	}
	if got := colorCompatibility("navy", "Red Shirt"); got != 0.2 {
		t.Errorf("clash: want 0.2, got %f", got)
	}
	if got := colorCompatibility("navy", "Oxford Shirt"); got != 0.5 {
		t.Errorf("neutral: want 0.5, got %f", got)
	}
}
