package catalog

import (
	"time"

	"github.com/kalambet/lookcast/internal/storage"
)

// CategoryPriority is the order auto-matching fills look slots. Crawling
// covers the same categories.
var CategoryPriority = []string{"top", "bottom", "outer", "shoes", "bag"}

// Index is an immutable, versioned snapshot of the catalog, grouped by
// category and kept in insertion order. Readers hold a reference for the
// duration of one matching call; a concurrent rebuild publishes a new
// Index without touching this one.
type Index struct {
	version    int64
	byCategory map[string][]storage.CatalogProduct
	degraded   map[string]bool
	total      int
	indexed    int
	builtAt    time.Time
}

// BuildIndex groups a point-in-time product snapshot into an Index.
// Products without an embedding are counted but excluded from candidate
// lists; they cannot be ranked. Degraded categories are those whose crawl
// sources all failed, so their emptiness means timeout, not no-results.
func BuildIndex(version int64, products []storage.CatalogProduct, degraded ...string) *Index {
	ix := &Index{
		version:    version,
		byCategory: make(map[string][]storage.CatalogProduct),
		degraded:   make(map[string]bool, len(degraded)),
		total:      len(products),
		builtAt:    time.Now().UTC(),
	}
	for _, category := range degraded {
		ix.degraded[category] = true
	}
	for _, p := range products {
		if len(p.Embedding) == 0 {
			continue
		}
		ix.byCategory[p.Category] = append(ix.byCategory[p.Category], p)
		ix.indexed++
	}
	return ix
}

// Candidates returns the category's products in catalog insertion order.
// The returned slice must not be mutated.
func (ix *Index) Candidates(category string) []storage.CatalogProduct {
	return ix.byCategory[category]
}

// Degraded reports whether the category's crawl sources all failed when
// this snapshot's catalog was last crawled.
func (ix *Index) Degraded(category string) bool {
	return ix.degraded[category]
}

// Version returns the snapshot's build sequence number.
func (ix *Index) Version() int64 { return ix.version }

// Total returns the number of products in the snapshot, indexed or not.
func (ix *Index) Total() int { return ix.total }

// Indexed returns the number of rankable (embedded) products.
func (ix *Index) Indexed() int { return ix.indexed }

// BuiltAt returns when the snapshot was constructed.
func (ix *Index) BuiltAt() time.Time { return ix.builtAt }

// CategoryCounts returns indexed product counts per category.
func (ix *Index) CategoryCounts() map[string]int {
	counts := make(map[string]int, len(ix.byCategory))
	for category, items := range ix.byCategory {
		counts[category] = len(items)
	}
	return counts
}
