package matching

import (
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"sort"
	"strings"

	"github.com/kalambet/lookcast/internal/catalog"
	"github.com/kalambet/lookcast/internal/storage"
)

// Score weights, fixed constants summing to 1.
const (
	wImage    = 0.6
	wText     = 0.1
	wCategory = 0.2
	wPrice    = 0.1
)

// IndexProvider yields the current catalog index snapshot. The engine
// dereferences it exactly once per invocation, so a concurrent rebuild
// never changes the candidate set mid-computation.
type IndexProvider interface {
	Current() *catalog.Index
}

// Engine ranks catalog candidates against per-category image descriptors.
type Engine struct {
	index         IndexProvider
	minSimilarity float64
	logger        *slog.Logger
}

// NewEngine creates an Engine. minSimilarity is the selection threshold on
// image similarity; candidates below it are never selected.
func NewEngine(index IndexProvider, minSimilarity float64) *Engine {
	return &Engine{
		index:         index,
		minSimilarity: minSimilarity,
		logger:        slog.Default(),
	}
}

// Select ranks the category's candidates and returns the winner. The
// second return value reports whether a real catalog candidate cleared
// the threshold; when false, the item is the deterministic search-link
// fallback carrying a scoped EMPTY_RESULT code, or CRAWL_TIMEOUT when
// the category is empty because its crawl sources failed.
func (e *Engine) Select(q Query, cons Constraints) (MatchItem, bool) {
	ix := e.index.Current()
	candidates := ix.Candidates(q.Category)

	type scored struct {
		product  storage.CatalogProduct
		score    ScoreBreakdown
		position int // catalog insertion order, final tie-break
	}
	var viable []scored

	for i, p := range candidates {
		if cons.PriceCap > 0 && p.Price > cons.PriceCap {
			continue
		}
		imageSim := clamp01(cosineSimilarity(q.Vector, p.Embedding))
		if imageSim < e.minSimilarity {
			continue
		}
		s := ScoreBreakdown{
			Image:    imageSim,
			Text:     colorCompatibility(cons.ColorHint, p.Brand+" "+p.Name),
			Category: categoryAffinity(q.HasRegion),
			Price:    priceFit(p.Price, cons.PriceCap),
		}
		s.Final = wImage*s.Image + wText*s.Text + wCategory*s.Category + wPrice*s.Price
		viable = append(viable, scored{product: p, score: s, position: i})
	}

	if len(viable) == 0 {
		e.logger.Debug("no viable candidate", "category", q.Category,
			"candidates", len(candidates), "index_version", ix.Version())
		code := storage.FailEmptyResult
		if len(candidates) == 0 && ix.Degraded(q.Category) {
			// Nothing to rank because the category's crawl sources timed
			// out, not because a search came back empty.
			code = storage.FailCrawlTimeout
		}
		return e.fallbackItem(q.Category, cons, code), false
	}

	// Deterministic ranking: score desc, then lower price, then catalog
	// insertion order.
	sort.SliceStable(viable, func(i, j int) bool {
		if viable[i].score.Final != viable[j].score.Final {
			return viable[i].score.Final > viable[j].score.Final
		}
		if viable[i].product.Price != viable[j].product.Price {
			return viable[i].product.Price < viable[j].product.Price
		}
		return viable[i].position < viable[j].position
	})

	best := viable[0]
	return MatchItem{
		Category:       q.Category,
		ProductID:      best.product.ProductID,
		Brand:          best.product.Brand,
		Name:           best.product.Name,
		Price:          best.product.Price,
		ProductURL:     best.product.ProductURL,
		ImageURL:       best.product.ImageURL,
		ScoreBreakdown: roundScore(best.score),
		EvidenceTags:   evidenceTags(best.product, cons, ix.Version()),
	}, true
}

// fallbackItem is the deterministic search-link placeholder substituted
// when a category has no viable candidate, so callers always have
// something to show. It is not a committed catalog product. failureCode
// scopes the emptiness: EMPTY_RESULT for a genuinely empty ranking,
// CRAWL_TIMEOUT when the category's catalog never arrived.
func (e *Engine) fallbackItem(category string, cons Constraints, failureCode string) MatchItem {
	query := category
	if cons.ColorHint != "" {
		query = cons.ColorHint + " " + category
	}
	return MatchItem{
		Category:    category,
		ProductID:   "fallback-" + category,
		Name:        fmt.Sprintf("Search results for %q", query),
		ProductURL:  "https://www.musinsa.com/search/goods?keyword=" + url.QueryEscape(query),
		FailureCode: failureCode,
		EvidenceTags: []string{
			"fallback:search-link",
			"category:" + category,
		},
	}
}

func evidenceTags(p storage.CatalogProduct, cons Constraints, indexVersion int64) []string {
	tags := []string{
		"category:" + p.Category,
		"model:hist-embed",
		fmt.Sprintf("index:v%d", indexVersion),
	}
	if strings.HasPrefix(p.ProductID, "seed-") {
		tags = append(tags, "source:seed")
	} else {
		tags = append(tags, "source:crawled")
	}
	if cons.PriceCap > 0 {
		tags = append(tags, fmt.Sprintf("price_cap:%d", cons.PriceCap))
	}
	if cons.ColorHint != "" {
		tags = append(tags, "color:"+strings.ToLower(strings.TrimSpace(cons.ColorHint)))
	}
	return tags
}

// cosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched or empty vectors score zero.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// colorVocabulary maps color hint tokens usable in product names.
var colorVocabulary = []string{
	"black", "white", "grey", "gray", "navy", "blue", "red", "green",
	"beige", "brown", "khaki", "ivory", "cream", "pink", "purple", "yellow",
}

// colorCompatibility scores the color hint against product name color
// tokens: match boosts, a clashing color penalizes, absence stays neutral.
func colorCompatibility(hint, productText string) float64 {
	hint = strings.ToLower(strings.TrimSpace(hint))
	if hint == "" {
		return 0.5
	}
	text := strings.ToLower(productText)
	if strings.Contains(text, hint) {
		return 1.0
	}
	for _, color := range colorVocabulary {
		if color != hint && strings.Contains(text, color) {
			return 0.2
		}
	}
	return 0.5
}

// categoryAffinity reflects how confidently the query descriptor targets
// the category: region-specific descriptors beat the global fallback.
func categoryAffinity(hasRegion bool) float64 {
	if hasRegion {
		return 1.0
	}
	return 0.8
}

// priceFit rewards candidates well under the cap. Without a cap every
// candidate fits equally; unknown prices sit in the middle.
func priceFit(price, priceCap int) float64 {
	if priceCap <= 0 {
		return 1.0
	}
	if price <= 0 {
		return 0.5
	}
	return 1.0 - 0.5*float64(price)/float64(priceCap)
}

func roundScore(s ScoreBreakdown) ScoreBreakdown {
	return ScoreBreakdown{
		Image:    round4(s.Image),
		Text:     round4(s.Text),
		Category: round4(s.Category),
		Price:    round4(s.Price),
		Final:    round4(s.Final),
	}
}

func round4(v float64) float64 {
	return float64(int64(v*10000+0.5)) / 10000
}
