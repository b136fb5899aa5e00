package catalog

import (
	"context"
	"fmt"
	"image"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/lookcast/internal/storage"
	"github.com/kalambet/lookcast/internal/vision"
)

const (
	maxPageBytes      = 5 << 20 // 5MB per fetched listing page
	maxImageBytes     = 2 << 20 // 2MB per product image
	embedConcurrency  = 4
	imageFetchTimeout = 4 * time.Second
)

// Source is one per-category listing page the crawler extracts products from.
type Source struct {
	Category string
	URL      string
}

// DefaultSources lists one search page per category.
func DefaultSources() []Source {
	queries := map[string]string{
		"top":    "shirt",
		"bottom": "pants",
		"outer":  "jacket",
		"shoes":  "sneakers",
		"bag":    "bag",
	}
	var sources []Source
	for _, category := range CategoryPriority {
		sources = append(sources, Source{
			Category: category,
			URL:      "https://www.musinsa.com/search/goods?keyword=" + url.QueryEscape(queries[category]),
		})
	}
	return sources
}

// Crawler performs best-effort product extraction from listing pages.
type Crawler struct {
	client  *http.Client
	sources []Source
}

// NewCrawler creates a Crawler. A nil client uses http.DefaultClient; nil
// sources use DefaultSources.
func NewCrawler(client *http.Client, sources []Source) *Crawler {
	if client == nil {
		client = http.DefaultClient
	}
	if sources == nil {
		sources = DefaultSources()
	}
	return &Crawler{client: client, sources: sources}
}

// Fetch extracts up to limit products for one source. Page fetch and parse
// failures are returned to the caller, which skips the source.
func (c *Crawler) Fetch(ctx context.Context, src Source, limit int) ([]storage.CatalogProduct, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", src.URL, err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", src.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("source %s returned status %d", src.URL, resp.StatusCode)
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", src.URL, err)
	}

	products := extractProducts(doc, src, limit)
	if len(products) == 0 {
		return nil, fmt.Errorf("no products extracted from %s", src.URL)
	}
	return products, nil
}

// Embed fills in missing embeddings: product image first, text fallback.
// Image fetches run concurrently with a bounded limit; a failed image
// fetch silently degrades to the text embedding.
func (c *Crawler) Embed(ctx context.Context, products []storage.CatalogProduct) []storage.CatalogProduct {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)

	for i := range products {
		if len(products[i].Embedding) > 0 {
			continue
		}
		i := i
		g.Go(func() error {
			p := &products[i]
			if p.ImageURL != "" {
				if vec, err := c.embedFromImageURL(gCtx, p.ImageURL); err == nil {
					p.Embedding = vec
					return nil
				}
			}
			p.Embedding = vision.EmbedText(p.Category + " " + p.Brand + " " + p.Name)
			return nil
		})
	}

	g.Wait()
	return products
}

func (c *Crawler) embedFromImageURL(ctx context.Context, imageURL string) ([]float32, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, imageFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("image fetch returned status %d", resp.StatusCode)
	}

	img, _, err := image.Decode(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, err
	}
	return vision.EmbedImage(img), nil
}

var priceRe = regexp.MustCompile(`([0-9][0-9,]{2,})`)

// extractProducts walks the parsed page collecting product anchors. A
// product anchor links to a goods/product detail page and carries an image
// or readable name.
func extractProducts(doc *html.Node, src Source, limit int) []storage.CatalogProduct {
	var products []storage.CatalogProduct
	seen := make(map[string]bool)

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if len(products) >= limit {
			return
		}
		if n.Type == html.ElementNode && n.Data == "a" {
			href := attrValue(n, "href")
			if isProductLink(href) {
				if p, ok := productFromAnchor(n, href, src); ok && !seen[p.ProductID] {
					seen[p.ProductID] = true
					products = append(products, p)
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return products
}

func isProductLink(href string) bool {
	return href != "" && (strings.Contains(href, "/goods/") ||
		strings.Contains(href, "/products/") ||
		strings.Contains(href, "/product/"))
}

func productFromAnchor(n *html.Node, href string, src Source) (storage.CatalogProduct, bool) {
	name := strings.TrimSpace(attrValue(n, "title"))
	imageURL := ""
	text := &strings.Builder{}

	var walk func(node *html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			text.WriteString(node.Data)
			text.WriteString(" ")
		}
		if node.Type == html.ElementNode && node.Data == "img" {
			if imageURL == "" {
				imageURL = attrValue(node, "src")
			}
			if name == "" {
				name = strings.TrimSpace(attrValue(node, "alt"))
			}
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)

	raw := strings.Join(strings.Fields(text.String()), " ")
	if name == "" {
		name = raw
	}
	if name == "" {
		return storage.CatalogProduct{}, false
	}

	return storage.CatalogProduct{
		ProductID:  productID(href),
		Category:   src.Category,
		Name:       name,
		Price:      parsePrice(raw),
		ImageURL:   resolveURL(src.URL, imageURL),
		ProductURL: resolveURL(src.URL, href),
	}, true
}

// productID derives a stable identifier from the product URL's last
// non-empty path segment.
func productID(href string) string {
	trimmed := strings.TrimRight(href, "/")
	if i := strings.IndexAny(trimmed, "?#"); i >= 0 {
		trimmed = trimmed[:i]
	}
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	if trimmed == "" {
		return href
	}
	return trimmed
}

func parsePrice(text string) int {
	m := priceRe.FindString(text)
	if m == "" {
		return 0
	}
	n, err := strconv.Atoi(strings.ReplaceAll(m, ",", ""))
	if err != nil {
		return 0
	}
	return n
}

func resolveURL(base, ref string) string {
	if ref == "" {
		return ""
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return ref
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return baseURL.ResolveReference(refURL).String()
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
