package matching

// ScoreBreakdown explains how a candidate's final score was composed.
// Every component is bounded to [0, 1].
type ScoreBreakdown struct {
	Image    float64 `json:"image"`
	Text     float64 `json:"text"`
	Category float64 `json:"category"`
	Price    float64 `json:"price"`
	Final    float64 `json:"final"`
}

// MatchItem is one selected candidate for a category. ProductID is a weak
// reference into the catalog; a later reindex may remove the product.
type MatchItem struct {
	Category       string         `json:"category"`
	ProductID      string         `json:"product_id"`
	Brand          string         `json:"brand,omitempty"`
	Name           string         `json:"name"`
	Price          int            `json:"price,omitempty"`
	ProductURL     string         `json:"product_url,omitempty"`
	ImageURL       string         `json:"image_url,omitempty"`
	ScoreBreakdown ScoreBreakdown `json:"score_breakdown"`
	EvidenceTags   []string       `json:"evidence_tags,omitempty"`
	FailureCode    string         `json:"failure_code,omitempty"`
}

// Constraints narrow a match or rerank invocation.
type Constraints struct {
	PriceCap  int    // hard ceiling; 0 = none
	ColorHint string // soft boost/penalty; "" = none
}

// Query carries a category descriptor into one engine invocation.
type Query struct {
	Category  string
	Vector    []float32
	HasRegion bool // a region-specific descriptor exists for the category
}
