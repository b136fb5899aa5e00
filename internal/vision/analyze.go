package vision

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

// MaxUploadBytes bounds accepted upload size.
const MaxUploadBytes = 10 << 20 // 10MB

// ErrInvalidImage is returned for uploads that are not decodable images,
// exceed the size bound, or carry a non-image content type.
var ErrInvalidImage = errors.New("invalid image upload")

// Region is a fractional crop box inside the uploaded photo, used to bias
// a category's descriptor toward where that garment usually appears.
type Region struct {
	X1, Y1, X2, Y2 float64
	Confidence     float64
}

// categoryRegions maps each garment category to its crop heuristic.
var categoryRegions = map[string]Region{
	"top":    {0.10, 0.05, 0.90, 0.46, 0.86},
	"bottom": {0.16, 0.40, 0.84, 0.78, 0.88},
	"outer":  {0.06, 0.02, 0.94, 0.60, 0.74},
	"shoes":  {0.15, 0.80, 0.85, 0.99, 0.70},
}

// Descriptors holds the derived per-category query vectors for one upload.
type Descriptors struct {
	Global     []float32
	ByCategory map[string][]float32
	Regions    map[string]Region
}

// Validate checks that the upload is an in-bounds, decodable image.
func Validate(data []byte, contentType string) error {
	if len(data) == 0 || len(data) > MaxUploadBytes {
		return fmt.Errorf("%w: size %d out of bounds", ErrInvalidImage, len(data))
	}
	if contentType != "" && !strings.HasPrefix(contentType, "image/") {
		return fmt.Errorf("%w: content type %q", ErrInvalidImage, contentType)
	}
	if _, _, err := image.Decode(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return nil
}

// Analyze decodes the upload and derives the global descriptor plus one
// per known category. Images too small to crop meaningfully get only the
// global descriptor; matching falls back to it.
func Analyze(data []byte) (Descriptors, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Descriptors{}, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	d := Descriptors{
		Global:     EmbedImage(img),
		ByCategory: make(map[string][]float32),
		Regions:    make(map[string]Region),
	}

	b := img.Bounds()
	if b.Dx() < 16 || b.Dy() < 16 {
		return d, nil
	}

	sub, ok := img.(interface {
		SubImage(r image.Rectangle) image.Image
	})
	if !ok {
		return d, nil
	}

	for category, region := range categoryRegions {
		d.ByCategory[category] = EmbedImage(sub.SubImage(cropRect(b, region)))
		d.Regions[category] = region
	}

	// Bags hang at either side; average the two vertical bands.
	left := EmbedImage(sub.SubImage(cropRect(b, Region{0.00, 0.25, 0.38, 0.80, 0})))
	right := EmbedImage(sub.SubImage(cropRect(b, Region{0.62, 0.25, 1.00, 0.80, 0})))
	d.ByCategory["bag"] = averageVectors(left, right)
	d.Regions["bag"] = Region{0.00, 0.25, 1.00, 0.80, 0.58}

	return d, nil
}

// Descriptor returns the query vector for a category, falling back to the
// global descriptor when no region vector exists.
func (d Descriptors) Descriptor(category string) []float32 {
	if v, ok := d.ByCategory[category]; ok {
		return blendVectors(v, d.Global, 0.82)
	}
	return d.Global
}

func cropRect(b image.Rectangle, r Region) image.Rectangle {
	w, h := b.Dx(), b.Dy()
	left := b.Min.X + clampInt(int(float64(w)*r.X1), 0, w-1)
	top := b.Min.Y + clampInt(int(float64(h)*r.Y1), 0, h-1)
	right := b.Min.X + clampInt(int(float64(w)*r.X2), left-b.Min.X+1, w)
	bottom := b.Min.Y + clampInt(int(float64(h)*r.Y2), top-b.Min.Y+1, h)
	return image.Rect(left, top, right, bottom)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// averageVectors returns the normalized element-wise mean of two vectors.
func averageVectors(a, b []float32) []float32 {
	if len(a) != len(b) {
		return a
	}
	mixed := make([]float64, len(a))
	for i := range a {
		mixed[i] = (float64(a[i]) + float64(b[i])) / 2
	}
	return normalize(mixed)
}

// blendVectors mixes a category vector with the global one so region noise
// never fully overrides the overall look.
func blendVectors(cat, global []float32, w float64) []float32 {
	if len(cat) != len(global) {
		return cat
	}
	mixed := make([]float64, len(cat))
	for i := range cat {
		mixed[i] = w*float64(cat[i]) + (1-w)*float64(global[i])
	}
	return normalize(mixed)
}
