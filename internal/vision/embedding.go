package vision

import (
	"hash/fnv"
	"image"
	"math"
	"strings"
)

// Dim is the fixed embedding length. Catalog products and query
// descriptors must agree on it for cosine similarity to be meaningful.
const Dim = 64

// EmbedImage derives a deterministic descriptor from pixel content: a
// 4x4x4 RGB histogram, L2-normalized. The same image always produces the
// same vector, which keeps ranking reproducible.
func EmbedImage(img image.Image) []float32 {
	vec := make([]float64, Dim)
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return normalize(vec)
	}

	// Sample on a coarse grid; full scans add nothing to a 64-bin histogram.
	stepX := b.Dx() / 64
	if stepX < 1 {
		stepX = 1
	}
	stepY := b.Dy() / 64
	if stepY < 1 {
		stepY = 1
	}

	for y := b.Min.Y; y < b.Max.Y; y += stepY {
		for x := b.Min.X; x < b.Max.X; x += stepX {
			r, g, bl, _ := img.At(x, y).RGBA()
			// 16-bit channels -> 2 bits each.
			bin := (r>>14)<<4 | (g>>14)<<2 | bl>>14
			vec[bin]++
		}
	}
	return normalize(vec)
}

// EmbedText derives a deterministic descriptor from text by hashing tokens
// into histogram bins. Used for crawled products whose image could not be
// fetched, so they still participate in ranking.
func EmbedText(text string) []float32 {
	vec := make([]float64, Dim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[h.Sum32()%Dim] += 1.0
	}
	return normalize(vec)
}

func normalize(vec []float64) []float32 {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	out := make([]float32, len(vec))
	if sum == 0 {
		return out
	}
	norm := math.Sqrt(sum)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out
}
