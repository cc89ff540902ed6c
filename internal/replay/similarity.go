// internal/replay/similarity.go
package replay

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/png"
)

// Similarity method names accepted by replay.similarity_method.
const (
	MethodSizeRatio = "size_ratio"
	MethodPixel     = "pixel"
)

// SimilarityFunc scores two encoded screenshots in [0, 1].
type SimilarityFunc func(reference, current []byte) (float64, error)

// SimilarityFor returns the function registered for method. The empty method selects
// the size ratio.
func SimilarityFor(method string) (SimilarityFunc, error) {
	switch method {
	case "", MethodSizeRatio:
		return SizeRatio, nil
	case MethodPixel:
		return PixelSimilarity, nil
	default:
		return nil, fmt.Errorf("unknown similarity method %q", method)
	}
}

// SizeRatio is a cheap proxy: the ratio of the smaller encoded size to the larger.
func SizeRatio(reference, current []byte) (float64, error) {
	a, b := len(reference), len(current)
	switch {
	case a == 0 && b == 0:
		return 1, nil
	case a == 0 || b == 0:
		return 0, nil
	}
	return float64(min(a, b)) / float64(max(a, b)), nil
}

const (
	// pixelGrid bounds the number of sampled points per axis.
	pixelGrid = 64
	// pixelTolerance is the largest per-channel difference, on an 8-bit scale, still
	// counted as a match.
	pixelTolerance = 16
)

// PixelSimilarity decodes both images and returns the share of sampled pixels whose
// channels all lie within pixelTolerance. Images of different dimensions score 0.
func PixelSimilarity(reference, current []byte) (float64, error) {
	ref, _, err := image.Decode(bytes.NewReader(reference))
	if err != nil {
		return 0, fmt.Errorf("failed to decode reference screenshot: %w", err)
	}
	cur, _, err := image.Decode(bytes.NewReader(current))
	if err != nil {
		return 0, fmt.Errorf("failed to decode screenshot: %w", err)
	}

	rb, cb := ref.Bounds(), cur.Bounds()
	if rb.Dx() != cb.Dx() || rb.Dy() != cb.Dy() {
		return 0, nil
	}
	if rb.Empty() {
		return 1, nil
	}

	stepX := max(1, rb.Dx()/pixelGrid)
	stepY := max(1, rb.Dy()/pixelGrid)
	var total, matched int
	for y := 0; y < rb.Dy(); y += stepY {
		for x := 0; x < rb.Dx(); x += stepX {
			total++
			if pixelClose(ref.At(rb.Min.X+x, rb.Min.Y+y), cur.At(cb.Min.X+x, cb.Min.Y+y)) {
				matched++
			}
		}
	}
	return float64(matched) / float64(total), nil
}

func pixelClose(a, b color.Color) bool {
	ar, ag, ab, aa := a.RGBA()
	br, bg, bb, ba := b.RGBA()
	for _, d := range [4][2]uint32{{ar, br}, {ag, bg}, {ab, bb}, {aa, ba}} {
		// RGBA is 16-bit; compare on the 8-bit scale.
		x, y := int(d[0]>>8), int(d[1]>>8)
		if x-y > pixelTolerance || y-x > pixelTolerance {
			return false
		}
	}
	return true
}
