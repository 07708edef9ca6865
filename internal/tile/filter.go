package tile

import (
	"image"

	"github.com/wsilab/tessera/internal/roi"
)

// InclusionFraction returns the share of the patch footprint covered by
// the ROI mask. The denominator is always the footprint area as emitted,
// so under the pad policy the padded region counts as outside.
func InclusionFraction(m *roi.Mask, p Patch) float64 {
	area := p.W * p.H
	if area == 0 {
		return 0
	}
	inside := m.CountRect(image.Rect(p.X, p.Y, p.X+p.W, p.Y+p.H))
	return float64(inside) / float64(area)
}

// Qualifies reports whether the patch passes the inclusion threshold.
// A fraction exactly at the threshold qualifies.
func Qualifies(m *roi.Mask, p Patch, minInclusion float64) bool {
	return InclusionFraction(m, p) >= minInclusion
}
