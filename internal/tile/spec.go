// Package tile plans fixed-size patches over a ROI box. The grid is a
// pure function of the box dimensions and the patch spec: origins come out
// in row-major order and any index can be recomputed independently, which
// is what makes runs resumable at patch granularity.
package tile

import (
	"fmt"
	"strings"
)

// EdgePolicy controls what happens where a nominal patch would overrun
// the ROI box.
type EdgePolicy string

const (
	// EdgeDrop omits partial patches.
	EdgeDrop EdgePolicy = "drop"
	// EdgePad emits full-size patches and fills the overrun with the pad
	// value.
	EdgePad EdgePolicy = "pad"
	// EdgeShrink emits the partial patch at its clipped size.
	EdgeShrink EdgePolicy = "shrink"
)

// ParseEdgePolicy resolves a configured policy name.
func ParseEdgePolicy(s string) (EdgePolicy, error) {
	switch p := EdgePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case EdgeDrop, EdgePad, EdgeShrink:
		return p, nil
	default:
		return "", fmt.Errorf("unknown edge policy %q (want drop, pad or shrink)", s)
	}
}

// Spec is the patch geometry and filter configuration. Width/Height and
// StrideX/StrideY are extraction-level pixels; stride below the patch size
// overlaps, equal tiles exactly, above samples sparsely.
type Spec struct {
	Width        int
	Height       int
	StrideX      int
	StrideY      int
	Edge         EdgePolicy
	MinInclusion float64
	PadValue     uint8
	Formats      []string
}

// Normalized fills derivable zero values: strides default to the patch
// size, the edge policy to drop, formats to png. A MinInclusion of zero
// stays zero; it is a legal threshold that keeps every patch.
func (s Spec) Normalized() Spec {
	if s.StrideX == 0 {
		s.StrideX = s.Width
	}
	if s.StrideY == 0 {
		s.StrideY = s.Height
	}
	if s.Edge == "" {
		s.Edge = EdgeDrop
	}
	if len(s.Formats) == 0 {
		s.Formats = []string{"png"}
	}
	formats := make([]string, 0, len(s.Formats))
	seen := make(map[string]bool, len(s.Formats))
	for _, f := range s.Formats {
		f = normalizeFormat(f)
		if !seen[f] {
			seen[f] = true
			formats = append(formats, f)
		}
	}
	s.Formats = formats
	return s
}

// Validate rejects specs that cannot produce a grid.
func (s Spec) Validate() error {
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("patch size %dx%d must be positive", s.Width, s.Height)
	}
	if s.StrideX < 0 || s.StrideY < 0 {
		return fmt.Errorf("stride %dx%d must not be negative", s.StrideX, s.StrideY)
	}
	if s.MinInclusion < 0 || s.MinInclusion > 1 {
		return fmt.Errorf("min inclusion %g outside [0, 1]", s.MinInclusion)
	}
	switch s.Edge {
	case EdgeDrop, EdgePad, EdgeShrink:
	default:
		return fmt.Errorf("unknown edge policy %q", s.Edge)
	}
	for _, f := range s.Formats {
		switch normalizeFormat(f) {
		case "png", "tiff":
		default:
			return fmt.Errorf("unknown patch format %q (want png or tiff)", f)
		}
	}
	return nil
}

func normalizeFormat(f string) string {
	f = strings.ToLower(strings.TrimSpace(f))
	if f == "tif" {
		return "tiff"
	}
	return f
}

// PatchID is the deterministic patch identifier: the ROI id plus the
// patch origin within the ROI box. Identical input and spec reproduce
// identical IDs, which the manifest relies on for resume.
func PatchID(roiID string, x, y int) string {
	return fmt.Sprintf("%s_x%06d_y%06d", roiID, x, y)
}
