// Package roi derives regions of interest from annotation polygons: the
// level-0 bounding box clipped to the slide, the extraction level chosen
// from the pyramid, and a binary coverage mask at that level. Each ROI is
// independent; failures skip the ROI and the run continues.
package roi

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"

	"github.com/wsilab/tessera/internal/annotation"
	"github.com/wsilab/tessera/internal/slide"
)

// ErrEmptyROI marks polygons whose region contains nothing to extract:
// the bounding box clips to zero area, or the shape covers no pixel at
// the extraction level.
var ErrEmptyROI = errors.New("roi: region is empty")

// ROI is one extractable region: a polygon, its clipped level-0 bounding
// box, the pyramid level pixels are read at, and the coverage mask over
// the box at that level.
type ROI struct {
	Polygon annotation.Polygon
	BBox    image.Rectangle
	Level   slide.Level
	Mask    *Mask
}

// ID returns the polygon's stable identifier.
func (r *ROI) ID() string { return r.Polygon.ID }

// GridSize returns the box dimensions at the extraction level; the patch
// grid and the mask share this geometry.
func (r *ROI) GridSize() (int, int) { return r.Mask.Size() }

// Extractor derives ROIs for one slide. MaxDownsample bounds the
// extraction level: the coarsest level whose downsample factor does not
// exceed it is used, and values at or below 1 pin extraction to level 0.
type Extractor struct {
	MaxDownsample float64
	Logger        *slog.Logger
}

// Extract builds the ROI for one polygon. Returns ErrEmptyROI when the
// polygon lies outside the slide or covers no extraction-level pixel.
func (e Extractor) Extract(info slide.Info, p annotation.Polygon) (*ROI, error) {
	minX, minY, maxX, maxY := p.Bounds()
	bbox := image.Rect(
		int(math.Floor(minX)), int(math.Floor(minY)),
		int(math.Ceil(maxX)), int(math.Ceil(maxY)),
	)
	clipped := bbox.Intersect(info.Bounds())
	if clipped.Empty() {
		return nil, fmt.Errorf("%w: %s bounding box %v outside slide %v",
			ErrEmptyROI, p.ID, bbox, info.Bounds())
	}

	level := slide.ChooseLevel(info, e.MaxDownsample)
	mask := Rasterize(p.Vertices, clipped, level.Downsample)
	if mask.Count() == 0 {
		return nil, fmt.Errorf("%w: %s covers no pixel at level %d",
			ErrEmptyROI, p.ID, level.Index)
	}

	if e.Logger != nil {
		w, h := mask.Size()
		e.Logger.Debug("extracted roi",
			"roi", p.ID, "bbox", clipped.String(), "level", level.Index,
			"mask_px", fmt.Sprintf("%dx%d", w, h), "coverage", mask.Count())
	}
	return &ROI{Polygon: p, BBox: clipped, Level: level, Mask: mask}, nil
}
