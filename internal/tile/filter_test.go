package tile

import (
	"image"
	"math"
	"testing"

	"github.com/wsilab/tessera/internal/annotation"
	"github.com/wsilab/tessera/internal/roi"
)

func rectMask(x0, y0, x1, y1 float64, box image.Rectangle) *roi.Mask {
	verts := []annotation.Vertex{{X: x0, Y: y0}, {X: x1, Y: y0}, {X: x1, Y: y1}, {X: x0, Y: y1}}
	return roi.Rasterize(verts, box, 1)
}

func TestInclusionFractionHalfCoveredBox(t *testing.T) {
	// Polygon covers x < 50 of a 100x100 box; 50x50 patches at stride 50.
	mask := rectMask(0, 0, 50, 100, image.Rect(0, 0, 100, 100))
	g := NewGrid(100, 100, Spec{Width: 50, Height: 50, StrideX: 50, StrideY: 50, Edge: EdgeDrop})

	wantFractions := map[int]float64{0: 1.0, 1: 0.0, 2: 1.0, 3: 0.0}
	for i := 0; i < g.Len(); i++ {
		p := g.At(i)
		if got := InclusionFraction(mask, p); got != wantFractions[i] {
			t.Errorf("patch %d at (%d,%d): fraction = %g, want %g", i, p.X, p.Y, got, wantFractions[i])
		}
	}

	var kept int
	for i := 0; i < g.Len(); i++ {
		if Qualifies(mask, g.At(i), 0.5) {
			kept++
		}
	}
	if kept != 2 {
		t.Errorf("kept %d patches at threshold 0.5, want 2 (left column only)", kept)
	}
}

func TestQualifiesAtExactThreshold(t *testing.T) {
	// Half the single patch is covered: fraction 0.5 meets threshold 0.5.
	mask := rectMask(0, 0, 25, 50, image.Rect(0, 0, 50, 50))
	p := Patch{X: 0, Y: 0, W: 50, H: 50}

	if got := InclusionFraction(mask, p); got != 0.5 {
		t.Fatalf("fraction = %g, want 0.5", got)
	}
	if !Qualifies(mask, p, 0.5) {
		t.Error("fraction equal to threshold must qualify")
	}
	if Qualifies(mask, p, 0.5+1e-9) {
		t.Error("fraction below threshold must not qualify")
	}
}

func TestInclusionFractionPaddedFootprint(t *testing.T) {
	// A padded patch hanging off the box: the denominator stays the
	// nominal footprint, so the overhang counts as outside.
	mask := rectMask(0, 0, 100, 100, image.Rect(0, 0, 100, 100))
	p := Patch{X: 80, Y: 0, W: 50, H: 50}

	want := float64(20*50) / float64(50*50)
	if got := InclusionFraction(mask, p); math.Abs(got-want) > 1e-12 {
		t.Fatalf("fraction = %g, want %g", got, want)
	}
}

func TestQualifiesZeroThresholdKeepsEverything(t *testing.T) {
	mask := rectMask(0, 0, 10, 10, image.Rect(0, 0, 100, 100))
	empty := Patch{X: 50, Y: 50, W: 50, H: 50}

	if got := InclusionFraction(mask, empty); got != 0 {
		t.Fatalf("fraction = %g, want 0", got)
	}
	if !Qualifies(mask, empty, 0) {
		t.Error("zero threshold must keep zero-coverage patches")
	}
}

func TestInclusionFractionEmptyPatch(t *testing.T) {
	mask := rectMask(0, 0, 10, 10, image.Rect(0, 0, 10, 10))
	if got := InclusionFraction(mask, Patch{W: 0, H: 50}); got != 0 {
		t.Fatalf("fraction of empty footprint = %g, want 0", got)
	}
}
