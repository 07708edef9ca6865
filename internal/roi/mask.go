package roi

import (
	"image"
	"math"
	"math/bits"
	"sort"

	"github.com/wsilab/tessera/internal/annotation"
)

// Mask is a binary coverage bitmap over a ROI's bounding box at the
// extraction level. Row-major bitset, 64 pixels per word.
type Mask struct {
	w, h int
	wpr  int // words per row
	data []uint64
}

// NewMask allocates an all-zero w×h mask.
func NewMask(w, h int) *Mask {
	wpr := (w + 63) / 64
	return &Mask{w: w, h: h, wpr: wpr, data: make([]uint64, wpr*h)}
}

// Size returns the mask dimensions in pixels.
func (m *Mask) Size() (int, int) { return m.w, m.h }

// At reports whether the pixel is inside the region. Out-of-range
// coordinates are outside.
func (m *Mask) At(x, y int) bool {
	if x < 0 || x >= m.w || y < 0 || y >= m.h {
		return false
	}
	return m.data[y*m.wpr+x/64]>>(uint(x)%64)&1 == 1
}

// Count returns the number of inside pixels.
func (m *Mask) Count() int {
	total := 0
	for _, w := range m.data {
		total += bits.OnesCount64(w)
	}
	return total
}

// CountRect returns the number of inside pixels within r, clipped to the
// mask. Word-at-a-time popcount keeps the patch filter cheap.
func (m *Mask) CountRect(r image.Rectangle) int {
	r = r.Intersect(image.Rect(0, 0, m.w, m.h))
	if r.Empty() {
		return 0
	}
	total := 0
	for y := r.Min.Y; y < r.Max.Y; y++ {
		total += m.countRow(y, r.Min.X, r.Max.X)
	}
	return total
}

// countRow counts set bits in row y over the half-open span [x0, x1).
func (m *Mask) countRow(y, x0, x1 int) int {
	row := m.data[y*m.wpr : (y+1)*m.wpr]
	w0, w1 := x0/64, (x1-1)/64
	lo := ^uint64(0) << (uint(x0) % 64)
	hi := ^uint64(0) >> (63 - uint(x1-1)%64)

	if w0 == w1 {
		return bits.OnesCount64(row[w0] & lo & hi)
	}
	total := bits.OnesCount64(row[w0] & lo)
	for w := w0 + 1; w < w1; w++ {
		total += bits.OnesCount64(row[w])
	}
	return total + bits.OnesCount64(row[w1]&hi)
}

// setSpan sets bits [x0, x1) in row y. Callers clip to the row first.
func (m *Mask) setSpan(y, x0, x1 int) {
	row := m.data[y*m.wpr : (y+1)*m.wpr]
	w0, w1 := x0/64, (x1-1)/64
	lo := ^uint64(0) << (uint(x0) % 64)
	hi := ^uint64(0) >> (63 - uint(x1-1)%64)

	if w0 == w1 {
		row[w0] |= lo & hi
		return
	}
	row[w0] |= lo
	for w := w0 + 1; w < w1; w++ {
		row[w] = ^uint64(0)
	}
	row[w1] |= hi
}

// Rasterize fills a polygon into a mask covering bbox at the given
// downsample factor. Vertices and bbox are in level-0 space; the mask has
// one bit per extraction-level pixel. Inside-ness follows the even-odd
// rule evaluated at pixel centers, with a half-open edge crossing rule so
// a scanline through a shared vertex counts it once.
func Rasterize(verts []annotation.Vertex, bbox image.Rectangle, downsample float64) *Mask {
	w := int(math.Ceil(float64(bbox.Dx()) / downsample))
	h := int(math.Ceil(float64(bbox.Dy()) / downsample))
	m := NewMask(w, h)
	if w == 0 || h == 0 || len(verts) < 3 {
		return m
	}

	// Translate into mask pixel space.
	pts := make([]annotation.Vertex, len(verts))
	for i, v := range verts {
		pts[i] = annotation.Vertex{
			X: (v.X - float64(bbox.Min.X)) / downsample,
			Y: (v.Y - float64(bbox.Min.Y)) / downsample,
		}
	}

	xs := make([]float64, 0, len(pts))
	for y := 0; y < h; y++ {
		cy := float64(y) + 0.5

		xs = xs[:0]
		for i := range pts {
			p1, p2 := pts[i], pts[(i+1)%len(pts)]
			if (p1.Y <= cy && cy < p2.Y) || (p2.Y <= cy && cy < p1.Y) {
				t := (cy - p1.Y) / (p2.Y - p1.Y)
				xs = append(xs, p1.X+t*(p2.X-p1.X))
			}
		}
		sort.Float64s(xs)

		for i := 0; i+1 < len(xs); i += 2 {
			// First pixel whose center falls at or beyond each boundary.
			x0 := int(math.Ceil(xs[i] - 0.5))
			x1 := int(math.Ceil(xs[i+1] - 0.5))
			x0 = max(x0, 0)
			x1 = min(x1, w)
			if x0 < x1 {
				m.setSpan(y, x0, x1)
			}
		}
	}
	return m
}
