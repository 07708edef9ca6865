// Package annotation parses human-drawn region annotations for a slide.
// The upstream viewer exports a JSON array of records, each carrying either
// a polygon vertex list or an axis-aligned region rectangle, recorded at
// some pyramid level. Parsing normalizes every shape to a closed polygon
// in level-0 pixel space; malformed records are skipped and reported, never
// fatal.
package annotation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedAnnotation marks records (or files) that cannot be parsed
// into a usable polygon. Callers skip the record and continue.
var ErrMalformedAnnotation = errors.New("annotation: malformed record")

// ARGB is a packed 32-bit annotation color, alpha in the top byte. The
// viewer serializes it as a signed integer; negative values are the same
// bits reinterpreted.
type ARGB uint32

func (c ARGB) Alpha() uint8 { return uint8(c >> 24) }
func (c ARGB) Red() uint8   { return uint8(c >> 16) }
func (c ARGB) Green() uint8 { return uint8(c >> 8) }
func (c ARGB) Blue() uint8  { return uint8(c) }

// IsBlue reports whether the color reads as blue: the blue channel
// dominates red and green and exceeds half intensity.
func (c ARGB) IsBlue() bool {
	r, g, b := c.Red(), c.Green(), c.Blue()
	return b > r && b > g && b > 128
}

func (c ARGB) String() string {
	return fmt.Sprintf("#%08X", uint32(c))
}

// ColorFilter selects annotations by color. A nil filter keeps everything.
type ColorFilter func(ARGB) bool

// FilterByName resolves a configured color filter name. The empty name
// means no filtering.
func FilterByName(name string) (ColorFilter, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "":
		return nil, nil
	case "blue":
		return ARGB.IsBlue, nil
	default:
		return nil, fmt.Errorf("unknown color filter %q (supported: blue)", name)
	}
}

// Vertex is a polygon point. The JSON encoding is either a two-element
// array [x, y] or an object {"x": ..., "y": ...}; both appear in exports.
type Vertex struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (v *Vertex) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var pair []float64
		if err := json.Unmarshal(data, &pair); err != nil {
			return err
		}
		if len(pair) != 2 {
			return fmt.Errorf("vertex pair has %d elements, want 2", len(pair))
		}
		v.X, v.Y = pair[0], pair[1]
		return nil
	}

	var obj struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	v.X, v.Y = obj.X, obj.Y
	return nil
}

// Rect is the viewer's rectangle shape. Width or height may be negative
// when the user dragged from a corner other than top-left.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// normalized moves the anchor so both extents are positive.
func (r Rect) normalized() Rect {
	if r.Width < 0 {
		r.X += r.Width
		r.Width = -r.Width
	}
	if r.Height < 0 {
		r.Y += r.Height
		r.Height = -r.Height
	}
	return r
}

// vertices converts the rectangle to its four corners, clockwise from the
// top-left.
func (r Rect) vertices() []Vertex {
	return []Vertex{
		{X: r.X, Y: r.Y},
		{X: r.X + r.Width, Y: r.Y},
		{X: r.X + r.Width, Y: r.Y + r.Height},
		{X: r.X, Y: r.Y + r.Height},
	}
}

// Polygon is a parsed annotation region. Vertices are in level-0 pixel
// space and form a closed ring (the closing edge back to Vertices[0] is
// implicit). At least three vertices.
type Polygon struct {
	ID       string
	SlideID  string
	Label    string
	Color    ARGB
	Vertices []Vertex
}

// Bounds returns the axis-aligned extent of the polygon in level-0 space.
func (p Polygon) Bounds() (minX, minY, maxX, maxY float64) {
	minX, minY = p.Vertices[0].X, p.Vertices[0].Y
	maxX, maxY = minX, minY
	for _, v := range p.Vertices[1:] {
		minX = min(minX, v.X)
		minY = min(minY, v.Y)
		maxX = max(maxX, v.X)
		maxY = max(maxY, v.Y)
	}
	return minX, minY, maxX, maxY
}
