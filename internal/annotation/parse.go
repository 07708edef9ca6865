package annotation

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/wsilab/tessera/internal/slide"
)

// Parser turns an annotation export into level-0 polygons for one slide.
// The zero value parses everything; set Filter to keep only matching
// colors.
type Parser struct {
	Filter ColorFilter
	Logger *slog.Logger
}

// Result is the outcome of parsing one annotation file. Skipped records
// are reported, not fatal; Filtered counts records dropped by the color
// filter.
type Result struct {
	Polygons []Polygon
	Skipped  []SkipReport
	Filtered int
}

// SkipReport explains why one record was skipped.
type SkipReport struct {
	Index int
	Err   error
}

// record is the wire shape of one annotation entry.
type record struct {
	Level    *int     `json:"level"`
	Label    string   `json:"label"`
	Color    *int64   `json:"color"`
	Vertices []Vertex `json:"vertices"`
	Region   *Rect    `json:"region"`
}

// ParseFile reads and parses an annotation file. Unreadable files are
// malformed annotations: the caller skips the slide's annotations and
// continues.
func (p Parser) ParseFile(path string, info slide.Info) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedAnnotation, path, err)
	}
	res, err := p.Parse(data, info)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return res, nil
}

// Parse decodes a JSON array of annotation records. Each record is
// validated against the embedded schema and converted to a polygon in
// level-0 space; records that fail validation are skipped and reported.
// Polygon IDs are ordinals over the kept polygons, so identical input and
// configuration reproduce identical IDs on every run.
func (p Parser) Parse(data []byte, info slide.Info) (*Result, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("%w: not a record array: %v", ErrMalformedAnnotation, err)
	}

	res := &Result{}
	for i, raw := range raws {
		poly, err := p.parseRecord(raw, info)
		if err != nil {
			p.logger().Warn("skipping annotation record",
				"slide", info.ID, "record", i, "error", err)
			res.Skipped = append(res.Skipped, SkipReport{Index: i, Err: err})
			continue
		}
		if p.Filter != nil && !p.Filter(poly.Color) {
			res.Filtered++
			continue
		}
		poly.ID = fmt.Sprintf("%s-roi%d", info.ID, len(res.Polygons))
		poly.SlideID = info.ID
		res.Polygons = append(res.Polygons, poly)
	}
	return res, nil
}

func (p Parser) parseRecord(raw json.RawMessage, info slide.Info) (Polygon, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Polygon{}, fmt.Errorf("%w: %v", ErrMalformedAnnotation, err)
	}
	if err := recordSchema.Validate(doc); err != nil {
		return Polygon{}, fmt.Errorf("%w: %v", ErrMalformedAnnotation, err)
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Polygon{}, fmt.Errorf("%w: %v", ErrMalformedAnnotation, err)
	}

	level := 0
	if rec.Level != nil {
		level = *rec.Level
	}
	if level >= info.LevelCount() {
		return Polygon{}, fmt.Errorf("%w: level %d beyond pyramid depth %d",
			ErrMalformedAnnotation, level, info.LevelCount())
	}
	ds := info.Levels[level].Downsample

	verts := rec.Vertices
	if rec.Region != nil {
		r := rec.Region.normalized()
		if r.Width == 0 || r.Height == 0 {
			return Polygon{}, fmt.Errorf("%w: zero-area region", ErrMalformedAnnotation)
		}
		verts = r.vertices()
	}

	// Exports often repeat the first vertex to close the ring; the closing
	// edge is implicit here.
	if n := len(verts); n > 1 && verts[0] == verts[n-1] {
		verts = verts[:n-1]
	}
	if len(verts) < 3 {
		return Polygon{}, fmt.Errorf("%w: %d vertices, need at least 3",
			ErrMalformedAnnotation, len(verts))
	}

	scaled := make([]Vertex, len(verts))
	for i, v := range verts {
		scaled[i] = Vertex{X: v.X * ds, Y: v.Y * ds}
	}

	var c ARGB
	if rec.Color != nil {
		c = ARGB(uint32(*rec.Color))
	}

	return Polygon{
		Label:    rec.Label,
		Color:    c,
		Vertices: scaled,
	}, nil
}

func (p Parser) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
