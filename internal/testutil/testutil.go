// Package testutil builds synthetic slide pyramids and annotation files
// for tests. Pyramids are written in the unpacked level_N.png directory
// layout that slide.DirOpener reads.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	xdraw "golang.org/x/image/draw"

	"github.com/wsilab/tessera/internal/slide"
)

// BuildPyramid writes a slide pyramid under dir with the given level-0
// size and level count; each level halves the previous one. paint, when
// non-nil, draws onto the white level-0 image before downsampling.
func BuildPyramid(t testing.TB, dir string, width, height, levels int, paint func(*image.NRGBA)) {
	t.Helper()

	if levels < 1 {
		t.Fatalf("BuildPyramid: levels must be >= 1, got %d", levels)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("BuildPyramid: mkdir %s: %v", dir, err)
	}

	base := image.NewNRGBA(image.Rect(0, 0, width, height))
	FillRect(base, base.Bounds(), color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	if paint != nil {
		paint(base)
	}

	for lvl := 0; lvl < levels; lvl++ {
		img := base
		if lvl > 0 {
			w := max(width>>lvl, 1)
			h := max(height>>lvl, 1)
			down := image.NewNRGBA(image.Rect(0, 0, w, h))
			xdraw.CatmullRom.Scale(down, down.Bounds(), base, base.Bounds(), xdraw.Src, nil)
			img = down
		}
		writePNG(t, filepath.Join(dir, fmt.Sprintf("level_%d.png", lvl)), img)
	}
}

// FillRect paints a solid rectangle, clipped to the image bounds.
func FillRect(img *image.NRGBA, r image.Rectangle, c color.NRGBA) {
	r = r.Intersect(img.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
}

// WriteJSON marshals v to path with indentation.
func WriteJSON(t testing.TB, path string, v any) {
	t.Helper()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		t.Fatalf("WriteJSON: marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteJSON: write %s: %v", path, err)
	}
}

func writePNG(t testing.TB, path string, img image.Image) {
	t.Helper()

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("writePNG: create %s: %v", path, err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		t.Fatalf("writePNG: encode %s: %v", path, err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("writePNG: close %s: %v", path, err)
	}
}

// CountingOpener wraps an Opener and counts opens and region reads, so
// tests can assert that resumed runs perform zero redundant pixel reads.
type CountingOpener struct {
	Inner slide.Opener

	mu    sync.Mutex
	opens int
	reads int
}

// Open counts the open and wraps the handle so reads are counted too.
func (o *CountingOpener) Open(ctx context.Context, path string) (slide.Handle, error) {
	h, err := o.Inner.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.opens++
	o.mu.Unlock()
	return &countingHandle{Handle: h, opener: o}, nil
}

// Opens reports how many handles were opened.
func (o *CountingOpener) Opens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}

// Reads reports how many region reads were served across all handles.
func (o *CountingOpener) Reads() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reads
}

type countingHandle struct {
	slide.Handle
	opener *CountingOpener
}

func (h *countingHandle) ReadRegion(ctx context.Context, level int, x, y int64, w, hh int) (*image.NRGBA, error) {
	h.opener.mu.Lock()
	h.opener.reads++
	h.opener.mu.Unlock()
	return h.Handle.ReadRegion(ctx, level, x, y, w, hh)
}
