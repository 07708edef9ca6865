package writer_test

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/wsilab/tessera/internal/annotation"
	"github.com/wsilab/tessera/internal/home"
	"github.com/wsilab/tessera/internal/manifest"
	"github.com/wsilab/tessera/internal/roi"
	"github.com/wsilab/tessera/internal/slide"
	"github.com/wsilab/tessera/internal/testutil"
	"github.com/wsilab/tessera/internal/tile"
	"github.com/wsilab/tessera/internal/writer"
)

func rectPoly(id string, x0, y0, x1, y1 float64) annotation.Polygon {
	return annotation.Polygon{
		ID:      id,
		SlideID: "case-01",
		Vertices: []annotation.Vertex{
			{X: x0, Y: y0}, {X: x1, Y: y0}, {X: x1, Y: y1}, {X: x0, Y: y1},
		},
	}
}

type fixture struct {
	opener *testutil.CountingOpener
	handle slide.Handle
	roi    *roi.ROI
	store  *manifest.MemoryStore
	writer *writer.Writer
}

// newFixture builds a two-level pyramid slide, a ROI over it, and a
// writer backed by an in-memory manifest.
func newFixture(t *testing.T, spec tile.Spec, maxDownsample float64, poly annotation.Polygon) *fixture {
	t.Helper()
	ctx := context.Background()

	dir := filepath.Join(t.TempDir(), "Case-01")
	testutil.BuildPyramid(t, dir, 128, 96, 2, func(img *image.NRGBA) {
		testutil.FillRect(img, image.Rect(32, 16, 96, 80), color.NRGBA{R: 255, A: 255})
	})

	opener := &testutil.CountingOpener{Inner: slide.DirOpener{}}
	h, err := opener.Open(ctx, dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { h.Close() })

	r, err := roi.Extractor{MaxDownsample: maxDownsample}.Extract(h.Info(), poly)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	layout := home.NewLayout(t.TempDir())
	if err := layout.EnsureROIDir(r.Polygon.SlideID, r.ID()); err != nil {
		t.Fatalf("EnsureROIDir: %v", err)
	}

	store := manifest.NewMemoryStore()
	return &fixture{
		opener: opener,
		handle: h,
		roi:    r,
		store:  store,
		writer: &writer.Writer{
			Store:  store,
			Layout: layout,
			Spec:   spec.Normalized(),
			RunID:  "run-1",
		},
	}
}

func pngPixel(t *testing.T, path string, x, y int) color.NRGBA {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
}

func TestWriterWritesPatch(t *testing.T) {
	ctx := context.Background()
	spec := tile.Spec{Width: 50, Height: 50, Edge: tile.EdgeDrop}
	fx := newFixture(t, spec, 0, rectPoly("case-01-roi0", 0, 0, 100, 96))

	g := tile.NewGrid(100, 96, fx.writer.Spec)
	p := g.At(0)
	incl := tile.InclusionFraction(fx.roi.Mask, p)

	res, err := fx.writer.Write(ctx, fx.handle, fx.roi, p, incl)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if res.Disposition != writer.Written {
		t.Fatalf("disposition = %v, want written", res.Disposition)
	}
	if res.PatchID != "case-01-roi0_x000000_y000000" {
		t.Errorf("patch id = %q", res.PatchID)
	}

	rec, ok, err := fx.store.Get(ctx, res.PatchID)
	if err != nil || !ok {
		t.Fatalf("Get record: ok=%v err=%v", ok, err)
	}
	if rec.Status != manifest.StatusWritten || rec.RunID != "run-1" {
		t.Errorf("record = %+v", rec)
	}
	if rec.OriginX != 0 || rec.OriginY != 0 || rec.Width != 50 || rec.Height != 50 || rec.Level != 0 {
		t.Errorf("geometry = %+v", rec)
	}
	if rec.Inclusion != incl {
		t.Errorf("inclusion = %g, want %g", rec.Inclusion, incl)
	}

	path := fx.writer.Layout.Abs(rec.OutputPath)
	fi, err := os.Stat(path)
	if err != nil || fi.Size() == 0 {
		t.Fatalf("output file %s: %v", path, err)
	}

	// Slide background is white; the red block starts at (32,16).
	if c := pngPixel(t, path, 5, 5); c != (color.NRGBA{R: 255, G: 255, B: 255, A: 255}) {
		t.Errorf("background pixel = %+v, want white", c)
	}
	if c := pngPixel(t, path, 40, 20); c != (color.NRGBA{R: 255, A: 255}) {
		t.Errorf("block pixel = %+v, want red", c)
	}
}

func TestWriterResumeSkipsWithZeroReads(t *testing.T) {
	ctx := context.Background()
	spec := tile.Spec{Width: 50, Height: 50, Edge: tile.EdgeDrop}
	fx := newFixture(t, spec, 0, rectPoly("case-01-roi0", 0, 0, 100, 96))

	g := tile.NewGrid(100, 96, fx.writer.Spec)
	p := g.At(0)

	if _, err := fx.writer.Write(ctx, fx.handle, fx.roi, p, 1); err != nil {
		t.Fatalf("first Write: %v", err)
	}
	reads := fx.opener.Reads()

	res, err := fx.writer.Write(ctx, fx.handle, fx.roi, p, 1)
	if err != nil {
		t.Fatalf("second Write: %v", err)
	}
	if res.Disposition != writer.Resumed {
		t.Fatalf("disposition = %v, want resumed", res.Disposition)
	}
	if got := fx.opener.Reads(); got != reads {
		t.Errorf("reads = %d, want %d (resume must not touch pixels)", got, reads)
	}
}

func TestWriterRewritesWhenFileMissing(t *testing.T) {
	ctx := context.Background()
	spec := tile.Spec{Width: 50, Height: 50, Edge: tile.EdgeDrop}
	fx := newFixture(t, spec, 0, rectPoly("case-01-roi0", 0, 0, 100, 96))

	g := tile.NewGrid(100, 96, fx.writer.Spec)
	p := g.At(0)

	res, err := fx.writer.Write(ctx, fx.handle, fx.roi, p, 1)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	rec, _, _ := fx.store.Get(ctx, res.PatchID)
	if err := os.Remove(fx.writer.Layout.Abs(rec.OutputPath)); err != nil {
		t.Fatal(err)
	}

	res, err = fx.writer.Write(ctx, fx.handle, fx.roi, p, 1)
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if res.Disposition != writer.Written {
		t.Fatalf("disposition = %v, want written (record without file is stale)", res.Disposition)
	}
	if _, err := os.Stat(fx.writer.Layout.Abs(rec.OutputPath)); err != nil {
		t.Fatalf("output not rewritten: %v", err)
	}
}

func TestWriterPadsBeyondROIBox(t *testing.T) {
	ctx := context.Background()
	// PadValue 0 so pad pixels are distinguishable from the white slide.
	spec := tile.Spec{Width: 50, Height: 50, Edge: tile.EdgePad, PadValue: 0}
	fx := newFixture(t, spec, 0, rectPoly("case-01-roi0", 0, 0, 110, 96))

	g := tile.NewGrid(110, 96, fx.writer.Spec)
	// Tail patch at X=100: 10 columns inside the box, 40 padded, though
	// the slide itself extends to 128.
	var tail tile.Patch
	for i := 0; i < g.Len(); i++ {
		if p := g.At(i); p.X == 100 && p.Y == 0 {
			tail = p
			break
		}
	}
	if tail.W != 50 {
		t.Fatalf("tail patch not found in grid")
	}

	res, err := fx.writer.Write(ctx, fx.handle, fx.roi, tail, 0.2)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	path := fx.writer.Layout.Abs(fx.writer.Layout.RelPatchPath("case-01", "case-01-roi0", res.PatchID, "png"))

	if c := pngPixel(t, path, 5, 5); c != (color.NRGBA{R: 255, G: 255, B: 255, A: 255}) {
		t.Errorf("in-box pixel = %+v, want white slide", c)
	}
	if c := pngPixel(t, path, 20, 5); c != (color.NRGBA{A: 255}) {
		t.Errorf("overrun pixel = %+v, want pad black (box ends at 110)", c)
	}
	if c := pngPixel(t, path, 45, 5); c != (color.NRGBA{A: 255}) {
		t.Errorf("far overrun pixel = %+v, want pad black", c)
	}
}

// failingHandle rejects every read with ErrSlideRead.
type failingHandle struct {
	slide.Handle
}

func (failingHandle) ReadRegion(ctx context.Context, level int, x, y int64, w, h int) (*image.NRGBA, error) {
	return nil, fmt.Errorf("%w: injected", slide.ErrSlideRead)
}

func TestWriterRecordsFailureAndRetries(t *testing.T) {
	ctx := context.Background()
	spec := tile.Spec{Width: 50, Height: 50, Edge: tile.EdgeDrop}
	fx := newFixture(t, spec, 0, rectPoly("case-01-roi0", 0, 0, 100, 96))

	g := tile.NewGrid(100, 96, fx.writer.Spec)
	p := g.At(0)

	res, err := fx.writer.Write(ctx, failingHandle{fx.handle}, fx.roi, p, 1)
	if err != nil {
		t.Fatalf("Write with failing handle: %v", err)
	}
	if res.Disposition != writer.Failed {
		t.Fatalf("disposition = %v, want failed", res.Disposition)
	}
	if !errors.Is(res.Err, slide.ErrSlideRead) {
		t.Fatalf("result err = %v, want ErrSlideRead", res.Err)
	}

	rec, ok, _ := fx.store.Get(ctx, res.PatchID)
	if !ok || rec.Status != manifest.StatusFailed {
		t.Fatalf("record = %+v, want failed", rec)
	}

	// A later run with a healthy handle supersedes the failed record.
	res, err = fx.writer.Write(ctx, fx.handle, fx.roi, p, 1)
	if err != nil {
		t.Fatalf("retry Write: %v", err)
	}
	if res.Disposition != writer.Written {
		t.Fatalf("retry disposition = %v, want written", res.Disposition)
	}
	rec, _, _ = fx.store.Get(ctx, res.PatchID)
	if rec.Status != manifest.StatusWritten {
		t.Fatalf("record after retry = %+v, want written", rec)
	}
}

func TestWriterMultipleFormats(t *testing.T) {
	ctx := context.Background()
	spec := tile.Spec{Width: 50, Height: 50, Edge: tile.EdgeDrop, Formats: []string{"png", "tiff"}}
	fx := newFixture(t, spec, 0, rectPoly("case-01-roi0", 0, 0, 100, 96))

	g := tile.NewGrid(100, 96, fx.writer.Spec)
	res, err := fx.writer.Write(ctx, fx.handle, fx.roi, g.At(0), 1)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	for _, format := range []string{"png", "tiff"} {
		path := fx.writer.Layout.Abs(fx.writer.Layout.RelPatchPath("case-01", "case-01-roi0", res.PatchID, format))
		fi, err := os.Stat(path)
		if err != nil || fi.Size() == 0 {
			t.Errorf("%s output missing: %v", format, err)
		}
	}

	rec, _, _ := fx.store.Get(ctx, res.PatchID)
	if filepath.Ext(rec.OutputPath) != ".png" {
		t.Errorf("OutputPath = %q, want the primary png path", rec.OutputPath)
	}

	// Resume must verify every format.
	res, err = fx.writer.Write(ctx, fx.handle, fx.roi, g.At(0), 1)
	if err != nil || res.Disposition != writer.Resumed {
		t.Fatalf("resume with both formats = %v, %v", res.Disposition, err)
	}
	tiffPath := fx.writer.Layout.Abs(fx.writer.Layout.RelPatchPath("case-01", "case-01-roi0", res.PatchID, "tiff"))
	if err := os.Remove(tiffPath); err != nil {
		t.Fatal(err)
	}
	res, err = fx.writer.Write(ctx, fx.handle, fx.roi, g.At(0), 1)
	if err != nil || res.Disposition != writer.Written {
		t.Fatalf("rewrite after tiff removed = %v, %v", res.Disposition, err)
	}
}

func TestWriterExtractionLevelOrigins(t *testing.T) {
	ctx := context.Background()
	spec := tile.Spec{Width: 25, Height: 25, Edge: tile.EdgeDrop}
	fx := newFixture(t, spec, 2, rectPoly("case-01-roi0", 0, 0, 100, 96))

	if fx.roi.Level.Index != 1 {
		t.Fatalf("extraction level = %d, want 1", fx.roi.Level.Index)
	}

	boxW, boxH := fx.roi.GridSize()
	g := tile.NewGrid(boxW, boxH, fx.writer.Spec)
	p := g.At(1) // second column: X=25 at level 1
	res, err := fx.writer.Write(ctx, fx.handle, fx.roi, p, 1)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	rec, _, _ := fx.store.Get(ctx, res.PatchID)
	if rec.OriginX != 50 || rec.OriginY != 0 {
		t.Errorf("level-0 origin = (%d,%d), want (50,0)", rec.OriginX, rec.OriginY)
	}
	if rec.Width != 25 || rec.Level != 1 {
		t.Errorf("record = %+v, want level-1 25px patch", rec)
	}
}

// appendFailStore fails Append to exercise the fatal manifest path.
type appendFailStore struct {
	manifest.Store
}

func (s appendFailStore) Append(ctx context.Context, rec manifest.Record) error {
	return fmt.Errorf("%w: injected", manifest.ErrManifestWrite)
}

func TestWriterManifestFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	spec := tile.Spec{Width: 50, Height: 50, Edge: tile.EdgeDrop}
	fx := newFixture(t, spec, 0, rectPoly("case-01-roi0", 0, 0, 100, 96))
	fx.writer.Store = appendFailStore{fx.store}

	g := tile.NewGrid(100, 96, fx.writer.Spec)
	_, err := fx.writer.Write(ctx, fx.handle, fx.roi, g.At(0), 1)
	if !errors.Is(err, manifest.ErrManifestWrite) {
		t.Fatalf("error = %v, want ErrManifestWrite", err)
	}
}

func TestWriterCancellationLeavesNoRecord(t *testing.T) {
	spec := tile.Spec{Width: 50, Height: 50, Edge: tile.EdgeDrop}
	fx := newFixture(t, spec, 0, rectPoly("case-01-roi0", 0, 0, 100, 96))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	g := tile.NewGrid(100, 96, fx.writer.Spec)
	res, err := fx.writer.Write(ctx, fx.handle, fx.roi, g.At(0), 1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}

	if _, ok, _ := fx.store.Get(context.Background(), res.PatchID); ok {
		t.Error("cancelled patch left a manifest record")
	}
}
