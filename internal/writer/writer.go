// Package writer extracts one patch at a time: resume check against the
// manifest first, then a region read, pad compositing, encoding, and the
// manifest append. Output files appear atomically (temp file + rename),
// so a killed run never leaves a truncated patch behind a written record.
package writer

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/image/tiff"

	"github.com/wsilab/tessera/internal/home"
	"github.com/wsilab/tessera/internal/manifest"
	"github.com/wsilab/tessera/internal/roi"
	"github.com/wsilab/tessera/internal/slide"
	"github.com/wsilab/tessera/internal/tile"
)

// Disposition says what happened to one patch.
type Disposition int

const (
	// Written: pixels read, files encoded, manifest updated.
	Written Disposition = iota
	// Resumed: a prior run already produced this patch; zero pixel reads.
	Resumed
	// Failed: the region read or file write failed; recorded as failed so
	// a resume retries it.
	Failed
)

func (d Disposition) String() string {
	switch d {
	case Written:
		return "written"
	case Resumed:
		return "resumed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}

// Result reports one patch attempt. Err carries the per-patch reason when
// the disposition is Failed; fatal conditions come back as the Write
// error instead.
type Result struct {
	PatchID     string
	Disposition Disposition
	Err         error
}

// Writer persists patches for one run. Safe for concurrent use as long as
// each call owns its Handle; the manifest store serializes itself.
type Writer struct {
	Store  manifest.Store
	Layout home.Layout
	Spec   tile.Spec // normalized
	RunID  string
	Logger *slog.Logger
}

// Write extracts one planned patch. The returned error is fatal to the
// run (manifest failure or cancellation); per-patch failures come back as
// a Failed result and the run continues.
func (w *Writer) Write(ctx context.Context, h slide.Handle, r *roi.ROI, p tile.Patch, inclusion float64) (Result, error) {
	patchID := tile.PatchID(r.ID(), p.X, p.Y)
	res := Result{PatchID: patchID}

	rec, ok, err := w.Store.Get(ctx, patchID)
	if err != nil {
		return res, fmt.Errorf("%w: %v", manifest.ErrManifestWrite, err)
	}
	if ok && rec.Status == manifest.StatusWritten && w.outputsPresent(r, patchID) {
		res.Disposition = Resumed
		return res, nil
	}

	img, err := w.extract(ctx, h, r, p)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return w.fail(ctx, res, r, p, inclusion, err)
	}

	relPath := w.Layout.RelPatchPath(r.Polygon.SlideID, r.ID(), patchID, w.Spec.Formats[0])
	for _, format := range w.Spec.Formats {
		path := w.Layout.Abs(w.Layout.RelPatchPath(r.Polygon.SlideID, r.ID(), patchID, format))
		if err := w.encodeTo(path, img, format); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			return w.fail(ctx, res, r, p, inclusion, fmt.Errorf("encode %s: %w", format, err))
		}
	}

	absX, absY := levelZeroOrigin(r, p)
	err = w.Store.Append(ctx, manifest.Record{
		PatchID:    patchID,
		RunID:      w.RunID,
		SlideID:    r.Polygon.SlideID,
		ROIID:      r.ID(),
		Level:      r.Level.Index,
		OriginX:    absX,
		OriginY:    absY,
		Width:      p.W,
		Height:     p.H,
		Inclusion:  inclusion,
		OutputPath: relPath,
		Status:     manifest.StatusWritten,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		return res, err
	}

	res.Disposition = Written
	return res, nil
}

// extract reads the patch window and composites it over the pad fill.
// Only the part of the footprint inside the ROI box is read; padded
// patches keep the overrun at the pad value even where the slide has
// pixels beyond the box.
func (w *Writer) extract(ctx context.Context, h slide.Handle, r *roi.ROI, p tile.Patch) (*image.NRGBA, error) {
	pad := w.Spec.PadValue
	dst := image.NewNRGBA(image.Rect(0, 0, p.W, p.H))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.NRGBA{R: pad, G: pad, B: pad, A: 255}), image.Point{}, draw.Src)

	boxW, boxH := r.GridSize()
	cw := min(p.W, boxW-p.X)
	ch := min(p.H, boxH-p.Y)
	if cw <= 0 || ch <= 0 {
		return dst, nil
	}

	absX, absY := levelZeroOrigin(r, p)
	region, err := h.ReadRegion(ctx, r.Level.Index, absX, absY, cw, ch)
	if err != nil {
		return nil, err
	}

	// Boundary overruns come back transparent and keep the pad fill.
	draw.Draw(dst, image.Rect(0, 0, cw, ch), region, region.Bounds().Min, draw.Over)
	return dst, nil
}

// fail records the patch as failed so a later resume retries it, then
// reports the reason. Only a manifest failure escalates.
func (w *Writer) fail(ctx context.Context, res Result, r *roi.ROI, p tile.Patch, inclusion float64, cause error) (Result, error) {
	absX, absY := levelZeroOrigin(r, p)
	err := w.Store.Append(ctx, manifest.Record{
		PatchID:   res.PatchID,
		RunID:     w.RunID,
		SlideID:   r.Polygon.SlideID,
		ROIID:     r.ID(),
		Level:     r.Level.Index,
		OriginX:   absX,
		OriginY:   absY,
		Width:     p.W,
		Height:    p.H,
		Inclusion: inclusion,
		Status:    manifest.StatusFailed,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return res, err
	}

	if w.Logger != nil {
		w.Logger.Warn("patch failed", "patch", res.PatchID, "error", cause)
	}
	res.Disposition = Failed
	res.Err = cause
	return res, nil
}

// outputsPresent reports whether every configured format of the patch
// exists on disk with nonzero size.
func (w *Writer) outputsPresent(r *roi.ROI, patchID string) bool {
	for _, format := range w.Spec.Formats {
		path := w.Layout.Abs(w.Layout.RelPatchPath(r.Polygon.SlideID, r.ID(), patchID, format))
		fi, err := os.Stat(path)
		if err != nil || fi.Size() == 0 {
			return false
		}
	}
	return true
}

// encodeTo writes the image atomically: encode into a temp file in the
// target directory, then rename into place.
func (w *Writer) encodeTo(path string, img *image.NRGBA, format string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := encode(tmp, img, format); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func encode(out io.Writer, img *image.NRGBA, format string) error {
	switch format {
	case "png":
		return png.Encode(out, img)
	case "tiff":
		return tiff.Encode(out, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return fmt.Errorf("unknown patch format %q", format)
	}
}

// levelZeroOrigin maps a box-relative patch origin to the absolute
// level-0 origin ReadRegion expects.
func levelZeroOrigin(r *roi.ROI, p tile.Patch) (int64, int64) {
	x := int64(r.BBox.Min.X) + int64(math.Round(float64(p.X)*r.Level.Downsample))
	y := int64(r.BBox.Min.Y) + int64(math.Round(float64(p.Y)*r.Level.Downsample))
	return x, y
}
