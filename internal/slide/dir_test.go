package slide_test

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/wsilab/tessera/internal/slide"
	"github.com/wsilab/tessera/internal/testutil"
)

func buildTestPyramid(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "Case-01")
	// A 64x64 red block well inside the slide; interior pixels survive
	// downsampling untouched, so level reads can assert exact colors.
	testutil.BuildPyramid(t, dir, 128, 96, 3, func(img *image.NRGBA) {
		testutil.FillRect(img, image.Rect(32, 16, 96, 80), color.NRGBA{R: 255, A: 255})
	})
	return dir
}

func TestDirOpenerMetadata(t *testing.T) {
	dir := buildTestPyramid(t)

	h, err := slide.DirOpener{}.Open(context.Background(), dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	info := h.Info()
	if info.ID != "case-01" {
		t.Errorf("ID = %q, want %q", info.ID, "case-01")
	}
	if info.Path != dir {
		t.Errorf("Path = %q, want %q", info.Path, dir)
	}
	if got := info.LevelCount(); got != 3 {
		t.Fatalf("LevelCount = %d, want 3", got)
	}

	want := []slide.Level{
		{Index: 0, Width: 128, Height: 96, Downsample: 1},
		{Index: 1, Width: 64, Height: 48, Downsample: 2},
		{Index: 2, Width: 32, Height: 24, Downsample: 4},
	}
	for i, w := range want {
		if info.Levels[i] != w {
			t.Errorf("level %d = %+v, want %+v", i, info.Levels[i], w)
		}
	}

	if got := info.Bounds(); got != image.Rect(0, 0, 128, 96) {
		t.Errorf("Bounds = %v, want (0,0)-(128,96)", got)
	}
}

func TestDirHandleReadRegion(t *testing.T) {
	dir := buildTestPyramid(t)
	ctx := context.Background()

	h, err := slide.DirOpener{}.Open(ctx, dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	t.Run("level zero window", func(t *testing.T) {
		img, err := h.ReadRegion(ctx, 0, 40, 24, 16, 16)
		if err != nil {
			t.Fatalf("ReadRegion: %v", err)
		}
		if got := img.Bounds(); got != image.Rect(0, 0, 16, 16) {
			t.Fatalf("bounds = %v, want 16x16", got)
		}
		if c := img.NRGBAAt(8, 8); c != (color.NRGBA{R: 255, A: 255}) {
			t.Errorf("center pixel = %+v, want red", c)
		}
	})

	t.Run("origin is level zero space", func(t *testing.T) {
		// Window center lands 8+ level-1 pixels inside the red block, so
		// the resampled color is exact.
		img, err := h.ReadRegion(ctx, 1, 48, 32, 8, 8)
		if err != nil {
			t.Fatalf("ReadRegion: %v", err)
		}
		if got := img.Bounds(); got != image.Rect(0, 0, 8, 8) {
			t.Fatalf("bounds = %v, want 8x8", got)
		}
		if c := img.NRGBAAt(4, 4); c != (color.NRGBA{R: 255, A: 255}) {
			t.Errorf("center pixel = %+v, want red", c)
		}
	})

	t.Run("boundary crossing pads transparent", func(t *testing.T) {
		img, err := h.ReadRegion(ctx, 0, 120, 88, 16, 16)
		if err != nil {
			t.Fatalf("ReadRegion: %v", err)
		}
		if got := img.Bounds(); got != image.Rect(0, 0, 16, 16) {
			t.Fatalf("bounds = %v, want 16x16", got)
		}
		if c := img.NRGBAAt(0, 0); c.A != 255 {
			t.Errorf("in-bounds pixel alpha = %d, want opaque", c.A)
		}
		if c := img.NRGBAAt(12, 12); c.A != 0 {
			t.Errorf("out-of-bounds pixel alpha = %d, want transparent", c.A)
		}
	})

	t.Run("fully outside fails", func(t *testing.T) {
		_, err := h.ReadRegion(ctx, 0, 1000, 1000, 16, 16)
		if !errors.Is(err, slide.ErrSlideRead) {
			t.Fatalf("error = %v, want ErrSlideRead", err)
		}
	})

	t.Run("invalid level fails", func(t *testing.T) {
		_, err := h.ReadRegion(ctx, 9, 0, 0, 16, 16)
		if !errors.Is(err, slide.ErrSlideRead) {
			t.Fatalf("error = %v, want ErrSlideRead", err)
		}
	})

	t.Run("empty window fails", func(t *testing.T) {
		_, err := h.ReadRegion(ctx, 0, 0, 0, 0, 16)
		if !errors.Is(err, slide.ErrSlideRead) {
			t.Fatalf("error = %v, want ErrSlideRead", err)
		}
	})
}

func TestDirHandleClosedRead(t *testing.T) {
	dir := buildTestPyramid(t)
	ctx := context.Background()

	h, err := slide.DirOpener{}.Open(ctx, dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := h.ReadRegion(ctx, 0, 0, 0, 8, 8); !errors.Is(err, slide.ErrSlideRead) {
		t.Fatalf("read after close = %v, want ErrSlideRead", err)
	}
}

func TestDirOpenerRejectsBadLayouts(t *testing.T) {
	ctx := context.Background()

	t.Run("missing path", func(t *testing.T) {
		_, err := slide.DirOpener{}.Open(ctx, filepath.Join(t.TempDir(), "nope"))
		if !errors.Is(err, slide.ErrSlideOpen) {
			t.Fatalf("error = %v, want ErrSlideOpen", err)
		}
	})

	t.Run("plain file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "slide.kfb")
		if err := os.WriteFile(path, []byte("binary"), 0o644); err != nil {
			t.Fatal(err)
		}
		_, err := slide.DirOpener{}.Open(ctx, path)
		if !errors.Is(err, slide.ErrSlideOpen) {
			t.Fatalf("error = %v, want ErrSlideOpen", err)
		}
	})

	t.Run("empty directory", func(t *testing.T) {
		_, err := slide.DirOpener{}.Open(ctx, t.TempDir())
		if !errors.Is(err, slide.ErrSlideOpen) {
			t.Fatalf("error = %v, want ErrSlideOpen", err)
		}
	})

	t.Run("non-contiguous levels", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "gappy")
		testutil.BuildPyramid(t, dir, 64, 64, 2, nil)
		if err := os.Remove(filepath.Join(dir, "level_0.png")); err != nil {
			t.Fatal(err)
		}
		_, err := slide.DirOpener{}.Open(ctx, dir)
		if !errors.Is(err, slide.ErrSlideOpen) {
			t.Fatalf("error = %v, want ErrSlideOpen", err)
		}
	})
}
