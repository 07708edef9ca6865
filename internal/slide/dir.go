package slide

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	// Register decoders for the level image formats the converter emits.
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

// DirOpener reads the unpacked pyramid layout: a directory containing one
// image file per level, named level_0.png, level_1.png, ... (PNG, JPEG,
// TIFF and BMP are accepted). Downsample factors are derived from the
// level widths, so the layout needs no sidecar metadata.
//
// Each level is decoded in full on first read and cached for the life of
// the handle, so this opener suits converted directory pyramids and test
// fixtures rather than multi-gigapixel containers; those come in through a
// reader-specific Opener.
type DirOpener struct{}

// Open scans the directory for level files and caches their metadata.
func (DirOpener) Open(ctx context.Context, path string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSlideOpen, path, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%w: %s: not a pyramid directory", ErrSlideOpen, path)
	}

	paths, err := levelFiles(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSlideOpen, path, err)
	}

	levels := make([]Level, len(paths))
	for i, p := range paths {
		w, h, err := imageSize(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrSlideOpen, p, err)
		}
		levels[i] = Level{Index: i, Width: int64(w), Height: int64(h)}
	}
	for i := range levels {
		levels[i].Downsample = float64(levels[0].Width) / float64(levels[i].Width)
	}
	if err := validateLevels(levels); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSlideOpen, path, err)
	}

	return &dirHandle{
		info: Info{
			ID:     IDFromPath(path),
			Path:   path,
			Levels: levels,
		},
		files:  paths,
		images: make(map[int]*image.NRGBA, len(paths)),
	}, nil
}

// dirHandle serves regions from lazily decoded level images. Not safe for
// concurrent use, matching the Handle contract.
type dirHandle struct {
	info   Info
	files  []string
	images map[int]*image.NRGBA
	closed bool
}

func (h *dirHandle) Info() Info { return h.info }

func (h *dirHandle) ReadRegion(ctx context.Context, level int, x, y int64, w, hh int) (*image.NRGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h.closed {
		return nil, fmt.Errorf("%w: handle closed", ErrSlideRead)
	}
	if level < 0 || level >= len(h.info.Levels) {
		return nil, fmt.Errorf("%w: level %d out of range [0,%d)", ErrSlideRead, level, len(h.info.Levels))
	}
	if w <= 0 || hh <= 0 {
		return nil, fmt.Errorf("%w: empty window %dx%d", ErrSlideRead, w, hh)
	}

	lv := h.info.Levels[level]
	src, err := h.levelImage(level)
	if err != nil {
		return nil, err
	}

	// Window origin arrives in level-0 space; translate to this level.
	lx := int(roundDiv(x, lv.Downsample))
	ly := int(roundDiv(y, lv.Downsample))

	win := image.Rect(lx, ly, lx+w, ly+hh)
	vis := win.Intersect(src.Bounds())
	if vis.Empty() {
		return nil, fmt.Errorf("%w: window %v entirely outside level %d bounds %v",
			ErrSlideRead, win, level, src.Bounds())
	}

	dst := image.NewNRGBA(image.Rect(0, 0, w, hh))
	draw.Draw(dst, vis.Sub(win.Min), src, vis.Min, draw.Src)
	return dst, nil
}

func (h *dirHandle) Close() error {
	h.closed = true
	h.images = nil
	return nil
}

// levelImage decodes and caches a level on first use.
func (h *dirHandle) levelImage(level int) (*image.NRGBA, error) {
	if img, ok := h.images[level]; ok {
		return img, nil
	}

	f, err := os.Open(h.files[level])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSlideRead, h.files[level], err)
	}
	defer f.Close()

	decoded, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSlideRead, h.files[level], err)
	}

	img, ok := decoded.(*image.NRGBA)
	if !ok {
		img = image.NewNRGBA(decoded.Bounds())
		draw.Draw(img, img.Bounds(), decoded, decoded.Bounds().Min, draw.Src)
	}
	h.images[level] = img
	return img, nil
}

// levelFiles returns the level image paths ordered by index, requiring a
// contiguous run starting at level 0.
func levelFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	byIndex := make(map[int]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		idx, ok := parseLevelName(e.Name())
		if !ok {
			continue
		}
		if prev, dup := byIndex[idx]; dup {
			return nil, fmt.Errorf("duplicate level %d (%s, %s)", idx, filepath.Base(prev), e.Name())
		}
		byIndex[idx] = filepath.Join(dir, e.Name())
	}
	if len(byIndex) == 0 {
		return nil, fmt.Errorf("no level_N image files found")
	}

	indexes := make([]int, 0, len(byIndex))
	for idx := range byIndex {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for i, idx := range indexes {
		if idx != i {
			return nil, fmt.Errorf("levels not contiguous: missing level %d", i)
		}
	}

	paths := make([]string, len(indexes))
	for i, idx := range indexes {
		paths[i] = byIndex[idx]
	}
	return paths, nil
}

// parseLevelName extracts N from "level_N.<ext>".
func parseLevelName(name string) (int, bool) {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	rest, ok := strings.CutPrefix(stem, "level_")
	if !ok {
		return 0, false
	}
	idx, err := strconv.Atoi(rest)
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}

// imageSize reads dimensions from the file header without a full decode.
func imageSize(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

// roundDiv divides a level-0 coordinate by a downsample factor, rounding
// to the nearest level pixel.
func roundDiv(v int64, ds float64) int64 {
	if ds == 1.0 {
		return v
	}
	f := float64(v) / ds
	if f >= 0 {
		return int64(f + 0.5)
	}
	return int64(f - 0.5)
}
