// Package slide abstracts the external pyramidal-image reader behind a
// narrow handle interface. The pipeline never sees a concrete reader: it
// asks a Handle for level metadata and pixel regions, and an Opener for
// handles. The bundled DirOpener reads the unpacked level_N.* directory
// layout; production deployments plug in an Opener backed by whatever
// reader their container format requires.
package slide

import (
	"context"
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"strings"
)

// Sentinel errors for the reader boundary. Open failures skip the whole
// slide; read failures skip a single patch.
var (
	ErrSlideOpen = errors.New("slide: open failed")
	ErrSlideRead = errors.New("slide: region read failed")
)

// Level describes one resolution level of a slide pyramid.
type Level struct {
	Index  int     `json:"index"`
	Width  int64   `json:"width"`
	Height int64   `json:"height"`
	// Downsample is the ratio of level-0 resolution to this level's
	// resolution. Level 0 has factor 1.0; factors never decrease with
	// the level index.
	Downsample float64 `json:"downsample"`
}

// ToLevel0 converts a coordinate at this level into level-0 pixel space.
func (l Level) ToLevel0(v float64) float64 { return v * l.Downsample }

// FromLevel0 converts a level-0 coordinate into this level's pixel space.
func (l Level) FromLevel0(v float64) float64 { return v / l.Downsample }

// Info is the cached metadata of an open slide. Levels are immutable once
// the slide is opened.
type Info struct {
	ID     string  `json:"id"`
	Path   string  `json:"path"`
	Levels []Level `json:"levels"`
}

// Level0 returns the full-resolution level.
func (i Info) Level0() Level { return i.Levels[0] }

// LevelCount returns the number of pyramid levels.
func (i Info) LevelCount() int { return len(i.Levels) }

// Bounds returns the slide extent in level-0 pixel space.
func (i Info) Bounds() image.Rectangle {
	l0 := i.Level0()
	return image.Rect(0, 0, int(l0.Width), int(l0.Height))
}

// Handle is an open slide. Handles are NOT safe for concurrent use; each
// worker must own its handle (acquire one from a Pool).
type Handle interface {
	// Info returns the cached level metadata.
	Info() Info

	// ReadRegion reads a pixel window. Addressing follows the external
	// reader's convention: (x, y) is the window origin in LEVEL-0
	// coordinates, (w, h) is the window size in pixels AT the requested
	// level. A window that crosses the slide boundary returns the
	// in-bounds pixels with the remainder transparent; a window entirely
	// outside the slide fails with ErrSlideRead.
	ReadRegion(ctx context.Context, level int, x, y int64, w, h int) (*image.NRGBA, error)

	// Close releases the handle's resources.
	Close() error
}

// Opener opens slides by path.
type Opener interface {
	Open(ctx context.Context, path string) (Handle, error)
}

// ChooseLevel selects the extraction level: the lowest-resolution level
// whose downsample factor does not exceed maxDownsample. Values below 1
// (unset) select level 0.
func ChooseLevel(info Info, maxDownsample float64) Level {
	chosen := info.Levels[0]
	if maxDownsample < 1 {
		return chosen
	}
	for _, l := range info.Levels[1:] {
		if l.Downsample <= maxDownsample {
			chosen = l
		}
	}
	return chosen
}

// IDFromPath derives a slide identifier from its path: the base name
// without extension, lowercased. Annotation pairing and output naming key
// off this.
func IDFromPath(path string) string {
	base := filepath.Base(filepath.Clean(path))
	return strings.ToLower(strings.TrimSuffix(base, filepath.Ext(base)))
}

// validateLevels checks the pyramid invariants shared by all openers.
func validateLevels(levels []Level) error {
	if len(levels) == 0 {
		return fmt.Errorf("no levels")
	}
	if levels[0].Downsample != 1.0 {
		return fmt.Errorf("level 0 downsample is %g, want 1", levels[0].Downsample)
	}
	for i, l := range levels {
		if l.Width <= 0 || l.Height <= 0 {
			return fmt.Errorf("level %d has empty dimensions %dx%d", i, l.Width, l.Height)
		}
		if i > 0 && l.Downsample < levels[i-1].Downsample {
			return fmt.Errorf("downsample decreases at level %d (%g < %g)",
				i, l.Downsample, levels[i-1].Downsample)
		}
	}
	return nil
}
