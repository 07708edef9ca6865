package pipeline

import (
	"testing"

	"github.com/wsilab/tessera/internal/tile"
)

func TestFingerprint(t *testing.T) {
	base := tile.Spec{
		Width: 256, Height: 256,
		StrideX: 256, StrideY: 256,
		Edge:         tile.EdgeDrop,
		MinInclusion: 0.5,
		PadValue:     255,
		Formats:      []string{"png"},
	}

	same := Fingerprint(base, 1, "blue")
	if got := Fingerprint(base, 1, "Blue "); got != same {
		t.Error("filter name comparison should ignore case and spacing")
	}

	geometry := []struct {
		name string
		spec tile.Spec
		ds   float64
	}{
		{"width", func() tile.Spec { s := base; s.Width = 128; return s }(), 1},
		{"stride", func() tile.Spec { s := base; s.StrideX = 128; return s }(), 1},
		{"edge", func() tile.Spec { s := base; s.Edge = tile.EdgePad; return s }(), 1},
		{"threshold", func() tile.Spec { s := base; s.MinInclusion = 0.25; return s }(), 1},
		{"downsample", base, 4},
	}
	for _, tc := range geometry {
		if Fingerprint(tc.spec, tc.ds, "blue") == same {
			t.Errorf("%s change did not alter the fingerprint", tc.name)
		}
	}
	if Fingerprint(base, 1, "") == same {
		t.Error("filter change did not alter the fingerprint")
	}

	// Output encoding may vary between resumes of the same patch set.
	cosmetic := base
	cosmetic.Formats = []string{"png", "tiff"}
	cosmetic.PadValue = 0
	if Fingerprint(cosmetic, 1, "blue") != same {
		t.Error("formats and pad value must not alter the fingerprint")
	}
}
