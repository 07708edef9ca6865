package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/wsilab/tessera/internal/tile"
)

// Fingerprint identifies the patch set an output directory was built
// with. Everything that changes which patches exist or how they are
// identified participates: patch geometry, the inclusion threshold, the
// extraction level bound, and the color filter (it changes ROI
// numbering). Encoding formats and the pad fill change file contents,
// not the patch set, and are free to vary between resumes.
func Fingerprint(spec tile.Spec, maxDownsample float64, colorFilter string) string {
	h := sha256.New()
	fmt.Fprintf(h, "patch=%dx%d;stride=%dx%d;edge=%s;min=%g;maxds=%g;filter=%s",
		spec.Width, spec.Height,
		spec.StrideX, spec.StrideY,
		spec.Edge,
		spec.MinInclusion,
		maxDownsample,
		strings.ToLower(strings.TrimSpace(colorFilter)),
	)
	return hex.EncodeToString(h.Sum(nil))
}
