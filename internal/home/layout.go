package home

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// ManifestFileName is the manifest database inside an output directory.
	ManifestFileName = "manifest.db"

	// PatchesDirName is the patch tree inside an output directory.
	PatchesDirName = "patches"

	// RunFileName records the options and task list of the run that
	// produced an output directory, so `resume` can replay them.
	RunFileName = "run.yaml"
)

// Layout is the on-disk shape of one output directory:
//
//	<out>/manifest.db
//	<out>/run.yaml
//	<out>/patches/<slideID>/<roiID>/<patchID>.<format>
//
// Manifest records store patch paths relative to the output root, so a
// moved output directory still resumes.
type Layout struct {
	out string
}

// NewLayout wraps an output directory path.
func NewLayout(out string) Layout {
	return Layout{out: out}
}

// Path returns the output root.
func (l Layout) Path() string {
	return l.out
}

// ManifestPath returns the manifest database path.
func (l Layout) ManifestPath() string {
	return filepath.Join(l.out, ManifestFileName)
}

// RunFilePath returns the saved run request path.
func (l Layout) RunFilePath() string {
	return filepath.Join(l.out, RunFileName)
}

// PatchesDir returns the root of the patch tree.
func (l Layout) PatchesDir() string {
	return filepath.Join(l.out, PatchesDirName)
}

// ROIDir returns the directory holding one ROI's patches.
func (l Layout) ROIDir(slideID, roiID string) string {
	return filepath.Join(l.PatchesDir(), slideID, roiID)
}

// EnsureROIDir creates the directory for one ROI's patches.
func (l Layout) EnsureROIDir(slideID, roiID string) error {
	return os.MkdirAll(l.ROIDir(slideID, roiID), 0o755)
}

// RelPatchPath returns a patch file path relative to the output root;
// this is the form stored in manifest records.
func (l Layout) RelPatchPath(slideID, roiID, patchID, format string) string {
	return filepath.Join(PatchesDirName, slideID, roiID, fmt.Sprintf("%s.%s", patchID, format))
}

// Abs resolves a manifest-relative path against the output root.
func (l Layout) Abs(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(l.out, rel)
}
