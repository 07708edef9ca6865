package pipeline

import "time"

// Problem is one per-item failure or skip, with enough identity to retry
// narrowly. PatchID is set only for patch-level problems, ROIID only
// from the ROI level down.
type Problem struct {
	SlideID string `json:"slide_id" yaml:"slide_id"`
	ROIID   string `json:"roi_id,omitempty" yaml:"roi_id,omitempty"`
	PatchID string `json:"patch_id,omitempty" yaml:"patch_id,omitempty"`
	Reason  string `json:"reason" yaml:"reason"`
}

// Summary reports one run. The run always completes with a summary, even
// when individual slides, ROIs or patches failed along the way.
type Summary struct {
	RunID     string    `json:"run_id" yaml:"run_id"`
	StartedAt time.Time `json:"started_at" yaml:"started_at"`
	Elapsed   string    `json:"elapsed" yaml:"elapsed"`

	SlidesProcessed int `json:"slides_processed" yaml:"slides_processed"`
	SlidesFailed    int `json:"slides_failed" yaml:"slides_failed"`

	ROIsProcessed int `json:"rois_processed" yaml:"rois_processed"`
	ROIsSkipped   int `json:"rois_skipped" yaml:"rois_skipped"`

	// Malformed records skipped and records dropped by the color filter.
	AnnotationsSkipped  int `json:"annotations_skipped" yaml:"annotations_skipped"`
	AnnotationsFiltered int `json:"annotations_filtered" yaml:"annotations_filtered"`

	PatchesWritten  int `json:"patches_written" yaml:"patches_written"`
	PatchesResumed  int `json:"patches_resumed" yaml:"patches_resumed"`
	PatchesFiltered int `json:"patches_filtered" yaml:"patches_filtered"`
	PatchesFailed   int `json:"patches_failed" yaml:"patches_failed"`

	Problems []Problem `json:"problems,omitempty" yaml:"problems,omitempty"`
}

// Ok reports full success for the exit code: no slide failed outright
// and no patch failed its read or write. Skipped ROIs and malformed
// annotation records are data conditions, reported but not failing.
func (s Summary) Ok() bool {
	return s.SlidesFailed == 0 && s.PatchesFailed == 0
}
