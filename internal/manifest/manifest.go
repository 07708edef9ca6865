// Package manifest persists the ground truth of a tiling run: one record
// per planned patch, keyed by the deterministic patch ID. The manifest is
// what makes reruns idempotent; a patch whose record says written (and
// whose file exists) is never re-extracted.
package manifest

import (
	"context"
	"errors"
	"time"
)

// Store failures are fatal to a run: without a trustworthy manifest the
// output cannot be resumed safely.
var ErrManifestWrite = errors.New("manifest: write failed")

// ErrSpecMismatch is returned by Begin when the output directory was
// produced with different patch geometry. A changed spec means a
// different patch set; resuming would interleave incompatible patches.
var ErrSpecMismatch = errors.New("manifest: patch configuration changed since this output was created")

// Record statuses. Failed records are retried on resume and superseded
// in place by the retry's outcome.
const (
	StatusWritten = "written"
	StatusFailed  = "failed"
)

// Record is the durable description of one patch attempt.
type Record struct {
	PatchID    string
	RunID      string
	SlideID    string
	ROIID      string
	Level      int
	OriginX    int64 // absolute level-0 origin
	OriginY    int64
	Width      int // extraction-level pixels
	Height     int
	Inclusion  float64
	OutputPath string
	Status     string
	CreatedAt  time.Time
}

// Run identifies one pipeline invocation over an output directory.
type Run struct {
	ID              string
	StartedAt       time.Time
	SpecFingerprint string
}

// Summary aggregates the manifest for status reporting.
type Summary struct {
	Runs    int       `json:"runs" yaml:"runs"`
	Slides  int       `json:"slides" yaml:"slides"`
	Patches int       `json:"patches" yaml:"patches"`
	Written int       `json:"written" yaml:"written"`
	Failed  int       `json:"failed" yaml:"failed"`
	LastRun time.Time `json:"last_run" yaml:"last_run"`
}

// Store persists patch records. Implementations serialize writes; the
// pipeline shares one store across all workers.
type Store interface {
	// Begin registers a run and refuses to resume an output directory
	// whose recorded spec fingerprint differs (ErrSpecMismatch).
	Begin(ctx context.Context, run Run) error

	// Get fetches a record by patch ID; ok is false when absent.
	Get(ctx context.Context, patchID string) (Record, bool, error)

	// Append inserts a record, superseding a prior record for the same
	// patch (a failed attempt replaced by its retry).
	Append(ctx context.Context, rec Record) error

	// Records returns all records, ordered by slide, ROI, then patch ID.
	Records(ctx context.Context) ([]Record, error)

	// Summarize aggregates the manifest.
	Summarize(ctx context.Context) (Summary, error)

	Close() error
}
