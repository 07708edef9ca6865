// Package pipeline drives the extraction run: pair slides with
// annotations, derive ROIs, then fan (slide, ROI) jobs out to a bounded
// worker pool. Per-item failures are collected into the run summary and
// never abort the batch; only manifest failures and cancellation stop a
// run early.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wsilab/tessera/internal/annotation"
	"github.com/wsilab/tessera/internal/home"
	"github.com/wsilab/tessera/internal/manifest"
	"github.com/wsilab/tessera/internal/roi"
	"github.com/wsilab/tessera/internal/slide"
	"github.com/wsilab/tessera/internal/tile"
	"github.com/wsilab/tessera/internal/writer"
)

// Driver orchestrates one run over an output directory. The pool bounds
// open slide handles; workers acquire their own handle per ROI, so no
// handle is ever shared concurrently.
type Driver struct {
	Pool   *slide.Pool
	Store  manifest.Store
	Layout home.Layout
	Spec   tile.Spec

	// MaxDownsample bounds the extraction level; at or below 1 pins
	// extraction to level 0.
	MaxDownsample float64

	// ColorFilter is the named annotation color filter; empty keeps all.
	ColorFilter string

	// Guard retries transient region reads with a per-attempt timeout.
	Guard slide.ReadGuard

	// Workers sizes the ROI worker pool; 0 means min(NumCPU, 8).
	Workers int

	Logger *slog.Logger
}

// roiJob is one unit of worker work: a ROI plus the slide it reads from.
type roiJob struct {
	task Task
	roi  *roi.ROI
}

// roiResult carries one job's counts back to the collector. err is fatal
// to the run; skipped means the ROI could not start and was reported.
type roiResult struct {
	written  int
	resumed  int
	filtered int
	failed   int
	skipped  bool
	problems []Problem
	err      error
}

// Run executes all tasks and always returns a summary, even alongside a
// fatal error. The manifest's recorded fingerprint is checked first, so
// a resume with changed patch geometry refuses before touching pixels.
func (d *Driver) Run(ctx context.Context, tasks []Task) (Summary, error) {
	started := time.Now()
	sum := Summary{RunID: uuid.NewString(), StartedAt: started}
	finish := func(err error) (Summary, error) {
		sum.Elapsed = time.Since(started).Round(time.Millisecond).String()
		return sum, err
	}

	spec := d.Spec.Normalized()
	if err := spec.Validate(); err != nil {
		return finish(fmt.Errorf("patch spec: %w", err))
	}
	filter, err := annotation.FilterByName(d.ColorFilter)
	if err != nil {
		return finish(err)
	}

	err = d.Store.Begin(ctx, manifest.Run{
		ID:              sum.RunID,
		StartedAt:       started,
		SpecFingerprint: Fingerprint(spec, d.MaxDownsample, d.ColorFilter),
	})
	if err != nil {
		return finish(err)
	}

	w := &writer.Writer{
		Store:  d.Store,
		Layout: d.Layout,
		Spec:   spec,
		RunID:  sum.RunID,
		Logger: d.logger(),
	}

	parser := annotation.Parser{Filter: filter, Logger: d.logger()}
	extractor := roi.Extractor{MaxDownsample: d.MaxDownsample, Logger: d.logger()}

	var jobs []roiJob
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}
		jobs = append(jobs, d.planSlide(ctx, task, parser, extractor, &sum)...)
	}

	workers := d.Workers
	if workers <= 0 {
		workers = min(runtime.NumCPU(), 8)
	}
	if workers > len(jobs) {
		workers = len(jobs)
	}
	d.logger().Info("run starting",
		"run", sum.RunID, "slides", len(tasks), "rois", len(jobs), "workers", workers)

	var fatal error
	if len(jobs) > 0 {
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		jobCh := make(chan roiJob)
		resCh := make(chan roiResult)

		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for job := range jobCh {
					resCh <- d.processROI(runCtx, w, job)
				}
			}()
		}
		go func() {
			defer close(jobCh)
			for _, job := range jobs {
				select {
				case jobCh <- job:
				case <-runCtx.Done():
					return
				}
			}
		}()
		go func() {
			wg.Wait()
			close(resCh)
		}()

		for res := range resCh {
			switch {
			case res.err != nil:
				if fatal == nil {
					fatal = res.err
				}
				cancel()
			case res.skipped:
				sum.ROIsSkipped++
				sum.Problems = append(sum.Problems, res.problems...)
			default:
				sum.ROIsProcessed++
				sum.PatchesWritten += res.written
				sum.PatchesResumed += res.resumed
				sum.PatchesFiltered += res.filtered
				sum.PatchesFailed += res.failed
				sum.Problems = append(sum.Problems, res.problems...)
			}
		}
	}

	d.logger().Info("run complete",
		"run", sum.RunID,
		"written", sum.PatchesWritten, "resumed", sum.PatchesResumed,
		"filtered", sum.PatchesFiltered, "failed", sum.PatchesFailed,
		"problems", len(sum.Problems))
	return finish(fatal)
}

// planSlide opens the slide for metadata, parses its annotations and
// extracts ROIs. Slide-level failures skip the slide; per-record and
// per-ROI failures are reported and the rest continue.
func (d *Driver) planSlide(ctx context.Context, task Task, parser annotation.Parser, extractor roi.Extractor, sum *Summary) []roiJob {
	slideID := slide.IDFromPath(task.SlidePath)

	h, err := d.Pool.Acquire(ctx, task.SlidePath)
	if err != nil {
		sum.SlidesFailed++
		sum.Problems = append(sum.Problems, Problem{SlideID: slideID, Reason: err.Error()})
		d.logger().Warn("skipping slide", "slide", slideID, "error", err)
		return nil
	}
	info := h.Info()
	// Planning only needs metadata; hand the handle back for the workers.
	d.Pool.Release(task.SlidePath, h)

	parsed, err := parser.ParseFile(task.AnnotationPath, info)
	if err != nil {
		sum.SlidesFailed++
		sum.Problems = append(sum.Problems, Problem{SlideID: info.ID, Reason: err.Error()})
		d.logger().Warn("skipping slide", "slide", info.ID, "error", err)
		return nil
	}
	sum.AnnotationsFiltered += parsed.Filtered
	sum.AnnotationsSkipped += len(parsed.Skipped)
	for _, sk := range parsed.Skipped {
		sum.Problems = append(sum.Problems, Problem{
			SlideID: info.ID,
			Reason:  fmt.Sprintf("annotation record %d: %v", sk.Index, sk.Err),
		})
	}

	var jobs []roiJob
	for _, poly := range parsed.Polygons {
		r, err := extractor.Extract(info, poly)
		if err != nil {
			sum.ROIsSkipped++
			sum.Problems = append(sum.Problems, Problem{
				SlideID: info.ID, ROIID: poly.ID, Reason: err.Error(),
			})
			d.logger().Warn("skipping roi", "roi", poly.ID, "error", err)
			continue
		}
		jobs = append(jobs, roiJob{task: task, roi: r})
	}
	sum.SlidesProcessed++
	return jobs
}

// processROI tiles one ROI. Cancellation is observed between patches,
// never mid-write.
func (d *Driver) processROI(ctx context.Context, w *writer.Writer, job roiJob) roiResult {
	slideID := job.roi.Polygon.SlideID
	roiID := job.roi.ID()
	var out roiResult

	h, err := d.Pool.Acquire(ctx, job.task.SlidePath)
	if err != nil {
		if ctx.Err() != nil {
			out.err = ctx.Err()
			return out
		}
		out.skipped = true
		out.problems = append(out.problems, Problem{SlideID: slideID, ROIID: roiID, Reason: err.Error()})
		return out
	}
	defer d.Pool.Release(job.task.SlidePath, h)
	guarded := slide.Guarded(h, d.Guard)

	if err := d.Layout.EnsureROIDir(slideID, roiID); err != nil {
		out.skipped = true
		out.problems = append(out.problems, Problem{SlideID: slideID, ROIID: roiID, Reason: err.Error()})
		return out
	}

	boxW, boxH := job.roi.GridSize()
	grid := tile.NewGrid(boxW, boxH, w.Spec)
	for i := 0; i < grid.Len(); i++ {
		if err := ctx.Err(); err != nil {
			out.err = err
			return out
		}

		p := grid.At(i)
		frac := tile.InclusionFraction(job.roi.Mask, p)
		if frac < w.Spec.MinInclusion {
			out.filtered++
			continue
		}

		res, err := w.Write(ctx, guarded, job.roi, p, frac)
		if err != nil {
			out.err = err
			return out
		}
		switch res.Disposition {
		case writer.Written:
			out.written++
		case writer.Resumed:
			out.resumed++
		case writer.Failed:
			out.failed++
			out.problems = append(out.problems, Problem{
				SlideID: slideID, ROIID: roiID, PatchID: res.PatchID,
				Reason: res.Err.Error(),
			})
		}
	}
	return out
}

func (d *Driver) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}
