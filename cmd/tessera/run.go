package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/wsilab/tessera/internal/config"
	"github.com/wsilab/tessera/internal/home"
	"github.com/wsilab/tessera/internal/manifest"
	"github.com/wsilab/tessera/internal/output"
	"github.com/wsilab/tessera/internal/pipeline"
	"github.com/wsilab/tessera/internal/slide"
)

var (
	runSlides         []string
	runAnnotations    []string
	runSlidesDir      string
	runAnnotationsDir string
	runOut            string

	runWorkers       int
	runPatchSize     int
	runStride        int
	runEdge          string
	runMinInclusion  float64
	runFormats       []string
	runColorFilter   string
	runMaxDownsample float64
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Extract annotated ROIs and tile them into patches",
	Long: `Run the extraction pipeline over one or more slides.

Slides pair with annotation files either explicitly (--slide with a
matching --annotations, repeatable) or by directory scan
(--slides-dir with --annotations-dir, matched on basename).

The output directory gets a manifest database; rerunning over the same
directory resumes, skipping patches that are already on disk. The
options of the run are saved to <out>/run.yaml so 'tessera resume' can
replay them.

Examples:
  tessera run --slide case01.svs --annotations case01.json --out ./patches
  tessera run --slides-dir ./slides --annotations-dir ./exports --out ./patches
  tessera run --slides-dir ./slides --annotations-dir ./exports --out ./patches \
    --patch-size 512 --stride 256 --edge pad --min-inclusion 0.75`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := loadConfig()
		if err != nil {
			return err
		}
		cfg := *mgr.Get()
		applyRunFlags(cmd, &cfg)

		tasks, err := buildRunTasks()
		if err != nil {
			return err
		}

		sum, runErr := executeRun(cmd.Context(), cfg, tasks, runOut)
		if sum.RunID != "" {
			if err := output.Print(sum); err != nil {
				return err
			}
		}
		if runErr != nil {
			return runErr
		}
		if !sum.Ok() {
			return fmt.Errorf("run %s completed with failures: %d slide(s), %d patch(es)",
				sum.RunID, sum.SlidesFailed, sum.PatchesFailed)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringArrayVar(&runSlides, "slide", nil, "slide path (repeatable, pairs with --annotations)")
	runCmd.Flags().StringArrayVar(&runAnnotations, "annotations", nil, "annotation file path (repeatable)")
	runCmd.Flags().StringVar(&runSlidesDir, "slides-dir", "", "directory of slides to pair by basename")
	runCmd.Flags().StringVar(&runAnnotationsDir, "annotations-dir", "", "directory of annotation exports")
	runCmd.Flags().StringVar(&runOut, "out", "", "output directory (required)")
	_ = runCmd.MarkFlagRequired("out")

	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "ROI worker count (0 = min(NumCPU, 8))")
	runCmd.Flags().IntVar(&runPatchSize, "patch-size", 0, "patch width and height in pixels")
	runCmd.Flags().IntVar(&runStride, "stride", 0, "grid stride in pixels (defaults to patch size)")
	runCmd.Flags().StringVar(&runEdge, "edge", "", "edge policy: drop, pad or shrink")
	runCmd.Flags().Float64Var(&runMinInclusion, "min-inclusion", 0, "minimum in-polygon fraction to keep a patch")
	runCmd.Flags().StringSliceVar(&runFormats, "format", nil, "output format(s): png, tiff")
	runCmd.Flags().StringVar(&runColorFilter, "color-filter", "", "keep only annotations of a named color")
	runCmd.Flags().Float64Var(&runMaxDownsample, "max-downsample", 0, "highest pyramid downsample to extract from")

	rootCmd.AddCommand(runCmd)
}

// applyRunFlags overlays flags the user actually set onto the loaded
// config, so the config file keeps providing everything else.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("workers") {
		cfg.Workers = runWorkers
	}
	if cmd.Flags().Changed("patch-size") {
		cfg.Patch.Width = runPatchSize
		cfg.Patch.Height = runPatchSize
	}
	if cmd.Flags().Changed("stride") {
		cfg.Patch.StrideX = runStride
		cfg.Patch.StrideY = runStride
	}
	if cmd.Flags().Changed("edge") {
		cfg.Patch.Edge = runEdge
	}
	if cmd.Flags().Changed("min-inclusion") {
		cfg.Patch.MinInclusion = runMinInclusion
	}
	if cmd.Flags().Changed("format") {
		cfg.Patch.Formats = runFormats
	}
	if cmd.Flags().Changed("color-filter") {
		cfg.ColorFilter = runColorFilter
	}
	if cmd.Flags().Changed("max-downsample") {
		cfg.MaxDownsample = runMaxDownsample
	}
}

// buildRunTasks resolves the two pairing modes into tasks.
func buildRunTasks() ([]pipeline.Task, error) {
	dirMode := runSlidesDir != "" || runAnnotationsDir != ""
	explicitMode := len(runSlides) > 0 || len(runAnnotations) > 0

	switch {
	case dirMode && explicitMode:
		return nil, errors.New("use either --slide/--annotations or --slides-dir/--annotations-dir, not both")

	case dirMode:
		if runSlidesDir == "" || runAnnotationsDir == "" {
			return nil, errors.New("--slides-dir and --annotations-dir must be set together")
		}
		tasks, err := pipeline.PairDir(runSlidesDir, runAnnotationsDir)
		if err != nil {
			return nil, err
		}
		if len(tasks) == 0 {
			return nil, fmt.Errorf("no slide in %s has a matching annotation file in %s",
				runSlidesDir, runAnnotationsDir)
		}
		return tasks, nil

	case explicitMode:
		if len(runSlides) != len(runAnnotations) {
			return nil, fmt.Errorf("%d --slide flag(s) but %d --annotations flag(s); they pair one to one",
				len(runSlides), len(runAnnotations))
		}
		tasks := make([]pipeline.Task, len(runSlides))
		for i := range runSlides {
			tasks[i] = pipeline.Task{SlidePath: runSlides[i], AnnotationPath: runAnnotations[i]}
		}
		return tasks, nil

	default:
		return nil, errors.New("nothing to do: pass --slide/--annotations or --slides-dir/--annotations-dir")
	}
}

// executeRun wires the pipeline for one output directory and runs it.
// Shared by run and resume.
func executeRun(ctx context.Context, cfg config.Config, tasks []pipeline.Task, out string) (pipeline.Summary, error) {
	spec, err := cfg.TileSpec()
	if err != nil {
		return pipeline.Summary{}, err
	}
	guard, err := cfg.ReadGuard()
	if err != nil {
		return pipeline.Summary{}, err
	}

	if err := os.MkdirAll(out, 0o755); err != nil {
		return pipeline.Summary{}, fmt.Errorf("creating output directory: %w", err)
	}
	layout := home.NewLayout(out)

	// Record the run's options so resume can replay them.
	req := config.RunRequest{Config: cfg, Tasks: tasks}
	if err := config.SaveRunRequest(layout.RunFilePath(), req); err != nil {
		return pipeline.Summary{}, err
	}

	store, err := manifest.OpenSQLite(layout.ManifestPath())
	if err != nil {
		return pipeline.Summary{}, err
	}
	defer store.Close()

	pool := slide.NewPool(slide.PoolConfig{
		Opener: slide.DirOpener{},
		Size:   cfg.PoolSize,
		Logger: slog.Default(),
	})
	defer pool.Close()

	driver := &pipeline.Driver{
		Pool:          pool,
		Store:         store,
		Layout:        layout,
		Spec:          spec,
		MaxDownsample: cfg.MaxDownsample,
		ColorFilter:   cfg.ColorFilter,
		Guard:         guard,
		Workers:       cfg.Workers,
		Logger:        slog.Default(),
	}
	return driver.Run(ctx, tasks)
}
