// Package convert invokes the vendor slide converter: proprietary
// containers in, pyramidal containers out. The converter is an external
// tool; this package only drives it, either directly or inside a
// container, and verifies that output actually appeared.
package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// Runner converts one slide container.
type Runner interface {
	Convert(ctx context.Context, src, dst string) error
}

// ValidateLevel checks the pyramid depth argument the converter accepts.
func ValidateLevel(level int) error {
	if level < 2 || level > 9 {
		return fmt.Errorf("pyramid level %d outside the converter's supported range [2, 9]", level)
	}
	return nil
}

// ExecRunner invokes the converter executable directly:
//
//	<exe> <src> <dst> <level>
type ExecRunner struct {
	ExePath string
	Level   int
	Logger  *slog.Logger
}

func (r ExecRunner) Convert(ctx context.Context, src, dst string) error {
	if r.ExePath == "" {
		return errors.New("converter executable not configured (convert.exe_path)")
	}
	if err := ValidateLevel(r.Level); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("preparing output dir: %w", err)
	}

	args := r.args(src, dst)
	if r.Logger != nil {
		r.Logger.Debug("running converter", "exe", r.ExePath, "args", args)
	}
	cmd := exec.CommandContext(ctx, r.ExePath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("converter %s: %w: %s", filepath.Base(src), err, lastLine(out))
	}
	return verifyOutput(dst)
}

func (r ExecRunner) args(src, dst string) []string {
	return []string{src, dst, strconv.Itoa(r.Level)}
}

// verifyOutput accepts the conversion only when the destination exists
// and is non-trivial: a nonzero file, or a directory with content. The
// vendor tool has been seen exiting zero with nothing written.
func verifyOutput(dst string) error {
	fi, err := os.Stat(dst)
	if err != nil {
		return fmt.Errorf("converter reported success but wrote no output at %s", dst)
	}
	if fi.IsDir() {
		entries, err := os.ReadDir(dst)
		if err != nil || len(entries) == 0 {
			return fmt.Errorf("converter output dir %s is empty", dst)
		}
		return nil
	}
	if fi.Size() == 0 {
		return fmt.Errorf("converter output %s is empty", dst)
	}
	return nil
}

// lastLine extracts the most useful part of converter output for an
// error message.
func lastLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// BatchFailure is one failed conversion in a directory batch.
type BatchFailure struct {
	Src string `json:"src" yaml:"src"`
	Err string `json:"error" yaml:"error"`
}

// BatchResult reports a directory conversion.
type BatchResult struct {
	Converted []string       `json:"converted" yaml:"converted"`
	Skipped   []string       `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Failures  []BatchFailure `json:"failures,omitempty" yaml:"failures,omitempty"`
}

// Ok reports whether every conversion succeeded.
func (r BatchResult) Ok() bool { return len(r.Failures) == 0 }

// Batch converts every matching file in a directory, collecting per-file
// failures instead of stopping. Destinations that already exist are
// skipped, so an interrupted batch can simply be run again.
type Batch struct {
	Runner    Runner
	InputExt  string // default .kfb
	OutputExt string // default .svs
	Logger    *slog.Logger
}

func (b Batch) Run(ctx context.Context, srcDir, dstDir string) (BatchResult, error) {
	inExt := b.InputExt
	if inExt == "" {
		inExt = ".kfb"
	}
	outExt := b.OutputExt
	if outExt == "" {
		outExt = ".svs"
	}

	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return BatchResult{}, fmt.Errorf("reading source dir: %w", err)
	}

	var res BatchResult
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), inExt) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		src := filepath.Join(srcDir, e.Name())
		stem := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		dst := filepath.Join(dstDir, stem+outExt)

		if verifyOutput(dst) == nil {
			res.Skipped = append(res.Skipped, src)
			continue
		}

		if err := b.Runner.Convert(ctx, src, dst); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			b.logger().Warn("conversion failed", "src", src, "error", err)
			res.Failures = append(res.Failures, BatchFailure{Src: src, Err: err.Error()})
			continue
		}
		res.Converted = append(res.Converted, src)
	}
	return res, nil
}

func (b Batch) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}
