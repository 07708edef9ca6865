package tile

// Patch is one planned patch: origin and actual size in extraction-level
// pixels relative to the ROI box, plus its row-major index.
type Patch struct {
	Index int
	X, Y  int
	W, H  int
}

// step is one axis position of the schedule.
type step struct {
	off  int
	size int
}

// Grid is the deterministic patch layout over one ROI box. Patches come
// out row-major: left to right, then top to bottom.
type Grid struct {
	xs []step
	ys []step
}

// NewGrid plans patches over a boxW×boxH region. The spec should be
// normalized and validated by the caller.
func NewGrid(boxW, boxH int, spec Spec) Grid {
	return Grid{
		xs: axisSteps(boxW, spec.Width, spec.StrideX, spec.Edge),
		ys: axisSteps(boxH, spec.Height, spec.StrideY, spec.Edge),
	}
}

// Len returns the number of planned patches.
func (g Grid) Len() int { return len(g.xs) * len(g.ys) }

// At returns the i-th patch. Pure: any index can be computed without
// visiting the ones before it.
func (g Grid) At(i int) Patch {
	nx := len(g.xs)
	sx := g.xs[i%nx]
	sy := g.ys[i/nx]
	return Patch{Index: i, X: sx.off, Y: sy.off, W: sx.size, H: sy.size}
}

// axisSteps plans one axis. Full steps advance by stride while a whole
// patch fits; the residual tail and the dim<patch case follow the edge
// policy.
func axisSteps(dim, patch, stride int, edge EdgePolicy) []step {
	if dim <= 0 {
		return nil
	}
	if dim < patch {
		switch edge {
		case EdgeShrink:
			return []step{{0, dim}}
		case EdgePad:
			return []step{{0, patch}}
		default:
			return nil
		}
	}

	n := (dim-patch)/stride + 1
	steps := make([]step, 0, n+1)
	for k := 0; k < n; k++ {
		steps = append(steps, step{off: k * stride, size: patch})
	}
	if tail := n * stride; tail < dim {
		switch edge {
		case EdgeShrink:
			steps = append(steps, step{off: tail, size: dim - tail})
		case EdgePad:
			steps = append(steps, step{off: tail, size: patch})
		}
	}
	return steps
}
