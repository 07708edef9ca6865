package slide

import (
	"context"
	"errors"
	"image"
	"time"

	"github.com/avast/retry-go/v4"
)

// ReadGuard retries transient region-read failures and bounds each attempt
// with a timeout so a hung external reader cannot stall a worker.
type ReadGuard struct {
	Attempts uint          // Total attempts per read. Default 3.
	Delay    time.Duration // Fixed delay between attempts. Default 500ms.
	Timeout  time.Duration // Per-attempt deadline. 0 disables it.
}

func (g ReadGuard) withDefaults() ReadGuard {
	if g.Attempts == 0 {
		g.Attempts = 3
	}
	if g.Delay == 0 {
		g.Delay = 500 * time.Millisecond
	}
	return g
}

// Guarded wraps a handle so ReadRegion retries per the guard. Info and
// Close pass through.
func Guarded(h Handle, g ReadGuard) Handle {
	return &guardedHandle{Handle: h, guard: g.withDefaults()}
}

type guardedHandle struct {
	Handle
	guard ReadGuard
}

func (h *guardedHandle) ReadRegion(ctx context.Context, level int, x, y int64, w, hh int) (*image.NRGBA, error) {
	var img *image.NRGBA

	err := retry.Do(
		func() error {
			attemptCtx := ctx
			if h.guard.Timeout > 0 {
				var cancel context.CancelFunc
				attemptCtx, cancel = context.WithTimeout(ctx, h.guard.Timeout)
				defer cancel()
			}
			var err error
			img, err = h.Handle.ReadRegion(attemptCtx, level, x, y, w, hh)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(h.guard.Attempts),
		retry.Delay(h.guard.Delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			// Attempt timeouts retry (hung reader); a cancelled run stops.
			return !errors.Is(err, context.Canceled)
		}),
	)
	if err != nil {
		return nil, err
	}
	return img, nil
}
