package slide_test

import (
	"context"
	"errors"
	"fmt"
	"image"
	"testing"
	"time"

	"github.com/wsilab/tessera/internal/slide"
)

// flakyHandle fails the first failures reads, then succeeds.
type flakyHandle struct {
	failures int
	attempts int
	hang     bool
}

func (h *flakyHandle) Info() slide.Info { return slide.Info{} }

func (h *flakyHandle) ReadRegion(ctx context.Context, level int, x, y int64, w, hh int) (*image.NRGBA, error) {
	h.attempts++
	if h.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if h.attempts <= h.failures {
		return nil, fmt.Errorf("%w: transient", slide.ErrSlideRead)
	}
	return image.NewNRGBA(image.Rect(0, 0, w, hh)), nil
}

func (h *flakyHandle) Close() error { return nil }

func TestGuardedRetriesTransientFailures(t *testing.T) {
	inner := &flakyHandle{failures: 2}
	h := slide.Guarded(inner, slide.ReadGuard{Attempts: 3, Delay: time.Millisecond})

	img, err := h.ReadRegion(context.Background(), 0, 0, 0, 8, 8)
	if err != nil {
		t.Fatalf("ReadRegion: %v", err)
	}
	if img == nil {
		t.Fatal("ReadRegion returned nil image")
	}
	if inner.attempts != 3 {
		t.Errorf("attempts = %d, want 3", inner.attempts)
	}
}

func TestGuardedGivesUpAfterAttempts(t *testing.T) {
	inner := &flakyHandle{failures: 10}
	h := slide.Guarded(inner, slide.ReadGuard{Attempts: 3, Delay: time.Millisecond})

	_, err := h.ReadRegion(context.Background(), 0, 0, 0, 8, 8)
	if !errors.Is(err, slide.ErrSlideRead) {
		t.Fatalf("error = %v, want ErrSlideRead", err)
	}
	if inner.attempts != 3 {
		t.Errorf("attempts = %d, want 3", inner.attempts)
	}
}

func TestGuardedTimesOutHungReader(t *testing.T) {
	inner := &flakyHandle{hang: true}
	h := slide.Guarded(inner, slide.ReadGuard{
		Attempts: 2,
		Delay:    time.Millisecond,
		Timeout:  20 * time.Millisecond,
	})

	_, err := h.ReadRegion(context.Background(), 0, 0, 0, 8, 8)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want context.DeadlineExceeded", err)
	}
	if inner.attempts != 2 {
		t.Errorf("attempts = %d, want 2 (timeouts retry)", inner.attempts)
	}
}

func TestGuardedStopsOnCancel(t *testing.T) {
	inner := &flakyHandle{hang: true}
	h := slide.Guarded(inner, slide.ReadGuard{Attempts: 5, Delay: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := h.ReadRegion(ctx, 0, 0, 0, 8, 8)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if inner.attempts != 1 {
		t.Errorf("attempts = %d, want 1 (cancellation stops retries)", inner.attempts)
	}
}
