package slide_test

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/wsilab/tessera/internal/slide"
)

type stubHandle struct {
	path   string
	mu     sync.Mutex
	closed bool
}

func (h *stubHandle) Info() slide.Info {
	return slide.Info{
		ID:   slide.IDFromPath(h.path),
		Path: h.path,
		Levels: []slide.Level{
			{Index: 0, Width: 100, Height: 100, Downsample: 1},
		},
	}
}

func (h *stubHandle) ReadRegion(ctx context.Context, level int, x, y int64, w, hh int) (*image.NRGBA, error) {
	return image.NewNRGBA(image.Rect(0, 0, w, hh)), nil
}

func (h *stubHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *stubHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

type stubOpener struct {
	mu    sync.Mutex
	opens int
	fail  bool
}

func (o *stubOpener) Open(ctx context.Context, path string) (slide.Handle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail {
		return nil, fmt.Errorf("%w: %s", slide.ErrSlideOpen, path)
	}
	o.opens++
	return &stubHandle{path: path}, nil
}

func (o *stubOpener) openCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}

func TestPoolReusesIdleHandle(t *testing.T) {
	opener := &stubOpener{}
	p := slide.NewPool(slide.PoolConfig{Opener: opener, Size: 2})
	defer p.Close()
	ctx := context.Background()

	h1, err := p.Acquire(ctx, "/slides/a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release("/slides/a", h1)

	h2, err := p.Acquire(ctx, "/slides/a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if h1 != h2 {
		t.Error("second acquire returned a new handle, want the idle one")
	}
	if got := opener.openCount(); got != 1 {
		t.Errorf("opens = %d, want 1", got)
	}
}

func TestPoolEvictsIdleForNewPath(t *testing.T) {
	opener := &stubOpener{}
	p := slide.NewPool(slide.PoolConfig{Opener: opener, Size: 1})
	defer p.Close()
	ctx := context.Background()

	h1, err := p.Acquire(ctx, "/slides/a")
	if err != nil {
		t.Fatalf("Acquire a: %v", err)
	}
	p.Release("/slides/a", h1)

	h2, err := p.Acquire(ctx, "/slides/b")
	if err != nil {
		t.Fatalf("Acquire b: %v", err)
	}
	if h2.Info().Path != "/slides/b" {
		t.Errorf("handle path = %q, want /slides/b", h2.Info().Path)
	}
	if !h1.(*stubHandle).isClosed() {
		t.Error("idle handle for a was not evicted")
	}
	if got := p.Live(); got != 1 {
		t.Errorf("Live = %d, want 1", got)
	}
	if got := opener.openCount(); got != 2 {
		t.Errorf("opens = %d, want 2", got)
	}
}

func TestPoolBlocksAtCapacity(t *testing.T) {
	opener := &stubOpener{}
	p := slide.NewPool(slide.PoolConfig{Opener: opener, Size: 1})
	defer p.Close()
	ctx := context.Background()

	h1, err := p.Acquire(ctx, "/slides/a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	got := make(chan slide.Handle, 1)
	go func() {
		h, err := p.Acquire(ctx, "/slides/b")
		if err != nil {
			t.Errorf("blocked Acquire: %v", err)
		}
		got <- h
	}()

	select {
	case <-got:
		t.Fatal("Acquire returned while pool was at capacity")
	case <-time.After(50 * time.Millisecond):
	}

	p.Release("/slides/a", h1)

	select {
	case h := <-got:
		if h.Info().Path != "/slides/b" {
			t.Errorf("handle path = %q, want /slides/b", h.Info().Path)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire still blocked after release")
	}
}

func TestPoolAcquireHonorsCancel(t *testing.T) {
	opener := &stubOpener{}
	p := slide.NewPool(slide.PoolConfig{Opener: opener, Size: 1})
	defer p.Close()

	h1, err := p.Acquire(context.Background(), "/slides/a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Release("/slides/a", h1)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, "/slides/b")
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire did not observe cancellation")
	}
}

func TestPoolClose(t *testing.T) {
	opener := &stubOpener{}
	p := slide.NewPool(slide.PoolConfig{Opener: opener, Size: 2})
	ctx := context.Background()

	idle, err := p.Acquire(ctx, "/slides/a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release("/slides/a", idle)

	inUse, err := p.Acquire(ctx, "/slides/b")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if !idle.(*stubHandle).isClosed() {
		t.Error("idle handle not closed by Close")
	}
	if _, err := p.Acquire(ctx, "/slides/c"); !errors.Is(err, slide.ErrPoolClosed) {
		t.Fatalf("Acquire after close = %v, want ErrPoolClosed", err)
	}

	p.Release("/slides/b", inUse)
	if !inUse.(*stubHandle).isClosed() {
		t.Error("in-use handle not closed on release after Close")
	}
	if got := p.Live(); got != 0 {
		t.Errorf("Live = %d, want 0", got)
	}
}

func TestPoolOpenFailureFreesSlot(t *testing.T) {
	opener := &stubOpener{fail: true}
	p := slide.NewPool(slide.PoolConfig{Opener: opener, Size: 1})
	defer p.Close()
	ctx := context.Background()

	if _, err := p.Acquire(ctx, "/slides/a"); !errors.Is(err, slide.ErrSlideOpen) {
		t.Fatalf("error = %v, want ErrSlideOpen", err)
	}
	if got := p.Live(); got != 0 {
		t.Fatalf("Live after failed open = %d, want 0", got)
	}

	opener.mu.Lock()
	opener.fail = false
	opener.mu.Unlock()

	h, err := p.Acquire(ctx, "/slides/a")
	if err != nil {
		t.Fatalf("Acquire after recovery: %v", err)
	}
	p.Release("/slides/a", h)
}
