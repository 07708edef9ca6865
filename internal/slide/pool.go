package slide

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("slide: pool closed")

// Pool bounds the number of open slide handles. Pyramid handles hold
// significant decode cache, so the pool caps live handles (idle plus
// in-use) at Size and hands idle handles back out per path. Workers own a
// handle between Acquire and Release; handles are never shared.
type Pool struct {
	opener Opener
	size   int
	logger *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	live   int
	idle   map[string][]Handle
	closed bool
}

// PoolConfig configures a handle pool.
type PoolConfig struct {
	Opener Opener
	Size   int // Max live handles. Default 4.
	Logger *slog.Logger
}

// NewPool creates a handle pool.
func NewPool(cfg PoolConfig) *Pool {
	size := cfg.Size
	if size <= 0 {
		size = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		opener: cfg.Opener,
		size:   size,
		logger: logger.With("component", "slidepool"),
		idle:   make(map[string][]Handle),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Acquire returns a handle for path, reusing an idle one when available.
// When the pool is at capacity it evicts an idle handle for another path;
// if every handle is in use it blocks until one is released or ctx ends.
// Open failures carry ErrSlideOpen from the opener.
func (p *Pool) Acquire(ctx context.Context, path string) (Handle, error) {
	// Wake waiters when the context ends so the wait loop can observe it.
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.closed {
			return nil, ErrPoolClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if hs := p.idle[path]; len(hs) > 0 {
			h := hs[len(hs)-1]
			p.idle[path] = hs[:len(hs)-1]
			return h, nil
		}

		if p.live < p.size {
			p.live++
			p.mu.Unlock()
			h, err := p.opener.Open(ctx, path)
			p.mu.Lock()
			if err != nil {
				p.live--
				p.cond.Broadcast()
				return nil, err
			}
			return h, nil
		}

		if h, hPath, ok := p.popAnyIdleLocked(); ok {
			p.live--
			p.mu.Unlock()
			if err := h.Close(); err != nil {
				p.logger.Warn("closing evicted handle", "path", hPath, "error", err)
			}
			p.mu.Lock()
			p.cond.Broadcast()
			continue
		}

		p.cond.Wait()
	}
}

// Release returns a handle to the pool for reuse. After Close the handle
// is closed instead.
func (p *Pool) Release(path string, h Handle) {
	if h == nil {
		return
	}

	p.mu.Lock()
	if p.closed {
		p.live--
		p.mu.Unlock()
		_ = h.Close()
		return
	}
	p.idle[path] = append(p.idle[path], h)
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Close closes all idle handles and fails future Acquires. Handles still
// in use are closed as they are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var firstErr error
	for path, hs := range p.idle {
		for _, h := range hs {
			p.live--
			if err := h.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		delete(p.idle, path)
	}
	p.cond.Broadcast()
	return firstErr
}

// Live reports the number of open handles (idle plus in-use).
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

func (p *Pool) popAnyIdleLocked() (Handle, string, bool) {
	for path, hs := range p.idle {
		h := hs[len(hs)-1]
		if len(hs) == 1 {
			delete(p.idle, path)
		} else {
			p.idle[path] = hs[:len(hs)-1]
		}
		return h, path, true
	}
	return nil, "", false
}
