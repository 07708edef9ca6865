package manifest

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store with the same semantics as the
// SQLite implementation. Tests use it to avoid touching disk.
type MemoryStore struct {
	mu      sync.Mutex
	runs    []Run
	records map[string]Record
}

// NewMemoryStore creates an empty in-memory manifest.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Begin(ctx context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.runs); n > 0 && s.runs[n-1].SpecFingerprint != run.SpecFingerprint {
		return fmt.Errorf("%w (recorded %.12s, current %.12s): use a fresh output directory",
			ErrSpecMismatch, s.runs[n-1].SpecFingerprint, run.SpecFingerprint)
	}
	s.runs = append(s.runs, run)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, patchID string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[patchID]
	return rec, ok, nil
}

func (s *MemoryStore) Append(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.PatchID] = rec
	return nil
}

func (s *MemoryStore) Records(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.SlideID != b.SlideID {
			return a.SlideID < b.SlideID
		}
		if a.ROIID != b.ROIID {
			return a.ROIID < b.ROIID
		}
		return a.PatchID < b.PatchID
	})
	return out, nil
}

func (s *MemoryStore) Summarize(ctx context.Context) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := Summary{Runs: len(s.runs)}
	if len(s.runs) > 0 {
		sum.LastRun = s.runs[len(s.runs)-1].StartedAt
	}
	slides := make(map[string]bool)
	for _, rec := range s.records {
		sum.Patches++
		slides[rec.SlideID] = true
		switch rec.Status {
		case StatusWritten:
			sum.Written++
		case StatusFailed:
			sum.Failed++
		}
	}
	sum.Slides = len(slides)
	return sum, nil
}

func (s *MemoryStore) Close() error { return nil }
