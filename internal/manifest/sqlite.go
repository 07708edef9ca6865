package manifest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id           TEXT PRIMARY KEY,
	started_at       TEXT NOT NULL,
	spec_fingerprint TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS patches (
	patch_id    TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES runs(run_id),
	slide_id    TEXT NOT NULL,
	roi_id      TEXT NOT NULL,
	level       INTEGER NOT NULL,
	origin_x    INTEGER NOT NULL,
	origin_y    INTEGER NOT NULL,
	width       INTEGER NOT NULL,
	height      INTEGER NOT NULL,
	inclusion   REAL NOT NULL,
	output_path TEXT NOT NULL,
	status      TEXT NOT NULL,
	created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_patches_slide ON patches(slide_id);
CREATE INDEX IF NOT EXISTS idx_patches_status ON patches(status);
`

// SQLiteStore is the durable manifest. One write at a time; readers go
// through the same connection pool and see committed state (WAL).
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenSQLite opens (or creates) the manifest database at path, applying
// the production pragmas and schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: mkdir: %v", ErrManifestWrite, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrManifestWrite, path, err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: %s: %v", ErrManifestWrite, p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: schema: %v", ErrManifestWrite, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping: %v", ErrManifestWrite, err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Begin(ctx context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prior string
	err := s.db.QueryRowContext(ctx,
		`SELECT spec_fingerprint FROM runs ORDER BY rowid DESC LIMIT 1`,
	).Scan(&prior)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("%w: read prior run: %v", ErrManifestWrite, err)
	case prior != run.SpecFingerprint:
		return fmt.Errorf("%w (recorded %.12s, current %.12s): use a fresh output directory",
			ErrSpecMismatch, prior, run.SpecFingerprint)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, started_at, spec_fingerprint) VALUES (?, ?, ?)`,
		run.ID, run.StartedAt.UTC().Format(time.RFC3339Nano), run.SpecFingerprint)
	if err != nil {
		return fmt.Errorf("%w: insert run: %v", ErrManifestWrite, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, patchID string) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT patch_id, run_id, slide_id, roi_id, level, origin_x, origin_y,
		        width, height, inclusion, output_path, status, created_at
		 FROM patches WHERE patch_id = ?`, patchID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("manifest: get %s: %w", patchID, err)
	}
	return rec, true, nil
}

func (s *SQLiteStore) Append(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO patches (patch_id, run_id, slide_id, roi_id, level,
		        origin_x, origin_y, width, height, inclusion,
		        output_path, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(patch_id) DO UPDATE SET
			run_id      = excluded.run_id,
			inclusion   = excluded.inclusion,
			output_path = excluded.output_path,
			status      = excluded.status,
			created_at  = excluded.created_at`,
		rec.PatchID, rec.RunID, rec.SlideID, rec.ROIID, rec.Level,
		rec.OriginX, rec.OriginY, rec.Width, rec.Height, rec.Inclusion,
		rec.OutputPath, rec.Status, rec.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: append %s: %v", ErrManifestWrite, rec.PatchID, err)
	}
	return nil
}

func (s *SQLiteStore) Records(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT patch_id, run_id, slide_id, roi_id, level, origin_x, origin_y,
		        width, height, inclusion, output_path, status, created_at
		 FROM patches ORDER BY slide_id, roi_id, patch_id`)
	if err != nil {
		return nil, fmt.Errorf("manifest: records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("manifest: records: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Summarize(ctx context.Context) (Summary, error) {
	var sum Summary

	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&sum.Runs)
	if err != nil {
		return Summary{}, fmt.Errorf("manifest: summarize runs: %w", err)
	}
	if sum.Runs > 0 {
		var lastRun string
		err = s.db.QueryRowContext(ctx,
			`SELECT started_at FROM runs ORDER BY rowid DESC LIMIT 1`).Scan(&lastRun)
		if err != nil {
			return Summary{}, fmt.Errorf("manifest: summarize runs: %w", err)
		}
		sum.LastRun, err = time.Parse(time.RFC3339Nano, lastRun)
		if err != nil {
			return Summary{}, fmt.Errorf("manifest: summarize runs: %w", err)
		}
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(DISTINCT slide_id),
		       COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM patches`, StatusWritten, StatusFailed).
		Scan(&sum.Patches, &sum.Slides, &sum.Written, &sum.Failed)
	if err != nil {
		return Summary{}, fmt.Errorf("manifest: summarize patches: %w", err)
	}
	return sum, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var created string
	err := row.Scan(&rec.PatchID, &rec.RunID, &rec.SlideID, &rec.ROIID, &rec.Level,
		&rec.OriginX, &rec.OriginY, &rec.Width, &rec.Height, &rec.Inclusion,
		&rec.OutputPath, &rec.Status, &created)
	if err != nil {
		return Record{}, err
	}
	rec.CreatedAt, err = time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return Record{}, fmt.Errorf("bad created_at %q: %w", created, err)
	}
	return rec, nil
}
