package analysis

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// Cache stores one Result per path in the analysis_cache table together
// with the fingerprint it was computed for, and manual classification
// overrides in manual_overrides.
type Cache struct {
	db *sql.DB
}

// NewCache wraps a migrated database.
func NewCache(db *sql.DB) *Cache {
	return &Cache{db: db}
}

// Get returns the cached result for path when its stored fingerprint equals
// fp. A miss, including a stale fingerprint, is reported by ok=false.
func (c *Cache) Get(ctx context.Context, path, fp string) (res Result, ok bool, err error) {
	var storedFP, raw string
	err = c.db.QueryRowContext(ctx,
		`SELECT fingerprint, result FROM analysis_cache WHERE path = ?`, path,
	).Scan(&storedFP, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, fmt.Errorf("cache get %q: %w", path, err)
	}
	if storedFP != fp {
		return Result{}, false, nil
	}
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return Result{}, false, fmt.Errorf("cache decode %q: %w", path, err)
	}
	return res, true, nil
}

// Put stores res for path under fp, replacing any previous entry.
func (c *Cache) Put(ctx context.Context, path, fp string, res Result) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("cache encode %q: %w", path, err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO analysis_cache (path, fingerprint, result, cached_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			result      = excluded.result,
			cached_at   = excluded.cached_at`,
		path, fp, string(raw), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("cache put %q: %w", path, err)
	}
	return nil
}

// Sweep evicts every entry whose path is rejected by valid and returns the
// number evicted.
func (c *Cache) Sweep(ctx context.Context, valid func(path string) bool) (int, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT path FROM analysis_cache`)
	if err != nil {
		return 0, fmt.Errorf("cache sweep: list: %w", err)
	}
	var stale []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return 0, fmt.Errorf("cache sweep: scan: %w", err)
		}
		if !valid(p) {
			stale = append(stale, p)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("cache sweep: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("cache sweep: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM analysis_cache WHERE path = ?`)
	if err != nil {
		return 0, fmt.Errorf("cache sweep: prepare: %w", err)
	}
	defer stmt.Close()
	for _, p := range stale {
		if _, err := stmt.ExecContext(ctx, p); err != nil {
			return 0, fmt.Errorf("cache sweep: delete %q: %w", p, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("cache sweep: commit: %w", err)
	}
	return len(stale), nil
}

// Prune evicts entries whose file no longer exists.
func (c *Cache) Prune(ctx context.Context) (int, error) {
	return c.Sweep(ctx, func(path string) bool {
		_, err := os.Stat(path)
		return !errors.Is(err, os.ErrNotExist)
	})
}

// Len returns the number of cached results.
func (c *Cache) Len(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM analysis_cache`).Scan(&n); err != nil {
		return 0, fmt.Errorf("cache count: %w", err)
	}
	return n, nil
}

// Manual returns the manual classification for path, if one is set.
func (c *Cache) Manual(ctx context.Context, path string) (classified, ok bool, err error) {
	err = c.db.QueryRowContext(ctx,
		`SELECT classified FROM manual_overrides WHERE path = ?`, path,
	).Scan(&classified)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("manual override %q: %w", path, err)
	}
	return classified, true, nil
}

// SetManual records a manual classification for path.
func (c *Cache) SetManual(ctx context.Context, path string, classified bool) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO manual_overrides (path, classified, set_at) VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET classified = excluded.classified, set_at = excluded.set_at`,
		path, classified, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("set manual override %q: %w", path, err)
	}
	return nil
}

// ClearManual removes the manual classification for path.
func (c *Cache) ClearManual(ctx context.Context, path string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM manual_overrides WHERE path = ?`, path); err != nil {
		return fmt.Errorf("clear manual override %q: %w", path, err)
	}
	return nil
}
