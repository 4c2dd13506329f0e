package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"
)

// record is one line of a backup file.
type record struct {
	Key       string    `json:"key"`
	Data      []byte    `json:"data"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Backup writes every document to path as zstd-compressed JSON lines
// and returns the number written.
func (s *Store) Backup(ctx context.Context, path string) (int, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create backup: %w", err)
	}
	defer f.Close()
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return 0, fmt.Errorf("zstd writer: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT key, data, updated_at FROM documents ORDER BY key")
	if err != nil {
		zw.Close()
		return 0, fmt.Errorf("read documents: %w", err)
	}
	defer rows.Close()

	enc := json.NewEncoder(zw)
	n := 0
	for rows.Next() {
		var r record
		if err := rows.Scan(&r.Key, &r.Data, &r.UpdatedAt); err != nil {
			zw.Close()
			return n, err
		}
		if err := enc.Encode(r); err != nil {
			zw.Close()
			return n, fmt.Errorf("encode %s: %w", r.Key, err)
		}
		n++
	}
	if err := rows.Err(); err != nil {
		zw.Close()
		return n, err
	}
	if err := zw.Close(); err != nil {
		return n, fmt.Errorf("finish backup: %w", err)
	}
	return n, f.Sync()
}

type RestoreOptions struct {
	// Overwrite replaces existing documents; otherwise they are skipped.
	Overwrite bool
}

type RestoreResult struct {
	Inserted    int
	Overwritten int
	Skipped     int
}

// RestoreBackup loads a file written by Backup in a single transaction.
func (s *Store) RestoreBackup(ctx context.Context, path string, opts RestoreOptions) (RestoreResult, error) {
	var res RestoreResult
	f, err := os.Open(path)
	if err != nil {
		return res, fmt.Errorf("open backup: %w", err)
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return res, fmt.Errorf("zstd reader: %w", err)
	}
	defer zr.Close()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	sc := bufio.NewScanner(zr)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		var r record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			return RestoreResult{}, fmt.Errorf("backup line %d: %w", line, err)
		}
		var exists int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents WHERE key = ?", r.Key).Scan(&exists); err != nil {
			return RestoreResult{}, err
		}
		switch {
		case exists > 0 && !opts.Overwrite:
			res.Skipped++
			continue
		case exists > 0:
			res.Overwritten++
		default:
			res.Inserted++
		}
		if r.UpdatedAt.IsZero() {
			r.UpdatedAt = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO documents (key, data, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
			r.Key, r.Data, r.UpdatedAt); err != nil {
			return RestoreResult{}, fmt.Errorf("restore %s: %w", r.Key, err)
		}
	}
	if err := sc.Err(); err != nil {
		return RestoreResult{}, fmt.Errorf("read backup: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return RestoreResult{}, err
	}
	return res, nil
}
