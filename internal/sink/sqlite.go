package sink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure go sqlite driver
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS tracefinder_contributions (
		run_id        TEXT NOT NULL,
		row_index     INTEGER NOT NULL,
		specimen      TEXT NOT NULL,
		contributions TEXT,
		gof           REAL,
		iterations    INTEGER NOT NULL DEFAULT 0,
		error         TEXT,
		created_at    TEXT NOT NULL,
		PRIMARY KEY (run_id, row_index)
	)`

// SQLite stores result rows in a local database file.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	if path == "" {
		path = "tracefinder.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create contributions table: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Name() string { return "sqlite" }

func (s *SQLite) Write(ctx context.Context, b Batch) (retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(s.Name(), err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tracefinder_contributions
			(run_id, row_index, specimen, contributions, gof, iterations, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return wrap(s.Name(), err)
	}
	defer func() { _ = stmt.Close() }()

	for _, rec := range Records(b) {
		raw, err := contributionsJSON(rec)
		if err != nil {
			return wrap(s.Name(), err)
		}
		var contrib, msg sql.NullString
		if raw != nil {
			contrib = sql.NullString{String: string(raw), Valid: true}
		}
		if rec.Error != "" {
			msg = sql.NullString{String: rec.Error, Valid: true}
		}
		var gof sql.NullFloat64
		if rec.GOF != nil {
			gof = sql.NullFloat64{Float64: *rec.GOF, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			rec.RunID.String(), rec.Index, rec.Specimen, contrib, gof, rec.Iterations, msg,
			rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return wrap(s.Name(), fmt.Errorf("insert specimen %q: %w", rec.Specimen, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return wrap(s.Name(), err)
	}
	return nil
}

// Load returns the stored rows of a run in row order.
func (s *SQLite) Load(ctx context.Context, runID uuid.UUID) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT row_index, specimen, contributions, gof, iterations, error, created_at
		FROM tracefinder_contributions WHERE run_id = ? ORDER BY row_index`, runID.String())
	if err != nil {
		return nil, fmt.Errorf("select contributions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var (
			rec     = Record{RunID: runID}
			contrib sql.NullString
			gof     sql.NullFloat64
			msg     sql.NullString
			created string
		)
		if err := rows.Scan(&rec.Index, &rec.Specimen, &contrib, &gof, &rec.Iterations, &msg, &created); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		if err := decodeRecord(&rec, []byte(contrib.String), gof, msg); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
