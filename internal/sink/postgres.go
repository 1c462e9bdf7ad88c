package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS tracefinder_contributions (
		run_id        UUID NOT NULL,
		row_index     INTEGER NOT NULL,
		specimen      TEXT NOT NULL,
		contributions JSONB,
		gof           DOUBLE PRECISION,
		iterations    INTEGER NOT NULL DEFAULT 0,
		error         TEXT,
		created_at    TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (run_id, row_index)
	)`

// Postgres stores result rows in the tracefinder_contributions table.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create contributions table: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) Name() string { return "postgres" }

func (p *Postgres) Write(ctx context.Context, b Batch) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return wrap(p.Name(), err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	batch := &pgx.Batch{}
	for _, rec := range Records(b) {
		contrib, err := contributionsJSON(rec)
		if err != nil {
			return wrap(p.Name(), err)
		}
		batch.Queue(`
			INSERT INTO tracefinder_contributions
				(run_id, row_index, specimen, contributions, gof, iterations, error, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)`,
			rec.RunID, rec.Index, rec.Specimen, contrib, rec.GOF, rec.Iterations, rec.Error, rec.CreatedAt,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return wrap(p.Name(), fmt.Errorf("insert rows: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return wrap(p.Name(), err)
	}
	return nil
}

// Load returns the stored rows of a run in row order.
func (p *Postgres) Load(ctx context.Context, runID uuid.UUID) ([]Record, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT run_id, row_index, specimen, contributions, gof, iterations, error, created_at
		FROM tracefinder_contributions WHERE run_id = $1 ORDER BY row_index`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec     Record
			contrib []byte
			gof     sql.NullFloat64
			msg     sql.NullString
		)
		if err := rows.Scan(&rec.RunID, &rec.Index, &rec.Specimen, &contrib, &gof, &rec.Iterations, &msg, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if err := decodeRecord(&rec, contrib, gof, msg); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func decodeRecord(rec *Record, contrib []byte, gof sql.NullFloat64, msg sql.NullString) error {
	if len(contrib) > 0 {
		if err := json.Unmarshal(contrib, &rec.Contributions); err != nil {
			return fmt.Errorf("decode contributions of %q: %w", rec.Specimen, err)
		}
	}
	if gof.Valid {
		v := gof.Float64
		rec.GOF = &v
	}
	rec.Error = msg.String
	return nil
}
