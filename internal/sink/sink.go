// Package sink persists the result of a contribution run.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/TraceFinder/internal/unmix"
)

var ErrSinkWrite = errors.New("sink write failed")

// Batch is one run's result on its way to a sink.
type Batch struct {
	RunID     uuid.UUID
	CreatedAt time.Time
	Result    *unmix.Result

	// Prefix is the contribution column prefix for tabular sinks.
	Prefix string
}

// Sink stores a batch somewhere.
type Sink interface {
	Name() string
	Write(ctx context.Context, b Batch) error
}

// Record is the storage shape of one result row.
type Record struct {
	RunID         uuid.UUID          `json:"run_id"`
	Index         int                `json:"row_index"`
	Specimen      string             `json:"specimen"`
	Contributions map[string]float64 `json:"contributions,omitempty"`
	GOF           *float64           `json:"gof,omitempty"`
	Iterations    int                `json:"iterations"`
	Error         string             `json:"error,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
}

// Records flattens a batch into one record per result row.
func Records(b Batch) []Record {
	res := b.Result
	out := make([]Record, len(res.Rows))
	for i, row := range res.Rows {
		rec := Record{
			RunID:      b.RunID,
			Index:      row.Index,
			Specimen:   row.Specimen,
			Iterations: row.Iterations,
			CreatedAt:  b.CreatedAt,
		}
		if row.Err != nil {
			rec.Error = row.Err.Error()
		} else {
			rec.Contributions = make(map[string]float64, len(res.Labels))
			for s, l := range res.Labels {
				rec.Contributions[l] = row.Contributions[s]
			}
			gof := row.GOF
			rec.GOF = &gof
		}
		out[i] = rec
	}
	return out
}

// contributionsJSON encodes the contributions of rec, or returns nil for a
// failed row.
func contributionsJSON(rec Record) ([]byte, error) {
	if rec.Contributions == nil {
		return nil, nil
	}
	raw, err := json.Marshal(rec.Contributions)
	if err != nil {
		return nil, fmt.Errorf("encode contributions of specimen %q: %w", rec.Specimen, err)
	}
	return raw, nil
}

// WriteError is a failed write to one sink. It matches ErrSinkWrite.
type WriteError struct {
	Sink string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrSinkWrite, e.Sink, e.Err)
}

func (e *WriteError) Unwrap() []error { return []error{ErrSinkWrite, e.Err} }

func wrap(name string, err error) error {
	return &WriteError{Sink: name, Err: err}
}

// FailedSinks lists the sinks named by the WriteErrors in err, which may be
// the joined error returned by WriteAll.
func FailedSinks(err error) []string {
	var out []string
	var walk func(error)
	walk = func(err error) {
		switch e := err.(type) {
		case nil:
		case *WriteError:
			out = append(out, e.Sink)
		case interface{ Unwrap() []error }:
			for _, inner := range e.Unwrap() {
				walk(inner)
			}
		case interface{ Unwrap() error }:
			walk(e.Unwrap())
		}
	}
	walk(err)
	return out
}

// WriteAll hands the batch to every sink, continuing past failures. The
// returned error joins every sink failure.
func WriteAll(ctx context.Context, logger *slog.Logger, sinks []Sink, b Batch) error {
	var errs []error
	for _, s := range sinks {
		start := time.Now()
		if err := s.Write(ctx, b); err != nil {
			if !errors.Is(err, ErrSinkWrite) {
				err = wrap(s.Name(), err)
			}
			logger.Error("sink write failed", "sink", s.Name(), "run_id", b.RunID, "error", err)
			errs = append(errs, err)
			continue
		}
		logger.Info("result written", "sink", s.Name(), "run_id", b.RunID, "rows", len(b.Result.Rows), "duration", time.Since(start))
	}
	return errors.Join(errs...)
}
