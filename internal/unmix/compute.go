package unmix

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/MikeSquared-Agency/TraceFinder/internal/simplex"
	"github.com/MikeSquared-Agency/TraceFinder/internal/table"
)

// Compute estimates, for every row of mixed, the fractional contribution of
// each source label in source, and the goodness of fit of that estimate.
//
// Rows of the result follow the row order of mixed. Dataset-level problems
// (ErrInputShape, ErrDegenerateScale, ErrDegenerateGroup) are returned before
// any sample is solved. Per-sample problems follow opts.Policy.
func Compute(ctx context.Context, source, mixed *table.Table, factors []string, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	model, samples, specimens, err := prepare(source, mixed, factors, opts)
	if err != nil {
		return nil, err
	}
	opts.Logger.Debug("model built",
		"sources", len(model.Labels),
		"factors", len(model.Factors),
		"samples", len(specimens),
	)

	rows := make([]Row, len(specimens))
	settings := simplex.Settings{Tolerance: opts.Tolerance, MaxIterations: opts.MaxIterations}

	var (
		g       errgroup.Group
		mu      sync.Mutex
		failed  = -1
		stopped bool
	)
	g.SetLimit(opts.Workers)

	for i := range specimens {
		mu.Lock()
		stop := stopped
		mu.Unlock()
		if stop || ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			row := model.solve(i, specimens[i], mat.Row(nil, i, samples), settings)
			rows[i] = row
			if opts.Observer != nil {
				opts.Observer.ObserveSample(row)
			}
			if row.Err == nil {
				return nil
			}
			if opts.Policy == PolicyCollect {
				opts.Logger.Warn("sample failed", "specimen", row.Specimen, "row", i+1, "error", row.Err)
				return nil
			}
			mu.Lock()
			if failed < 0 || i < failed {
				failed = i
			}
			stopped = true
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("compute contributions: %w", err)
	}
	if failed >= 0 {
		return nil, rows[failed].Err
	}

	res := &Result{
		Model:          model,
		SpecimenColumn: opts.SpecimenColumn,
		Rows:           rows,
		Policy:         opts.Policy,
		Elapsed:        time.Since(start),
	}
	opts.Logger.Debug("contributions computed", "samples", len(rows), "elapsed", res.Elapsed)
	return res, nil
}

// prepare validates the inputs and builds the shared model and the
// normalised mixed-sample matrix.
func prepare(source, mixed *table.Table, factors []string, opts Options) (*Model, *mat.Dense, []string, error) {
	if len(factors) == 0 {
		return nil, nil, nil, &Error{Kind: ErrInputShape, Err: errors.New("factor set is empty")}
	}
	seen := make(map[string]bool, len(factors))
	for _, f := range factors {
		if seen[f] {
			return nil, nil, nil, &Error{Kind: ErrInputShape, Factor: f, Err: errors.New("factor listed twice")}
		}
		seen[f] = true
	}
	if source == nil || mixed == nil {
		return nil, nil, nil, &Error{Kind: ErrInputShape, Err: errors.New("nil table")}
	}

	if len(opts.Sources) > 0 && source.Has(opts.LabelColumn) {
		all := source
		li, _ := all.Index(opts.LabelColumn)
		source = all.Filter(func(r int) bool {
			return slices.Contains(opts.Sources, all.Cell(r, li))
		})
	}

	labels, err := idColumn(source, "source", opts.LabelColumn)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(opts.Sources) > 0 && len(labels) == 0 {
		return nil, nil, nil, &Error{Kind: ErrDegenerateGroup, Table: "source", Source: opts.Sources[0], Err: errors.New("no rows")}
	}
	specimens, err := idColumn(mixed, "mixed", opts.SpecimenColumn)
	if err != nil {
		return nil, nil, nil, err
	}
	for r, l := range labels {
		if l == "" {
			return nil, nil, nil, &Error{Kind: ErrInputShape, Table: "source", Row: r + 1, Err: fmt.Errorf("blank %s label", opts.LabelColumn)}
		}
	}

	srcX, err := FactorMatrix(source, "source", factors, labels)
	if err != nil {
		return nil, nil, nil, err
	}
	mixX, err := FactorMatrix(mixed, "mixed", factors, specimens)
	if err != nil {
		return nil, nil, nil, err
	}

	scale, err := DeriveScale(factors, srcX, mixX)
	if err != nil {
		return nil, nil, nil, err
	}
	means, order, err := SourceMeans(factors, labels, Normalize(srcX, scale), opts.Sources)
	if err != nil {
		return nil, nil, nil, err
	}
	model := &Model{
		Factors: slices.Clone(factors),
		Labels:  order,
		Scale:   scale,
		Means:   means,
	}
	return model, Normalize(mixX, scale), specimens, nil
}

func idColumn(t *table.Table, name, col string) ([]string, error) {
	ids, err := t.Strings(col)
	if err != nil {
		return nil, &Error{Kind: ErrInputShape, Table: name, Err: fmt.Errorf("%w: %q", table.ErrMissingColumn, col)}
	}
	if len(ids) == 0 && name == "mixed" {
		return nil, &Error{Kind: ErrInputShape, Table: name, Err: table.ErrEmpty}
	}
	return ids, nil
}

// solve fits one mixed sample. c is its normalised factor vector.
//
// The objective Σ_f ((c_f − Σ_s M[s,f]·p_s) / c_f)² is ‖A p − 1‖² with
// A[f,s] = M[s,f] / c_f.
func (m *Model) solve(index int, specimen string, c []float64, s simplex.Settings) Row {
	row := Row{Index: index, Specimen: specimen}
	nf := len(m.Factors)
	ns := len(m.Labels)

	for f, v := range c {
		if v == 0 {
			row.Err = &Error{Kind: ErrZeroDenominator, Table: "mixed", Factor: m.Factors[f], Specimen: specimen, Row: index + 1}
			return row
		}
	}

	a := mat.NewDense(nf, ns, nil)
	a.Apply(func(f, j int, _ float64) float64 { return m.Means.At(j, f) / c[f] }, a)
	ones := make([]float64, nf)
	for i := range ones {
		ones[i] = 1
	}

	res, err := simplex.Solve(simplex.Problem{A: a, B: ones}, s)
	row.Iterations = res.Iterations
	if err != nil {
		row.Err = &Error{Kind: ErrNonConvergence, Table: "mixed", Specimen: specimen, Row: index + 1, Err: err}
		return row
	}
	row.Contributions = res.X
	row.GOF = m.GOF(c, res.X)
	return row
}

// GOF is one minus the mean absolute relative residual of the fitted
// profile Mᵀp against the observed normalised vector c.
func (m *Model) GOF(c, p []float64) float64 {
	pred := mat.NewVecDense(len(c), nil)
	pred.MulVec(m.Means.T(), mat.NewVecDense(len(p), p))
	var sum float64
	for f, v := range c {
		sum += math.Abs((v - pred.AtVec(f)) / v)
	}
	return 1 - sum/float64(len(c))
}
