package unmix

import (
	"errors"
	"fmt"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/MikeSquared-Agency/TraceFinder/internal/table"
)

// Model is the per-run state shared by every sample solve. It is built once
// and never modified afterwards.
type Model struct {
	Factors []string
	Labels  []string
	Scale   []float64

	// Means is len(Labels) × len(Factors); row s is the mean normalised
	// profile of Labels[s].
	Means *mat.Dense
}

// Mean returns the normalised mean profile of label, or nil if the label is
// unknown.
func (m *Model) Mean(label string) []float64 {
	i := slices.Index(m.Labels, label)
	if i < 0 {
		return nil
	}
	return mat.Row(nil, i, m.Means)
}

// FactorMatrix reads the factor columns of t into a rows × len(factors)
// matrix. ids names each row in errors; name is "source" or "mixed".
func FactorMatrix(t *table.Table, name string, factors []string, ids []string) (*mat.Dense, error) {
	if t.Len() == 0 {
		return nil, &Error{Kind: ErrInputShape, Table: name, Err: table.ErrEmpty}
	}
	cols := make([]int, len(factors))
	for j, f := range factors {
		c, err := t.Index(f)
		if err != nil {
			return nil, &Error{Kind: ErrInputShape, Table: name, Factor: f, Err: table.ErrMissingColumn}
		}
		cols[j] = c
	}
	x := mat.NewDense(t.Len(), len(factors), nil)
	for r := 0; r < t.Len(); r++ {
		for j, c := range cols {
			v, err := t.Float(r, c)
			if err != nil {
				e := &Error{Kind: ErrInputShape, Table: name, Factor: factors[j], Row: r + 1, Err: err}
				if name == "source" {
					e.Source = ids[r]
				} else {
					e.Specimen = ids[r]
				}
				return nil, e
			}
			x.Set(r, j, v)
		}
	}
	return x, nil
}

// DeriveScale returns, per factor, the maximum over the rows of both
// matrices. A zero maximum is ErrDegenerateScale.
func DeriveScale(factors []string, source, mixed *mat.Dense) ([]float64, error) {
	_, nf := source.Dims()
	if _, mf := mixed.Dims(); mf != nf || nf != len(factors) {
		return nil, &Error{Kind: ErrInputShape, Err: fmt.Errorf("factor count mismatch: %d names, %d and %d columns", len(factors), nf, mf)}
	}
	scale := make([]float64, nf)
	for j := range scale {
		s := floats.Max(mat.Col(nil, j, source))
		if m := floats.Max(mat.Col(nil, j, mixed)); m > s {
			s = m
		}
		if s == 0 {
			return nil, &Error{Kind: ErrDegenerateScale, Factor: factors[j], Err: errors.New("combined maximum is zero")}
		}
		scale[j] = s
	}
	return scale, nil
}

// Normalize returns x with every column divided by its scale.
func Normalize(x *mat.Dense, scale []float64) *mat.Dense {
	r, c := x.Dims()
	out := mat.NewDense(r, c, nil)
	out.Apply(func(_, j int, v float64) float64 { return v / scale[j] }, x)
	return out
}

// SourceMeans groups the normalised source rows by label and averages each
// factor. When expected is empty the labels are the distinct values in
// ascending order; otherwise they are expected, in that order, and rows
// with other labels are skipped.
func SourceMeans(factors []string, labels []string, normalized *mat.Dense, expected []string) (*mat.Dense, []string, error) {
	rows, nf := normalized.Dims()
	if len(labels) != rows {
		return nil, nil, &Error{Kind: ErrInputShape, Table: "source", Err: fmt.Errorf("%d labels for %d rows", len(labels), rows)}
	}

	order := slices.Clone(expected)
	if len(order) == 0 {
		for _, l := range labels {
			if !slices.Contains(order, l) {
				order = append(order, l)
			}
		}
		slices.Sort(order)
	}

	groups := make(map[string][]int, len(order))
	for _, l := range order {
		groups[l] = nil
	}
	for r, l := range labels {
		if _, ok := groups[l]; ok {
			groups[l] = append(groups[l], r)
		}
	}

	means := mat.NewDense(len(order), nf, nil)
	col := make([]float64, 0, rows)
	for s, l := range order {
		members := groups[l]
		if len(members) == 0 {
			return nil, nil, &Error{Kind: ErrDegenerateGroup, Table: "source", Source: l, Err: errors.New("no rows")}
		}
		for j := 0; j < nf; j++ {
			col = col[:0]
			for _, r := range members {
				col = append(col, normalized.At(r, j))
			}
			means.Set(s, j, stat.Mean(col, nil))
		}
	}
	return means, order, nil
}
