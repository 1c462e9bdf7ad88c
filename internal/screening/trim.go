// Package screening holds the statistical filters applied to source and mixed
// tables before contributions are computed: IQR fence trimming and the
// Kruskal-Wallis test used to pick discriminating factors.
package screening

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/MikeSquared-Agency/TraceFinder/internal/table"
)

const DefaultFenceK = 2.2

var ErrNoData = errors.New("no numeric values")

// Fence is the accepted range for one factor, derived from source quartiles.
type Fence struct {
	Factor        string  `json:"factor"`
	Q1            float64 `json:"q1"`
	Q3            float64 `json:"q3"`
	Lower         float64 `json:"lower"`
	Upper         float64 `json:"upper"`
	SourceRemoved int     `json:"source_removed"`
	MixedRemoved  int     `json:"mixed_removed"`
}

// Quantile returns the q-quantile of xs by linear interpolation between the
// closest ranks (the "type 7" estimator). xs need not be sorted. Returns NaN
// for an empty slice.
func Quantile(q float64, xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	s := slices.Clone(xs)
	slices.Sort(s)
	h := q * float64(len(s)-1)
	lo := math.Floor(h)
	i := int(lo)
	if i+1 >= len(s) {
		return s[len(s)-1]
	}
	return s[i] + (h-lo)*(s[i+1]-s[i])
}

// Trim removes outliers factor by factor. For each factor in order, the
// quartiles of the source rows that survived the previous factors give the
// fences Q1 − k·IQR and Q3 + k·IQR, and rows of both tables outside them are
// dropped. Missing or non-numeric values are outside every fence.
func Trim(source, mixed *table.Table, factors []string, k float64) (*table.Table, *table.Table, []Fence, error) {
	if k < 0 {
		return nil, nil, nil, fmt.Errorf("fence multiplier must be non-negative, got %g", k)
	}
	fences := make([]Fence, 0, len(factors))
	for _, f := range factors {
		sc, err := source.Index(f)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("source: %w", err)
		}
		mc, err := mixed.Index(f)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("mixed: %w", err)
		}

		vals := numeric(source, sc)
		if len(vals) == 0 {
			return nil, nil, nil, fmt.Errorf("factor %q: %w", f, ErrNoData)
		}
		fence := Fence{Factor: f, Q1: Quantile(0.25, vals), Q3: Quantile(0.75, vals)}
		iqr := fence.Q3 - fence.Q1
		fence.Lower = fence.Q1 - k*iqr
		fence.Upper = fence.Q3 + k*iqr

		src, mix := source, mixed
		source = src.Filter(func(r int) bool { return fence.inside(src, r, sc) })
		mixed = mix.Filter(func(r int) bool { return fence.inside(mix, r, mc) })
		fence.SourceRemoved = src.Len() - source.Len()
		fence.MixedRemoved = mix.Len() - mixed.Len()

		fences = append(fences, fence)
	}
	return source, mixed, fences, nil
}

func (f Fence) inside(t *table.Table, row, col int) bool {
	v, err := t.Float(row, col)
	return err == nil && v >= f.Lower && v <= f.Upper
}

func numeric(t *table.Table, col int) []float64 {
	out := make([]float64, 0, t.Len())
	for r := 0; r < t.Len(); r++ {
		if v, err := t.Float(r, col); err == nil {
			out = append(out, v)
		}
	}
	return out
}
