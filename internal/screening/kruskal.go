package screening

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/MikeSquared-Agency/TraceFinder/internal/table"
)

const DefaultAlpha = 0.05

var ErrTooFewGroups = errors.New("kruskal-wallis needs at least two non-empty groups")

// KruskalResult is the outcome of one H test.
type KruskalResult struct {
	Factor      string  `json:"factor"`
	H           float64 `json:"h"`
	P           float64 `json:"p"`
	DF          int     `json:"df"`
	Significant bool    `json:"significant"`
}

// KruskalWallis computes the H statistic over groups, using average ranks
// for ties and the usual tie correction, and its p-value from the χ²
// distribution with len(groups)−1 degrees of freedom. When every value is
// tied, H and P are NaN.
func KruskalWallis(groups ...[]float64) (h, p float64, err error) {
	if len(groups) < 2 {
		return 0, 0, ErrTooFewGroups
	}
	type obs struct {
		v float64
		g int
	}
	var all []obs
	for g, xs := range groups {
		if len(xs) == 0 {
			return 0, 0, fmt.Errorf("group %d: %w", g, ErrNoData)
		}
		for _, v := range xs {
			all = append(all, obs{v, g})
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].v < all[j].v })

	n := float64(len(all))
	rankSum := make([]float64, len(groups))
	var ties float64
	for i := 0; i < len(all); {
		j := i + 1
		for j < len(all) && all[j].v == all[i].v {
			j++
		}
		// ranks i+1 .. j share their average
		avg := float64(i+j+1) / 2
		for _, o := range all[i:j] {
			rankSum[o.g] += avg
		}
		t := float64(j - i)
		ties += t*t*t - t
		i = j
	}

	for g, xs := range groups {
		h += rankSum[g] * rankSum[g] / float64(len(xs))
	}
	h = 12/(n*(n+1))*h - 3*(n+1)
	correction := 1 - ties/(n*n*n-n)
	if correction == 0 {
		return math.NaN(), math.NaN(), nil
	}
	h /= correction

	df := float64(len(groups) - 1)
	p = distuv.ChiSquared{K: df}.Survival(h)
	return h, p, nil
}

// TestFactors runs KruskalWallis on every factor, grouping source rows by the
// label column. Missing values are dropped per group; factors for which some
// group has no values are skipped, as are non-numeric columns.
func TestFactors(source *table.Table, labelCol string, factors []string, alpha float64) ([]KruskalResult, error) {
	lc, err := source.Index(labelCol)
	if err != nil {
		return nil, err
	}
	var labels []string
	for r := 0; r < source.Len(); r++ {
		if l := source.Cell(r, lc); l != "" && !slices.Contains(labels, l) {
			labels = append(labels, l)
		}
	}
	slices.Sort(labels)

	var out []KruskalResult
factor:
	for _, f := range factors {
		fc, err := source.Index(f)
		if err != nil {
			return nil, err
		}
		groups := make([][]float64, len(labels))
		for r := 0; r < source.Len(); r++ {
			g := slices.Index(labels, source.Cell(r, lc))
			if g < 0 {
				continue
			}
			v, err := source.Float(r, fc)
			if errors.Is(err, table.ErrMissingValue) {
				continue
			}
			if err != nil {
				continue factor
			}
			groups[g] = append(groups[g], v)
		}
		for _, g := range groups {
			if len(g) == 0 {
				continue factor
			}
		}
		h, p, err := KruskalWallis(groups...)
		if err != nil {
			return nil, fmt.Errorf("factor %q: %w", f, err)
		}
		out = append(out, KruskalResult{
			Factor:      f,
			H:           h,
			P:           p,
			DF:          len(groups) - 1,
			Significant: p < alpha,
		})
	}
	return out, nil
}

// Significant returns the factors of rs whose test was significant, in order.
func Significant(rs []KruskalResult) []string {
	var out []string
	for _, r := range rs {
		if r.Significant {
			out = append(out, r.Factor)
		}
	}
	return out
}

// Table renders results in the layout of the factor screening report.
func Table(rs []KruskalResult) (*table.Table, error) {
	records := make([][]string, len(rs))
	for i, r := range rs {
		sig := "No"
		if r.Significant {
			sig = "Yes"
		}
		records[i] = []string{r.Factor, table.FormatFloat(r.H), table.FormatFloat(r.P), sig}
	}
	return table.New([]string{"Variable", "H-Statistic", "P-Value", "Significant"}, records)
}

// FenceTable renders a trimming report.
func FenceTable(fs []Fence) (*table.Table, error) {
	records := make([][]string, len(fs))
	for i, f := range fs {
		records[i] = []string{
			f.Factor,
			table.FormatFloat(f.Q1), table.FormatFloat(f.Q3),
			table.FormatFloat(f.Lower), table.FormatFloat(f.Upper),
			fmt.Sprint(f.SourceRemoved), fmt.Sprint(f.MixedRemoved),
		}
	}
	return table.New([]string{"Factor", "Q1", "Q3", "Lower", "Upper", "SourceRemoved", "MixedRemoved"}, records)
}
