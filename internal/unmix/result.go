package unmix

import (
	"time"

	"github.com/MikeSquared-Agency/TraceFinder/internal/table"
)

const (
	DefaultContributionPrefix = "Contribution_"
	GOFColumn                 = "GOF"
	ErrorColumn               = "Error"
)

// Row is the outcome for one mixed sample.
type Row struct {
	Index    int // position in the mixed table
	Specimen string

	// Contributions is aligned with Model.Labels. Nil when Err is set.
	Contributions []float64
	GOF           float64
	Iterations    int

	// Err is only ever set on rows of a collect-policy result.
	Err error
}

// Contribution returns the fraction attributed to label.
func (r Row) Contribution(labels []string, label string) (float64, bool) {
	for i, l := range labels {
		if l == label && i < len(r.Contributions) {
			return r.Contributions[i], true
		}
	}
	return 0, false
}

// Result is the MixingResult of one Compute call. It is not modified after
// Compute returns.
type Result struct {
	*Model
	SpecimenColumn string
	Rows           []Row
	Policy         Policy
	Elapsed        time.Duration
}

// Columns returns the header of the output table.
func (r *Result) Columns(prefix string) []string {
	if prefix == "" {
		prefix = DefaultContributionPrefix
	}
	cols := make([]string, 0, len(r.Labels)+3)
	cols = append(cols, r.SpecimenColumn)
	for _, l := range r.Labels {
		cols = append(cols, prefix+l)
	}
	cols = append(cols, GOFColumn)
	if r.Policy == PolicyCollect {
		cols = append(cols, ErrorColumn)
	}
	return cols
}

// Records renders each row as strings in Columns order. Failed rows have
// blank contribution and GOF cells.
func (r *Result) Records() [][]string {
	out := make([][]string, len(r.Rows))
	for i, row := range r.Rows {
		rec := make([]string, 0, len(r.Labels)+3)
		rec = append(rec, row.Specimen)
		if row.Err != nil {
			for range r.Labels {
				rec = append(rec, "")
			}
			rec = append(rec, "")
		} else {
			for _, p := range row.Contributions {
				rec = append(rec, table.FormatFloat(p))
			}
			rec = append(rec, table.FormatFloat(row.GOF))
		}
		if r.Policy == PolicyCollect {
			msg := ""
			if row.Err != nil {
				msg = row.Err.Error()
			}
			rec = append(rec, msg)
		}
		out[i] = rec
	}
	return out
}

// Table renders the result as a table with the given contribution column
// prefix (DefaultContributionPrefix when empty).
func (r *Result) Table(prefix string) (*table.Table, error) {
	return table.New(r.Columns(prefix), r.Records())
}

// Summary condenses a result for logs and events.
type Summary struct {
	Samples       int     `json:"samples"`
	Solved        int     `json:"solved"`
	Failed        int     `json:"failed"`
	Sources       int     `json:"sources"`
	Factors       int     `json:"factors"`
	MeanGOF       float64 `json:"mean_gof"`
	MinGOF        float64 `json:"min_gof"`
	MaxIterations int     `json:"max_iterations"`
}

func (r *Result) Summary() Summary {
	s := Summary{
		Samples: len(r.Rows),
		Sources: len(r.Labels),
		Factors: len(r.Factors),
	}
	var sum float64
	for _, row := range r.Rows {
		if row.Err != nil {
			s.Failed++
			continue
		}
		if s.Solved == 0 || row.GOF < s.MinGOF {
			s.MinGOF = row.GOF
		}
		s.Solved++
		sum += row.GOF
		s.MaxIterations = max(s.MaxIterations, row.Iterations)
	}
	if s.Solved > 0 {
		s.MeanGOF = sum / float64(s.Solved)
	}
	return s
}
