package unmix

import (
	"fmt"
	"log/slog"
	"runtime"
	"strings"
)

const (
	DefaultLabelColumn    = "Source"
	DefaultSpecimenColumn = "Specimen"
	DefaultTolerance      = 1e-10
	DefaultMaxIterations  = 100000
)

// Policy decides what happens when a single sample cannot be solved.
type Policy string

const (
	// PolicyAbort fails the whole batch with the first failing sample in
	// input order.
	PolicyAbort Policy = "abort"
	// PolicyCollect records the failure on that sample's row and continues.
	PolicyCollect Policy = "collect"
)

// ParsePolicy accepts "abort" or "collect", case-insensitively. Empty means
// abort.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyAbort:
		return PolicyAbort, nil
	case PolicyCollect:
		return PolicyCollect, nil
	}
	return "", fmt.Errorf("unknown sample error policy %q (want abort or collect)", s)
}

// Observer is notified once per sample, from the goroutine that solved it.
// Implementations must be safe for concurrent use.
type Observer interface {
	ObserveSample(Row)
}

// Options configures a Compute call. The zero value is usable.
type Options struct {
	LabelColumn    string
	SpecimenColumn string

	// Sources, when set, fixes the expected source labels and their result
	// order. Source rows with other labels are ignored; a listed label with
	// no rows is ErrDegenerateGroup. When empty, every label present is used
	// in ascending lexical order.
	Sources []string

	Tolerance     float64
	MaxIterations int
	Workers       int // 0 means 1; negative means GOMAXPROCS
	Policy        Policy

	Observer Observer
	Logger   *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.LabelColumn == "" {
		o.LabelColumn = DefaultLabelColumn
	}
	if o.SpecimenColumn == "" {
		o.SpecimenColumn = DefaultSpecimenColumn
	}
	if o.Tolerance <= 0 {
		o.Tolerance = DefaultTolerance
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = DefaultMaxIterations
	}
	switch {
	case o.Workers == 0:
		o.Workers = 1
	case o.Workers < 0:
		o.Workers = runtime.GOMAXPROCS(0)
	}
	if o.Policy == "" {
		o.Policy = PolicyAbort
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o
}

func (o Options) validate() error {
	if o.Policy != PolicyAbort && o.Policy != PolicyCollect {
		return fmt.Errorf("unknown sample error policy %q", o.Policy)
	}
	seen := make(map[string]bool, len(o.Sources))
	for _, s := range o.Sources {
		if s == "" {
			return &Error{Kind: ErrInputShape, Table: "source", Err: fmt.Errorf("empty expected source label")}
		}
		if seen[s] {
			return &Error{Kind: ErrInputShape, Table: "source", Source: s, Err: fmt.Errorf("source listed twice")}
		}
		seen[s] = true
	}
	return nil
}
