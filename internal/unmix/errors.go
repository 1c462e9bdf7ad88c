package unmix

import (
	"errors"
	"fmt"
	"strings"
)

// Dataset-level failures abort Compute before any sample is solved.
var (
	ErrInputShape      = errors.New("input shape")
	ErrDegenerateScale = errors.New("degenerate scale")
	ErrDegenerateGroup = errors.New("degenerate source group")
)

// Per-sample failures follow Options.Policy.
var (
	ErrZeroDenominator = errors.New("zero denominator")
	ErrNonConvergence  = errors.New("optimizer did not converge")
)

// Error carries the identifiers of the input that caused a failure. Kind is
// one of the sentinel errors above; errors.Is matches against it.
type Error struct {
	Kind     error
	Table    string // "source" or "mixed"
	Factor   string
	Source   string
	Specimen string
	Row      int // 1-based data row, 0 if not row specific
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	var ids []string
	if e.Table != "" {
		ids = append(ids, e.Table+" table")
	}
	if e.Row > 0 {
		ids = append(ids, fmt.Sprintf("row %d", e.Row))
	}
	if e.Specimen != "" {
		ids = append(ids, fmt.Sprintf("specimen %q", e.Specimen))
	}
	if e.Source != "" {
		ids = append(ids, fmt.Sprintf("source %q", e.Source))
	}
	if e.Factor != "" {
		ids = append(ids, fmt.Sprintf("factor %q", e.Factor))
	}
	if len(ids) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(ids, ", "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsSampleError reports whether err is a per-sample failure rather than a
// dataset-level one.
func IsSampleError(err error) bool {
	return errors.Is(err, ErrZeroDenominator) || errors.Is(err, ErrNonConvergence)
}
