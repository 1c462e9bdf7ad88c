package table

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/simplifiedchinese"
)

var (
	ErrEmpty           = errors.New("table has no rows")
	ErrMissingColumn   = errors.New("column not found")
	ErrDuplicateColumn = errors.New("duplicate column")
	ErrNotNumeric      = errors.New("value is not numeric")
	ErrMissingValue    = errors.New("value is missing")
)

// utf8BOM is written by spreadsheet exports ("utf_8_sig") and must not end up
// in the first column name.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Table is a column-addressable in-memory view of a delimited file.
// Records are stored as read; numeric coercion happens on access.
type Table struct {
	header  []string
	records [][]string
	index   map[string]int
}

// New builds a table from a header and records. Records shorter than the
// header are padded with empty cells.
func New(header []string, records [][]string) (*Table, error) {
	t := &Table{
		header: make([]string, len(header)),
		index:  make(map[string]int, len(header)),
	}
	for i, h := range header {
		h = strings.TrimSpace(h)
		if _, dup := t.index[h]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateColumn, h)
		}
		t.header[i] = h
		t.index[h] = i
	}
	t.records = make([][]string, len(records))
	for i, rec := range records {
		row := make([]string, len(header))
		copy(row, rec)
		t.records[i] = row
	}
	return t, nil
}

// Read parses CSV from r. The first record is the header. Input that is not
// valid UTF-8 is decoded as GBK, the encoding of Chinese spreadsheet exports.
func Read(r io.Reader) (*Table, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if !utf8.Valid(data) {
		data, err = simplifiedchinese.GBK.NewDecoder().Bytes(data)
		if err != nil {
			return nil, fmt.Errorf("read csv: decode gbk: %w", err)
		}
	}

	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	all, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("read csv: %w", ErrEmpty)
	}
	header := all[0]
	if len(header) > 0 {
		header[0] = string(bytes.TrimPrefix([]byte(header[0]), utf8BOM))
	}
	return New(header, all[1:])
}

// ReadFile reads a CSV table from path.
func ReadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	t, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Header returns a copy of the column names.
func (t *Table) Header() []string {
	return append([]string(nil), t.header...)
}

// Len is the number of data rows.
func (t *Table) Len() int { return len(t.records) }

// Has reports whether the column exists.
func (t *Table) Has(col string) bool {
	_, ok := t.index[col]
	return ok
}

// Index returns the position of col or ErrMissingColumn.
func (t *Table) Index(col string) (int, error) {
	i, ok := t.index[col]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrMissingColumn, col)
	}
	return i, nil
}

// Cell returns the raw cell at (row, col).
func (t *Table) Cell(row, col int) string {
	return t.records[row][col]
}

// Set replaces the raw cell at (row, col).
func (t *Table) Set(row, col int, v string) {
	t.records[row][col] = v
}

// Float coerces the cell at (row, col) to float64. Blank cells and NA markers
// return ErrMissingValue; anything else that does not parse, or parses to a
// non-finite value, returns ErrNotNumeric.
func (t *Table) Float(row, col int) (float64, error) {
	return ParseFloat(t.records[row][col])
}

// Strings returns every value of a column.
func (t *Table) Strings(col string) ([]string, error) {
	i, err := t.Index(col)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(t.records))
	for r, rec := range t.records {
		out[r] = rec[i]
	}
	return out, nil
}

// Floats returns every value of a column as float64, failing on the first
// cell that does not coerce.
func (t *Table) Floats(col string) ([]float64, error) {
	i, err := t.Index(col)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(t.records))
	for r := range t.records {
		v, err := t.Float(r, i)
		if err != nil {
			return nil, fmt.Errorf("column %q row %d: %w", col, r+1, err)
		}
		out[r] = v
	}
	return out, nil
}

// NumericColumns lists the columns, other than those in skip, whose every
// non-blank cell parses as a number and that have at least one value.
func (t *Table) NumericColumns(skip ...string) []string {
	skipped := make(map[string]bool, len(skip))
	for _, s := range skip {
		skipped[s] = true
	}
	var cols []string
	for i, h := range t.header {
		if skipped[h] {
			continue
		}
		seen := false
		numeric := true
		for r := range t.records {
			_, err := t.Float(r, i)
			if errors.Is(err, ErrMissingValue) {
				continue
			}
			if err != nil {
				numeric = false
				break
			}
			seen = true
		}
		if numeric && seen {
			cols = append(cols, h)
		}
	}
	return cols
}

// Filter returns a new table holding the rows for which keep returns true.
// Rows are shared with the receiver, not copied.
func (t *Table) Filter(keep func(row int) bool) *Table {
	out := &Table{header: t.header, index: t.index}
	for r, rec := range t.records {
		if keep(r) {
			out.records = append(out.records, rec)
		}
	}
	return out
}

// Write renders the table as CSV.
func (t *Table) Write(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.header); err != nil {
		return err
	}
	if err := cw.WriteAll(t.records); err != nil {
		return err
	}
	return cw.Error()
}

// WriteFile writes the table as CSV to path, or to stdout when path is "-".
func (t *Table) WriteFile(path string) error {
	if path == "-" {
		return t.Write(os.Stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := t.Write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ParseFloat applies the table's numeric coercion rules to a single string.
func ParseFloat(s string) (float64, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "na", "nan", "n/a", "null":
		return 0, ErrMissingValue
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrNotNumeric, s)
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, fmt.Errorf("%w: %q", ErrNotNumeric, s)
	}
	return v, nil
}

// FormatFloat renders v the way result tables expect it.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
