// Package geo converts sample-site coordinates between notations.
package geo

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/soniakeys/unit"

	"github.com/MikeSquared-Agency/TraceFinder/internal/table"
)

var ErrBadCoordinate = errors.New("unrecognised coordinate")

// DefaultColumns are the coordinate columns of a sample-site sheet.
var DefaultColumns = []string{"Longitude", "Latitude"}

var markers = strings.NewReplacer(
	"°", " ", "º", " ", "d", " ",
	"′", " ", "'", " ", "’", " ", "m", " ",
	"″", " ", "\"", " ", "”", " ", "s", " ",
)

// ParseDMS reads a coordinate such as 112°30′15″E, 39d54'27.6"N, -112 30 15
// or a plain decimal value and returns decimal degrees. S and W, or a leading
// minus sign, make the result negative.
func ParseDMS(s string) (float64, error) {
	str := strings.TrimSpace(s)
	var neg byte
	if str != "" {
		switch str[len(str)-1] {
		case 'N', 'n', 'E', 'e':
			str = str[:len(str)-1]
		case 'S', 'W', 'w':
			neg = '-'
			str = str[:len(str)-1]
		}
	}
	str = strings.TrimSpace(str)
	if str != "" {
		switch str[0] {
		case 'N', 'E':
			str = str[1:]
		case 'S', 'W':
			neg = '-'
			str = str[1:]
		case '-':
			neg = '-'
			str = str[1:]
		}
	}

	fields := strings.Fields(markers.Replace(str))
	if len(fields) == 0 || len(fields) > 3 {
		return 0, fmt.Errorf("%w: %q", ErrBadCoordinate, s)
	}
	parts := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil || v < 0 || math.IsInf(v, 0) || math.IsNaN(v) {
			return 0, fmt.Errorf("%w: %q", ErrBadCoordinate, s)
		}
		parts[i] = v
	}

	if len(parts) == 1 {
		if neg == '-' {
			return -parts[0], nil
		}
		return parts[0], nil
	}
	d := parts[0]
	if d != math.Trunc(d) {
		return 0, fmt.Errorf("%w: fractional degrees with minutes: %q", ErrBadCoordinate, s)
	}
	m, sec := parts[1], 0.0
	if len(parts) == 3 {
		if m != math.Trunc(m) {
			return 0, fmt.Errorf("%w: fractional minutes with seconds: %q", ErrBadCoordinate, s)
		}
		sec = parts[2]
	} else {
		// decimal minutes, e.g. 30.5′
		whole := math.Trunc(m)
		sec = (m - whole) * 60
		m = whole
	}
	if m >= 60 || sec >= 60 {
		return 0, fmt.Errorf("%w: minutes and seconds must be below 60: %q", ErrBadCoordinate, s)
	}
	return unit.NewAngle(neg, int(d), int(m), sec).Deg(), nil
}

// ConvertColumns rewrites every cell of cols as decimal degrees. Cells that do
// not parse are blanked; their row indexes are returned in ascending order.
func ConvertColumns(t *table.Table, cols []string) ([]int, error) {
	idx := make([]int, len(cols))
	for i, c := range cols {
		j, err := t.Index(c)
		if err != nil {
			return nil, err
		}
		idx[i] = j
	}
	var failed []int
	for r := 0; r < t.Len(); r++ {
		bad := false
		for _, c := range idx {
			v, err := ParseDMS(t.Cell(r, c))
			if err != nil {
				t.Set(r, c, "")
				bad = true
				continue
			}
			t.Set(r, c, table.FormatFloat(v))
		}
		if bad {
			failed = append(failed, r)
		}
	}
	return failed, nil
}
