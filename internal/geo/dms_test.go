package geo

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/TraceFinder/internal/table"
)

func TestParseDMS(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"112°30′15″E", 112 + 30.0/60 + 15.0/3600},
		{"39°54′27.6″N", 39 + 54.0/60 + 27.6/3600},
		{"39d54'27.6\"S", -(39 + 54.0/60 + 27.6/3600)},
		{"W 105°0′36″", -(105 + 36.0/3600)},
		{"-12 30 0", -12.5},
		{"45°30.5′", 45 + 30.5/60},
		{"  88.25 ", 88.25},
		{"-0.5", -0.5},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDMS(tt.in)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestParseDMSRejects(t *testing.T) {
	for _, in := range []string{"", "E", "abc", "12°75′0″", "12°30′61″", "12.5°30′", "1°2′3″4", "12°-3′"} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseDMS(in)
			assert.ErrorIs(t, err, ErrBadCoordinate)
		})
	}
}

func TestConvertColumns(t *testing.T) {
	tbl, err := table.Read(strings.NewReader("Site,Longitude,Latitude\n" +
		"K1,112°30′0″E,40°15′0″N\n" +
		"K2,bad,40°0′0″N\n" +
		"K3,,\n"))
	require.NoError(t, err)

	failed, err := ConvertColumns(tbl, DefaultColumns)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, failed)

	lon, err := tbl.Floats("Longitude")
	assert.ErrorIs(t, err, table.ErrMissingValue)
	assert.Nil(t, lon)

	for _, c := range []struct {
		row, col int
		want     float64
	}{{0, 1, 112.5}, {0, 2, 40.25}, {1, 2, 40}} {
		v, err := tbl.Float(c.row, c.col)
		require.NoError(t, err)
		assert.InDelta(t, c.want, v, 1e-9)
	}
	assert.Equal(t, "", tbl.Cell(1, 1))
	assert.Equal(t, "", tbl.Cell(2, 2))

	_, err = ConvertColumns(tbl, []string{"Elevation"})
	assert.ErrorIs(t, err, table.ErrMissingColumn)
}
