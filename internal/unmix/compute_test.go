package unmix

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/MikeSquared-Agency/TraceFinder/internal/table"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustTable(t *testing.T, csv string) *table.Table {
	t.Helper()
	tbl, err := table.Read(strings.NewReader(csv))
	require.NoError(t, err)
	return tbl
}

// twoSources is the A/B dataset with one factor: A = [10, 10], B = [20, 20].
func twoSources(t *testing.T) *table.Table {
	return mustTable(t, "Sample,Source,X\n"+
		"a1,A,10\n"+
		"a2,A,10\n"+
		"b1,B,20\n"+
		"b2,B,20\n")
}

func compute(t *testing.T, source, mixed *table.Table, factors []string, opts Options) *Result {
	t.Helper()
	opts.Logger = discardLogger()
	res, err := Compute(context.Background(), source, mixed, factors, opts)
	require.NoError(t, err)
	return res
}

func assertSimplex(t *testing.T, rows []Row) {
	t.Helper()
	for _, r := range rows {
		if r.Err != nil {
			continue
		}
		for s, p := range r.Contributions {
			if p < 0 || p > 1 {
				t.Errorf("specimen %s: contribution %d = %g out of [0,1]", r.Specimen, s, p)
			}
		}
		if sum := floats.Sum(r.Contributions); math.Abs(sum-1) > 1e-6 {
			t.Errorf("specimen %s: contributions sum to %.9f", r.Specimen, sum)
		}
	}
}

func TestScenarioPureSource(t *testing.T) {
	mixed := mustTable(t, "Specimen,X\nM1,20\n")
	res := compute(t, twoSources(t), mixed, []string{"X"}, Options{})

	assert.Equal(t, []string{"A", "B"}, res.Labels)
	assert.Equal(t, []float64{20}, res.Scale)
	assert.InDeltaSlice(t, []float64{0.5}, res.Mean("A"), 1e-12)
	assert.InDeltaSlice(t, []float64{1.0}, res.Mean("B"), 1e-12)

	require.Len(t, res.Rows, 1)
	row := res.Rows[0]
	assert.Equal(t, "M1", row.Specimen)
	assert.InDelta(t, 0, row.Contributions[0], 1e-6)
	assert.InDelta(t, 1, row.Contributions[1], 1e-6)
	assert.InDelta(t, 1, row.GOF, 1e-6)
}

func TestScenarioEvenMixture(t *testing.T) {
	mixed := mustTable(t, "Specimen,X\nM1,15\n")
	res := compute(t, twoSources(t), mixed, []string{"X"}, Options{})

	row := res.Rows[0]
	assert.InDelta(t, 0.5, row.Contributions[0], 1e-6)
	assert.InDelta(t, 0.5, row.Contributions[1], 1e-6)
	assert.InDelta(t, 1, row.GOF, 1e-6)
	assert.LessOrEqual(t, row.GOF, 1.0)
}

func TestRowsFollowInputOrder(t *testing.T) {
	source := mustTable(t, "Sample,Source,Tb,Hf,Zr\n"+
		"c1,C,0.9,12,300\n"+
		"c2,C,1.1,14,320\n"+
		"a1,A,0.2,40,120\n"+
		"a2,A,0.3,44,110\n"+
		"b1,B,0.6,25,600\n"+
		"b2,B,0.5,27,640\n")
	var sb strings.Builder
	sb.WriteString("Specimen,Tb,Hf,Zr\n")
	for i := 0; i < 40; i++ {
		fmt.Fprintf(&sb, "S%02d,%g,%g,%g\n", i, 0.3+0.02*float64(i%10), 20+float64(i%7), 200+10*float64(i%13))
	}
	mixed := mustTable(t, sb.String())
	factors := []string{"Tb", "Hf", "Zr"}

	serial := compute(t, source, mixed, factors, Options{})
	parallel := compute(t, source, mixed, factors, Options{Workers: 4})

	require.Len(t, serial.Rows, mixed.Len())
	ids, err := mixed.Strings("Specimen")
	require.NoError(t, err)
	for i, r := range parallel.Rows {
		assert.Equal(t, ids[i], r.Specimen)
		assert.Equal(t, i, r.Index)
		assert.Equal(t, serial.Rows[i].Contributions, r.Contributions, "row %d", i)
		assert.Equal(t, serial.Rows[i].GOF, r.GOF, "row %d", i)
	}
	assertSimplex(t, serial.Rows)
	assert.Equal(t, []string{"A", "B", "C"}, serial.Labels)
}

func TestDeterministicModel(t *testing.T) {
	mixed := mustTable(t, "Specimen,X\nM1,12\nM2,18\n")
	r1 := compute(t, twoSources(t), mixed, []string{"X"}, Options{})
	r2 := compute(t, twoSources(t), mixed, []string{"X"}, Options{})

	assert.Equal(t, r1.Means.RawMatrix().Data, r2.Means.RawMatrix().Data)
	assert.Equal(t, r1.Rows, r2.Rows)
}

func TestPerfectFitRecovery(t *testing.T) {
	source := mustTable(t, "Sample,Source,F1,F2,F3\n"+
		"a1,A,10,50,5\n"+
		"a2,A,14,70,7\n"+
		"b1,B,40,20,9\n"+
		"b2,B,40,20,11\n"+
		"c1,C,25,90,30\n")
	// Specimen equals B's raw mean profile (40, 20, 10).
	mixed := mustTable(t, "Specimen,F1,F2,F3\nM1,40,20,10\n")
	res := compute(t, source, mixed, []string{"F1", "F2", "F3"}, Options{})

	row := res.Rows[0]
	b, ok := row.Contribution(res.Labels, "B")
	require.True(t, ok)
	assert.InDelta(t, 1, b, 1e-6)
	for _, l := range []string{"A", "C"} {
		p, _ := row.Contribution(res.Labels, l)
		assert.InDelta(t, 0, p, 1e-6, l)
	}
	assert.InDelta(t, 1, row.GOF, 1e-6)
}

func TestSingleSource(t *testing.T) {
	source := mustTable(t, "Sample,Source,X,Y\ns1,Only,3,8\ns2,Only,5,2\n")
	mixed := mustTable(t, "Specimen,X,Y\nM1,1,9\nM2,100,0.5\nM3,4,5\n")
	res := compute(t, source, mixed, []string{"X", "Y"}, Options{})

	for _, r := range res.Rows {
		assert.Equal(t, []float64{1}, r.Contributions, r.Specimen)
	}
}

func TestGOFCanGoNegative(t *testing.T) {
	source := mustTable(t, "Sample,Source,X,Y\ns1,A,100,100\n")
	mixed := mustTable(t, "Specimen,X,Y\nM1,1,1\n")
	res := compute(t, source, mixed, []string{"X", "Y"}, Options{})

	// c = (0.01, 0.01), prediction (1, 1): relative residual 99.
	assert.InDelta(t, -98, res.Rows[0].GOF, 1e-9)
}

func TestZeroScaleFailsBeforeSolving(t *testing.T) {
	source := mustTable(t, "Sample,Source,X,Z\na1,A,10,0\nb1,B,20,0\n")
	mixed := mustTable(t, "Specimen,X,Z\nM1,15,0\n")
	obs := &countingObserver{}

	_, err := Compute(context.Background(), source, mixed, []string{"X", "Z"}, Options{Observer: obs})
	require.ErrorIs(t, err, ErrDegenerateScale)

	var ue *Error
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "Z", ue.Factor)
	assert.Equal(t, 0, obs.count(), "no sample may be solved")
}

func TestInputShapeErrors(t *testing.T) {
	source := twoSources(t)
	tests := []struct {
		name    string
		source  *table.Table
		mixed   *table.Table
		factors []string
		opts    Options
		factor  string
		row     int
	}{
		{name: "empty factor set", source: source, mixed: mustTable(t, "Specimen,X\nM1,1\n")},
		{name: "duplicate factor", source: source, mixed: mustTable(t, "Specimen,X\nM1,1\n"), factors: []string{"X", "X"}, factor: "X"},
		{name: "factor missing in mixed", source: source, mixed: mustTable(t, "Specimen,Y\nM1,1\n"), factors: []string{"X"}, factor: "X"},
		{name: "non numeric", source: source, mixed: mustTable(t, "Specimen,X\nM1,1\nM2,abc\n"), factors: []string{"X"}, factor: "X", row: 2},
		{name: "missing value", source: mustTable(t, "Sample,Source,X\na1,A,\n"), mixed: mustTable(t, "Specimen,X\nM1,1\n"), factors: []string{"X"}, factor: "X", row: 1},
		{name: "empty mixed", source: source, mixed: mustTable(t, "Specimen,X\n"), factors: []string{"X"}},
		{name: "no label column", source: source, mixed: mustTable(t, "Specimen,X\nM1,1\n"), factors: []string{"X"}, opts: Options{LabelColumn: "Area"}},
		{name: "no specimen column", source: source, mixed: mustTable(t, "ID,X\nM1,1\n"), factors: []string{"X"}},
		{name: "blank label", source: mustTable(t, "Sample,Source,X\na1,,3\n"), mixed: mustTable(t, "Specimen,X\nM1,1\n"), factors: []string{"X"}, row: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.Logger = discardLogger()
			_, err := Compute(context.Background(), tt.source, tt.mixed, tt.factors, tt.opts)
			require.ErrorIs(t, err, ErrInputShape)
			var ue *Error
			require.ErrorAs(t, err, &ue)
			assert.Equal(t, tt.factor, ue.Factor)
			assert.Equal(t, tt.row, ue.Row)
		})
	}
}

func TestDegenerateGroup(t *testing.T) {
	mixed := mustTable(t, "Specimen,X\nM1,15\n")
	_, err := Compute(context.Background(), twoSources(t), mixed, []string{"X"}, Options{Sources: []string{"A", "B", "C"}})
	require.ErrorIs(t, err, ErrDegenerateGroup)

	var ue *Error
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "C", ue.Source)
}

func TestExpectedSourcesOrderAndSubset(t *testing.T) {
	source := mustTable(t, "Sample,Source,X\na1,A,10\nb1,B,20\nc1,C,abc\n")
	mixed := mustTable(t, "Specimen,X\nM1,20\n")
	res := compute(t, source, mixed, []string{"X"}, Options{Sources: []string{"B", "A"}})

	assert.Equal(t, []string{"B", "A"}, res.Labels)
	assert.InDelta(t, 1, res.Rows[0].Contributions[0], 1e-6)
}

func TestZeroDenominatorAbort(t *testing.T) {
	source := mustTable(t, "Sample,Source,X,Y\na1,A,10,1\nb1,B,20,2\n")
	mixed := mustTable(t, "Specimen,X,Y\nM1,15,1\nM2,15,0\nM3,12,0\n")

	for _, workers := range []int{1, 3} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			_, err := Compute(context.Background(), source, mixed, []string{"X", "Y"}, Options{Workers: workers})
			require.ErrorIs(t, err, ErrZeroDenominator)
			var ue *Error
			require.ErrorAs(t, err, &ue)
			assert.Equal(t, "M2", ue.Specimen)
			assert.Equal(t, "Y", ue.Factor)
			assert.True(t, IsSampleError(err))
		})
	}
}

func TestCollectPolicy(t *testing.T) {
	source := mustTable(t, "Sample,Source,X,Y\na1,A,10,1\nb1,B,20,2\n")
	mixed := mustTable(t, "Specimen,X,Y\nM1,15,1.5\nM2,15,0\nM3,20,2\n")
	obs := &countingObserver{}
	res := compute(t, source, mixed, []string{"X", "Y"}, Options{Policy: PolicyCollect, Observer: obs})

	require.Len(t, res.Rows, 3)
	assert.NoError(t, res.Rows[0].Err)
	assert.ErrorIs(t, res.Rows[1].Err, ErrZeroDenominator)
	assert.Nil(t, res.Rows[1].Contributions)
	assert.NoError(t, res.Rows[2].Err)
	assertSimplex(t, res.Rows)
	assert.Equal(t, 3, obs.count())

	s := res.Summary()
	assert.Equal(t, 3, s.Samples)
	assert.Equal(t, 2, s.Solved)
	assert.Equal(t, 1, s.Failed)

	tbl, err := res.Table("")
	require.NoError(t, err)
	assert.Equal(t, []string{"Specimen", "Contribution_A", "Contribution_B", "GOF", "Error"}, tbl.Header())
	assert.Equal(t, "", tbl.Cell(1, 1))
	assert.Contains(t, tbl.Cell(1, 4), "specimen \"M2\"")
}

func TestNonConvergence(t *testing.T) {
	source := mustTable(t, "Sample,Source,X,Y\na1,A,10,3\nb1,B,20,1\nc1,C,5,8\n")
	mixed := mustTable(t, "Specimen,X,Y\nM1,12,4\n")

	_, err := Compute(context.Background(), source, mixed, []string{"X", "Y"}, Options{MaxIterations: 1})
	require.ErrorIs(t, err, ErrNonConvergence)
	var ue *Error
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "M1", ue.Specimen)
}

func TestFactorSharedBySourcesDoesNotMaskFit(t *testing.T) {
	// Y is identical for both sources, so only X separates them, and X says
	// pure B. The mixed Y value sits far below the combined maximum.
	source := mustTable(t, "Sample,Source,X,Y\na1,A,10,1000\nb1,B,20,1000\n")
	for _, y := range []string{"0.001", "0.1", "1"} {
		t.Run("Y="+y, func(t *testing.T) {
			mixed := mustTable(t, "Specimen,X,Y\nM1,20,"+y+"\n")
			res := compute(t, source, mixed, []string{"X", "Y"}, Options{})

			row := res.Rows[0]
			require.NoError(t, row.Err)
			assertSimplex(t, res.Rows)
			assert.InDeltaSlice(t, []float64{0, 1}, row.Contributions, 1e-9)
		})
	}
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	mixed := mustTable(t, "Specimen,X\nM1,15\n")
	_, err := Compute(ctx, twoSources(t), mixed, []string{"X"}, Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResultTable(t *testing.T) {
	mixed := mustTable(t, "Specimen,X\nM1,20\nM2,15\n")
	res := compute(t, twoSources(t), mixed, []string{"X"}, Options{})

	tbl, err := res.Table("P_")
	require.NoError(t, err)
	assert.Equal(t, []string{"Specimen", "P_A", "P_B", "GOF"}, tbl.Header())
	assert.Equal(t, 2, tbl.Len())
	assert.Equal(t, "M2", tbl.Cell(1, 0))

	s := res.Summary()
	assert.Equal(t, 2, s.Solved)
	assert.Equal(t, 2, s.Sources)
	assert.InDelta(t, 1, s.MeanGOF, 1e-6)
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"", PolicyAbort, false},
		{"abort", PolicyAbort, false},
		{"Collect", PolicyCollect, false},
		{"skip", "", true},
	}
	for _, tt := range tests {
		got, err := ParsePolicy(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		assert.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

type countingObserver struct {
	mu sync.Mutex
	n  int
}

func (o *countingObserver) ObserveSample(Row) {
	o.mu.Lock()
	o.n++
	o.mu.Unlock()
}

func (o *countingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.n
}
