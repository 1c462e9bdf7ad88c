package sink

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/TraceFinder/internal/table"
	"github.com/MikeSquared-Agency/TraceFinder/internal/unmix"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testBatch(t *testing.T, policy unmix.Policy) Batch {
	t.Helper()
	source, err := table.Read(strings.NewReader("Sample,Source,X,Y\na1,A,10,1\nb1,B,20,2\n"))
	require.NoError(t, err)
	mixed, err := table.Read(strings.NewReader("Specimen,X,Y\nM1,15,1.5\nM2,20,0\n"))
	require.NoError(t, err)
	if policy == "" {
		mixed, err = table.Read(strings.NewReader("Specimen,X,Y\nM1,15,1.5\nM2,20,2\n"))
		require.NoError(t, err)
	}
	res, err := unmix.Compute(context.Background(), source, mixed, []string{"X", "Y"}, unmix.Options{Policy: policy})
	require.NoError(t, err)
	return Batch{
		RunID:     uuid.New(),
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Result:    res,
	}
}

func TestRecords(t *testing.T) {
	b := testBatch(t, unmix.PolicyCollect)
	recs := Records(b)
	require.Len(t, recs, 2)

	assert.Equal(t, "M1", recs[0].Specimen)
	assert.InDelta(t, 0.5, recs[0].Contributions["A"], 1e-6)
	assert.InDelta(t, 0.5, recs[0].Contributions["B"], 1e-6)
	require.NotNil(t, recs[0].GOF)
	assert.Empty(t, recs[0].Error)

	assert.Equal(t, 1, recs[1].Index)
	assert.Nil(t, recs[1].Contributions)
	assert.Nil(t, recs[1].GOF)
	assert.Contains(t, recs[1].Error, "zero denominator")
}

func TestCSVSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "contributions.csv")
	c := &CSV{Path: path}
	require.NoError(t, c.Write(context.Background(), testBatch(t, "")))

	got, err := table.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"Specimen", "Contribution_A", "Contribution_B", "GOF"}, got.Header())
	assert.Equal(t, 2, got.Len())
}

func TestSQLiteRoundTrip(t *testing.T) {
	db, err := NewSQLite(filepath.Join(t.TempDir(), "tf.db"))
	require.NoError(t, err)
	defer db.Close()

	b := testBatch(t, unmix.PolicyCollect)
	require.NoError(t, db.Write(context.Background(), b))

	got, err := db.Load(context.Background(), b.RunID)
	require.NoError(t, err)
	assert.Equal(t, Records(b), got)

	// same run twice violates the primary key and leaves nothing half written
	err = db.Write(context.Background(), b)
	assert.ErrorIs(t, err, ErrSinkWrite)
	got, err = db.Load(context.Background(), b.RunID)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func nanBatch() Batch {
	return Batch{
		RunID:     uuid.New(),
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Result: &unmix.Result{
			Model:          &unmix.Model{Labels: []string{"A", "B"}},
			SpecimenColumn: "Specimen",
			Rows:           []unmix.Row{{Specimen: "M1", Contributions: []float64{math.NaN(), 1}}},
		},
	}
}

func TestContributionsJSON(t *testing.T) {
	raw, err := contributionsJSON(Record{Specimen: "M1", Contributions: map[string]float64{"A": 0.25, "B": 0.75}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"A": 0.25, "B": 0.75}`, string(raw))

	raw, err = contributionsJSON(Record{Specimen: "M2"})
	require.NoError(t, err)
	assert.Nil(t, raw)

	_, err = contributionsJSON(Record{Specimen: "M3", Contributions: map[string]float64{"A": math.NaN()}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `specimen "M3"`)
}

func TestSQLiteRejectsUnencodableRow(t *testing.T) {
	db, err := NewSQLite(filepath.Join(t.TempDir(), "tf.db"))
	require.NoError(t, err)
	defer db.Close()

	b := nanBatch()
	err = db.Write(context.Background(), b)
	require.ErrorIs(t, err, ErrSinkWrite)
	assert.Equal(t, []string{"sqlite"}, FailedSinks(err))

	got, err := db.Load(context.Background(), b.RunID)
	require.NoError(t, err)
	assert.Empty(t, got)
}

type mockPutter struct {
	mock.Mock
	body string
}

func (m *mockPutter) PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	args := m.Called(*in.Bucket, *in.Key)
	if in.Body != nil {
		raw, _ := io.ReadAll(in.Body)
		m.body = string(raw)
	}
	out, _ := args.Get(0).(*s3.PutObjectOutput)
	return out, args.Error(1)
}

func TestS3Sink(t *testing.T) {
	b := testBatch(t, "")
	putter := &mockPutter{}
	key := "runs/" + b.RunID.String() + ".csv"
	putter.On("PutObject", "results", key).Return(&s3.PutObjectOutput{}, nil)

	s := &S3{client: putter, bucket: "results", prefix: "runs/"}
	require.NoError(t, s.Write(context.Background(), b))
	putter.AssertExpectations(t)
	assert.True(t, strings.HasPrefix(putter.body, "Specimen,Contribution_A,Contribution_B,GOF\nM1,"))
}

func TestS3SinkFailure(t *testing.T) {
	b := testBatch(t, "")
	putter := &mockPutter{}
	putter.On("PutObject", mock.Anything, mock.Anything).Return(nil, errors.New("access denied"))

	s := &S3{client: putter, bucket: "results"}
	err := s.Write(context.Background(), b)
	assert.ErrorIs(t, err, ErrSinkWrite)
	assert.Contains(t, err.Error(), "access denied")
}

type failingSink struct{ name string }

func (f failingSink) Name() string { return f.name }

func (f failingSink) Write(context.Context, Batch) error { return errors.New("disk full") }

func TestWriteAllJoinsFailures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ok.csv")
	sinks := []Sink{failingSink{"first"}, &CSV{Path: path}, failingSink{"second"}}

	err := WriteAll(context.Background(), discardLogger(), sinks, testBatch(t, ""))
	require.ErrorIs(t, err, ErrSinkWrite)
	assert.Contains(t, err.Error(), "first")
	assert.Contains(t, err.Error(), "second")

	assert.Equal(t, []string{"first", "second"}, FailedSinks(err))

	_, statErr := os.Stat(path)
	assert.NoError(t, statErr, "sinks after a failure still run")
}
