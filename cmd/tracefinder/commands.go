package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/TraceFinder/internal/config"
	"github.com/MikeSquared-Agency/TraceFinder/internal/events"
	"github.com/MikeSquared-Agency/TraceFinder/internal/geo"
	"github.com/MikeSquared-Agency/TraceFinder/internal/metrics"
	"github.com/MikeSquared-Agency/TraceFinder/internal/screening"
	"github.com/MikeSquared-Agency/TraceFinder/internal/sink"
	"github.com/MikeSquared-Agency/TraceFinder/internal/table"
	"github.com/MikeSquared-Agency/TraceFinder/internal/unmix"
)

var errUsage = errors.New("usage")

func (a *app) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}

func parse(fs *flag.FlagSet, args []string) error {
	err := fs.Parse(args)
	if err == nil || errors.Is(err, flag.ErrHelp) {
		return err
	}
	return fmt.Errorf("%w: %v", errUsage, err)
}

func (a *app) writeTable(t *table.Table, path string) error {
	if path == "" || path == "-" {
		return t.Write(a.stdout)
	}
	return t.WriteFile(path)
}

func runUnmix(ctx context.Context, a *app, args []string) error {
	c := *a.cfg
	fs := a.flags("unmix")
	fs.StringVar(&c.Input.SourcePath, "source", c.Input.SourcePath, "source table CSV")
	fs.StringVar(&c.Input.MixedPath, "mixed", c.Input.MixedPath, "mixed table CSV")
	factors := fs.String("factors", strings.Join(c.Factors, ","), "comma separated factor columns")
	sources := fs.String("sources", strings.Join(c.Sources, ","), "expected source labels, in output order")
	fs.StringVar(&c.Output.Path, "out", c.Output.Path, "contribution table CSV, - for stdout")
	fs.BoolVar(&c.Screening.Trim, "trim", c.Screening.Trim, "drop rows outside the source IQR fences first")
	fs.IntVar(&c.Solver.Workers, "workers", c.Solver.Workers, "samples solved concurrently")
	fs.StringVar(&c.Solver.OnSampleError, "policy", c.Solver.OnSampleError, "sample error policy: abort or collect")
	if err := parse(fs, args); err != nil {
		return err
	}
	c.Factors = config.SplitList(*factors)
	c.Sources = config.SplitList(*sources)

	if c.Input.SourcePath == "" || c.Input.MixedPath == "" {
		return fmt.Errorf("%w: -source and -mixed are required", errUsage)
	}
	if len(c.Factors) == 0 {
		return fmt.Errorf("%w: no factors given", errUsage)
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	policy, err := unmix.ParsePolicy(c.Solver.OnSampleError)
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	runID := uuid.New()
	id := runID.String()
	logger := a.logger.With("run_id", id)
	rec := metrics.NewRecorder()
	client := connectEvents(ctx, logger, c.Events.NATSURL)
	defer client.Close()
	start := time.Now()

	fail := func(err error) error {
		logFailure(logger, err)
		publish(logger, client, events.SubjectRunFailed(id), events.NewRunFailedEvent(id, err, time.Now().UTC()))
		rec.RunFinished(time.Since(start), false, time.Now())
		flushMetrics(logger, rec, c.Metrics.Textfile)
		return err
	}

	source, err := table.ReadFile(c.Input.SourcePath)
	if err != nil {
		return fail(fmt.Errorf("read source table: %w", err))
	}
	mixed, err := table.ReadFile(c.Input.MixedPath)
	if err != nil {
		return fail(fmt.Errorf("read mixed table: %w", err))
	}

	if c.Screening.Trim {
		var fences []screening.Fence
		source, mixed, fences, err = screening.Trim(source, mixed, c.Factors, c.Screening.FenceK)
		if err != nil {
			return fail(fmt.Errorf("trim: %w", err))
		}
		for _, f := range fences {
			logger.Info("factor trimmed", "factor", f.Factor, "lower", f.Lower, "upper", f.Upper,
				"source_removed", f.SourceRemoved, "mixed_removed", f.MixedRemoved)
		}
	}

	publish(logger, client, events.SubjectRunStarted(id), events.RunStartedEvent{
		RunID:     id,
		Source:    c.Input.SourcePath,
		Mixed:     c.Input.MixedPath,
		Factors:   c.Factors,
		Workers:   c.Solver.Workers,
		Policy:    string(policy),
		Timestamp: time.Now().UTC(),
	})
	logger.Info("unmix started", "source_rows", source.Len(), "mixed_rows", mixed.Len(), "factors", len(c.Factors))

	res, err := unmix.Compute(ctx, source, mixed, c.Factors, unmix.Options{
		LabelColumn:    c.Input.LabelColumn,
		SpecimenColumn: c.Input.SpecimenColumn,
		Sources:        c.Sources,
		Tolerance:      c.Solver.Tolerance,
		MaxIterations:  c.Solver.MaxIterations,
		Workers:        c.Solver.Workers,
		Policy:         policy,
		Observer:       rec,
		Logger:         logger,
	})
	if err != nil {
		return fail(err)
	}

	sinks, closeSinks, openErrs := openSinks(ctx, logger, &c)
	defer closeSinks()
	batch := sink.Batch{
		RunID:     runID,
		CreatedAt: time.Now().UTC(),
		Result:    res,
		Prefix:    c.Output.ContributionPrefix,
	}
	writeErr := errors.Join(append(openErrs, sink.WriteAll(ctx, logger, sinks, batch))...)
	failed := sink.FailedSinks(writeErr)
	for _, name := range failed {
		rec.SinkFailed(name)
	}

	summary := res.Summary()
	logger.Info("unmix complete",
		"samples", summary.Samples,
		"solved", summary.Solved,
		"failed", summary.Failed,
		"sources", res.Labels,
		"mean_gof", summary.MeanGOF,
		"elapsed", res.Elapsed,
	)
	publish(logger, client, events.SubjectRunCompleted(id), events.RunCompletedEvent{
		RunID:      id,
		Sources:    res.Labels,
		Summary:    summary,
		DurationMs: time.Since(start).Milliseconds(),
		SinkErrors: failed,
		Timestamp:  time.Now().UTC(),
	})
	rec.RunFinished(time.Since(start), writeErr == nil, time.Now())
	flushMetrics(logger, rec, c.Metrics.Textfile)
	return writeErr
}

// logFailure logs err with the identifiers a computation error carries.
func logFailure(logger *slog.Logger, err error) {
	var ue *unmix.Error
	if !errors.As(err, &ue) {
		logger.Error("unmix failed", "error", err)
		return
	}
	attrs := []any{"kind", ue.Kind.Error(), "error", err}
	if ue.Table != "" {
		attrs = append(attrs, "table", ue.Table)
	}
	if ue.Row > 0 {
		attrs = append(attrs, "row", ue.Row)
	}
	if ue.Specimen != "" {
		attrs = append(attrs, "specimen", ue.Specimen)
	}
	if ue.Source != "" {
		attrs = append(attrs, "source", ue.Source)
	}
	if ue.Factor != "" {
		attrs = append(attrs, "factor", ue.Factor)
	}
	logger.Error("unmix failed", attrs...)
}

func connectEvents(ctx context.Context, logger *slog.Logger, url string) events.Client {
	if url == "" {
		return events.Nop{}
	}
	c, err := events.NewNATSClient(ctx, url, logger)
	if err != nil {
		logger.Warn("failed to connect to nats, running without events", "error", err)
		return events.Nop{}
	}
	logger.Info("connected to nats")
	return c
}

func publish(logger *slog.Logger, client events.Client, subject string, ev interface{}) {
	if err := client.Publish(subject, ev); err != nil {
		logger.Warn("failed to publish event", "subject", subject, "error", err)
	}
}

func flushMetrics(logger *slog.Logger, rec *metrics.Recorder, path string) {
	if path == "" {
		return
	}
	if err := rec.WriteTextfile(path); err != nil {
		logger.Warn("failed to write metrics textfile", "path", path, "error", err)
	}
}

// openSinks builds the CSV sink plus every configured store. A store that
// cannot be opened is reported as a failed write to it.
func openSinks(ctx context.Context, logger *slog.Logger, c *config.Config) ([]sink.Sink, func(), []error) {
	sinks := []sink.Sink{&sink.CSV{Path: c.Output.Path}}
	var closers []func() error
	var errs []error
	opened := func(s sink.Sink, closer func() error) {
		sinks = append(sinks, s)
		if closer != nil {
			closers = append(closers, closer)
		}
	}

	if url := c.Sinks.Postgres.URL; url != "" {
		p, err := sink.NewPostgres(ctx, url)
		if err != nil {
			errs = append(errs, &sink.WriteError{Sink: "postgres", Err: err})
		} else {
			opened(p, p.Close)
		}
	}
	if path := c.Sinks.SQLite.Path; path != "" {
		s, err := sink.NewSQLite(path)
		if err != nil {
			errs = append(errs, &sink.WriteError{Sink: "sqlite", Err: err})
		} else {
			opened(s, s.Close)
		}
	}
	if s3c := c.Sinks.S3; s3c.Bucket != "" {
		s, err := sink.NewS3(ctx, sink.S3Config{
			Bucket:    s3c.Bucket,
			Region:    s3c.Region,
			Endpoint:  s3c.Endpoint,
			PathStyle: s3c.PathStyle,
			KeyPrefix: s3c.KeyPrefix,
		})
		if err != nil {
			errs = append(errs, &sink.WriteError{Sink: "s3", Err: err})
		} else {
			opened(s, nil)
		}
	}
	for _, err := range errs {
		logger.Error("failed to open sink", "error", err)
	}

	return sinks, func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				logger.Warn("failed to close sink", "error", err)
			}
		}
	}, errs
}

func runInspect(_ context.Context, a *app, args []string) error {
	c := a.cfg
	fs := a.flags("inspect")
	sourcePath := fs.String("source", c.Input.SourcePath, "source table CSV")
	mixedPath := fs.String("mixed", c.Input.MixedPath, "mixed table CSV (optional)")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *sourcePath == "" {
		return fmt.Errorf("%w: -source is required", errUsage)
	}

	source, err := table.ReadFile(*sourcePath)
	if err != nil {
		return fmt.Errorf("read source table: %w", err)
	}
	labels, err := source.Strings(c.Input.LabelColumn)
	if err != nil {
		return fmt.Errorf("source table: %w", err)
	}
	counts := make(map[string]int)
	for _, l := range labels {
		counts[l]++
	}
	names := make([]string, 0, len(counts))
	for l := range counts {
		names = append(names, l)
	}
	sort.Strings(names)

	fmt.Fprintf(a.stdout, "source table %s: %d rows, %d sources\n", *sourcePath, source.Len(), len(names))
	for _, l := range names {
		name := l
		if name == "" {
			name = "(blank)"
		}
		fmt.Fprintf(a.stdout, "  %-24s %d\n", name, counts[l])
	}

	candidates := source.NumericColumns(c.Input.LabelColumn, c.Input.SpecimenColumn)
	if *mixedPath != "" {
		mixed, err := table.ReadFile(*mixedPath)
		if err != nil {
			return fmt.Errorf("read mixed table: %w", err)
		}
		fmt.Fprintf(a.stdout, "mixed table %s: %d rows\n", *mixedPath, mixed.Len())
		candidates = sharedNumeric(source, mixed, c.Input.LabelColumn, c.Input.SpecimenColumn)
	}
	fmt.Fprintf(a.stdout, "factors: %s\n", strings.Join(candidates, ","))
	return nil
}

func runTrim(_ context.Context, a *app, args []string) error {
	c := a.cfg
	fs := a.flags("trim")
	sourcePath := fs.String("source", c.Input.SourcePath, "source table CSV")
	mixedPath := fs.String("mixed", c.Input.MixedPath, "mixed table CSV")
	factors := fs.String("factors", strings.Join(c.Factors, ","), "comma separated factor columns (default: every shared numeric column)")
	k := fs.Float64("k", c.Screening.FenceK, "fence multiplier on the interquartile range")
	outSource := fs.String("out-source", "", "trimmed source table CSV")
	outMixed := fs.String("out-mixed", "", "trimmed mixed table CSV")
	report := fs.String("report", "-", "fence report CSV, - for stdout")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *sourcePath == "" || *mixedPath == "" || *outSource == "" || *outMixed == "" {
		return fmt.Errorf("%w: -source, -mixed, -out-source and -out-mixed are required", errUsage)
	}
	if *k < 0 {
		return fmt.Errorf("%w: -k must not be negative", errUsage)
	}

	source, err := table.ReadFile(*sourcePath)
	if err != nil {
		return fmt.Errorf("read source table: %w", err)
	}
	mixed, err := table.ReadFile(*mixedPath)
	if err != nil {
		return fmt.Errorf("read mixed table: %w", err)
	}
	list := config.SplitList(*factors)
	if len(list) == 0 {
		list = sharedNumeric(source, mixed, c.Input.LabelColumn, c.Input.SpecimenColumn)
	}

	src, mix, fences, err := screening.Trim(source, mixed, list, *k)
	if err != nil {
		return err
	}
	if err := src.WriteFile(*outSource); err != nil {
		return fmt.Errorf("write trimmed source table: %w", err)
	}
	if err := mix.WriteFile(*outMixed); err != nil {
		return fmt.Errorf("write trimmed mixed table: %w", err)
	}
	a.logger.Info("tables trimmed",
		"source_rows", src.Len(), "source_removed", source.Len()-src.Len(),
		"mixed_rows", mix.Len(), "mixed_removed", mixed.Len()-mix.Len())

	t, err := screening.FenceTable(fences)
	if err != nil {
		return err
	}
	return a.writeTable(t, *report)
}

func sharedNumeric(source, mixed *table.Table, labelCol, specimenCol string) []string {
	inMixed := make(map[string]bool)
	for _, col := range mixed.NumericColumns(specimenCol) {
		inMixed[col] = true
	}
	var out []string
	for _, col := range source.NumericColumns(labelCol, specimenCol) {
		if inMixed[col] {
			out = append(out, col)
		}
	}
	return out
}

func runKruskal(_ context.Context, a *app, args []string) error {
	c := a.cfg
	fs := a.flags("kruskal")
	sourcePath := fs.String("source", c.Input.SourcePath, "source table CSV")
	factors := fs.String("factors", strings.Join(c.Factors, ","), "comma separated factor columns (default: every numeric column)")
	alpha := fs.Float64("alpha", c.Screening.Alpha, "significance level")
	out := fs.String("out", "-", "report CSV, - for stdout")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *sourcePath == "" {
		return fmt.Errorf("%w: -source is required", errUsage)
	}
	if *alpha <= 0 || *alpha >= 1 {
		return fmt.Errorf("%w: -alpha must be in (0, 1)", errUsage)
	}

	source, err := table.ReadFile(*sourcePath)
	if err != nil {
		return fmt.Errorf("read source table: %w", err)
	}
	list := config.SplitList(*factors)
	if len(list) == 0 {
		list = source.NumericColumns(c.Input.LabelColumn, c.Input.SpecimenColumn)
	}

	results, err := screening.TestFactors(source, c.Input.LabelColumn, list, *alpha)
	if err != nil {
		return err
	}
	if skipped := len(list) - len(results); skipped > 0 {
		a.logger.Warn("factors skipped", "count", skipped)
	}
	a.logger.Info("factors screened", "tested", len(results), "significant", screening.Significant(results))

	t, err := screening.Table(results)
	if err != nil {
		return err
	}
	return a.writeTable(t, *out)
}

func runDMS(_ context.Context, a *app, args []string) error {
	fs := a.flags("dms")
	in := fs.String("in", "", "input table CSV")
	out := fs.String("out", "-", "output table CSV, - for stdout")
	columns := fs.String("columns", strings.Join(geo.DefaultColumns, ","), "coordinate columns to convert")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *in == "" {
		return fmt.Errorf("%w: -in is required", errUsage)
	}

	t, err := table.ReadFile(*in)
	if err != nil {
		return fmt.Errorf("read table: %w", err)
	}
	failed, err := geo.ConvertColumns(t, config.SplitList(*columns))
	if err != nil {
		return err
	}
	if len(failed) > 0 {
		rows := make([]int, len(failed))
		for i, r := range failed {
			rows[i] = r + 1
		}
		a.logger.Warn("coordinates left blank", "rows", rows)
	}
	return a.writeTable(t, *out)
}
