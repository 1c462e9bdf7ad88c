package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Input     InputConfig     `yaml:"input"`
	Factors   []string        `yaml:"factors"`
	Sources   []string        `yaml:"sources"`
	Solver    SolverConfig    `yaml:"solver"`
	Screening ScreeningConfig `yaml:"screening"`
	Output    OutputConfig    `yaml:"output"`
	Sinks     SinksConfig     `yaml:"sinks"`
	Events    EventsConfig    `yaml:"events"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type InputConfig struct {
	SourcePath     string `yaml:"source_path"`
	MixedPath      string `yaml:"mixed_path"`
	LabelColumn    string `yaml:"label_column"`
	SpecimenColumn string `yaml:"specimen_column"`
}

type SolverConfig struct {
	Tolerance     float64 `yaml:"tolerance"`
	MaxIterations int     `yaml:"max_iterations"`
	Workers       int     `yaml:"workers"`
	OnSampleError string  `yaml:"on_sample_error"`
}

type ScreeningConfig struct {
	Trim   bool    `yaml:"trim"`
	FenceK float64 `yaml:"fence_k"`
	Alpha  float64 `yaml:"alpha"`
}

type OutputConfig struct {
	Path               string `yaml:"path"`
	ContributionPrefix string `yaml:"contribution_prefix"`
}

type SinksConfig struct {
	Postgres PostgresConfig `yaml:"postgres"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	S3       S3Config       `yaml:"s3"`
}

type PostgresConfig struct {
	URL string `yaml:"url"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
	KeyPrefix string `yaml:"key_prefix"`
}

type EventsConfig struct {
	NATSURL string `yaml:"nats_url"`
}

type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		Input: InputConfig{
			LabelColumn:    "Source",
			SpecimenColumn: "Specimen",
		},
		Solver: SolverConfig{
			Tolerance:     1e-10,
			MaxIterations: 100000,
			Workers:       1,
			OnSampleError: "abort",
		},
		Screening: ScreeningConfig{
			FenceK: 2.2,
			Alpha:  0.05,
		},
		Output: OutputConfig{
			Path:               "contributions.csv",
			ContributionPrefix: "Contribution_",
		},
		Sinks: SinksConfig{
			S3: S3Config{
				Region: "us-east-1",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("TRACEFINDER_SOURCE"); v != "" {
		cfg.Input.SourcePath = v
	}
	if v := os.Getenv("TRACEFINDER_MIXED"); v != "" {
		cfg.Input.MixedPath = v
	}
	if v := os.Getenv("TRACEFINDER_FACTORS"); v != "" {
		cfg.Factors = SplitList(v)
	}
	if v := os.Getenv("TRACEFINDER_OUTPUT"); v != "" {
		cfg.Output.Path = v
	}
	if v := os.Getenv("TRACEFINDER_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Solver.Workers = n
		}
	}
	if v := os.Getenv("TRACEFINDER_TOLERANCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Solver.Tolerance = f
		}
	}
	if v := os.Getenv("TRACEFINDER_ON_SAMPLE_ERROR"); v != "" {
		cfg.Solver.OnSampleError = v
	}
	if v := os.Getenv("TRACEFINDER_TRIM"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Screening.Trim = b
		}
	}
	if v := os.Getenv("TRACEFINDER_DATABASE_URL"); v != "" {
		cfg.Sinks.Postgres.URL = v
	}
	if v := os.Getenv("TRACEFINDER_SQLITE_PATH"); v != "" {
		cfg.Sinks.SQLite.Path = v
	}
	if v := os.Getenv("TRACEFINDER_S3_BUCKET"); v != "" {
		cfg.Sinks.S3.Bucket = v
	}
	if v := os.Getenv("TRACEFINDER_S3_REGION"); v != "" {
		cfg.Sinks.S3.Region = v
	}
	if v := os.Getenv("TRACEFINDER_S3_ENDPOINT"); v != "" {
		cfg.Sinks.S3.Endpoint = v
	}
	if v := os.Getenv("TRACEFINDER_S3_PATH_STYLE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Sinks.S3.PathStyle = b
		}
	}
	if v := os.Getenv("TRACEFINDER_NATS_URL"); v != "" {
		cfg.Events.NATSURL = v
	}
	if v := os.Getenv("TRACEFINDER_METRICS_TEXTFILE"); v != "" {
		cfg.Metrics.Textfile = v
	}
	if v := os.Getenv("TRACEFINDER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TRACEFINDER_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

// Validate checks the settings that have no safe fallback.
func (c *Config) Validate() error {
	switch {
	case c.Solver.Tolerance <= 0:
		return fmt.Errorf("solver.tolerance must be positive, got %g", c.Solver.Tolerance)
	case c.Solver.MaxIterations <= 0:
		return fmt.Errorf("solver.max_iterations must be positive, got %d", c.Solver.MaxIterations)
	case c.Solver.Workers < 0:
		return fmt.Errorf("solver.workers must not be negative, got %d", c.Solver.Workers)
	case c.Screening.FenceK < 0:
		return fmt.Errorf("screening.fence_k must not be negative, got %g", c.Screening.FenceK)
	case c.Screening.Alpha <= 0 || c.Screening.Alpha >= 1:
		return fmt.Errorf("screening.alpha must be in (0, 1), got %g", c.Screening.Alpha)
	}
	switch strings.ToLower(c.Solver.OnSampleError) {
	case "", "abort", "collect":
	default:
		return fmt.Errorf("solver.on_sample_error must be abort or collect, got %q", c.Solver.OnSampleError)
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// NewLogger builds the process logger from the logging section.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Logging.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}

// SplitList splits a comma separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
