package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/MikeSquared-Agency/TraceFinder/internal/config"
)

// app is what every subcommand runs against.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer
}

type command struct {
	summary string
	run     func(ctx context.Context, a *app, args []string) error
}

var commands = map[string]command{
	"unmix":   {"estimate source contributions for every mixed sample", runUnmix},
	"inspect": {"list source labels and candidate factor columns", runInspect},
	"trim":    {"drop rows outside the source IQR fences", runTrim},
	"kruskal": {"Kruskal-Wallis screening of candidate factors", runKruskal},
	"dms":     {"convert degree-minute-second coordinates to decimal degrees", runDMS},
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Usage = func() { usage(os.Stderr) }
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	a := &app{cfg: cfg, logger: logger, stdout: os.Stdout, stderr: os.Stderr}
	code := run(ctx, a, flag.Args())
	stop()
	os.Exit(code)
}

// run executes one subcommand and maps its outcome to an exit code.
func run(ctx context.Context, a *app, args []string) int {
	if len(args) == 0 {
		usage(a.stderr)
		return 2
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(a.stderr, "unknown command %q\n\n", args[0])
		usage(a.stderr)
		return 2
	}
	err := cmd.run(ctx, a, args[1:])
	switch {
	case err == nil:
		return 0
	case errors.Is(err, flag.ErrHelp):
		return 0
	case errors.Is(err, errUsage):
		fmt.Fprintf(a.stderr, "%s: %v\n", args[0], err)
		return 2
	default:
		a.logger.Error("command failed", "command", args[0], "error", err)
		return 1
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: tracefinder [-config file] <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-8s %s\n", name, commands[name].summary)
	}
}
