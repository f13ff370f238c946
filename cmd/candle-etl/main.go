// Candle ETL CLI
// Loads hourly Coinbase candles into DuckDB, renders charts from the stored
// table and offers a few read-side commands over it.
//
// Usage:
//
//	candle-etl                                  incremental run with defaults
//	candle-etl run --full-refresh --products BTC-USD,ETH-USD
//	candle-etl run --start 2025-11-17 --end 2025-11-24 --skip-visualizations
//	candle-etl charts --charts additional
//	candle-etl status
//	candle-etl query --product BTC-USD --format csv
//	candle-etl gaps --backfill
//	candle-etl export --output candles.parquet
//
// For detailed help on any command, use: candle-etl <command> --help
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	etlerrors "github.com/johnayoung/go-candle-etl/internal/errors"
)

// CLI version information
const (
	Version           = "1.0.0"
	AppName           = "candle-etl"
	DefaultConfigFile = "candle-etl.yaml"
)

// Exit codes following standard conventions
const (
	ExitSuccess       = 0
	ExitUsageError    = 1
	ExitConfigError   = 2
	ExitConnectionErr = 3
	ExitDataError     = 4
	ExitInterrupt     = 130
)

var errUsage = errors.New("usage error")

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

// run dispatches one command and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	command := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}

	var err error
	switch command {
	case "run":
		err = handleRun(ctx, args, stdout, stderr)
	case "charts":
		err = handleCharts(ctx, args, stdout, stderr)
	case "status":
		err = handleStatus(ctx, args, stdout, stderr)
	case "query":
		err = handleQuery(ctx, args, stdout, stderr)
	case "gaps":
		err = handleGaps(ctx, args, stdout, stderr)
	case "export":
		err = handleExport(ctx, args, stdout, stderr)
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "%s version %s\n", AppName, Version)
		return ExitSuccess
	case "help", "--help", "-h":
		printUsage(stdout)
		return ExitSuccess
	default:
		fmt.Fprintf(stderr, "Error: unknown command %q\n\n", command)
		printUsage(stderr)
		return ExitUsageError
	}

	if errors.Is(err, flag.ErrHelp) {
		return ExitSuccess
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return exitCode(err)
}

// exitCode maps a command error onto the documented exit codes.
func exitCode(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, context.Canceled):
		return ExitInterrupt
	case errors.Is(err, errUsage):
		return ExitUsageError
	case errors.Is(err, etlerrors.ErrConfiguration):
		return ExitConfigError
	case errors.Is(err, etlerrors.ErrFetch):
		return ExitConnectionErr
	default:
		return ExitDataError
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `%s - Coinbase candle ETL v%s

Usage:
  %s [command] [flags]

Commands:
  run       Fetch, validate and load candles, then render charts (default)
  charts    Render charts from stored data
  status    Show stored row counts and coverage per product
  query     Print stored candles as a table, JSON or CSV
  gaps      List missing candles, optionally backfilling them
  export    Write stored candles to a Parquet file
  version   Print the version
  help      Show this help

Common flags:
  --config PATH   YAML configuration file (default %s)

Exit codes:
  0 success, 1 usage, 2 configuration, 3 fetch, 4 storage or data, 130 interrupted

Run '%s <command> --help' for command flags.
`, AppName, Version, AppName, DefaultConfigFile, AppName)
}
