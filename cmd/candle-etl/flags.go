package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/johnayoung/go-candle-etl/internal/config"
)

// Output formats accepted by the query command.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatCSV   = "csv"
)

// overrides are command-line values layered over the loaded configuration.
type overrides struct {
	Products    string
	Start       string
	End         string
	FullRefresh bool
	Charts      string
}

// apply writes the set overrides into cfg and re-validates it.
func (o overrides) apply(cfg *config.AppConfig) error {
	if o.Products != "" {
		cfg.Pipeline.Products = config.SplitProducts(o.Products)
	}
	if o.Start != "" {
		cfg.Pipeline.Start = o.Start
	}
	if o.End != "" {
		cfg.Pipeline.End = o.End
	}
	if o.FullRefresh {
		cfg.Pipeline.Incremental = false
	}
	if o.Charts != "" {
		cfg.Charts.Set = o.Charts
	}
	return cfg.Validate()
}

// RunFlags holds the flags of the run command.
type RunFlags struct {
	ConfigPath         string
	Overrides          overrides
	SkipETL            bool
	SkipVisualizations bool
}

// ChartsFlags holds the flags of the charts command.
type ChartsFlags struct {
	ConfigPath string
	Overrides  overrides
}

// StatusFlags holds the flags of the status command.
type StatusFlags struct {
	ConfigPath string
}

// QueryFlags holds the flags of the query command.
type QueryFlags struct {
	ConfigPath string
	Product    string
	Start      string
	End        string
	Limit      int
	Format     string
	Desc       bool
}

// GapsFlags holds the flags of the gaps command.
type GapsFlags struct {
	ConfigPath string
	Overrides  overrides
	Backfill   bool
}

// ExportFlags holds the flags of the export command.
type ExportFlags struct {
	ConfigPath string
	Output     string
	Products   string
	Start      string
	End        string
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(AppName+" "+name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s %s [flags]\n\nFlags:\n", AppName, name)
		fs.PrintDefaults()
	}
	return fs
}

// parse parses args and rejects positional arguments. Errors other than a
// help request are usage errors.
func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("%w: unexpected arguments: %s", errUsage, strings.Join(fs.Args(), " "))
	}
	return nil
}

func configFlag(fs *flag.FlagSet, dst *string) {
	fs.StringVar(dst, "config", DefaultConfigFile, "YAML configuration file; missing file means defaults")
}

func windowFlags(fs *flag.FlagSet, o *overrides) {
	fs.StringVar(&o.Products, "products", "", "comma-separated products, e.g. BTC-USD,ETH-USD")
	fs.StringVar(&o.Start, "start", "", "window start, RFC3339 or YYYY-MM-DD")
	fs.StringVar(&o.End, "end", "", "window end, RFC3339 or YYYY-MM-DD")
}

func validChartSet(set string) error {
	switch set {
	case "", config.ChartSetRequired, config.ChartSetAdditional, config.ChartSetAll:
		return nil
	}
	return fmt.Errorf("%w: --charts must be one of required, additional, all", errUsage)
}

func parseRunFlags(args []string, stderr io.Writer) (*RunFlags, error) {
	flags := &RunFlags{}
	fs := newFlagSet("run", stderr)
	configFlag(fs, &flags.ConfigPath)
	windowFlags(fs, &flags.Overrides)
	fs.BoolVar(&flags.Overrides.FullRefresh, "full-refresh", false, "reload the whole window instead of resuming after stored data")
	fs.StringVar(&flags.Overrides.Charts, "charts", "", "chart set: required, additional or all")
	fs.BoolVar(&flags.SkipETL, "skip-etl", false, "skip fetching and loading")
	fs.BoolVar(&flags.SkipVisualizations, "skip-visualizations", false, "skip chart rendering")

	if err := parse(fs, args); err != nil {
		return nil, err
	}
	if err := validChartSet(flags.Overrides.Charts); err != nil {
		return nil, err
	}
	if flags.SkipETL && flags.SkipVisualizations {
		return nil, fmt.Errorf("%w: --skip-etl and --skip-visualizations leave nothing to do", errUsage)
	}
	return flags, nil
}

func parseChartsFlags(args []string, stderr io.Writer) (*ChartsFlags, error) {
	flags := &ChartsFlags{}
	fs := newFlagSet("charts", stderr)
	configFlag(fs, &flags.ConfigPath)
	fs.StringVar(&flags.Overrides.Products, "products", "", "comma-separated products to expect in the charts")
	fs.StringVar(&flags.Overrides.Charts, "charts", "", "chart set: required, additional or all")

	if err := parse(fs, args); err != nil {
		return nil, err
	}
	if err := validChartSet(flags.Overrides.Charts); err != nil {
		return nil, err
	}
	return flags, nil
}

func parseStatusFlags(args []string, stderr io.Writer) (*StatusFlags, error) {
	flags := &StatusFlags{}
	fs := newFlagSet("status", stderr)
	configFlag(fs, &flags.ConfigPath)
	if err := parse(fs, args); err != nil {
		return nil, err
	}
	return flags, nil
}

func parseQueryFlags(args []string, stderr io.Writer) (*QueryFlags, error) {
	flags := &QueryFlags{}
	fs := newFlagSet("query", stderr)
	configFlag(fs, &flags.ConfigPath)
	fs.StringVar(&flags.Product, "product", "", "product to query (required)")
	fs.StringVar(&flags.Start, "start", "", "earliest datetime, RFC3339 or YYYY-MM-DD")
	fs.StringVar(&flags.End, "end", "", "datetime to stop before, RFC3339 or YYYY-MM-DD")
	fs.IntVar(&flags.Limit, "limit", 100, "maximum rows, 0 for all")
	fs.StringVar(&flags.Format, "format", FormatTable, "output format: table, json or csv")
	fs.BoolVar(&flags.Desc, "desc", false, "newest first")

	if err := parse(fs, args); err != nil {
		return nil, err
	}
	if flags.Product == "" {
		return nil, fmt.Errorf("%w: --product is required", errUsage)
	}
	flags.Product = strings.ToUpper(flags.Product)
	if err := config.ValidateProduct(flags.Product); err != nil {
		return nil, fmt.Errorf("%w: %v", errUsage, err)
	}
	if flags.Limit < 0 {
		return nil, fmt.Errorf("%w: --limit cannot be negative", errUsage)
	}
	switch flags.Format {
	case FormatTable, FormatJSON, FormatCSV:
	default:
		return nil, fmt.Errorf("%w: --format must be one of table, json, csv", errUsage)
	}
	return flags, nil
}

func parseGapsFlags(args []string, stderr io.Writer) (*GapsFlags, error) {
	flags := &GapsFlags{}
	fs := newFlagSet("gaps", stderr)
	configFlag(fs, &flags.ConfigPath)
	windowFlags(fs, &flags.Overrides)
	fs.BoolVar(&flags.Backfill, "backfill", false, "re-run a full refresh over every gap found")
	if err := parse(fs, args); err != nil {
		return nil, err
	}
	return flags, nil
}

func parseExportFlags(args []string, stderr io.Writer) (*ExportFlags, error) {
	flags := &ExportFlags{}
	fs := newFlagSet("export", stderr)
	configFlag(fs, &flags.ConfigPath)
	fs.StringVar(&flags.Output, "output", "candles.parquet", "Parquet file to write")
	fs.StringVar(&flags.Products, "products", "", "comma-separated products, empty for all")
	fs.StringVar(&flags.Start, "start", "", "earliest datetime, RFC3339 or YYYY-MM-DD")
	fs.StringVar(&flags.End, "end", "", "datetime to stop before, RFC3339 or YYYY-MM-DD")
	if err := parse(fs, args); err != nil {
		return nil, err
	}
	if flags.Output == "" {
		return nil, fmt.Errorf("%w: --output cannot be empty", errUsage)
	}
	return flags, nil
}

// parseOptionalTime parses s, or returns the zero time when s is empty.
func parseOptionalTime(name, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := config.ParseTime(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: --%s: %v", errUsage, name, err)
	}
	return t, nil
}
