package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/johnayoung/go-candle-etl/internal/charts"
	"github.com/johnayoung/go-candle-etl/internal/config"
	etlerrors "github.com/johnayoung/go-candle-etl/internal/errors"
	"github.com/johnayoung/go-candle-etl/internal/exchange"
	"github.com/johnayoung/go-candle-etl/internal/export"
	"github.com/johnayoung/go-candle-etl/internal/gaps"
	"github.com/johnayoung/go-candle-etl/internal/logger"
	"github.com/johnayoung/go-candle-etl/internal/metrics"
	"github.com/johnayoung/go-candle-etl/internal/pipeline"
	"github.com/johnayoung/go-candle-etl/internal/storage"
)

// app holds the components shared by every command. The store is opened
// once and released by Close on every exit path.
type app struct {
	config  *config.AppConfig
	logs    *logger.LoggerManager
	logger  *slog.Logger
	store   storage.Store
	metrics *metrics.RunMetrics
	stdout  io.Writer
}

// newApp loads configuration, applies overrides, builds logging and opens
// the store.
func newApp(ctx context.Context, configPath string, ov overrides, stdout, stderr io.Writer) (*app, error) {
	bootLogger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg, err := config.NewConfigManager(configPath, bootLogger).LoadConfig(ctx)
	if err != nil {
		return nil, etlerrors.NewConfigurationError("config", err)
	}
	if err := ov.apply(cfg); err != nil {
		return nil, etlerrors.NewConfigurationError("config", err)
	}

	var logs *logger.LoggerManager
	switch cfg.Logging.Output {
	case "", "stderr":
		logs = logger.NewLoggerManagerWithWriter(cfg.Logging, stderr)
	default:
		logs, err = logger.NewLoggerManager(cfg.Logging)
		if err != nil {
			return nil, etlerrors.NewConfigurationError("logger", err)
		}
	}

	a := &app{
		config: cfg,
		logs:   logs,
		logger: logs.GetComponentLogger("cli"),
		stdout: stdout,
	}
	store, err := openStore(ctx, cfg.Storage, logs.GetLogger())
	if err != nil {
		logs.Close()
		return nil, err
	}
	a.store = store
	return a, nil
}

// openStore creates and initializes the configured store.
func openStore(ctx context.Context, cfg config.StorageConfig, log *slog.Logger) (storage.Store, error) {
	var store storage.Store
	switch cfg.Type {
	case "memory":
		store = storage.NewMemoryStore()
	case "duckdb":
		db, err := storage.NewDuckDBStore(cfg.Path, log,
			storage.WithMemoryLimit(cfg.MemoryLimit),
			storage.WithThreads(cfg.Threads))
		if err != nil {
			return nil, etlerrors.NewStorageStageError("", etlerrors.StageInit, err)
		}
		store = db
	default:
		return nil, etlerrors.NewConfigurationError("storage", fmt.Errorf("unsupported storage type: %s", cfg.Type))
	}

	if err := store.Initialize(ctx); err != nil {
		store.Close()
		return nil, etlerrors.NewStorageStageError("", etlerrors.StageInit, err)
	}
	return store, nil
}

// Close releases the store, writes metrics of any run and closes the log
// writer.
func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("failed to close store", "error", err)
	}
	if a.metrics != nil {
		if err := a.metrics.WriteTextfile(a.config.Metrics.TextfilePath); err != nil {
			a.logger.Error("failed to write metrics", "error", err)
		}
	}
	a.logs.Close()
}

// newRunner builds the pipeline runner over the Coinbase client.
func (a *app) newRunner() (*pipeline.Runner, error) {
	cfg, err := pipeline.ConfigFromPipeline(a.config.Pipeline)
	if err != nil {
		return nil, etlerrors.NewConfigurationError("pipeline", err)
	}
	client, err := exchange.NewCoinbaseClient(a.config.Exchange, a.logs.GetLogger())
	if err != nil {
		return nil, etlerrors.NewConfigurationError("exchange", err)
	}

	var opts []pipeline.Option
	if a.config.Metrics.Enabled {
		a.metrics = metrics.NewRunMetrics(a.config.Metrics.Namespace)
		opts = append(opts, pipeline.WithMetrics(a.metrics))
	}
	return pipeline.NewRunner(cfg, client, a.store, a.logs.GetLogger(), opts...), nil
}

func (a *app) renderCharts(ctx context.Context) error {
	renderer := charts.NewRenderer(a.store, a.config.Charts, a.logs.GetLogger(),
		charts.WithExpectedProducts(a.config.Pipeline.Products))
	written, err := renderer.Render(ctx, a.config.Charts.Set)
	if err != nil {
		return fmt.Errorf("chart rendering failed: %w", err)
	}
	printCharts(a.stdout, a.config.Charts.Dir, written)
	return nil
}

func handleRun(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	flags, err := parseRunFlags(args, stderr)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, flags.ConfigPath, flags.Overrides, stdout, stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx = logger.WithRunID(ctx, logger.NewRunID())

	if !flags.SkipETL {
		runner, err := a.newRunner()
		if err != nil {
			return err
		}
		summary, err := runner.RunConfigured(ctx)
		if err != nil {
			return err
		}
		if a.metrics != nil {
			a.metrics.RecordRowCounts(summary.RowCounts)
		}
		printSummary(a.stdout, summary)
	}

	if !flags.SkipVisualizations {
		return a.renderCharts(ctx)
	}
	return nil
}

func handleCharts(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	flags, err := parseChartsFlags(args, stderr)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, flags.ConfigPath, flags.Overrides, stdout, stderr)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.renderCharts(ctx)
}

func handleStatus(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	flags, err := parseStatusFlags(args, stderr)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, flags.ConfigPath, overrides{}, stdout, stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.HealthCheck(ctx); err != nil {
		return etlerrors.NewStorageStageError("", etlerrors.StageReport, err)
	}
	stats, err := a.store.Stats(ctx)
	if err != nil {
		return etlerrors.NewStorageStageError("", etlerrors.StageReport, err)
	}
	printStatus(a.stdout, stats, a.config.Pipeline.GranularityDuration())
	return nil
}

func handleQuery(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	flags, err := parseQueryFlags(args, stderr)
	if err != nil {
		return err
	}
	start, err := parseOptionalTime("start", flags.Start)
	if err != nil {
		return err
	}
	end, err := parseOptionalTime("end", flags.End)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, flags.ConfigPath, overrides{}, stdout, stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	req := storage.QueryRequest{
		Product: flags.Product,
		Start:   start,
		End:     end,
		Limit:   flags.Limit,
		OrderBy: storage.OrderAsc,
	}
	if flags.Desc {
		req.OrderBy = storage.OrderDesc
	}
	if err := req.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	candles, err := a.store.Query(ctx, req)
	if err != nil {
		return etlerrors.NewStorageStageError(flags.Product, etlerrors.StageReport, err)
	}

	switch flags.Format {
	case FormatJSON:
		return outputJSON(a.stdout, candles)
	case FormatCSV:
		return outputCSV(a.stdout, candles)
	default:
		return outputTable(a.stdout, flags.Product, candles)
	}
}

func handleGaps(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	flags, err := parseGapsFlags(args, stderr)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, flags.ConfigPath, flags.Overrides, stdout, stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	start, end, err := a.config.Pipeline.Window()
	if err != nil {
		return etlerrors.NewConfigurationError("pipeline", err)
	}

	detector := gaps.NewDetector(a.store, a.config.Pipeline.GranularityDuration(), a.logs.GetLogger())
	found, err := detector.DetectAll(ctx, a.config.Pipeline.Products, start, end)
	if err != nil {
		return etlerrors.NewStorageStageError("", etlerrors.StagePlan, err)
	}
	printGaps(a.stdout, found, start, end)

	if !flags.Backfill || len(found) == 0 {
		return nil
	}

	runner, err := a.newRunner()
	if err != nil {
		return err
	}
	ctx = logger.WithRunID(ctx, logger.NewRunID())
	result, err := gaps.NewBackfiller(runner, a.logs.GetLogger()).Backfill(ctx, found)
	if result != nil {
		printBackfill(a.stdout, result)
	}
	return err
}

func handleExport(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	flags, err := parseExportFlags(args, stderr)
	if err != nil {
		return err
	}
	start, err := parseOptionalTime("start", flags.Start)
	if err != nil {
		return err
	}
	end, err := parseOptionalTime("end", flags.End)
	if err != nil {
		return err
	}
	var products []string
	if flags.Products != "" {
		products = config.SplitProducts(flags.Products)
		for _, p := range products {
			if err := config.ValidateProduct(p); err != nil {
				return fmt.Errorf("%w: %v", errUsage, err)
			}
		}
	}

	a, err := newApp(ctx, flags.ConfigPath, overrides{}, stdout, stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	exporter := export.NewParquetExporter(a.store, a.logs.GetLogger())
	n, err := exporter.Export(ctx, export.Request{
		Path:     flags.Output,
		Products: products,
		Start:    start,
		End:      end,
	})
	if err != nil {
		return etlerrors.NewStorageStageError("", etlerrors.StageReport, err)
	}
	fmt.Fprintf(a.stdout, "Exported %d candles to %s\n", n, flags.Output)
	return nil
}
