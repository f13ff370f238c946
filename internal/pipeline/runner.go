package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	etlerrors "github.com/johnayoung/go-candle-etl/internal/errors"
	"github.com/johnayoung/go-candle-etl/internal/logger"
	"github.com/johnayoung/go-candle-etl/internal/validator"
)

// Runner processes products one after another. The first fetch or storage
// failure aborts the run.
type Runner struct {
	config      Config
	fetcher     CandleFetcher
	store       CandleStore
	reconciler  *Reconciler
	transformer *validator.Transformer
	metrics     MetricsRecorder
	logger      *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithMetrics records per-product counts and run outcomes.
func WithMetrics(m MetricsRecorder) Option {
	return func(r *Runner) { r.metrics = m }
}

// NewRunner creates a runner. cfg.Granularity is used as the bucket width
// for both fetching and incremental planning.
func NewRunner(cfg Config, fetcher CandleFetcher, store CandleStore, log *slog.Logger, opts ...Option) *Runner {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "pipeline")

	r := &Runner{
		config:      cfg,
		fetcher:     fetcher,
		store:       store,
		reconciler:  NewReconciler(store, cfg.Granularity, log),
		transformer: validator.NewTransformer(log),
		logger:      log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconciler returns the runner's window planner.
func (r *Runner) Reconciler() *Reconciler {
	return r.reconciler
}

// RunConfigured runs with the products, window and mode the runner was built with.
func (r *Runner) RunConfigured(ctx context.Context) (*Summary, error) {
	return r.Run(ctx, r.config.Products, r.config.Start, r.config.End, r.config.Incremental)
}

// Run loads every product over [start, end]. On success the summary carries
// per-product and total counts plus the stored row counts afterwards.
func (r *Runner) Run(ctx context.Context, products []string, start, end time.Time, incremental bool) (summary *Summary, err error) {
	runID := logger.GetRunID(ctx)
	if runID == "" {
		runID = logger.NewRunID()
		ctx = logger.WithRunID(ctx, runID)
	}
	log := logger.WithContext(ctx, r.logger)

	summary = &Summary{
		RunID:       runID,
		Incremental: incremental,
		StartedAt:   time.Now().UTC(),
	}
	defer func() {
		summary.FinishedAt = time.Now().UTC()
		if r.metrics != nil {
			r.metrics.RecordRun(summary.Duration(), err)
		}
	}()

	if verr := validateRequest(products, start, end); verr != nil {
		return summary, etlerrors.NewConfigurationError("pipeline", verr)
	}
	if r.config.Granularity < time.Second {
		return summary, etlerrors.NewConfigurationError("pipeline",
			fmt.Errorf("granularity must be at least one second, got %s", r.config.Granularity))
	}

	log.Info("starting run",
		"products", products,
		"start", start.UTC(),
		"end", end.UTC(),
		"granularity", r.config.Granularity,
		"incremental", incremental)

	for _, product := range products {
		ps, perr := r.runProduct(ctx, product, start, end, incremental)
		if perr != nil {
			var ce *etlerrors.ClassifiedError
			stage := ""
			if errors.As(perr, &ce) {
				stage = ce.Stage
			}
			log.Error("run aborted",
				"product", product,
				"stage", stage,
				"error", perr)
			return summary, perr
		}
		summary.Products = append(summary.Products, *ps)
		summary.Totals.Add(ps.Counts)
	}

	counts, cerr := r.store.RowCounts(ctx)
	if cerr != nil {
		log.Error("row count failed", "stage", etlerrors.StageReport, "error", cerr)
		return summary, etlerrors.NewStorageStageError("", etlerrors.StageReport, cerr)
	}
	summary.RowCounts = counts

	log.Info("run completed",
		"fetched", summary.Totals.Fetched,
		"validated", summary.Totals.Validated,
		"rejected", summary.Totals.Rejected,
		"upserted", summary.Totals.Upserted,
		"duration", time.Since(summary.StartedAt))
	return summary, nil
}

func (r *Runner) runProduct(ctx context.Context, product string, start, end time.Time, incremental bool) (*ProductSummary, error) {
	began := time.Now()
	ctx = logger.WithProduct(ctx, product)
	ps := &ProductSummary{Product: product}

	window, err := r.reconciler.PlanFetchWindow(logger.WithStage(ctx, etlerrors.StagePlan), product, start, end, incremental)
	if err != nil {
		return nil, etlerrors.NewStorageStageError(product, etlerrors.StagePlan, err)
	}
	ps.Window = window

	log := logger.WithContext(ctx, r.logger)
	if window.Skip {
		log.Info("product up to date, skipping fetch",
			"last_timestamp", window.LastTimestamp,
			"end", end.UTC())
		ps.Duration = time.Since(began)
		r.record(ps)
		return ps, nil
	}

	raw, err := r.fetcher.FetchCandles(logger.WithStage(ctx, etlerrors.StageFetch), product, window.Start, window.End, r.config.Granularity)
	if err != nil {
		return nil, etlerrors.NewFetchError(product, err)
	}
	ps.Counts.Fetched = int64(len(raw))

	result := r.transformer.Transform(product, raw)
	ps.Counts.Validated = int64(result.Validated())
	ps.Counts.Rejected = int64(result.Rejected())
	ps.Rejections = result.RejectionsByReason()
	ps.Duplicates = result.Duplicates

	if len(result.Candles) > 0 {
		affected, err := r.store.Upsert(logger.WithStage(ctx, etlerrors.StageLoad), result.Candles)
		if err != nil {
			return nil, etlerrors.NewStorageStageError(product, etlerrors.StageLoad, err)
		}
		ps.Counts.Upserted = affected
	}

	ps.Duration = time.Since(began)
	log.Info("product loaded",
		"window_start", window.Start,
		"window_end", window.End,
		"reason", window.Reason,
		"fetched", ps.Counts.Fetched,
		"validated", ps.Counts.Validated,
		"rejected", ps.Counts.Rejected,
		"upserted", ps.Counts.Upserted,
		"duration", ps.Duration)

	r.record(ps)
	return ps, nil
}

func (r *Runner) record(ps *ProductSummary) {
	if r.metrics == nil {
		return
	}
	r.metrics.RecordProduct(ps.Product,
		ps.Counts.Fetched, ps.Counts.Validated, ps.Counts.Rejected, ps.Counts.Upserted,
		ps.Rejections)
}
