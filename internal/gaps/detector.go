package gaps

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/johnayoung/go-candle-etl/internal/models"
	"github.com/johnayoung/go-candle-etl/internal/pipeline"
	"github.com/johnayoung/go-candle-etl/internal/storage"
)

// Detector finds gaps in stored series.
type Detector struct {
	reader      storage.Reader
	granularity time.Duration
	logger      *slog.Logger
}

// NewDetector creates a detector reading through reader.
func NewDetector(reader storage.Reader, granularity time.Duration, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		reader:      reader,
		granularity: granularity,
		logger:      logger.With("component", "gap_detector"),
	}
}

// DetectGaps returns the gaps in product's stored series within [start, end).
func (d *Detector) DetectGaps(ctx context.Context, product string, start, end time.Time) ([]models.Gap, error) {
	if !start.Before(end) {
		return nil, fmt.Errorf("start %s must be before end %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	rows, err := d.reader.Query(ctx, storage.QueryRequest{
		Product: product,
		Start:   start,
		End:     end,
		OrderBy: storage.OrderAsc,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query stored candles for %s: %w", product, err)
	}

	timestamps := make([]int64, len(rows))
	for i := range rows {
		timestamps[i] = rows[i].Timestamp
	}

	found := Detect(product, timestamps, start, end, d.granularity)
	d.logger.Info("gap detection completed",
		"product", product,
		"stored", len(rows),
		"expected", ExpectedBuckets(start, end, d.granularity),
		"gaps", len(found),
		"missing", TotalMissing(found))
	return found, nil
}

// DetectAll runs DetectGaps for every product and returns the gaps in
// backfill order.
func (d *Detector) DetectAll(ctx context.Context, products []string, start, end time.Time) ([]models.Gap, error) {
	var all []models.Gap
	for _, product := range products {
		found, err := d.DetectGaps(ctx, product, start, end)
		if err != nil {
			return nil, err
		}
		all = append(all, found...)
	}
	SortByPriority(all)
	return all, nil
}

// Runner is the part of the pipeline a backfill drives.
type Runner interface {
	Run(ctx context.Context, products []string, start, end time.Time, incremental bool) (*pipeline.Summary, error)
}

// BackfillResult reports what a backfill did.
type BackfillResult struct {
	Gaps     []models.Gap
	Filled   int
	Totals   pipeline.Counts
	Duration time.Duration
}

// Backfiller re-runs the pipeline as a full refresh over each gap.
type Backfiller struct {
	runner Runner
	logger *slog.Logger
}

// NewBackfiller creates a backfiller driving runner.
func NewBackfiller(runner Runner, logger *slog.Logger) *Backfiller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backfiller{runner: runner, logger: logger.With("component", "backfiller")}
}

// Backfill fills gaps in priority order. The first failing run stops the
// backfill; gaps filled before it stay marked filled in the result.
func (b *Backfiller) Backfill(ctx context.Context, gaps []models.Gap) (*BackfillResult, error) {
	began := time.Now()
	result := &BackfillResult{Gaps: make([]models.Gap, len(gaps))}
	copy(result.Gaps, gaps)
	SortByPriority(result.Gaps)

	for i := range result.Gaps {
		gap := &result.Gaps[i]
		if gap.Status == models.GapStatusFilled {
			continue
		}

		// The exchange treats the end of a window as inclusive.
		end := gap.End.Add(-time.Second)
		summary, err := b.runner.Run(ctx, []string{gap.Product}, gap.Start, end, false)
		if err != nil {
			result.Duration = time.Since(began)
			return result, fmt.Errorf("backfill of %s failed: %w", gap.String(), err)
		}

		gap.MarkFilled()
		result.Filled++
		result.Totals.Add(summary.Totals)
		b.logger.Info("gap backfilled",
			"product", gap.Product,
			"start", gap.Start,
			"end", gap.End,
			"priority", gap.PriorityString(),
			"fetched", summary.Totals.Fetched,
			"upserted", summary.Totals.Upserted)
	}

	result.Duration = time.Since(began)
	return result, nil
}
