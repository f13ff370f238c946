// Package pipeline runs the candle ETL: for each product it plans a fetch
// window against stored state, pulls raw candles from the exchange,
// validates and enriches them, and upserts the result.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/johnayoung/go-candle-etl/internal/config"
	"github.com/johnayoung/go-candle-etl/internal/models"
	"github.com/johnayoung/go-candle-etl/internal/storage"
)

// Config is the explicit input of a run.
type Config struct {
	Products    []string
	Start       time.Time
	End         time.Time
	Granularity time.Duration
	Incremental bool
}

// ConfigFromPipeline resolves the file/env pipeline section into a run Config.
func ConfigFromPipeline(p config.PipelineConfig) (Config, error) {
	start, end, err := p.Window()
	if err != nil {
		return Config{}, err
	}
	products := make([]string, len(p.Products))
	copy(products, p.Products)
	return Config{
		Products:    products,
		Start:       start,
		End:         end,
		Granularity: p.GranularityDuration(),
		Incremental: p.Incremental,
	}, nil
}

// Validate checks products, window and granularity.
func (c Config) Validate() error {
	if err := validateRequest(c.Products, c.Start, c.End); err != nil {
		return err
	}
	if c.Granularity < time.Second {
		return fmt.Errorf("granularity must be at least one second, got %s", c.Granularity)
	}
	return nil
}

func validateRequest(products []string, start, end time.Time) error {
	if len(products) == 0 {
		return fmt.Errorf("at least one product is required")
	}
	seen := make(map[string]bool, len(products))
	for _, p := range products {
		if err := config.ValidateProduct(p); err != nil {
			return err
		}
		if seen[p] {
			return fmt.Errorf("product %s listed more than once", p)
		}
		seen[p] = true
	}
	if !start.Before(end) {
		return fmt.Errorf("start %s must be before end %s",
			start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))
	}
	return nil
}

// CandleFetcher is the extraction collaborator.
type CandleFetcher interface {
	FetchCandles(ctx context.Context, product string, start, end time.Time, granularity time.Duration) ([]models.RawCandle, error)
}

// CandleStore is the part of the store a run needs.
type CandleStore interface {
	storage.StateReader
	storage.CandleWriter
}

// MetricsRecorder receives per-product counts and the run outcome.
type MetricsRecorder interface {
	RecordProduct(product string, fetched, validated, rejected, upserted int64, rejections map[models.RejectionReason]int)
	RecordRun(duration time.Duration, err error)
}

// Counts are the per-stage record counts of a product or a whole run.
type Counts struct {
	Fetched   int64 `json:"fetched"`
	Validated int64 `json:"validated"`
	Rejected  int64 `json:"rejected"`
	Upserted  int64 `json:"upserted"`
}

// Add accumulates other into c.
func (c *Counts) Add(other Counts) {
	c.Fetched += other.Fetched
	c.Validated += other.Validated
	c.Rejected += other.Rejected
	c.Upserted += other.Upserted
}

// ProductSummary is the outcome of one product within a run.
type ProductSummary struct {
	Product    string                          `json:"product"`
	Window     Window                          `json:"window"`
	Counts     Counts                          `json:"counts"`
	Rejections map[models.RejectionReason]int `json:"rejections,omitempty"`
	Duplicates int                             `json:"duplicates,omitempty"`
	Duration   time.Duration                   `json:"duration"`
}

// Summary is the outcome of a run.
type Summary struct {
	RunID       string           `json:"run_id"`
	Incremental bool             `json:"incremental"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  time.Time        `json:"finished_at"`
	Products    []ProductSummary `json:"products"`
	Totals      Counts           `json:"totals"`
	RowCounts   map[string]int64 `json:"row_counts"`
}

// Duration returns the wall time of the run.
func (s *Summary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// Product returns the summary for product, or nil.
func (s *Summary) Product(product string) *ProductSummary {
	for i := range s.Products {
		if s.Products[i].Product == product {
			return &s.Products[i]
		}
	}
	return nil
}

// RowCountProducts returns the products in RowCounts, sorted.
func (s *Summary) RowCountProducts() []string {
	products := make([]string, 0, len(s.RowCounts))
	for p := range s.RowCounts {
		products = append(products, p)
	}
	sort.Strings(products)
	return products
}
