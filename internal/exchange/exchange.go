// Package exchange defines the extraction collaborator the pipeline pulls
// raw candles from, and a Coinbase implementation of it.
package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/johnayoung/go-candle-etl/internal/config"
	"github.com/johnayoung/go-candle-etl/internal/models"
)

// CandleFetcher retrieves raw candle rows from an exchange.
type CandleFetcher interface {
	// FetchCandles returns every raw row the exchange reports for product
	// within [start, end] at the given bucket width. Rows are untrusted and
	// may arrive in any order. An empty window yields an empty slice.
	FetchCandles(ctx context.Context, product string, start, end time.Time, granularity time.Duration) ([]models.RawCandle, error)
}

// HealthChecker reports whether the exchange is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Exchange combines the operations a full client provides.
type Exchange interface {
	CandleFetcher
	HealthChecker
}

// FetchRequest describes one product's fetch window.
type FetchRequest struct {
	Product     string
	Start       time.Time
	End         time.Time
	Granularity time.Duration
}

// Validate checks the request before any call is made.
func (r FetchRequest) Validate() error {
	if err := config.ValidateProduct(r.Product); err != nil {
		return &ValidationError{Field: "product", Message: err.Error()}
	}
	if r.Start.IsZero() || r.End.IsZero() {
		return &ValidationError{Field: "window", Message: "start and end are required"}
	}
	if !r.Start.Before(r.End) {
		return &ValidationError{Field: "window", Message: fmt.Sprintf("start %s must be before end %s",
			r.Start.UTC().Format(time.RFC3339), r.End.UTC().Format(time.RFC3339))}
	}
	if r.Granularity < time.Second || r.Granularity%time.Second != 0 {
		return &ValidationError{Field: "granularity", Message: fmt.Sprintf("must be a whole number of seconds, got %s", r.Granularity)}
	}
	return nil
}

// Duration returns the length of the window.
func (r FetchRequest) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// Buckets returns the number of candles the window can hold.
func (r FetchRequest) Buckets() int {
	if r.Granularity <= 0 {
		return 0
	}
	return int(r.Duration() / r.Granularity)
}

// ValidationError is an invalid fetch request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid fetch request: %s: %s", e.Field, e.Message)
}

var _ Exchange = (*CoinbaseClient)(nil)
