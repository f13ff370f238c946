// Package storage defines the persistence contract for enriched candles and
// provides its DuckDB and in-memory implementations.
//
// The store owns the candles table: rows are keyed by (product, timestamp),
// written only through Upsert, and never deleted. Readers such as the chart
// renderer, gap detector and exporter go through the read-only Reader view.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/johnayoung/go-candle-etl/internal/models"
)

// CandleWriter persists enriched candles.
type CandleWriter interface {
	// Upsert inserts each candle or fully replaces the stored row sharing its
	// (product, timestamp) key. Repeated calls with the same input leave the
	// table in the same state. Returns the number of rows written.
	Upsert(ctx context.Context, candles []models.EnrichedCandle) (int64, error)
}

// StateReader answers the questions the incremental loader asks.
type StateReader interface {
	// LastTimestamp returns the largest stored timestamp for product.
	// The boolean is false when nothing is stored for product yet.
	LastTimestamp(ctx context.Context, product string) (int64, bool, error)

	// RowCounts returns the number of stored rows per product.
	RowCounts(ctx context.Context) (map[string]int64, error)
}

// Reader provides range and aggregate queries over stored rows.
type Reader interface {
	// Query returns stored rows matching req. An empty result is not an error.
	Query(ctx context.Context, req QueryRequest) ([]models.EnrichedCandle, error)

	// HourlyProfile averages price and volume per product and UTC hour of day.
	HourlyProfile(ctx context.Context) ([]HourlyStat, error)

	// Stats summarizes stored rows per product.
	Stats(ctx context.Context) ([]ProductStats, error)
}

// Manager handles the store lifecycle.
type Manager interface {
	// Initialize creates the schema. It is idempotent and safe on every start.
	Initialize(ctx context.Context) error

	// HealthCheck verifies the backend answers a trivial query.
	HealthCheck(ctx context.Context) error

	// Close releases the backend. Calling it more than once is harmless.
	Close() error
}

// Store combines every storage capability.
type Store interface {
	CandleWriter
	StateReader
	Reader
	Manager
}

// Result ordering for QueryRequest.OrderBy.
const (
	OrderAsc  = "timestamp_asc"
	OrderDesc = "timestamp_desc"
)

// QueryRequest selects stored rows.
type QueryRequest struct {
	// Product restricts results to one product; empty means all products
	Product string

	// Start is the earliest datetime to include (inclusive); zero means unbounded
	Start time.Time

	// End is the latest datetime to include (exclusive); zero means unbounded
	End time.Time

	// Limit caps the number of rows returned; 0 means no limit
	Limit int

	// OrderBy is OrderAsc (default) or OrderDesc; ties break on product
	OrderBy string
}

// Validate checks the request parameters.
func (r QueryRequest) Validate() error {
	if r.Limit < 0 {
		return fmt.Errorf("limit cannot be negative: %d", r.Limit)
	}
	if !r.Start.IsZero() && !r.End.IsZero() && !r.End.After(r.Start) {
		return fmt.Errorf("end time %s must be after start time %s", r.End.Format(time.RFC3339), r.Start.Format(time.RFC3339))
	}
	switch r.OrderBy {
	case "", OrderAsc, OrderDesc:
	default:
		return fmt.Errorf("unsupported order: %s", r.OrderBy)
	}
	return nil
}

// HourlyStat is one product's averages for one UTC hour of day.
type HourlyStat struct {
	Product   string
	Hour      int
	AvgPrice  float64
	AvgVolume float64
	Candles   int64
}

// ProductStats summarizes one product's stored rows.
type ProductStats struct {
	Product       string
	Rows          int64
	First         time.Time
	Last          time.Time
	LastTimestamp int64
}

// dedupeLastWins drops all but the last occurrence of each key while keeping
// the position of that last occurrence relative to the others.
func dedupeLastWins(candles []models.EnrichedCandle) []models.EnrichedCandle {
	last := make(map[models.CandleKey]int, len(candles))
	for i := range candles {
		last[candles[i].Key()] = i
	}
	if len(last) == len(candles) {
		return candles
	}
	out := make([]models.EnrichedCandle, 0, len(last))
	for i := range candles {
		if last[candles[i].Key()] == i {
			out = append(out, candles[i])
		}
	}
	return out
}

// StorageError represents errors that occur during storage operations.
// Provides structured error information for better error handling and debugging.
type StorageError struct {
	// Operation is the storage operation that failed (e.g., "upsert", "query")
	Operation string

	// Table is the database table involved in the operation
	Table string

	// Query is the SQL statement or operation details (may be empty)
	Query string

	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for StorageError.
func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new StorageError with the provided details.
func NewStorageError(operation, table, query string, err error) *StorageError {
	return &StorageError{
		Operation: operation,
		Table:     table,
		Query:     query,
		Err:       err,
	}
}

// NewQueryError creates a StorageError for read operations.
func NewQueryError(table, query string, err error) *StorageError {
	return &StorageError{
		Operation: "query",
		Table:     table,
		Query:     query,
		Err:       err,
	}
}

// NewUpsertError creates a StorageError for write operations.
func NewUpsertError(table string, err error) *StorageError {
	return &StorageError{
		Operation: "upsert",
		Table:     table,
		Err:       err,
	}
}
