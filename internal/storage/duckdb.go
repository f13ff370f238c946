package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/johnayoung/go-candle-etl/internal/models"
)

const candlesTable = "candles"

const candleColumns = "product, timestamp, datetime, open, high, low, close, volume, avg_price, price_change, price_change_pct"

// upsertCandleSQL replaces every column of an existing row. datetime is
// derived from timestamp, so it is equal on conflict and stays out of the
// SET list, which keeps the (product, datetime) index untouched.
const upsertCandleSQL = `
	INSERT INTO candles (` + candleColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (product, timestamp) DO UPDATE SET
		open = excluded.open,
		high = excluded.high,
		low = excluded.low,
		close = excluded.close,
		volume = excluded.volume,
		avg_price = excluded.avg_price,
		price_change = excluded.price_change,
		price_change_pct = excluded.price_change_pct`

// DuckDBStore implements Store on an embedded DuckDB database.
// The connection pool holds a single connection; DuckDB allows one writer.
type DuckDBStore struct {
	db          *sql.DB
	dbPath      string
	logger      *slog.Logger
	mu          sync.RWMutex
	memoryLimit string
	threads     int
}

// DuckDBOption tunes a DuckDBStore.
type DuckDBOption func(*DuckDBStore)

// WithMemoryLimit sets DuckDB's memory_limit, e.g. "1GB".
func WithMemoryLimit(limit string) DuckDBOption {
	return func(d *DuckDBStore) { d.memoryLimit = limit }
}

// WithThreads sets DuckDB's worker thread count.
func WithThreads(n int) DuckDBOption {
	return func(d *DuckDBStore) { d.threads = n }
}

// NewDuckDBStore opens the database at dbPath. Use ":memory:" for a
// throwaway database. Call Initialize before reading or writing.
func NewDuckDBStore(dbPath string, logger *slog.Logger, opts ...DuckDBOption) (*DuckDBStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &DuckDBStore{
		db:     db,
		dbPath: dbPath,
		logger: logger.With("component", "duckdb_store"),
	}
	for _, opt := range opts {
		opt(store)
	}
	return store, nil
}

func (d *DuckDBStore) conn() (*sql.DB, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return nil, errors.New("database connection is closed")
	}
	return d.db, nil
}

// Initialize applies session settings and schema migrations.
func (d *DuckDBStore) Initialize(ctx context.Context) error {
	db, err := d.conn()
	if err != nil {
		return NewStorageError("initialize", "", "", err)
	}

	d.logger.Info("initializing DuckDB storage", "db_path", d.dbPath)

	settings := []string{"SET enable_progress_bar = false"}
	if d.memoryLimit != "" {
		settings = append(settings, fmt.Sprintf("SET memory_limit = '%s'", strings.ReplaceAll(d.memoryLimit, "'", "")))
	}
	if d.threads > 0 {
		settings = append(settings, fmt.Sprintf("SET threads = %d", d.threads))
	}
	for _, setting := range settings {
		if _, err := db.ExecContext(ctx, setting); err != nil {
			d.logger.Warn("failed to apply setting", "setting", setting, "error", err)
		}
	}

	if err := NewMigrationManager(db, d.logger).MigrateToLatest(ctx); err != nil {
		return NewStorageError("initialize", candlesTable, "", err)
	}
	return nil
}

// Upsert writes candles in one transaction. Duplicate keys inside the batch
// collapse to their last occurrence before writing.
func (d *DuckDBStore) Upsert(ctx context.Context, candles []models.EnrichedCandle) (int64, error) {
	if len(candles) == 0 {
		return 0, nil
	}

	start := time.Now()

	for i := range candles {
		if err := candles[i].Validate(); err != nil {
			return 0, NewUpsertError(candlesTable, fmt.Errorf("invalid candle at index %d: %w", i, err))
		}
	}
	rows := dedupeLastWins(candles)

	db, err := d.conn()
	if err != nil {
		return 0, NewUpsertError(candlesTable, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, NewUpsertError(candlesTable, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertCandleSQL)
	if err != nil {
		return 0, NewStorageError("upsert", candlesTable, upsertCandleSQL, fmt.Errorf("failed to prepare statement: %w", err))
	}
	defer stmt.Close()

	var affected int64
	for i := range rows {
		c := &rows[i]
		res, err := stmt.ExecContext(ctx,
			c.Product,
			c.Timestamp,
			c.Datetime.UTC(),
			c.Open,
			c.High,
			c.Low,
			c.Close,
			c.Volume,
			c.AvgPrice,
			c.PriceChange,
			c.PriceChangePct,
		)
		if err != nil {
			return 0, NewStorageError("upsert", candlesTable, upsertCandleSQL, fmt.Errorf("failed to write %s: %w", c.String(), err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			n = 1
		}
		affected += n
	}

	if err := tx.Commit(); err != nil {
		return 0, NewUpsertError(candlesTable, fmt.Errorf("failed to commit: %w", err))
	}

	d.logger.Debug("upserted candles",
		"rows", len(rows),
		"collapsed", len(candles)-len(rows),
		"duration", time.Since(start))

	return affected, nil
}

// LastTimestamp runs a single MAX aggregate over the product's rows.
func (d *DuckDBStore) LastTimestamp(ctx context.Context, product string) (int64, bool, error) {
	const query = "SELECT MAX(timestamp) FROM candles WHERE product = $1"

	db, err := d.conn()
	if err != nil {
		return 0, false, NewQueryError(candlesTable, query, err)
	}

	var last sql.NullInt64
	if err := db.QueryRowContext(ctx, query, product).Scan(&last); err != nil {
		return 0, false, NewQueryError(candlesTable, query, err)
	}
	if !last.Valid {
		return 0, false, nil
	}
	return last.Int64, true, nil
}

// RowCounts returns stored rows per product.
func (d *DuckDBStore) RowCounts(ctx context.Context) (map[string]int64, error) {
	const query = "SELECT product, COUNT(*) FROM candles GROUP BY product"

	db, err := d.conn()
	if err != nil {
		return nil, NewQueryError(candlesTable, query, err)
	}

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, NewQueryError(candlesTable, query, err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var product string
		var count int64
		if err := rows.Scan(&product, &count); err != nil {
			return nil, NewQueryError(candlesTable, query, fmt.Errorf("failed to scan row: %w", err))
		}
		counts[product] = count
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError(candlesTable, query, fmt.Errorf("row iteration error: %w", err))
	}
	return counts, nil
}

// Query returns rows filtered by product and datetime range.
func (d *DuckDBStore) Query(ctx context.Context, req QueryRequest) ([]models.EnrichedCandle, error) {
	if err := req.Validate(); err != nil {
		return nil, NewQueryError(candlesTable, "", err)
	}

	query, args := buildQuery(req)

	db, err := d.conn()
	if err != nil {
		return nil, NewQueryError(candlesTable, query, err)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, NewQueryError(candlesTable, query, fmt.Errorf("failed to execute query: %w", err))
	}
	defer rows.Close()

	candles := make([]models.EnrichedCandle, 0)
	for rows.Next() {
		var c models.EnrichedCandle
		if err := rows.Scan(
			&c.Product,
			&c.Timestamp,
			&c.Datetime,
			&c.Open,
			&c.High,
			&c.Low,
			&c.Close,
			&c.Volume,
			&c.AvgPrice,
			&c.PriceChange,
			&c.PriceChangePct,
		); err != nil {
			return nil, NewQueryError(candlesTable, query, fmt.Errorf("failed to scan row: %w", err))
		}
		c.Datetime = c.Datetime.UTC()
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError(candlesTable, query, fmt.Errorf("row iteration error: %w", err))
	}
	return candles, nil
}

func buildQuery(req QueryRequest) (string, []any) {
	var conditions []string
	var args []any

	if req.Product != "" {
		args = append(args, req.Product)
		conditions = append(conditions, fmt.Sprintf("product = $%d", len(args)))
	}
	if !req.Start.IsZero() {
		args = append(args, req.Start.UTC())
		conditions = append(conditions, fmt.Sprintf("datetime >= $%d", len(args)))
	}
	if !req.End.IsZero() {
		args = append(args, req.End.UTC())
		conditions = append(conditions, fmt.Sprintf("datetime < $%d", len(args)))
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(candleColumns)
	b.WriteString(" FROM candles")
	if len(conditions) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conditions, " AND "))
	}
	if req.OrderBy == OrderDesc {
		b.WriteString(" ORDER BY timestamp DESC, product")
	} else {
		b.WriteString(" ORDER BY timestamp ASC, product")
	}
	if req.Limit > 0 {
		b.WriteString(fmt.Sprintf(" LIMIT %d", req.Limit))
	}
	return b.String(), args
}

// HourlyProfile aggregates average price and volume by UTC hour of day.
func (d *DuckDBStore) HourlyProfile(ctx context.Context) ([]HourlyStat, error) {
	const query = `
		SELECT product,
			CAST(hour(datetime) AS INTEGER) AS hour_of_day,
			AVG(avg_price),
			AVG(volume),
			COUNT(*)
		FROM candles
		GROUP BY product, hour_of_day
		ORDER BY product, hour_of_day`

	db, err := d.conn()
	if err != nil {
		return nil, NewQueryError(candlesTable, query, err)
	}

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, NewQueryError(candlesTable, query, err)
	}
	defer rows.Close()

	var stats []HourlyStat
	for rows.Next() {
		var s HourlyStat
		var hour int32
		if err := rows.Scan(&s.Product, &hour, &s.AvgPrice, &s.AvgVolume, &s.Candles); err != nil {
			return nil, NewQueryError(candlesTable, query, fmt.Errorf("failed to scan row: %w", err))
		}
		s.Hour = int(hour)
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError(candlesTable, query, fmt.Errorf("row iteration error: %w", err))
	}
	return stats, nil
}

// Stats summarizes stored rows per product.
func (d *DuckDBStore) Stats(ctx context.Context) ([]ProductStats, error) {
	const query = `
		SELECT product, COUNT(*), MIN(datetime), MAX(datetime), MAX(timestamp)
		FROM candles
		GROUP BY product
		ORDER BY product`

	db, err := d.conn()
	if err != nil {
		return nil, NewQueryError(candlesTable, query, err)
	}

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, NewQueryError(candlesTable, query, err)
	}
	defer rows.Close()

	var stats []ProductStats
	for rows.Next() {
		var s ProductStats
		if err := rows.Scan(&s.Product, &s.Rows, &s.First, &s.Last, &s.LastTimestamp); err != nil {
			return nil, NewQueryError(candlesTable, query, fmt.Errorf("failed to scan row: %w", err))
		}
		s.First, s.Last = s.First.UTC(), s.Last.UTC()
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError(candlesTable, query, fmt.Errorf("row iteration error: %w", err))
	}
	return stats, nil
}

// HealthCheck verifies the database answers SELECT 1.
func (d *DuckDBStore) HealthCheck(ctx context.Context) error {
	db, err := d.conn()
	if err != nil {
		return NewStorageError("health_check", "", "", fmt.Errorf("database health check failed: %w", err))
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return NewStorageError("health_check", "", "SELECT 1", fmt.Errorf("database health check failed: %w", err))
	}
	if result != 1 {
		return NewStorageError("health_check", "", "SELECT 1", fmt.Errorf("unexpected health check result: %d", result))
	}
	return nil
}

// Close releases the database. Later calls are no-ops.
func (d *DuckDBStore) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return nil
	}

	err := d.db.Close()
	d.db = nil
	if err != nil {
		return NewStorageError("close", "", "", err)
	}
	d.logger.Debug("DuckDB storage closed", "db_path", d.dbPath)
	return nil
}

// Compile-time interface compliance check
var _ Store = (*DuckDBStore)(nil)
