package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-candle-etl/internal/config"
	etlerrors "github.com/johnayoung/go-candle-etl/internal/errors"
	"github.com/johnayoung/go-candle-etl/internal/logger"
	"github.com/johnayoung/go-candle-etl/internal/models"
	"github.com/johnayoung/go-candle-etl/internal/storage"
)

const baseTimestamp = int64(1700000000)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fetchCall struct {
	product    string
	start, end time.Time
}

// scriptedFetcher serves canned rows per product, limited to the requested
// window. Rows whose timestamp does not parse are always returned.
type scriptedFetcher struct {
	rows  map[string][]models.RawCandle
	errs  map[string]error
	calls []fetchCall
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{
		rows: make(map[string][]models.RawCandle),
		errs: make(map[string]error),
	}
}

func (f *scriptedFetcher) FetchCandles(ctx context.Context, product string, start, end time.Time, granularity time.Duration) ([]models.RawCandle, error) {
	f.calls = append(f.calls, fetchCall{product: product, start: start, end: end})
	if err := f.errs[product]; err != nil {
		return nil, err
	}
	var out []models.RawCandle
	for _, row := range f.rows[product] {
		ts, err := row.Field(models.FieldTimestamp).Int64()
		if err != nil || (ts >= start.Unix() && ts <= end.Unix()) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *scriptedFetcher) callsFor(product string) int {
	n := 0
	for _, c := range f.calls {
		if c.product == product {
			n++
		}
	}
	return n
}

func hourlyRows(start int64, n int) []models.RawCandle {
	rows := make([]models.RawCandle, n)
	for i := 0; i < n; i++ {
		rows[i] = models.NewRawCandle(start+int64(i)*3600, 100, 110, 102, 108, 5)
	}
	// Exchange order is newest first.
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows
}

type faultyStore struct {
	*storage.MemoryStore
	lastErr   error
	upsertErr error
	countErr  error
}

func (s *faultyStore) LastTimestamp(ctx context.Context, product string) (int64, bool, error) {
	if s.lastErr != nil {
		return 0, false, s.lastErr
	}
	return s.MemoryStore.LastTimestamp(ctx, product)
}

func (s *faultyStore) Upsert(ctx context.Context, candles []models.EnrichedCandle) (int64, error) {
	if s.upsertErr != nil {
		return 0, s.upsertErr
	}
	return s.MemoryStore.Upsert(ctx, candles)
}

func (s *faultyStore) RowCounts(ctx context.Context) (map[string]int64, error) {
	if s.countErr != nil {
		return nil, s.countErr
	}
	return s.MemoryStore.RowCounts(ctx)
}

type recordingMetrics struct {
	products map[string]Counts
	runs     int
	lastErr  error
}

func (m *recordingMetrics) RecordProduct(product string, fetched, validated, rejected, upserted int64, rejections map[models.RejectionReason]int) {
	if m.products == nil {
		m.products = make(map[string]Counts)
	}
	m.products[product] = Counts{Fetched: fetched, Validated: validated, Rejected: rejected, Upserted: upserted}
}

func (m *recordingMetrics) RecordRun(duration time.Duration, err error) {
	m.runs++
	m.lastErr = err
}

func testConfig(products ...string) Config {
	start := time.Unix(baseTimestamp, 0).UTC()
	return Config{
		Products:    products,
		Start:       start,
		End:         start.Add(24 * time.Hour),
		Granularity: time.Hour,
		Incremental: true,
	}
}

func TestRunner_EndToEndScenario(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	fetcher := newScriptedFetcher()
	fetcher.rows["BTC-USD"] = []models.RawCandle{
		models.NewRawCandle(1700000000, 100.0, 105.0, 101.0, 104.0, 50.0),
		models.NewRawCandle(1700003600, -1, 10, 5, 6, 3),
	}

	cfg := testConfig("BTC-USD")
	runner := NewRunner(cfg, fetcher, store, createTestLogger())

	summary, err := runner.Run(ctx, cfg.Products, cfg.Start, cfg.Start.Add(2*time.Hour), false)
	require.NoError(t, err)

	assert.Equal(t, Counts{Fetched: 2, Validated: 1, Rejected: 1, Upserted: 1}, summary.Totals)
	ps := summary.Product("BTC-USD")
	require.NotNil(t, ps)
	assert.Equal(t, 1, ps.Rejections[models.RejectNonPositivePrice])
	assert.Equal(t, ReasonFullRefresh, ps.Window.Reason)
	assert.Equal(t, map[string]int64{"BTC-USD": 1}, summary.RowCounts)
	assert.NotEmpty(t, summary.RunID)
	assert.False(t, summary.FinishedAt.Before(summary.StartedAt))

	rows, err := store.Query(ctx, storage.QueryRequest{Product: "BTC-USD"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1700000000), rows[0].Timestamp)
	assert.InDelta(t, 102.5, rows[0].AvgPrice, 1e-9)
	assert.InDelta(t, 3.0, rows[0].PriceChange, 1e-9)
	assert.InDelta(t, 2.970297, rows[0].PriceChangePct, 1e-6)
}

func TestRunner_SecondIncrementalRunUpsertsNothing(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name          string
		end           time.Duration
		wantSecondHit int
	}{
		{"window fully loaded", 24 * time.Hour, 0},
		{"window still open upstream", 48 * time.Hour, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewMemoryStore()
			fetcher := newScriptedFetcher()
			fetcher.rows["BTC-USD"] = hourlyRows(baseTimestamp, 24)
			fetcher.rows["ETH-USD"] = hourlyRows(baseTimestamp, 24)

			cfg := testConfig("BTC-USD", "ETH-USD")
			cfg.End = cfg.Start.Add(tt.end)
			runner := NewRunner(cfg, fetcher, store, createTestLogger())

			first, err := runner.RunConfigured(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(48), first.Totals.Upserted)
			assert.Equal(t, map[string]int64{"BTC-USD": 24, "ETH-USD": 24}, first.RowCounts)

			second, err := runner.RunConfigured(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(0), second.Totals.Upserted)
			for _, ps := range second.Products {
				assert.Equal(t, int64(0), ps.Counts.Upserted, ps.Product)
				assert.Equal(t, int64(0), ps.Counts.Fetched, ps.Product)
				assert.Equal(t, baseTimestamp+23*3600, ps.Window.LastTimestamp)
			}
			assert.Equal(t, first.RowCounts, second.RowCounts)
			assert.Equal(t, 1+tt.wantSecondHit, fetcher.callsFor("BTC-USD"))
			assert.Equal(t, 1+tt.wantSecondHit, fetcher.callsFor("ETH-USD"))
		})
	}
}

func TestRunner_IncrementalFetchesOnlyTheTail(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	fetcher := newScriptedFetcher()
	fetcher.rows["BTC-USD"] = hourlyRows(baseTimestamp, 10)

	cfg := testConfig("BTC-USD")
	runner := NewRunner(cfg, fetcher, store, createTestLogger())
	_, err := runner.RunConfigured(ctx)
	require.NoError(t, err)

	fetcher.rows["BTC-USD"] = hourlyRows(baseTimestamp, 12)
	summary, err := runner.RunConfigured(ctx)
	require.NoError(t, err)

	require.Len(t, fetcher.calls, 2)
	assert.Equal(t, time.Unix(baseTimestamp+10*3600, 0).UTC(), fetcher.calls[1].start)
	assert.Equal(t, int64(2), summary.Totals.Fetched)
	assert.Equal(t, int64(2), summary.Totals.Upserted)
	assert.Equal(t, int64(12), summary.RowCounts["BTC-USD"])
}

func TestRunner_IncrementalResumesBeforeConfiguredStart(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	fetcher := newScriptedFetcher()

	older := baseTimestamp - 48*3600
	fetcher.rows["BTC-USD"] = hourlyRows(older, 2)
	cfg := testConfig("BTC-USD")
	runner := NewRunner(cfg, fetcher, store, createTestLogger())
	_, err := runner.Run(ctx, cfg.Products, time.Unix(older, 0).UTC(), cfg.Start, false)
	require.NoError(t, err)

	fetcher.rows["BTC-USD"] = hourlyRows(older, 72)
	summary, err := runner.RunConfigured(ctx)
	require.NoError(t, err)

	require.Len(t, fetcher.calls, 2)
	assert.Equal(t, time.Unix(older+2*3600, 0).UTC(), fetcher.calls[1].start)
	assert.Equal(t, cfg.End, fetcher.calls[1].end)
	ps := summary.Product("BTC-USD")
	require.NotNil(t, ps)
	assert.Equal(t, ReasonResume, ps.Window.Reason)
	assert.Equal(t, int64(70), ps.Counts.Upserted)
	assert.Equal(t, int64(72), summary.RowCounts["BTC-USD"])
}

func TestRunner_FullRefreshRewritesWindow(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	fetcher := newScriptedFetcher()
	fetcher.rows["BTC-USD"] = hourlyRows(baseTimestamp, 5)

	cfg := testConfig("BTC-USD")
	runner := NewRunner(cfg, fetcher, store, createTestLogger())
	for i := 0; i < 2; i++ {
		summary, err := runner.Run(ctx, cfg.Products, cfg.Start, cfg.End, false)
		require.NoError(t, err)
		assert.Equal(t, int64(5), summary.Totals.Upserted)
		assert.Equal(t, int64(5), summary.RowCounts["BTC-USD"])
	}
	require.Len(t, fetcher.calls, 2)
	assert.Equal(t, cfg.Start, fetcher.calls[1].start)
}

func TestRunner_ConfigurationErrors(t *testing.T) {
	start := time.Unix(baseTimestamp, 0).UTC()

	tests := []struct {
		name     string
		products []string
		start    time.Time
		end      time.Time
	}{
		{"no products", nil, start, start.Add(time.Hour)},
		{"invalid product", []string{"btc-usd"}, start, start.Add(time.Hour)},
		{"duplicate product", []string{"BTC-USD", "BTC-USD"}, start, start.Add(time.Hour)},
		{"start equals end", []string{"BTC-USD"}, start, start},
		{"start after end", []string{"BTC-USD"}, start.Add(time.Hour), start},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := newScriptedFetcher()
			metrics := &recordingMetrics{}
			runner := NewRunner(testConfig("BTC-USD"), fetcher, storage.NewMemoryStore(), createTestLogger(), WithMetrics(metrics))

			_, err := runner.Run(context.Background(), tt.products, tt.start, tt.end, true)
			require.Error(t, err)
			assert.True(t, errors.Is(err, etlerrors.ErrConfiguration))
			assert.Empty(t, fetcher.calls)
			assert.Equal(t, 1, metrics.runs)
			assert.Error(t, metrics.lastErr)
		})
	}
}

func TestRunner_FetchFailureAbortsRun(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	fetcher := newScriptedFetcher()
	fetcher.rows["BTC-USD"] = hourlyRows(baseTimestamp, 3)
	fetcher.errs["ETH-USD"] = &etlerrors.StatusError{StatusCode: 503, URL: "/products/ETH-USD/candles"}
	fetcher.rows["SOL-USD"] = hourlyRows(baseTimestamp, 3)

	cfg := testConfig("BTC-USD", "ETH-USD", "SOL-USD")
	runner := NewRunner(cfg, fetcher, store, createTestLogger())

	summary, err := runner.RunConfigured(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, etlerrors.ErrFetch))

	var ce *etlerrors.ClassifiedError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "ETH-USD", ce.Product)
	assert.Equal(t, etlerrors.StageFetch, ce.Stage)

	var statusErr *etlerrors.StatusError
	assert.True(t, errors.As(err, &statusErr))

	assert.Equal(t, 0, fetcher.callsFor("SOL-USD"))
	require.Len(t, summary.Products, 1)
	assert.Equal(t, "BTC-USD", summary.Products[0].Product)

	counts, err := store.RowCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"BTC-USD": 3}, counts)
}

func TestRunner_StorageFailures(t *testing.T) {
	boom := errors.New("disk full")

	tests := []struct {
		name      string
		store     *faultyStore
		wantStage string
		product   string
	}{
		{"last timestamp", &faultyStore{MemoryStore: storage.NewMemoryStore(), lastErr: boom}, etlerrors.StagePlan, "BTC-USD"},
		{"upsert", &faultyStore{MemoryStore: storage.NewMemoryStore(), upsertErr: boom}, etlerrors.StageLoad, "BTC-USD"},
		{"row counts", &faultyStore{MemoryStore: storage.NewMemoryStore(), countErr: boom}, etlerrors.StageReport, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := newScriptedFetcher()
			fetcher.rows["BTC-USD"] = hourlyRows(baseTimestamp, 2)
			runner := NewRunner(testConfig("BTC-USD"), fetcher, tt.store, createTestLogger())

			_, err := runner.RunConfigured(context.Background())
			require.Error(t, err)
			assert.True(t, errors.Is(err, etlerrors.ErrStorage))
			assert.ErrorIs(t, err, boom)

			var ce *etlerrors.ClassifiedError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, tt.wantStage, ce.Stage)
			assert.Equal(t, tt.product, ce.Product)
		})
	}
}

func TestRunner_RecordsMetrics(t *testing.T) {
	fetcher := newScriptedFetcher()
	fetcher.rows["BTC-USD"] = append(hourlyRows(baseTimestamp, 3), models.NewRawCandle(baseTimestamp+7200, 10, 5, 6, 7, 1))
	metrics := &recordingMetrics{}

	runner := NewRunner(testConfig("BTC-USD"), fetcher, storage.NewMemoryStore(), createTestLogger(), WithMetrics(metrics))
	_, err := runner.RunConfigured(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Counts{Fetched: 4, Validated: 3, Rejected: 1, Upserted: 3}, metrics.products["BTC-USD"])
	assert.Equal(t, 1, metrics.runs)
	assert.NoError(t, metrics.lastErr)
}

func TestRunner_KeepsRunIDFromContext(t *testing.T) {
	ctx := logger.WithRunID(context.Background(), "fixed-run")
	runner := NewRunner(testConfig("BTC-USD"), newScriptedFetcher(), storage.NewMemoryStore(), createTestLogger())

	summary, err := runner.RunConfigured(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fixed-run", summary.RunID)
	assert.Equal(t, map[string]int64{}, summary.RowCounts)
}

func TestConfigFromPipeline(t *testing.T) {
	cfg, err := ConfigFromPipeline(config.DefaultConfig().Pipeline)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, []string{"BTC-USD", "ETH-USD"}, cfg.Products)
	assert.Equal(t, time.Date(2025, 11, 17, 0, 0, 0, 0, time.UTC), cfg.Start)
	assert.Equal(t, time.Date(2025, 11, 24, 23, 59, 59, 0, time.UTC), cfg.End)
	assert.Equal(t, time.Hour, cfg.Granularity)
	assert.True(t, cfg.Incremental)

	bad := config.DefaultConfig().Pipeline
	bad.Start, bad.End = bad.End, bad.Start
	_, err = ConfigFromPipeline(bad)
	assert.Error(t, err)
}
