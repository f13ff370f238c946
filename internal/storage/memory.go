package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/johnayoung/go-candle-etl/internal/models"
)

// MemoryStore implements Store in process memory. It follows the same
// upsert and query semantics as DuckDBStore and backs tests and dry runs.
type MemoryStore struct {
	mu      sync.RWMutex
	candles map[models.CandleKey]models.EnrichedCandle
	closed  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		candles: make(map[models.CandleKey]models.EnrichedCandle),
	}
}

// Initialize is a no-op apart from rejecting a closed store.
func (m *MemoryStore) Initialize(ctx context.Context) error {
	if err := m.check(ctx); err != nil {
		return NewStorageError("initialize", candlesTable, "", err)
	}
	return nil
}

func (m *MemoryStore) check(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if m.closed {
		return errors.New("storage is closed")
	}
	return nil
}

// Upsert stores copies of candles, replacing rows with the same key.
func (m *MemoryStore) Upsert(ctx context.Context, candles []models.EnrichedCandle) (int64, error) {
	if len(candles) == 0 {
		return 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx); err != nil {
		return 0, NewUpsertError(candlesTable, err)
	}

	for i := range candles {
		if err := candles[i].Validate(); err != nil {
			return 0, NewUpsertError(candlesTable, fmt.Errorf("invalid candle at index %d: %w", i, err))
		}
	}

	rows := dedupeLastWins(candles)
	for _, c := range rows {
		m.candles[c.Key()] = c
	}
	return int64(len(rows)), nil
}

// LastTimestamp returns the largest stored timestamp for product.
func (m *MemoryStore) LastTimestamp(ctx context.Context, product string) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check(ctx); err != nil {
		return 0, false, NewQueryError(candlesTable, "", err)
	}

	var last int64
	found := false
	for key := range m.candles {
		if key.Product == product && (!found || key.Timestamp > last) {
			last, found = key.Timestamp, true
		}
	}
	return last, found, nil
}

// RowCounts returns stored rows per product.
func (m *MemoryStore) RowCounts(ctx context.Context) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check(ctx); err != nil {
		return nil, NewQueryError(candlesTable, "", err)
	}

	counts := make(map[string]int64)
	for key := range m.candles {
		counts[key.Product]++
	}
	return counts, nil
}

// Query returns rows filtered and ordered like DuckDBStore.Query.
func (m *MemoryStore) Query(ctx context.Context, req QueryRequest) ([]models.EnrichedCandle, error) {
	if err := req.Validate(); err != nil {
		return nil, NewQueryError(candlesTable, "", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check(ctx); err != nil {
		return nil, NewQueryError(candlesTable, "", err)
	}

	result := make([]models.EnrichedCandle, 0)
	for _, c := range m.candles {
		if req.Product != "" && c.Product != req.Product {
			continue
		}
		if !req.Start.IsZero() && c.Datetime.Before(req.Start) {
			continue
		}
		if !req.End.IsZero() && !c.Datetime.Before(req.End) {
			continue
		}
		result = append(result, c)
	}

	desc := req.OrderBy == OrderDesc
	sort.Slice(result, func(i, j int) bool {
		if result[i].Timestamp != result[j].Timestamp {
			if desc {
				return result[i].Timestamp > result[j].Timestamp
			}
			return result[i].Timestamp < result[j].Timestamp
		}
		return result[i].Product < result[j].Product
	})

	if req.Limit > 0 && len(result) > req.Limit {
		result = result[:req.Limit]
	}
	return result, nil
}

// HourlyProfile aggregates average price and volume by UTC hour of day.
func (m *MemoryStore) HourlyProfile(ctx context.Context) ([]HourlyStat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check(ctx); err != nil {
		return nil, NewQueryError(candlesTable, "", err)
	}

	type bucket struct {
		product string
		hour    int
	}
	sums := make(map[bucket]*HourlyStat)
	for _, c := range m.candles {
		b := bucket{c.Product, c.Datetime.UTC().Hour()}
		s, ok := sums[b]
		if !ok {
			s = &HourlyStat{Product: b.product, Hour: b.hour}
			sums[b] = s
		}
		s.AvgPrice += c.AvgPrice
		s.AvgVolume += c.Volume
		s.Candles++
	}

	stats := make([]HourlyStat, 0, len(sums))
	for _, s := range sums {
		s.AvgPrice /= float64(s.Candles)
		s.AvgVolume /= float64(s.Candles)
		stats = append(stats, *s)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Product != stats[j].Product {
			return stats[i].Product < stats[j].Product
		}
		return stats[i].Hour < stats[j].Hour
	})
	return stats, nil
}

// Stats summarizes stored rows per product.
func (m *MemoryStore) Stats(ctx context.Context) ([]ProductStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check(ctx); err != nil {
		return nil, NewQueryError(candlesTable, "", err)
	}

	byProduct := make(map[string]*ProductStats)
	for _, c := range m.candles {
		s, ok := byProduct[c.Product]
		if !ok {
			s = &ProductStats{Product: c.Product, First: c.Datetime, Last: c.Datetime, LastTimestamp: c.Timestamp}
			byProduct[c.Product] = s
		}
		s.Rows++
		if c.Datetime.Before(s.First) {
			s.First = c.Datetime
		}
		if c.Datetime.After(s.Last) {
			s.Last = c.Datetime
			s.LastTimestamp = c.Timestamp
		}
	}

	stats := make([]ProductStats, 0, len(byProduct))
	for _, s := range byProduct {
		stats = append(stats, *s)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Product < stats[j].Product })
	return stats, nil
}

// HealthCheck fails once the store is closed.
func (m *MemoryStore) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return NewStorageError("health_check", "", "", err)
	}
	return nil
}

// Close marks the store closed and drops its rows.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.candles = make(map[models.CandleKey]models.EnrichedCandle)
	return nil
}

// Compile-time interface compliance check
var _ Store = (*MemoryStore)(nil)
