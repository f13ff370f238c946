package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-candle-etl/internal/models"
	"github.com/johnayoung/go-candle-etl/internal/storage"
)

func TestReconciler_PlanFetchWindow(t *testing.T) {
	ctx := context.Background()
	start := time.Unix(baseTimestamp, 0).UTC()
	end := start.Add(24 * time.Hour)
	hour := int64(3600)

	tests := []struct {
		name        string
		stored      []int64
		incremental bool
		wantStart   time.Time
		wantSkip    bool
		wantReason  string
	}{
		{"full refresh ignores stored data", []int64{baseTimestamp + 5*hour}, false, start, false, ReasonFullRefresh},
		{"incremental without data", nil, true, start, false, ReasonNoData},
		{"incremental resumes after last", []int64{baseTimestamp, baseTimestamp + 5*hour}, true, start.Add(6 * time.Hour), false, ReasonResume},
		{"last bucket stored", []int64{baseTimestamp + 23*hour}, true, end, true, ReasonUpToDate},
		{"stored beyond window", []int64{baseTimestamp + 30*hour}, true, start.Add(31 * time.Hour), true, ReasonUpToDate},
		{"stored before window resumes after last", []int64{baseTimestamp - 48*hour}, true, start.Add(-47 * time.Hour), false, ReasonResume},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewMemoryStore()
			var candles []models.EnrichedCandle
			for _, ts := range tt.stored {
				candles = append(candles, models.NewEnrichedCandle("BTC-USD", ts, 10, 11, 9, 10.5, 1))
			}
			_, err := store.Upsert(ctx, candles)
			require.NoError(t, err)

			r := NewReconciler(store, time.Hour, createTestLogger())
			window, err := r.PlanFetchWindow(ctx, "BTC-USD", start, end, tt.incremental)
			require.NoError(t, err)

			assert.Equal(t, tt.wantStart, window.Start)
			assert.Equal(t, end, window.End)
			assert.Equal(t, tt.wantSkip, window.Skip)
			assert.Equal(t, tt.wantReason, window.Reason)

			if tt.incremental && len(tt.stored) > 0 {
				last := tt.stored[len(tt.stored)-1]
				assert.Greater(t, window.Start.Unix(), last)
			}
		})
	}
}

func TestReconciler_OtherProductsIgnored(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	_, err := store.Upsert(ctx, []models.EnrichedCandle{
		models.NewEnrichedCandle("ETH-USD", baseTimestamp+3600, 10, 11, 9, 10.5, 1),
	})
	require.NoError(t, err)

	start := time.Unix(baseTimestamp, 0).UTC()
	window, err := NewReconciler(store, time.Hour, nil).PlanFetchWindow(ctx, "BTC-USD", start, start.Add(time.Hour), true)
	require.NoError(t, err)
	assert.Equal(t, start, window.Start)
	assert.Equal(t, ReasonNoData, window.Reason)
}
