package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-candle-etl/internal/models"
)

func TestTransformer_MixedBatch(t *testing.T) {
	tr := NewTransformer(createTestLogger())

	raw := []models.RawCandle{
		models.NewRawCandle(1700000000, 100.0, 105.0, 101.0, 104.0, 50.0),
		models.NewRawCandle(1700003600, -1, 10, 5, 6, 3),
	}

	result := tr.Transform("BTC-USD", raw)

	assert.Equal(t, 1, result.Validated())
	assert.Equal(t, 1, result.Rejected())
	require.Len(t, result.Candles, 1)

	c := result.Candles[0]
	assert.Equal(t, int64(1700000000), c.Timestamp)
	assert.Equal(t, 102.5, c.AvgPrice)
	assert.Equal(t, 3.0, c.PriceChange)
	assert.InDelta(t, 2.970297, c.PriceChangePct, 1e-6)

	require.Len(t, result.Rejections, 1)
	assert.Equal(t, models.RejectNonPositivePrice, result.Rejections[0].Reason)
	assert.Equal(t, 1, result.Rejections[0].Index)
	assert.Equal(t, map[models.RejectionReason]int{models.RejectNonPositivePrice: 1}, result.RejectionsByReason())
}

func TestTransformer_SortsByTimestamp(t *testing.T) {
	tr := NewTransformer(createTestLogger())

	raw := []models.RawCandle{
		models.NewRawCandle(1700007200, 1, 2, 1, 1, 1),
		models.NewRawCandle(1700000000, 1, 2, 1, 1, 1),
		models.NewRawCandle(1700003600, 1, 2, 1, 1, 1),
	}

	result := tr.Transform("ETH-USD", raw)
	require.Len(t, result.Candles, 3)
	assert.Equal(t, int64(1700000000), result.Candles[0].Timestamp)
	assert.Equal(t, int64(1700003600), result.Candles[1].Timestamp)
	assert.Equal(t, int64(1700007200), result.Candles[2].Timestamp)
	assert.Zero(t, result.Duplicates)
}

func TestTransformer_DuplicatesKeepInputOrder(t *testing.T) {
	tr := NewTransformer(createTestLogger())

	raw := []models.RawCandle{
		models.NewRawCandle(1700003600, 1, 2, 1, 1, 1),
		models.NewRawCandle(1700000000, 1, 2, 1, 1, 10),
		models.NewRawCandle(1700000000, 1, 2, 1, 1, 20),
	}

	result := tr.Transform("BTC-USD", raw)
	require.Len(t, result.Candles, 3)
	assert.Equal(t, 1, result.Duplicates)
	assert.Equal(t, 10.0, result.Candles[0].Volume)
	assert.Equal(t, 20.0, result.Candles[1].Volume)
}

func TestTransformer_EmptyAndAllRejected(t *testing.T) {
	tr := NewTransformer(nil)

	result := tr.Transform("BTC-USD", nil)
	assert.Empty(t, result.Candles)
	assert.Zero(t, result.Rejected())

	result = NewTransformer(createTestLogger()).Transform("BTC-USD", []models.RawCandle{
		models.NewRawCandle(1700000000, 2, 1, 1, 1, 1),
		rawRow("1700003600"),
	})
	assert.Empty(t, result.Candles)
	assert.Equal(t, 2, result.Rejected())
	assert.Equal(t, models.RejectInvertedRange, result.Rejections[0].Reason)
	assert.Equal(t, models.RejectMalformedRecord, result.Rejections[1].Reason)
}
