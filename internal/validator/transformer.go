package validator

import (
	"log/slog"
	"sort"

	"github.com/johnayoung/go-candle-etl/internal/models"
)

// TransformResult is the output of one batch transformation.
type TransformResult struct {
	// Candles holds the accepted candles sorted ascending by timestamp.
	// Rows sharing a timestamp keep their input order.
	Candles []models.EnrichedCandle

	// Rejections lists every refused row in input order.
	Rejections []models.Rejection

	// Duplicates counts accepted rows whose timestamp repeats an earlier one.
	Duplicates int
}

// Validated returns the number of accepted rows.
func (r *TransformResult) Validated() int {
	return len(r.Candles)
}

// Rejected returns the number of refused rows.
func (r *TransformResult) Rejected() int {
	return len(r.Rejections)
}

// RejectionsByReason tallies the refused rows per reason.
func (r *TransformResult) RejectionsByReason() map[models.RejectionReason]int {
	counts := make(map[models.RejectionReason]int)
	for _, rej := range r.Rejections {
		counts[rej.Reason]++
	}
	return counts
}

// Transformer validates and orders batches of raw candles.
type Transformer struct {
	logger *slog.Logger
}

// NewTransformer creates a Transformer that logs through logger.
func NewTransformer(logger *slog.Logger) *Transformer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transformer{logger: logger.With("component", "transformer")}
}

// Transform validates every raw row for product. Rejected rows are logged and
// counted but never stop the batch. Duplicate timestamps among accepted rows
// are logged as errors and left in place; the store keeps the later one.
func (t *Transformer) Transform(product string, raw []models.RawCandle) *TransformResult {
	result := &TransformResult{
		Candles: make([]models.EnrichedCandle, 0, len(raw)),
	}

	for i, row := range raw {
		outcome := Validate(product, row)
		if !outcome.Accepted() {
			result.Rejections = append(result.Rejections, models.Rejection{
				Product: product,
				Index:   i,
				Raw:     row,
				Reason:  outcome.Reason,
				Detail:  outcome.Detail,
			})
			t.logger.Warn("rejected raw candle",
				"product", product,
				"index", i,
				"timestamp", string(row.Field(models.FieldTimestamp)),
				"reason", outcome.Reason.String(),
				"detail", outcome.Detail)
			continue
		}
		result.Candles = append(result.Candles, outcome.Candle)
	}

	sort.SliceStable(result.Candles, func(i, j int) bool {
		return result.Candles[i].Timestamp < result.Candles[j].Timestamp
	})

	for i := 1; i < len(result.Candles); i++ {
		if result.Candles[i].Timestamp == result.Candles[i-1].Timestamp {
			result.Duplicates++
			t.logger.Error("duplicate candle key in batch",
				"product", product,
				"timestamp", result.Candles[i].Timestamp)
		}
	}

	t.logger.Debug("transformed batch",
		"product", product,
		"raw", len(raw),
		"validated", result.Validated(),
		"rejected", result.Rejected(),
		"duplicates", result.Duplicates)

	return result
}
