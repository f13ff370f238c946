// Package validator turns untrusted exchange rows into enriched candles.
//
// Validate decides accept or reject for a single row and never returns an
// error: a rejection is an expected outcome carried as a value. Transformer
// applies Validate to a whole batch for one product, counts and logs the
// rejects, and returns the accepted candles in timestamp order.
package validator

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/johnayoung/go-candle-etl/internal/models"
)

// maxUnixSeconds is the last second of year 9999, the largest instant the
// store's TIMESTAMP column and RFC3339 formatting both handle.
const maxUnixSeconds int64 = 253402300799

// Outcome is the result of validating one raw row: either an accepted
// candle (Reason is empty) or a rejection reason with detail.
type Outcome struct {
	Candle models.EnrichedCandle
	Reason models.RejectionReason
	Detail string
}

// Accepted reports whether the row passed every rule.
func (o Outcome) Accepted() bool {
	return o.Reason == models.RejectNone
}

func reject(reason models.RejectionReason, format string, args ...any) Outcome {
	return Outcome{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Validate checks a raw row for product against the rules below, in order,
// stopping at the first failure:
//
//  1. the row has six fields (MalformedRecord)
//  2. timestamp is a positive integer that maps to a valid instant (InvalidTimestamp)
//  3. open, high, low and close are finite and > 0 (NonPositivePrice)
//  4. volume is finite and >= 0 (NegativeVolume)
//  5. high >= low (InvertedRange)
//
// Accepted rows get their derived fields computed without rounding.
func Validate(product string, raw models.RawCandle) Outcome {
	if len(raw.Fields) != models.RawCandleArity {
		return reject(models.RejectMalformedRecord, "expected %d fields, got %d", models.RawCandleArity, len(raw.Fields))
	}

	ts, err := parseTimestamp(raw.Field(models.FieldTimestamp))
	if err != nil {
		return reject(models.RejectInvalidTimestamp, "%v", err)
	}

	prices := [4]float64{}
	for i, field := range []int{models.FieldOpen, models.FieldHigh, models.FieldLow, models.FieldClose} {
		v, ok := parseFinite(raw.Field(field))
		if !ok || v <= 0 {
			return reject(models.RejectNonPositivePrice, "%s price %q must be a finite number greater than 0",
				fieldName(field), raw.Field(field))
		}
		prices[i] = v
	}
	open, high, low, close := prices[0], prices[1], prices[2], prices[3]

	volume, ok := parseFinite(raw.Field(models.FieldVolume))
	if !ok || volume < 0 {
		return reject(models.RejectNegativeVolume, "volume %q must be a finite number >= 0", raw.Field(models.FieldVolume))
	}

	if high < low {
		return reject(models.RejectInvertedRange, "high %g is below low %g", high, low)
	}

	return Outcome{Candle: models.NewEnrichedCandle(product, ts, open, high, low, close, volume)}
}

func parseTimestamp(n json.Number) (int64, error) {
	ts, err := strconv.ParseInt(string(n), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("timestamp %q is not an integer", n)
	}
	if ts <= 0 || ts > maxUnixSeconds {
		return 0, fmt.Errorf("timestamp %d is outside the supported range", ts)
	}
	if time.Unix(ts, 0).UTC().Year() > 9999 {
		return 0, fmt.Errorf("timestamp %d is outside the supported range", ts)
	}
	return ts, nil
}

func parseFinite(n json.Number) (float64, bool) {
	v, err := strconv.ParseFloat(string(n), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func fieldName(field int) string {
	switch field {
	case models.FieldOpen:
		return "open"
	case models.FieldHigh:
		return "high"
	case models.FieldLow:
		return "low"
	case models.FieldClose:
		return "close"
	case models.FieldVolume:
		return "volume"
	default:
		return "timestamp"
	}
}
