// Package models provides the data structures that flow through the candle ETL:
// untrusted raw rows from the exchange, validated and enriched candles, the
// closed set of rejection reasons, and detected gaps in stored series.
package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// RawCandleArity is the number of fields in an exchange candle row:
// time, low, high, open, close, volume.
const RawCandleArity = 6

// Field positions inside a RawCandle row.
const (
	FieldTimestamp = iota
	FieldLow
	FieldHigh
	FieldOpen
	FieldClose
	FieldVolume
)

// RawCandle is one candle row exactly as the exchange returned it.
// Nothing about its contents is trusted until the validator accepts it.
type RawCandle struct {
	Fields []json.Number
}

// NewRawCandle builds a well-formed raw row from numeric values.
func NewRawCandle(timestamp int64, low, high, open, close, volume float64) RawCandle {
	return RawCandle{Fields: []json.Number{
		json.Number(strconv.FormatInt(timestamp, 10)),
		formatNumber(low),
		formatNumber(high),
		formatNumber(open),
		formatNumber(close),
		formatNumber(volume),
	}}
}

func formatNumber(v float64) json.Number {
	return json.Number(strconv.FormatFloat(v, 'g', -1, 64))
}

// UnmarshalJSON decodes a row from its array form. Rows of the wrong arity
// decode successfully and are rejected later by the validator.
func (r *RawCandle) UnmarshalJSON(data []byte) error {
	var fields []json.Number
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("decode raw candle row: %w", err)
	}
	r.Fields = fields
	return nil
}

// MarshalJSON encodes the row back into its array form.
func (r RawCandle) MarshalJSON() ([]byte, error) {
	if r.Fields == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(r.Fields)
}

// Field returns the raw value at position i, or an empty number when the row is short.
func (r RawCandle) Field(i int) json.Number {
	if i < 0 || i >= len(r.Fields) {
		return ""
	}
	return r.Fields[i]
}

// EnrichedCandle is a validated candle together with its derived fields.
// Use NewEnrichedCandle to build one; it is the only place the invariants
// below are established:
//
//	open, high, low, close > 0
//	volume >= 0
//	high >= low
//	avg_price == (high + low + open + close) / 4
//	price_change == close - open
//	price_change_pct == (close - open) / open * 100
type EnrichedCandle struct {
	Product        string    `json:"product"`
	Timestamp      int64     `json:"timestamp"`
	Datetime       time.Time `json:"datetime"`
	Open           float64   `json:"open"`
	High           float64   `json:"high"`
	Low            float64   `json:"low"`
	Close          float64   `json:"close"`
	Volume         float64   `json:"volume"`
	AvgPrice       float64   `json:"avg_price"`
	PriceChange    float64   `json:"price_change"`
	PriceChangePct float64   `json:"price_change_pct"`
}

// ValidationError represents a candle invariant violation with field context.
type ValidationError struct {
	Field   string // Field is the name of the field that failed validation
	Message string // Message explains the violation
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// NewEnrichedCandle computes the derived fields for a candle whose values
// already satisfy the invariants. The datetime is the UTC instant of timestamp.
func NewEnrichedCandle(product string, timestamp int64, open, high, low, close, volume float64) EnrichedCandle {
	return EnrichedCandle{
		Product:        product,
		Timestamp:      timestamp,
		Datetime:       time.Unix(timestamp, 0).UTC(),
		Open:           open,
		High:           high,
		Low:            low,
		Close:          close,
		Volume:         volume,
		AvgPrice:       (high + low + open + close) / 4,
		PriceChange:    close - open,
		PriceChangePct: (close - open) / open * 100,
	}
}

// Validate checks that the candle still holds its construction invariants.
// Storage calls it before every write so a hand-built candle cannot slip
// through with inconsistent derived fields.
func (c *EnrichedCandle) Validate() error {
	if c.Product == "" {
		return &ValidationError{Field: "product", Message: "product cannot be empty"}
	}
	if c.Timestamp <= 0 {
		return &ValidationError{Field: "timestamp", Message: "timestamp must be positive"}
	}
	if !c.Datetime.Equal(time.Unix(c.Timestamp, 0)) {
		return &ValidationError{Field: "datetime", Message: "datetime does not match timestamp"}
	}

	prices := []struct {
		name  string
		value float64
	}{
		{"open", c.Open}, {"high", c.High}, {"low", c.Low}, {"close", c.Close},
	}
	for _, p := range prices {
		if !isFinite(p.value) || p.value <= 0 {
			return &ValidationError{Field: p.name, Message: fmt.Sprintf("%s price must be greater than 0", p.name)}
		}
	}
	if !isFinite(c.Volume) || c.Volume < 0 {
		return &ValidationError{Field: "volume", Message: "volume must be greater than or equal to 0"}
	}
	if c.High < c.Low {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high price (%g) must be greater than or equal to low price (%g)", c.High, c.Low),
		}
	}

	expected := NewEnrichedCandle(c.Product, c.Timestamp, c.Open, c.High, c.Low, c.Close, c.Volume)
	if !closeEnough(c.AvgPrice, expected.AvgPrice) {
		return &ValidationError{Field: "avg_price", Message: "avg_price does not match (high+low+open+close)/4"}
	}
	if !closeEnough(c.PriceChange, expected.PriceChange) {
		return &ValidationError{Field: "price_change", Message: "price_change does not match close-open"}
	}
	if !closeEnough(c.PriceChangePct, expected.PriceChangePct) {
		return &ValidationError{Field: "price_change_pct", Message: "price_change_pct does not match (close-open)/open*100"}
	}
	return nil
}

// Key returns the storage identity of the candle.
func (c *EnrichedCandle) Key() CandleKey {
	return CandleKey{Product: c.Product, Timestamp: c.Timestamp}
}

// String returns a compact description for log messages.
func (c *EnrichedCandle) String() string {
	return fmt.Sprintf("Candle{%s %s O:%g H:%g L:%g C:%g V:%g}",
		c.Product, c.Datetime.Format(time.RFC3339), c.Open, c.High, c.Low, c.Close, c.Volume)
}

// CandleKey is the (product, timestamp) uniqueness key of a stored candle.
type CandleKey struct {
	Product   string
	Timestamp int64
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func closeEnough(a, b float64) bool {
	if a == b {
		return true
	}
	return math.Abs(a-b) <= 1e-9*math.Max(math.Abs(a), math.Abs(b))
}
