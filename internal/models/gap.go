package models

import (
	"errors"
	"fmt"
	"time"
)

// GapStatus tracks whether a detected gap has been backfilled.
type GapStatus string

const (
	// GapStatusDetected indicates a gap has been found in stored data
	GapStatusDetected GapStatus = "detected"
	// GapStatusFilled indicates a backfill run covered the gap
	GapStatusFilled GapStatus = "filled"
)

// GapPriority orders gaps for backfill, longest first.
type GapPriority int

const (
	PriorityLow    GapPriority = iota // PriorityLow covers gaps of a few buckets
	PriorityMedium                    // PriorityMedium covers gaps longer than a day
	PriorityHigh                      // PriorityHigh covers gaps longer than a week
)

// Gap is a run of missing candle buckets in a stored product series.
// Start is the first missing bucket; End is the bucket after the last missing one.
type Gap struct {
	Product     string        `json:"product"`
	Start       time.Time     `json:"start"`
	End         time.Time     `json:"end"`
	Granularity time.Duration `json:"granularity"`
	Status      GapStatus     `json:"status"`
	Priority    GapPriority   `json:"priority"`
}

// NewGap creates a detected gap and validates it.
func NewGap(product string, start, end time.Time, granularity time.Duration) (*Gap, error) {
	gap := &Gap{
		Product:     product,
		Start:       start.UTC(),
		End:         end.UTC(),
		Granularity: granularity,
		Status:      GapStatusDetected,
	}
	if err := gap.Validate(); err != nil {
		return nil, fmt.Errorf("invalid gap: %w", err)
	}
	gap.calculatePriority()
	return gap, nil
}

// Validate checks the gap boundaries.
func (g *Gap) Validate() error {
	if g.Product == "" {
		return errors.New("gap product cannot be empty")
	}
	if g.Granularity <= 0 {
		return errors.New("gap granularity must be positive")
	}
	if g.Start.IsZero() || g.End.IsZero() {
		return errors.New("gap boundaries cannot be zero")
	}
	if !g.End.After(g.Start) {
		return errors.New("gap end time must be after start time")
	}
	switch g.Status {
	case GapStatusDetected, GapStatusFilled:
	default:
		return fmt.Errorf("invalid gap status: %s", g.Status)
	}
	return nil
}

// MarkFilled records that a backfill covered the gap.
func (g *Gap) MarkFilled() {
	g.Status = GapStatusFilled
}

// Duration returns the span of the gap.
func (g *Gap) Duration() time.Duration {
	return g.End.Sub(g.Start)
}

// MissingCandles returns the number of buckets inside the gap.
func (g *Gap) MissingCandles() int {
	return int(g.Duration() / g.Granularity)
}

func (g *Gap) calculatePriority() {
	switch d := g.Duration(); {
	case d > 7*24*time.Hour:
		g.Priority = PriorityHigh
	case d > 24*time.Hour:
		g.Priority = PriorityMedium
	default:
		g.Priority = PriorityLow
	}
}

// PriorityString returns a human-readable priority.
func (g *Gap) PriorityString() string {
	switch g.Priority {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// String implements fmt.Stringer.
func (g *Gap) String() string {
	return fmt.Sprintf("Gap{Product: %s, Start: %s, End: %s, Missing: %d, Status: %s, Priority: %s}",
		g.Product, g.Start.Format(time.RFC3339), g.End.Format(time.RFC3339),
		g.MissingCandles(), g.Status, g.PriorityString())
}
