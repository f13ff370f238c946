package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/johnayoung/go-candle-etl/internal/storage"
)

// Reasons a window was planned the way it was.
const (
	ReasonFullRefresh = "full_refresh"
	ReasonNoData      = "no_stored_data"
	ReasonResume      = "resume_after_last"
	ReasonUpToDate    = "up_to_date"
)

// Window is the effective fetch range for one product.
type Window struct {
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Skip   bool      `json:"skip"`
	Reason string    `json:"reason"`
	// LastTimestamp is the newest stored timestamp, when one was consulted.
	LastTimestamp int64 `json:"last_timestamp,omitempty"`
}

// Reconciler decides what to fetch for a product given what is stored.
type Reconciler struct {
	state       storage.StateReader
	granularity time.Duration
	logger      *slog.Logger
}

// NewReconciler creates a reconciler over state.
func NewReconciler(state storage.StateReader, granularity time.Duration, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{state: state, granularity: granularity, logger: logger}
}

// PlanFetchWindow returns the effective window for product. A full refresh
// uses the configured window as is. An incremental run resumes one
// granularity after the newest stored candle, even when that is before
// start, and marks the window skipped when that point is at or after end.
func (r *Reconciler) PlanFetchWindow(ctx context.Context, product string, start, end time.Time, incremental bool) (Window, error) {
	if !incremental {
		return Window{Start: start, End: end, Reason: ReasonFullRefresh}, nil
	}

	last, ok, err := r.state.LastTimestamp(ctx, product)
	if err != nil {
		return Window{}, err
	}
	if !ok {
		return Window{Start: start, End: end, Reason: ReasonNoData}, nil
	}

	resume := time.Unix(last, 0).UTC().Add(r.granularity)
	window := Window{Start: resume, End: end, Reason: ReasonResume, LastTimestamp: last}
	if !resume.Before(end) {
		window.Skip = true
		window.Reason = ReasonUpToDate
	}

	r.logger.Debug("planned incremental window",
		"product", product,
		"last_timestamp", last,
		"start", window.Start,
		"end", window.End,
		"skip", window.Skip)
	return window, nil
}
