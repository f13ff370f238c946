// Package errors provides the run-level error taxonomy and retry handling.
//
// Per-record problems never reach this package: the validator returns them
// as values. What remains is classified here: configuration problems found
// before a run, fetch failures from the exchange, and storage failures.
// Each aborts the run, carrying the product and stage that failed. Transport
// errors are further classified to decide whether a retry is worthwhile.
package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/johnayoung/go-candle-etl/internal/config"
)

// ErrorType represents the classification of an error
type ErrorType string

const (
	// Run-level categories
	ErrorTypeConfiguration ErrorType = "configuration" // Invalid settings, detected before a run
	ErrorTypeFetch         ErrorType = "fetch"         // Exchange could not supply data
	ErrorTypeStorage       ErrorType = "storage"       // Store could not initialize, read or write

	// Transport categories used for retry decisions
	ErrorTypeNetwork     ErrorType = "network"      // Network connectivity issues
	ErrorTypeTimeout     ErrorType = "timeout"      // Request timeout
	ErrorTypeRateLimit   ErrorType = "rate_limit"   // HTTP 429
	ErrorTypeServerError ErrorType = "server_error" // HTTP 5xx
	ErrorTypeBadRequest  ErrorType = "bad_request"  // HTTP 4xx other than 429
	ErrorTypeValidation  ErrorType = "validation"   // Malformed upstream payload
	ErrorTypeCanceled    ErrorType = "canceled"     // Context canceled by the caller
	ErrorTypeUnknown     ErrorType = "unknown"      // Unclassified errors
)

// Severity represents the severity level of an error
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the string representation of the severity
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Stages at which a run can fail.
const (
	StageConfigure = "configure"
	StageInit      = "init"
	StagePlan      = "plan"
	StageFetch     = "fetch"
	StageLoad      = "load"
	StageReport    = "report"
)

// ClassifiedError represents an error with metadata for handling decisions
type ClassifiedError struct {
	Err       error     `json:"error"`
	Type      ErrorType `json:"type"`
	Severity  Severity  `json:"severity"`
	Retryable bool      `json:"retryable"`
	Component string    `json:"component"`
	Operation string    `json:"operation"`
	Product   string    `json:"product,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	Attempts  int       `json:"attempts"`
	Timestamp time.Time `json:"timestamp"`
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Product != "" {
		return fmt.Sprintf("[%s/%s] %s failed for %s at stage %s: %v",
			ce.Component, ce.Type, ce.Operation, ce.Product, ce.Stage, ce.Err)
	}
	return fmt.Sprintf("[%s/%s] %s: %v", ce.Component, ce.Type, ce.Operation, ce.Err)
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Is matches another ClassifiedError by type, so errors.Is(err, ErrStorage) works.
func (ce *ClassifiedError) Is(target error) bool {
	if t, ok := target.(*ClassifiedError); ok {
		return ce.Type == t.Type
	}
	return false
}

// Sentinels for errors.Is checks against run-level categories.
var (
	ErrConfiguration = &ClassifiedError{Type: ErrorTypeConfiguration}
	ErrFetch         = &ClassifiedError{Type: ErrorTypeFetch}
	ErrStorage       = &ClassifiedError{Type: ErrorTypeStorage}
)

// NewConfigurationError reports invalid settings found before a run.
func NewConfigurationError(component string, err error) *ClassifiedError {
	return &ClassifiedError{
		Err:       err,
		Type:      ErrorTypeConfiguration,
		Severity:  SeverityHigh,
		Component: component,
		Operation: "configure",
		Stage:     StageConfigure,
		Timestamp: time.Now(),
	}
}

// NewFetchError reports that the exchange could not supply data for product.
func NewFetchError(product string, err error) *ClassifiedError {
	return &ClassifiedError{
		Err:       err,
		Type:      ErrorTypeFetch,
		Severity:  SeverityHigh,
		Component: "pipeline",
		Operation: "fetch candles",
		Product:   product,
		Stage:     StageFetch,
		Timestamp: time.Now(),
	}
}

// NewStorageStageError reports a store failure while handling product at stage.
func NewStorageStageError(product, stage string, err error) *ClassifiedError {
	return &ClassifiedError{
		Err:       err,
		Type:      ErrorTypeStorage,
		Severity:  SeverityCritical,
		Component: "pipeline",
		Operation: "storage " + stage,
		Product:   product,
		Stage:     stage,
		Timestamp: time.Now(),
	}
}

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
	URL        string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("HTTP %d from %s", e.StatusCode, e.URL)
	}
	return fmt.Sprintf("HTTP %d from %s: %s", e.StatusCode, e.URL, body)
}

// Classify analyzes an error and returns a ClassifiedError with retry metadata.
// Already classified errors are returned unchanged.
func Classify(err error, component, operation string) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	errorType := classifyErrorType(err)
	return &ClassifiedError{
		Err:       err,
		Type:      errorType,
		Severity:  determineSeverity(errorType),
		Retryable: isRetryableType(errorType),
		Component: component,
		Operation: operation,
		Timestamp: time.Now(),
	}
}

func classifyErrorType(err error) ErrorType {
	if errors.Is(err, context.Canceled) {
		return ErrorTypeCanceled
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests:
			return ErrorTypeRateLimit
		case statusErr.StatusCode >= 500:
			return ErrorTypeServerError
		case statusErr.StatusCode >= 400:
			return ErrorTypeBadRequest
		}
	}

	if isTimeoutError(err) {
		return ErrorTypeTimeout
	}
	if isNetworkError(err) {
		return ErrorTypeNetwork
	}

	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "rate limit") || strings.Contains(errStr, "too many requests") {
		return ErrorTypeRateLimit
	}
	if strings.Contains(errStr, "decode") || strings.Contains(errStr, "malformed") ||
		strings.Contains(errStr, "unexpected end of json") {
		return ErrorTypeValidation
	}

	return ErrorTypeUnknown
}

// isNetworkError checks if the error is network-related
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"connection reset",
		"no route to host",
		"host unreachable",
		"network unreachable",
		"no such host",
		"eof",
	}
	for _, pattern := range networkPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// isTimeoutError checks if the error is timeout-related
func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded")
}

func determineSeverity(errorType ErrorType) Severity {
	switch errorType {
	case ErrorTypeStorage:
		return SeverityCritical
	case ErrorTypeConfiguration, ErrorTypeFetch:
		return SeverityHigh
	case ErrorTypeValidation, ErrorTypeBadRequest:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func isRetryableType(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeServerError:
		return true
	default:
		return false
	}
}

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// policy's attempts are spent. Waits follow the policy's backoff strategy
// and stop early when ctx is done. The returned error is classified.
func Retry(ctx context.Context, policy config.RetryPolicyConfig, logger *slog.Logger, component, operation string, fn func() error) error {
	if logger == nil {
		logger = slog.Default()
	}

	attempts := 0
	var last *ClassifiedError

	op := func() error {
		attempts++
		err := fn()
		if err == nil {
			return nil
		}

		last = Classify(err, component, operation)
		last.Attempts = attempts

		logger.Warn("operation failed",
			"component", component,
			"operation", operation,
			"attempt", attempts,
			"max_attempts", policy.MaxAttempts,
			"error_type", last.Type,
			"retryable", last.Retryable,
			"error", err.Error())

		if !last.Retryable {
			return backoff.Permanent(last)
		}
		return last
	}

	if err := backoff.Retry(op, backoff.WithContext(NewBackOff(policy), ctx)); err != nil {
		if last == nil {
			return Classify(err, component, operation)
		}
		if ctx.Err() != nil && attempts > 0 && last.Retryable {
			return fmt.Errorf("%s canceled after %d attempts: %w", operation, attempts, ctx.Err())
		}
		return last
	}

	if attempts > 1 {
		logger.Info("operation succeeded after retry",
			"component", component,
			"operation", operation,
			"attempts", attempts)
	}
	return nil
}

// NewBackOff builds the backoff strategy described by policy, capped at
// MaxAttempts total attempts.
func NewBackOff(policy config.RetryPolicyConfig) backoff.BackOff {
	initialDelay, err := time.ParseDuration(policy.InitialDelay)
	if err != nil || initialDelay <= 0 {
		initialDelay = time.Second
	}
	maxDelay, err := time.ParseDuration(policy.MaxDelay)
	if err != nil || maxDelay < initialDelay {
		maxDelay = initialDelay
	}

	var strategy backoff.BackOff
	switch policy.BackoffStrategy {
	case "fixed":
		strategy = backoff.NewConstantBackOff(initialDelay)
		if policy.Jitter {
			strategy = &jitteredBackOff{BackOff: strategy}
		}
	default:
		exponential := backoff.NewExponentialBackOff()
		exponential.InitialInterval = initialDelay
		exponential.MaxInterval = maxDelay
		exponential.MaxElapsedTime = 0
		if !policy.Jitter {
			exponential.RandomizationFactor = 0
		}
		exponential.Reset()
		strategy = exponential
	}

	retries := policy.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(strategy, uint64(retries))
}

// jitteredBackOff spreads a fixed delay by up to ±20%.
type jitteredBackOff struct {
	backoff.BackOff
}

func (j *jitteredBackOff) NextBackOff() time.Duration {
	next := j.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	return next + time.Duration((rand.Float64()*0.4-0.2)*float64(next))
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// GetErrorType extracts the error type from a classified error
func GetErrorType(err error) ErrorType {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Type
	}
	return ErrorTypeUnknown
}
