package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-candle-etl/internal/config"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastPolicy(attempts int) config.RetryPolicyConfig {
	return config.RetryPolicyConfig{
		MaxAttempts:     attempts,
		InitialDelay:    "1ms",
		MaxDelay:        "2ms",
		BackoffStrategy: "exponential",
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		errType   ErrorType
		retryable bool
	}{
		{"rate_limit_status", &StatusError{StatusCode: 429}, ErrorTypeRateLimit, true},
		{"server_status", &StatusError{StatusCode: 503}, ErrorTypeServerError, true},
		{"bad_request_status", &StatusError{StatusCode: 404}, ErrorTypeBadRequest, false},
		{"wrapped_status", fmt.Errorf("chunk 2: %w", &StatusError{StatusCode: 500}), ErrorTypeServerError, true},
		{"net_timeout", timeoutErr{}, ErrorTypeTimeout, true},
		{"deadline", context.DeadlineExceeded, ErrorTypeTimeout, true},
		{"canceled", context.Canceled, ErrorTypeCanceled, false},
		{"connection_refused", errors.New("dial tcp: connection refused"), ErrorTypeNetwork, true},
		{"decode", errors.New("failed to decode candles: invalid character"), ErrorTypeValidation, false},
		{"unknown", errors.New("something odd"), ErrorTypeUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ce := Classify(tt.err, "exchange", "get candles")
			require.NotNil(t, ce)
			assert.Equal(t, tt.errType, ce.Type)
			assert.Equal(t, tt.retryable, ce.Retryable)
			assert.Equal(t, tt.retryable, IsRetryable(ce))
			assert.ErrorIs(t, ce, tt.err)
		})
	}

	assert.Nil(t, Classify(nil, "x", "y"))
}

func TestClassify_KeepsExistingClassification(t *testing.T) {
	original := NewFetchError("BTC-USD", errors.New("boom"))
	wrapped := fmt.Errorf("outer: %w", original)
	assert.Same(t, original, Classify(wrapped, "other", "op"))
}

func TestRunLevelErrors(t *testing.T) {
	cause := errors.New("disk full")

	storageErr := NewStorageStageError("ETH-USD", StageLoad, cause)
	assert.ErrorIs(t, storageErr, ErrStorage)
	assert.NotErrorIs(t, storageErr, ErrFetch)
	assert.ErrorIs(t, storageErr, cause)
	assert.Equal(t, SeverityCritical, storageErr.Severity)
	assert.Contains(t, storageErr.Error(), "ETH-USD")
	assert.Contains(t, storageErr.Error(), "stage load")

	fetchErr := fmt.Errorf("run aborted: %w", NewFetchError("BTC-USD", cause))
	assert.ErrorIs(t, fetchErr, ErrFetch)
	assert.Equal(t, ErrorTypeFetch, GetErrorType(fetchErr))

	var ce *ClassifiedError
	require.ErrorAs(t, fetchErr, &ce)
	assert.Equal(t, "BTC-USD", ce.Product)
	assert.Equal(t, StageFetch, ce.Stage)

	cfgErr := NewConfigurationError("cli", errors.New("start must be before end"))
	assert.ErrorIs(t, cfgErr, ErrConfiguration)
	assert.Equal(t, "[cli/configuration] configure: start must be before end", cfgErr.Error())

	assert.Equal(t, ErrorTypeUnknown, GetErrorType(cause))
}

func TestStatusError_Message(t *testing.T) {
	err := &StatusError{StatusCode: 400, URL: "/products/X/candles", Body: `{"message":"NotFound"}`}
	assert.Equal(t, `HTTP 400 from /products/X/candles: {"message":"NotFound"}`, err.Error())

	err = &StatusError{StatusCode: 502, URL: "/x"}
	assert.Equal(t, "HTTP 502 from /x", err.Error())
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(4), createTestLogger(), "exchange", "get candles", func() error {
		calls++
		if calls < 3 {
			return &StatusError{StatusCode: 503}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_StopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(5), createTestLogger(), "exchange", "get candles", func() error {
		calls++
		return &StatusError{StatusCode: 400}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, ErrorTypeBadRequest, GetErrorType(err))

	var statusErr *StatusError
	assert.ErrorAs(t, err, &statusErr)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(3), createTestLogger(), "exchange", "get candles", func() error {
		calls++
		return &StatusError{StatusCode: 429}
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, ErrorTypeRateLimit, GetErrorType(err))

	var ce *ClassifiedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 3, ce.Attempts)
}

func TestRetry_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := config.RetryPolicyConfig{MaxAttempts: 10, InitialDelay: "50ms", MaxDelay: "50ms", BackoffStrategy: "fixed"}

	calls := 0
	start := time.Now()
	err := Retry(ctx, policy, createTestLogger(), "exchange", "get candles", func() error {
		calls++
		cancel()
		return &StatusError{StatusCode: 503}
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), time.Second)
}

func TestNewBackOff(t *testing.T) {
	b := NewBackOff(config.RetryPolicyConfig{MaxAttempts: 3, InitialDelay: "10ms", MaxDelay: "40ms", BackoffStrategy: "fixed"})
	assert.Equal(t, 10*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 10*time.Millisecond, b.NextBackOff())
	assert.Equal(t, time.Duration(-1), b.NextBackOff())

	b = NewBackOff(config.RetryPolicyConfig{MaxAttempts: 4, InitialDelay: "10ms", MaxDelay: "15ms"})
	assert.Equal(t, 10*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 15*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 15*time.Millisecond, b.NextBackOff())
	assert.Equal(t, time.Duration(-1), b.NextBackOff())
}

func TestSeverityString(t *testing.T) {
	assert.Equal(t, "low", SeverityLow.String())
	assert.Equal(t, "critical", SeverityCritical.String())
	assert.Equal(t, "unknown", Severity(42).String())
}
