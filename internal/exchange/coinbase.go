// Package exchange implements the Coinbase Exchange extraction client.
//
// The client pulls historical candles from the public REST API, splitting
// long windows into requests of at most 300 buckets. Every request goes
// through a token-bucket rate limiter and the shared retry helper, so
// rate limiting and 5xx responses are retried while other client errors
// fail immediately.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/johnayoung/go-candle-etl/internal/config"
	etlerrors "github.com/johnayoung/go-candle-etl/internal/errors"
	"github.com/johnayoung/go-candle-etl/internal/models"
)

const (
	// MaxCandlesPerRequest is the number of buckets Coinbase returns per call.
	MaxCandlesPerRequest = 300

	candlesEndpoint = "/products/{product}/candles"
	timeEndpoint    = "/time"

	defaultTimeout     = 30 * time.Second
	defaultUserAgent   = "go-candle-etl/1.0"
	healthCheckTimeout = 5 * time.Second
)

// CoinbaseClient fetches raw candles from the Coinbase Exchange REST API.
type CoinbaseClient struct {
	client      *resty.Client
	rateLimiter *rate.Limiter
	retryPolicy config.RetryPolicyConfig
	logger      *slog.Logger
}

// NewCoinbaseClient creates a client from exchange configuration.
func NewCoinbaseClient(cfg config.ExchangeConfig, logger *slog.Logger) (*CoinbaseClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("exchange base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid exchange base URL: %w", err)
	}

	timeout := defaultTimeout
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid exchange timeout %q: %w", cfg.Timeout, err)
		}
		timeout = d
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", userAgent)

	return &CoinbaseClient{
		client:      client,
		rateLimiter: rate.NewLimiter(limit, 1),
		retryPolicy: cfg.RetryPolicy,
		logger:      logger.With("component", "coinbase_client"),
	}, nil
}

// FetchCandles returns every raw candle Coinbase reports for product within
// [start, end] at the given granularity. Rows from all chunks are returned
// as received; ordering is not guaranteed.
func (c *CoinbaseClient) FetchCandles(ctx context.Context, product string, start, end time.Time, granularity time.Duration) ([]models.RawCandle, error) {
	req := FetchRequest{Product: product, Start: start, End: end, Granularity: granularity}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	chunks := calculateChunks(start, end, granularity)
	c.logger.Debug("fetching candles",
		"product", product,
		"start", start,
		"end", end,
		"granularity", granularity,
		"buckets", req.Buckets(),
		"chunks", len(chunks))

	var all []models.RawCandle
	for i, chunk := range chunks {
		candles, err := c.fetchChunk(ctx, product, chunk, granularity)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch chunk %d/%d for %s: %w", i+1, len(chunks), product, err)
		}
		all = append(all, candles...)
	}

	c.logger.Debug("fetched candles", "product", product, "count", len(all))
	return all, nil
}

// HealthCheck verifies the API answers its server time endpoint.
func (c *CoinbaseClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	resp, err := c.client.R().SetContext(ctx).Get(timeEndpoint)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	if resp.IsError() {
		return statusError(resp)
	}
	return nil
}

type timeChunk struct {
	start time.Time
	end   time.Time
}

// calculateChunks splits [start, end] into request windows of at most
// MaxCandlesPerRequest buckets. Coinbase treats end as inclusive, so each
// chunk but the last stops one second before the next one begins, and an
// end falling on a chunk boundary gets a trailing [end, end] chunk.
func calculateChunks(start, end time.Time, granularity time.Duration) []timeChunk {
	span := time.Duration(MaxCandlesPerRequest) * granularity
	var chunks []timeChunk
	for current := start; !current.After(end); current = current.Add(span) {
		chunkEnd := current.Add(span - time.Second)
		if !chunkEnd.Before(end) {
			chunkEnd = end
		}
		chunks = append(chunks, timeChunk{start: current, end: chunkEnd})
	}
	return chunks
}

func (c *CoinbaseClient) fetchChunk(ctx context.Context, product string, chunk timeChunk, granularity time.Duration) ([]models.RawCandle, error) {
	var candles []models.RawCandle

	err := etlerrors.Retry(ctx, c.retryPolicy, c.logger, "coinbase_client", "fetch_candles", func() error {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait failed: %w", err)
		}

		resp, err := c.client.R().
			SetContext(ctx).
			SetPathParam("product", product).
			SetQueryParams(map[string]string{
				"start":       chunk.start.UTC().Format(time.RFC3339),
				"end":         chunk.end.UTC().Format(time.RFC3339),
				"granularity": strconv.FormatInt(int64(granularity/time.Second), 10),
			}).
			Get(candlesEndpoint)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if resp.IsError() {
			return statusError(resp)
		}

		decoded, err := decodeCandles(resp.Body())
		if err != nil {
			return err
		}
		candles = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return candles, nil
}

// decodeCandles parses the candles payload, keeping every number as the
// exact text Coinbase sent.
func decodeCandles(body []byte) ([]models.RawCandle, error) {
	var candles []models.RawCandle
	if err := json.Unmarshal(body, &candles); err != nil {
		var apiErr struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("failed to decode candles response: %s", apiErr.Message)
		}
		return nil, fmt.Errorf("failed to decode candles response: %w", err)
	}
	return candles, nil
}

func statusError(resp *resty.Response) error {
	status := resp.Status()
	if status == "" {
		status = http.StatusText(resp.StatusCode())
	}
	return &etlerrors.StatusError{
		StatusCode: resp.StatusCode(),
		Status:     status,
		Body:       string(resp.Body()),
		URL:        resp.Request.URL,
	}
}
