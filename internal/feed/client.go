package feed

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"tradeledger/internal/config"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Quote is one raw price observation as the upstream API reports it. Prices
// stay strings until the poller parses them into decimals; the upstream is
// untrusted input.
type Quote struct {
	Symbol    string `json:"symbol"`
	Price     string `json:"price"`
	UpdatedAt int64  `json:"updated_at,omitempty"` // unix milliseconds, optional
}

// ClientInterface defines the interface for the market-data REST client.
type ClientInterface interface {
	FetchQuotes(ctx context.Context) ([]Quote, error)
}

// RestClient polls a ticker-price endpoint over REST.
// It implements the ClientInterface.
type RestClient struct {
	client  *resty.Client
	logger  *zap.Logger
	limiter *rate.Limiter
}

// ensure RestClient implements the interface
var _ ClientInterface = (*RestClient)(nil)

// NewRestClient creates a new market-data REST client.
func NewRestClient(cfg *config.Feed, logger *zap.Logger) *RestClient {
	client := resty.New().SetBaseURL(cfg.BaseURL)

	// rate.Limit is requests per second.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	return &RestClient{
		client:  client,
		logger:  logger.Named("feed-client"),
		limiter: limiter,
	}
}

// FetchQuotes fetches the latest quote for every symbol the upstream serves.
func (c *RestClient) FetchQuotes(ctx context.Context) ([]Quote, error) {
	var quotes []Quote

	req := c.client.R().
		SetContext(ctx).
		SetResult(&quotes).
		SetHeader("Content-Type", "application/json")

	if _, err := c.doRequest(ctx, "GET", "/ticker/price", req); err != nil {
		return nil, fmt.Errorf("failed to fetch quotes: %w", err)
	}
	return quotes, nil
}

// doRequest handles the actual request execution with rate limiting and retry logic.
func (c *RestClient) doRequest(ctx context.Context, method, url string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error
	const maxRetries = 3

	for i := 0; i < maxRetries; i++ {
		// Wait for the rate limiter
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", c.client.BaseURL+url))
		resp, err = req.Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil // Success
		}

		// Analyze error and decide whether to retry
		shouldRetry := false
		var retryAfter time.Duration

		if resp != nil {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests {
				shouldRetry = true
				retryAfterHeader := resp.Header().Get("Retry-After")
				if seconds, err := strconv.Atoi(retryAfterHeader); err == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 { // Server errors
				shouldRetry = true
			}
		} else { // Network or other client-side errors
			shouldRetry = true
		}

		if !shouldRetry {
			return nil, fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())
		}

		// If we should retry, calculate wait time
		if retryAfter == 0 {
			// Exponential backoff: 1s, 2s, 4s
			retryAfter = time.Duration(math.Pow(2, float64(i))) * time.Second
		}

		c.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries, err)
}
