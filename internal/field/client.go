// Package field fetches real-user Core Web Vitals from the PageSpeed
// Insights API.
package field

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/webaudit/internal/audit"
	"github.com/JakeFAU/webaudit/internal/breaker"
	"github.com/JakeFAU/webaudit/internal/policy/ratelimit"
)

// DefaultEndpoint is the public PageSpeed Insights API.
const DefaultEndpoint = "https://www.googleapis.com/pagespeedonline/v5/runPagespeed"

// ErrNoFieldData means the URL and its origin lack enough traffic for
// real-user metrics.
var ErrNoFieldData = errors.New("no field data available for this URL or origin")

// Config controls the PSI client.
type Config struct {
	APIKey        string
	Endpoint      string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
	Breaker       breaker.Config
}

// Client implements audit.FieldFetcher.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *ratelimit.Limiter
	cb      *gobreaker.CircuitBreaker[*audit.FieldResult]
	logger  *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New builds a Client.
func New(cfg Config, opts ...Option) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	c := &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: ratelimit.New(ratelimit.Config{DefaultRPS: cfg.RatePerSecond, DefaultBurst: cfg.Burst}),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	bc := cfg.Breaker
	bc.IsSuccessful = func(err error) bool {
		return errors.Is(err, ErrNoFieldData)
	}
	c.cb = breaker.New[*audit.FieldResult]("psi", bc, c.logger)
	return c
}

// Breaker reports the circuit breaker state.
func (c *Client) Breaker() breaker.Status {
	return breaker.Snapshot(c.cb)
}

// FetchFieldData returns the CrUX metrics for target. Rate limiting,
// 5xx responses and network errors are transient; other 4xx responses, an
// open breaker and missing data are permanent.
func (c *Client) FetchFieldData(ctx context.Context, target string) (*audit.FieldResult, error) {
	if err := c.limiter.Wait(ctx, c.cfg.Endpoint); err != nil {
		return nil, err
	}
	res, err := c.cb.Execute(func() (*audit.FieldResult, error) {
		return c.fetch(ctx, target)
	})
	if breaker.IsOpen(err) {
		return nil, audit.Permanent(fmt.Errorf("field data unavailable: %w", err))
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) fetch(ctx context.Context, target string) (*audit.FieldResult, error) {
	q := url.Values{}
	q.Set("url", target)
	q.Set("strategy", "mobile")
	q.Set("category", "performance")
	if c.cfg.APIKey != "" {
		q.Set("key", c.cfg.APIKey)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, audit.Permanent(fmt.Errorf("build psi request: %w", err))
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, audit.Transient(fmt.Errorf("failed to connect to psi api: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, audit.Transient(fmt.Errorf("psi api returned error status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return nil, audit.Permanent(fmt.Errorf("psi api returned error status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, audit.Transient(fmt.Errorf("read psi response: %w", err))
	}
	result, err := Parse(body)
	if err != nil {
		if errors.Is(err, ErrNoFieldData) {
			return nil, audit.Permanent(err)
		}
		return nil, audit.Permanent(fmt.Errorf("decode psi response: %w", err))
	}
	c.logger.Debug("field data fetched",
		zap.String("url", target),
		zap.Bool("origin_fallback", result.OriginFallback),
	)
	return result, nil
}
