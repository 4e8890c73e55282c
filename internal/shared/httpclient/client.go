// Package httpclient wraps resty with retries, rate limiting and a circuit
// breaker for outbound calls: map SDK script fetches and network-based
// position lookups.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/livemap/internal/infrastructure/resilience"
)

// ErrUnavailable is returned while the breaker is open
var ErrUnavailable = errors.New("upstream unavailable: circuit breaker open")

// StatusError reports a non-2xx response
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.Status)
}

// Options configures a Client
type Options struct {
	Name        string
	Timeout     time.Duration
	MaxRetries  int
	RateLimit   float64 // requests per second, 0 for unlimited
	MaxBodySize int64
	UserAgent   string
	TripAfter   uint32 // consecutive failures that open the breaker

	// OnBreakerChange observes breaker transitions, e.g. for metrics
	OnBreakerChange func(name string, from, to resilience.State)
}

// DefaultOptions returns options suitable for small upstream lookups
func DefaultOptions(name string) Options {
	return Options{
		Name:        name,
		Timeout:     10 * time.Second,
		MaxRetries:  2,
		MaxBodySize: 2 << 20,
		UserAgent:   "livemap/1.0",
		TripAfter:   5,
	}
}

// Client wraps resty with rate limiting and circuit breaker
type Client struct {
	resty   *resty.Client
	limiter *rate.Limiter
	breaker *resilience.Breaker
	maxBody int64
	mu      sync.RWMutex
}

// New creates a client with its own breaker
func New(opts Options) *Client {
	defaults := DefaultOptions(opts.Name)
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.Timeout
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = defaults.MaxBodySize
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaults.UserAgent
	}
	if opts.TripAfter == 0 {
		opts.TripAfter = defaults.TripAfter
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = opts.MaxRetries
	retryClient.RetryWaitMin = 100 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.Logger = nil
	// Hand back the last response once retries run out so callers see its status
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	restyClient := resty.New().
		SetTimeout(opts.Timeout).
		SetHeader("User-Agent", opts.UserAgent)
	restyClient.SetTransport(retryClient.StandardClient().Transport)

	tripAfter := opts.TripAfter
	breaker := resilience.New(opts.Name, resilience.Settings{
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= tripAfter
		},
		OnStateChange: opts.OnBreakerChange,
	})

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	return &Client{
		resty:   restyClient,
		limiter: limiter,
		breaker: breaker,
		maxBody: opts.MaxBodySize,
	}
}

// SetBaseURL points relative requests at url
func (c *Client) SetBaseURL(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resty.SetBaseURL(url)
}

// Get fetches url and returns the body. Non-2xx responses and bodies over
// the size limit count as breaker failures.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit error: %w", err)
	}

	body, err := resilience.Do(c.breaker, func() ([]byte, error) {
		c.mu.RLock()
		req := c.resty.R().SetContext(ctx)
		c.mu.RUnlock()

		resp, err := req.Get(url)
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, &StatusError{URL: url, Status: resp.StatusCode()}
		}
		body := resp.Body()
		if int64(len(body)) > c.maxBody {
			return nil, fmt.Errorf("GET %s: body exceeds %d bytes", url, c.maxBody)
		}
		return body, nil
	})
	if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrTooManyRequests) {
		return nil, ErrUnavailable
	}
	if err != nil {
		return nil, err
	}
	return body, nil
}

// BreakerState returns the current circuit breaker state
func (c *Client) BreakerState() resilience.State {
	return c.breaker.State()
}
