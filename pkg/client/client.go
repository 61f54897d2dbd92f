// Package client provides the core orders API HTTP client with
// conditional-GET caching, bounded retries and circuit-breaker
// protection.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/quoteline/orderbook-client/pkg/breaker"
	"github.com/quoteline/orderbook-client/pkg/cache"
	"github.com/quoteline/orderbook-client/pkg/logging"
	"github.com/quoteline/orderbook-client/pkg/ratelimit"
)

// Prometheus metrics for client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderbook_requests_total",
		Help: "Total orders API requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orderbook_request_duration_seconds",
		Help:    "Orders API request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderbook_errors_total",
		Help: "Total orders API errors by class",
	}, []string{"class"})

	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orderbook_retries_total",
		Help: "Total number of retry attempts",
	})

	retryExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orderbook_retry_exhausted_total",
		Help: "Total number of logical calls that exhausted all retries",
	})

	notModifiedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orderbook_not_modified_total",
		Help: "Total number of 304 Not Modified responses",
	})

	circuitRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orderbook_circuit_rejected_total",
		Help: "Total number of calls rejected by the open circuit breaker",
	})
)

// snippetLimit bounds the response body excerpt kept in FetchError.
const snippetLimit = 256

// CacheStore is the persistent key-value store for conditional-request
// entries. Satisfied by cache.Store (Redis) and cache.MemoryStore.
// A failing store degrades to cache-miss; it never fails a fetch.
type CacheStore interface {
	Get(ctx context.Context, key string) (*cache.Entry, error)
	Upsert(ctx context.Context, entry *cache.Entry) error
}

// FetchResult is the normalized outcome of one successful FetchJSON call.
// Transient, never persisted.
type FetchResult struct {
	// Status is the HTTP status code (200, 304, or a non-retryable 4xx).
	Status int

	// Headers are the response headers.
	Headers http.Header

	// Body is the raw JSON payload. Nil for empty bodies and for 304.
	Body json.RawMessage

	// FromCache is true when the upstream confirmed the cached entry is
	// still current (304).
	FromCache bool
}

// Metrics is the running-counter snapshot exposed to collaborators.
type Metrics struct {
	TotalRequests          int64     `json:"total_requests"`
	TotalCacheHits304      int64     `json:"total_cache_hits_304"`
	TotalRetries           int64     `json:"total_retries"`
	LastRateLimitRemaining int       `json:"last_rate_limit_remaining"`
	LastRateLimitReset     time.Time `json:"last_rate_limit_reset"`
	LastStatus             int       `json:"last_status"`
	LastURL                string    `json:"last_url"`
	CircuitState           string    `json:"circuit_state"`
	CircuitOpenedReason    string    `json:"circuit_opened_reason,omitempty"`
}

// Config holds the client configuration. Every recognized option is
// enumerated here with its default in DefaultConfig; validation happens
// once in New.
type Config struct {
	// BaseURL of the orders API.
	BaseURL string

	// Store persists conditional-request entries (REQUIRED).
	Store CacheStore

	// UserAgent identifies this client to the API (REQUIRED).
	// Format: "AppName/Version (contact@example.com)"
	UserAgent string

	// RequestTimeout bounds every network attempt.
	RequestTimeout time.Duration

	// Retry governs backoff between attempts of one logical call.
	Retry RetryPolicy

	// Breaker governs the per-endpoint circuit breaker.
	Breaker breaker.Config
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(store CacheStore, userAgent string) Config {
	return Config{
		BaseURL:        "https://api.quoteline.io",
		Store:          store,
		UserAgent:      userAgent,
		RequestTimeout: 15 * time.Second,
		Retry:          DefaultRetryPolicy(),
		Breaker:        breaker.DefaultConfig(),
	}
}

// Client is the orders API client. Construct exactly one instance per
// endpoint and hand it to every call site that needs it, so the breaker
// state stays coherent.
type Client struct {
	httpClient *http.Client
	store      CacheStore
	breaker    *breaker.Breaker
	tracker    *ratelimit.Tracker
	config     Config
	logger     zerolog.Logger

	mu           sync.Mutex
	requests     int64
	cacheHits304 int64
	retries      int64
	lastStatus   int
	lastURL      string
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("cache store is required")
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.RequestTimeout <= 0 {
		return nil, fmt.Errorf("request_timeout must be > 0 (got %v)", cfg.RequestTimeout)
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("retry policy: %w", err)
	}

	brk, err := breaker.New(cfg.Breaker)
	if err != nil {
		return nil, fmt.Errorf("breaker config: %w", err)
	}

	logger := logging.NewLogger("orders-client")

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		store:   cfg.Store,
		breaker: brk,
		tracker: ratelimit.NewTracker(logger),
		config:  cfg,
		logger:  logger,
	}, nil
}

// attempt outcomes. The retry loop composes these tags instead of looping
// unconditionally, keeping the bound an explicit, testable parameter.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeRetryable
	outcomeFatal
)

// FetchJSON performs one logical conditional GET against an endpoint.
//
// Flow: cache lookup → breaker gate → bounded attempts with backoff →
// cache upsert and breaker bookkeeping. The breaker failure counter moves
// at most once per logical call, never once per internal attempt.
func (c *Client) FetchJSON(ctx context.Context, endpoint string, query url.Values) (*FetchResult, error) {
	return c.fetchJSON(ctx, endpoint, query, true)
}

// FetchJSONFresh is FetchJSON without conditional revalidation: stored
// validators are ignored and the response is always transferred in full.
// The response still refreshes the cache entry. For callers that hold no
// usable stand-in for a 304, e.g. after a restart with a warm persistent
// cache but nothing published yet.
func (c *Client) FetchJSONFresh(ctx context.Context, endpoint string, query url.Values) (*FetchResult, error) {
	return c.fetchJSON(ctx, endpoint, query, false)
}

func (c *Client) fetchJSON(ctx context.Context, endpoint string, query url.Values, conditional bool) (*FetchResult, error) {
	fullURL := c.config.BaseURL + endpoint
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	key := cache.Key(c.config.BaseURL+endpoint, query)

	var entry *cache.Entry
	if conditional {
		var err error
		entry, err = c.store.Get(ctx, key)
		if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
			// Store failure degrades to cache-miss, never fails the fetch.
			c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Cache store get failed, treating as miss")
			entry = nil
		}
	}

	if err := c.breaker.Allow(); err != nil {
		circuitRejectedTotal.Inc()
		requestsTotal.WithLabelValues(endpoint, "circuit_open").Inc()
		c.logger.Warn().
			Str("endpoint", endpoint).
			Str("circuit_state", c.breaker.Status().State.String()).
			Msg("Request rejected by circuit breaker")
		return nil, &CircuitOpenError{Breaker: c.breaker.Status(), Metrics: c.Metrics()}
	}

	var lastErr error
	attempts := c.config.Retry.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := c.config.Retry.Delay(attempt - 1)
			c.logger.Debug().
				Str("endpoint", endpoint).
				Int("attempt", attempt).
				Dur("backoff", delay).
				Msg("Retrying request after backoff")

			if err := waitRetry(ctx, delay); err != nil {
				c.breaker.RecordFailure(err.Error())
				return nil, err
			}

			c.mu.Lock()
			c.retries++
			c.mu.Unlock()
			retriesTotal.Inc()
		}

		tag, result, err := c.attempt(ctx, endpoint, fullURL, key, entry)
		switch tag {
		case outcomeSuccess:
			if attempt > 0 {
				c.logger.Info().
					Str("endpoint", endpoint).
					Int("attempt", attempt+1).
					Msg("Request succeeded after retry")
			}
			return result, nil
		case outcomeFatal:
			return nil, err
		case outcomeRetryable:
			lastErr = err
		}
	}

	// One breaker failure per logical call, recorded only on exhaustion.
	c.breaker.RecordFailure(lastErr.Error())
	retryExhaustedTotal.Inc()
	c.logger.Warn().
		Str("endpoint", endpoint).
		Int("attempts", attempts).
		Err(lastErr).
		Msg("Retry attempts exhausted")

	return nil, fmt.Errorf("%w after %d attempts: %v", ErrRetryExhausted, attempts, lastErr)
}

// attempt performs a single network attempt and classifies its outcome.
func (c *Client) attempt(ctx context.Context, endpoint, fullURL, key string, entry *cache.Entry) (outcome, *FetchResult, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, fullURL, nil)
	if err != nil {
		// No network outcome to record; free a half-open probe slot so
		// a later call can run the probe.
		c.breaker.Release()
		return outcomeFatal, nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")
	cache.AddConditionalHeaders(req, entry)

	c.recordRequest(fullURL)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		errorsTotal.WithLabelValues("network").Inc()
		requestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("HTTP request failed")
		return outcomeRetryable, nil, fmt.Errorf("transport: %w", err)
	}

	c.tracker.UpdateFromHeaders(resp.Header)
	c.recordStatus(resp.StatusCode)
	requestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if entry == nil {
			// A 304 we cannot interpret: the backend is healthy, but
			// there is no cached entry to stand in for the body.
			c.breaker.RecordSuccess()
			return outcomeFatal, nil, &FetchError{
				StatusCode: resp.StatusCode,
				URL:        fullURL,
				Snippet:    "not modified without a cached entry",
			}
		}

		c.breaker.RecordSuccess()
		notModifiedTotal.Inc()
		c.mu.Lock()
		c.cacheHits304++
		c.mu.Unlock()

		c.logger.Debug().
			Str("endpoint", endpoint).
			Str("etag", entry.ETag).
			Msg("304 Not Modified, cached entry still current")

		headers := resp.Header.Clone()
		if headers.Get("Last-Modified") == "" && entry.LastModified != "" {
			// Not every backend echoes validators on a 304; callers
			// compare freshness tokens, so surface the confirmed one.
			headers.Set("Last-Modified", entry.LastModified)
		}

		// The stored entry stays untouched: its validators are still the
		// ones the upstream just confirmed.
		return outcomeSuccess, &FetchResult{
			Status:    http.StatusNotModified,
			Headers:   headers,
			Body:      nil,
			FromCache: true,
		}, nil

	case isRetryableStatus(resp.StatusCode):
		snippet := readSnippet(resp.Body)
		resp.Body.Close()
		errorsTotal.WithLabelValues(errorClass(resp.StatusCode, nil)).Inc()
		c.logger.Warn().
			Str("endpoint", endpoint).
			Int("status", resp.StatusCode).
			Msg("Transient backend error")
		return outcomeRetryable, nil, &FetchError{
			StatusCode: resp.StatusCode,
			URL:        fullURL,
			Snippet:    snippet,
		}

	default:
		// 2xx and non-retryable 4xx: the backend answered coherently.
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			errorsTotal.WithLabelValues("network").Inc()
			return outcomeRetryable, nil, fmt.Errorf("read body: %w", err)
		}

		if resp.StatusCode >= 400 {
			errorsTotal.WithLabelValues("client").Inc()
		}

		// Cache writes happen only after the full network read, so no
		// partial entries are ever persisted.
		newEntry := cache.EntryFromResponse(key, fullURL, resp, time.Now())
		if err := c.store.Upsert(ctx, newEntry); err != nil {
			c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Cache store upsert failed")
		}

		c.breaker.RecordSuccess()

		var raw json.RawMessage
		if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 {
			if !json.Valid(body) {
				return outcomeFatal, nil, &FetchError{
					StatusCode: resp.StatusCode,
					URL:        fullURL,
					Snippet:    truncate(string(body)),
				}
			}
			raw = json.RawMessage(body)
		}

		return outcomeSuccess, &FetchResult{
			Status:    resp.StatusCode,
			Headers:   resp.Header.Clone(),
			Body:      raw,
			FromCache: false,
		}, nil
	}
}

// Metrics returns the running counters plus rate-limit and breaker state.
func (c *Client) Metrics() Metrics {
	c.mu.Lock()
	m := Metrics{
		TotalRequests:     c.requests,
		TotalCacheHits304: c.cacheHits304,
		TotalRetries:      c.retries,
		LastStatus:        c.lastStatus,
		LastURL:           c.lastURL,
	}
	c.mu.Unlock()

	rl := c.tracker.State()
	m.LastRateLimitRemaining = rl.Remaining
	m.LastRateLimitReset = rl.ResetAt

	st := c.breaker.Status()
	m.CircuitState = st.State.String()
	m.CircuitOpenedReason = st.OpenedReason

	return m
}

// Breaker returns the client's circuit breaker (for testing).
func (c *Client) Breaker() *breaker.Breaker {
	return c.breaker
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(httpClient *http.Client) {
	c.httpClient = httpClient
}

func (c *Client) recordRequest(url string) {
	c.mu.Lock()
	c.requests++
	c.lastURL = url
	c.mu.Unlock()
}

func (c *Client) recordStatus(status int) {
	c.mu.Lock()
	c.lastStatus = status
	c.mu.Unlock()
}

// readSnippet reads at most snippetLimit bytes for error diagnostics.
func readSnippet(r io.Reader) string {
	buf := make([]byte, snippetLimit)
	n, _ := io.ReadFull(r, buf)
	_, _ = io.Copy(io.Discard, r)
	return string(buf[:n])
}

func truncate(s string) string {
	if len(s) > snippetLimit {
		return s[:snippetLimit]
	}
	return s
}
