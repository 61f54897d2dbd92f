package integration

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/quoteline/orderbook-client/internal/testutil"
	"github.com/quoteline/orderbook-client/pkg/breaker"
	"github.com/quoteline/orderbook-client/pkg/cache"
	"github.com/quoteline/orderbook-client/pkg/client"
	"github.com/quoteline/orderbook-client/pkg/snapshot"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, cleanup
}

func newIntegrationClient(t *testing.T, redisClient *redis.Client, mock *testutil.MockOrdersAPI) *client.Client {
	t.Helper()

	cfg := client.DefaultConfig(cache.NewStore(redisClient), "orderbook-integration/1.0.0 (dev@quoteline.io)")
	cfg.BaseURL = mock.URL()
	cfg.Retry.BaseDelay = 10 * time.Millisecond
	cfg.Retry.CapDelay = 100 * time.Millisecond

	c, err := client.New(cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return c
}

// TestConditionalFlow tests the full flow against real Redis: fetch,
// store validators, revalidate with 304.
func TestConditionalFlow(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockOrdersAPI()
	defer mock.Close()

	body := `[{"kind": "btc-usd", "side": "buy", "price": 64000, "quantity": 1, "issued_at": "2026-01-01T12:00:00Z"}]`
	mock.SetHandler("/v1/orders/", testutil.NewConditionalHandler(
		`"stable-etag"`, "Mon, 02 Jan 2006 15:04:05 GMT", body, 1))

	c := newIntegrationClient(t, redisClient, mock)
	ctx := context.Background()

	// Request 1: cache miss, validators persisted in Redis.
	res1, err := c.FetchJSON(ctx, "/v1/orders/", nil)
	if err != nil {
		t.Fatalf("Request 1 failed: %v", err)
	}
	if res1.FromCache {
		t.Error("Request 1 FromCache = true, want false")
	}
	if mock.RequestCount() != 1 {
		t.Errorf("After request 1: backend requests = %d, want 1", mock.RequestCount())
	}

	// Request 2: conditional, answered with 304.
	res2, err := c.FetchJSON(ctx, "/v1/orders/", nil)
	if err != nil {
		t.Fatalf("Request 2 failed: %v", err)
	}
	if !res2.FromCache {
		t.Error("Request 2 FromCache = false, want true")
	}
	if mock.ConditionalCount() != 1 {
		t.Errorf("Conditional requests = %d, want 1", mock.ConditionalCount())
	}

	// The entry survives in Redis with its validators.
	key := cache.Key(mock.URL()+"/v1/orders/", nil)
	entry, err := cache.NewStore(redisClient).Get(ctx, key)
	if err != nil {
		t.Fatalf("Redis entry lookup failed: %v", err)
	}
	if entry.ETag != `"stable-etag"` {
		t.Errorf("Stored ETag = %q, want %q", entry.ETag, `"stable-etag"`)
	}
}

// TestSnapshotEndToEnd tests a paginated snapshot assembled through the
// Redis-backed client.
func TestSnapshotEndToEnd(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockOrdersAPI()
	defer mock.Close()

	token := "Mon, 02 Jan 2006 15:04:05 GMT"
	mock.SetHandler("/v1/orders/", testutil.NewPaginatedHandler(func(page int) testutil.PageSpec {
		return testutil.PageSpec{
			Body:         `[{"kind": "btc-usd", "side": "buy", "price": 64000, "quantity": 1, "issued_at": "2026-01-01T12:00:00Z"}]`,
			LastModified: token,
		}
	}, 2))

	c := newIntegrationClient(t, redisClient, mock)
	fetcher := snapshot.NewFetcher(c, "/v1/orders/", 0)

	snap, err := fetcher.FetchSnapshot(context.Background(), "")
	if err != nil {
		t.Fatalf("FetchSnapshot failed: %v", err)
	}

	if len(snap.Records) != 2 {
		t.Errorf("Records = %d, want 2", len(snap.Records))
	}
	if snap.LastModified != token {
		t.Errorf("LastModified = %q, want %q", snap.LastModified, token)
	}
	if snap.Fallback {
		t.Error("Fallback = true, want false")
	}
	if mock.RequestCount() != 2 {
		t.Errorf("Backend requests = %d, want 2", mock.RequestCount())
	}
}

// TestCircuitBreakerTrips tests that sustained backend failures open the
// breaker and later calls fail fast.
func TestCircuitBreakerTrips(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockOrdersAPI()
	defer mock.Close()

	mock.SetResponse("/v1/orders/", testutil.NewServerErrorResponse())

	cfg := client.DefaultConfig(cache.NewStore(redisClient), "orderbook-integration/1.0.0 (dev@quoteline.io)")
	cfg.BaseURL = mock.URL()
	cfg.Retry = client.RetryPolicy{MaxRetries: 0, BaseDelay: time.Millisecond, CapDelay: 10 * time.Millisecond}
	cfg.Breaker = breaker.Config{FailureThreshold: 2, MinOpenDuration: time.Minute}

	c, err := client.New(cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := c.FetchJSON(ctx, "/v1/orders/", nil); err == nil {
			t.Fatalf("Call %d should have failed", i+1)
		}
	}

	_, err = c.FetchJSON(ctx, "/v1/orders/", nil)
	var openErr *client.CircuitOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("Third call error = %v, want CircuitOpenError", err)
	}
	if mock.RequestCount() != 2 {
		t.Errorf("Backend requests = %d, want 2 (rejected call never hit the transport)", mock.RequestCount())
	}
}

// TestRetryAgainstRedisBackedClient tests that transient 5xx failures are
// retried and the eventual success lands in Redis.
func TestRetryAgainstRedisBackedClient(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockOrdersAPI()
	defer mock.Close()

	requestCount := 0
	mock.SetHandler("/v1/orders/", func(w http.ResponseWriter, r *http.Request) {
		requestCount++

		w.Header().Set("X-RateLimit-Remaining", "95")
		w.Header().Set("X-RateLimit-Reset", "60")

		if requestCount <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error": "server error"}`))
			return
		}

		w.Header().Set("ETag", `"recovered"`)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`[]`))
	})

	c := newIntegrationClient(t, redisClient, mock)

	res, err := c.FetchJSON(context.Background(), "/v1/orders/", nil)
	if err != nil {
		t.Fatalf("Request failed after retries: %v", err)
	}
	if res.Status != http.StatusOK {
		t.Errorf("Status = %d, want 200", res.Status)
	}
	if requestCount != 3 {
		t.Errorf("Request attempts = %d, want 3 (2 retries + 1 success)", requestCount)
	}

	key := cache.Key(mock.URL()+"/v1/orders/", nil)
	entry, err := cache.NewStore(redisClient).Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Redis entry lookup failed: %v", err)
	}
	if entry.ETag != `"recovered"` {
		t.Errorf("Stored ETag = %q, want %q", entry.ETag, `"recovered"`)
	}
}
