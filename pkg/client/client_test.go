package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/quoteline/orderbook-client/internal/testutil"
	"github.com/quoteline/orderbook-client/pkg/breaker"
	"github.com/quoteline/orderbook-client/pkg/cache"
)

func newTestClient(t *testing.T, mock *testutil.MockOrdersAPI, store CacheStore) *Client {
	t.Helper()

	cfg := DefaultConfig(store, "orderbook-client-tests/1.0.0 (dev@quoteline.io)")
	cfg.BaseURL = mock.URL()
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.CapDelay = 5 * time.Millisecond

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestNewValidation(t *testing.T) {
	store := cache.NewMemoryStore()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"missing store", func(c *Config) { c.Store = nil }, true},
		{"missing user agent", func(c *Config) { c.UserAgent = "" }, true},
		{"missing base URL", func(c *Config) { c.BaseURL = "" }, true},
		{"zero timeout", func(c *Config) { c.RequestTimeout = 0 }, true},
		{"negative retries", func(c *Config) { c.Retry.MaxRetries = -1 }, true},
		{"bad breaker threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig(store, "test/1.0.0 (dev@quoteline.io)")
			tt.mutate(&cfg)

			_, err := New(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFetchJSONSuccess(t *testing.T) {
	mock := testutil.NewMockOrdersAPI()
	defer mock.Close()

	body := `[{"order_id": 1, "order_type": "buy", "price": 100.5, "quantity": 10}]`
	mock.SetResponse("/v1/orders/", testutil.NewOrdersResponse(
		body, `"e1"`, "Mon, 02 Jan 2006 15:04:05 GMT", 1))

	c := newTestClient(t, mock, cache.NewMemoryStore())

	result, err := c.FetchJSON(context.Background(), "/v1/orders/", nil)
	if err != nil {
		t.Fatalf("FetchJSON() error = %v", err)
	}

	if result.Status != http.StatusOK {
		t.Errorf("Status = %d, want 200", result.Status)
	}
	if result.FromCache {
		t.Error("FromCache = true, want false for a fresh fetch")
	}
	if string(result.Body) != body {
		t.Errorf("Body = %s, want %s", result.Body, body)
	}
	if got := mock.LastRequestHeader().Get("User-Agent"); got == "" {
		t.Error("Request missing User-Agent header")
	}
}

func TestFetchJSONConditionalRoundtrip(t *testing.T) {
	mock := testutil.NewMockOrdersAPI()
	defer mock.Close()

	body := `[{"order_id": 1}]`
	mock.SetHandler("/v1/orders/", testutil.NewConditionalHandler(
		`"e1"`, "Mon, 02 Jan 2006 15:04:05 GMT", body, 1))

	store := cache.NewMemoryStore()
	c := newTestClient(t, mock, store)
	ctx := context.Background()

	// First call: unconditional fetch, validators stored.
	first, err := c.FetchJSON(ctx, "/v1/orders/", nil)
	if err != nil {
		t.Fatalf("First FetchJSON() error = %v", err)
	}
	if first.FromCache {
		t.Error("First fetch FromCache = true, want false")
	}
	if mock.ConditionalCount() != 0 {
		t.Errorf("ConditionalCount after first fetch = %d, want 0", mock.ConditionalCount())
	}

	key := cache.Key(mock.URL()+"/v1/orders/", nil)
	stored, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Stored entry lookup error = %v", err)
	}
	if stored.ETag != `"e1"` {
		t.Fatalf("Stored ETag = %q, want %q", stored.ETag, `"e1"`)
	}

	// Second call: conditional, answered with 304 from the same entry.
	second, err := c.FetchJSON(ctx, "/v1/orders/", nil)
	if err != nil {
		t.Fatalf("Second FetchJSON() error = %v", err)
	}
	if !second.FromCache {
		t.Error("Second fetch FromCache = false, want true")
	}
	if second.Status != http.StatusNotModified {
		t.Errorf("Second fetch Status = %d, want 304", second.Status)
	}
	if second.Body != nil {
		t.Errorf("Second fetch Body = %s, want nil", second.Body)
	}
	if got := mock.LastRequestHeader().Get("If-None-Match"); got != `"e1"` {
		t.Errorf("If-None-Match = %q, want %q", got, `"e1"`)
	}
	if mock.ConditionalCount() != 1 {
		t.Errorf("ConditionalCount = %d, want 1", mock.ConditionalCount())
	}

	// A 304 leaves the stored entry untouched.
	after, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Stored entry lookup after 304 error = %v", err)
	}
	if after.ETag != `"e1"` || !after.FetchedAt.Equal(stored.FetchedAt) {
		t.Errorf("Entry changed on 304: %+v vs %+v", after, stored)
	}
}

func TestFetchJSONRetriesThenSucceeds(t *testing.T) {
	mock := testutil.NewMockOrdersAPI()
	defer mock.Close()

	var calls int
	mock.SetHandler("/v1/orders/", func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`[]`))
	})

	c := newTestClient(t, mock, cache.NewMemoryStore())

	result, err := c.FetchJSON(context.Background(), "/v1/orders/", nil)
	if err != nil {
		t.Fatalf("FetchJSON() error = %v", err)
	}
	if result.Status != http.StatusOK {
		t.Errorf("Status = %d, want 200", result.Status)
	}
	if calls != 3 {
		t.Errorf("Backend saw %d calls, want 3 (two failures, one success)", calls)
	}

	m := c.Metrics()
	if m.TotalRetries != 2 {
		t.Errorf("TotalRetries = %d, want 2", m.TotalRetries)
	}
	// The logical call succeeded, so the breaker never moved.
	if st := c.Breaker().Status(); st.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0", st.ConsecutiveFailures)
	}
}

func TestFetchJSONRetryExhausted(t *testing.T) {
	mock := testutil.NewMockOrdersAPI()
	defer mock.Close()

	mock.SetResponse("/v1/orders/", testutil.NewServerErrorResponse())

	cfg := DefaultConfig(cache.NewMemoryStore(), "test/1.0.0 (dev@quoteline.io)")
	cfg.BaseURL = mock.URL()
	cfg.Retry = RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond, CapDelay: 5 * time.Millisecond}

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = c.FetchJSON(context.Background(), "/v1/orders/", nil)
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("FetchJSON() error = %v, want ErrRetryExhausted", err)
	}
	if mock.RequestCount() != 2 {
		t.Errorf("RequestCount = %d, want 2 (initial + 1 retry)", mock.RequestCount())
	}

	// Two failed attempts are still one logical failure for the breaker.
	if st := c.Breaker().Status(); st.ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", st.ConsecutiveFailures)
	}
}

func TestFetchJSONClientErrorNotRetried(t *testing.T) {
	mock := testutil.NewMockOrdersAPI()
	defer mock.Close()

	mock.SetResponse("/v1/orders/", testutil.MockResponse{
		StatusCode: http.StatusNotFound,
		Body:       `{"error": "no such market"}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	})

	c := newTestClient(t, mock, cache.NewMemoryStore())

	result, err := c.FetchJSON(context.Background(), "/v1/orders/", nil)
	if err != nil {
		t.Fatalf("FetchJSON() error = %v, want 4xx returned as a result", err)
	}
	if result.Status != http.StatusNotFound {
		t.Errorf("Status = %d, want 404", result.Status)
	}
	if mock.RequestCount() != 1 {
		t.Errorf("RequestCount = %d, want 1 (4xx never retried)", mock.RequestCount())
	}
	if st := c.Breaker().Status(); st.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0 (4xx is not backend instability)", st.ConsecutiveFailures)
	}
}

func TestFetchJSONCircuitOpens(t *testing.T) {
	mock := testutil.NewMockOrdersAPI()
	defer mock.Close()

	mock.SetResponse("/v1/orders/", testutil.NewServerErrorResponse())

	cfg := DefaultConfig(cache.NewMemoryStore(), "test/1.0.0 (dev@quoteline.io)")
	cfg.BaseURL = mock.URL()
	cfg.Retry = RetryPolicy{MaxRetries: 0, BaseDelay: time.Millisecond, CapDelay: 5 * time.Millisecond}
	cfg.Breaker = breaker.Config{FailureThreshold: 2, MinOpenDuration: time.Minute}

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := c.FetchJSON(ctx, "/v1/orders/", nil); err == nil {
			t.Fatalf("Call %d should fail", i+1)
		}
	}
	if mock.RequestCount() != 2 {
		t.Fatalf("RequestCount = %d, want 2", mock.RequestCount())
	}

	// Third call fails fast without touching the transport.
	_, err = c.FetchJSON(ctx, "/v1/orders/", nil)

	var openErr *CircuitOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("FetchJSON() error = %v, want CircuitOpenError", err)
	}
	if !errors.Is(err, breaker.ErrOpen) {
		t.Error("CircuitOpenError should satisfy errors.Is(err, breaker.ErrOpen)")
	}
	if openErr.Metrics.CircuitState != "open" {
		t.Errorf("Metrics.CircuitState = %q, want open", openErr.Metrics.CircuitState)
	}
	if mock.RequestCount() != 2 {
		t.Errorf("RequestCount = %d, want still 2 after rejection", mock.RequestCount())
	}
}

func TestFetchJSONFreshSkipsValidators(t *testing.T) {
	mock := testutil.NewMockOrdersAPI()
	defer mock.Close()

	body := `[{"order_id": 1}]`
	mock.SetHandler("/v1/orders/", testutil.NewConditionalHandler(
		`"e1"`, "Mon, 02 Jan 2006 15:04:05 GMT", body, 1))

	store := cache.NewMemoryStore()
	c := newTestClient(t, mock, store)
	ctx := context.Background()

	if _, err := c.FetchJSON(ctx, "/v1/orders/", nil); err != nil {
		t.Fatalf("Seeding FetchJSON() error = %v", err)
	}

	// Despite the stored validators the fresh call carries no
	// conditional headers and gets the full body.
	result, err := c.FetchJSONFresh(ctx, "/v1/orders/", nil)
	if err != nil {
		t.Fatalf("FetchJSONFresh() error = %v", err)
	}
	if result.FromCache {
		t.Error("FromCache = true, want false for a fresh fetch")
	}
	if string(result.Body) != body {
		t.Errorf("Body = %s, want %s", result.Body, body)
	}
	if got := mock.LastRequestHeader().Get("If-None-Match"); got != "" {
		t.Errorf("If-None-Match = %q, want empty", got)
	}
	if mock.ConditionalCount() != 0 {
		t.Errorf("ConditionalCount = %d, want 0", mock.ConditionalCount())
	}
}

func TestFetchJSONConstructionFailureFreesProbe(t *testing.T) {
	mock := testutil.NewMockOrdersAPI()
	defer mock.Close()

	mock.SetResponse("/v1/orders/", testutil.NewServerErrorResponse())

	cfg := DefaultConfig(cache.NewMemoryStore(), "test/1.0.0 (dev@quoteline.io)")
	cfg.BaseURL = mock.URL()
	cfg.Retry = RetryPolicy{MaxRetries: 0, BaseDelay: time.Millisecond, CapDelay: 5 * time.Millisecond}
	cfg.Breaker = breaker.Config{FailureThreshold: 1, MinOpenDuration: 30 * time.Second}

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()

	// Trip the breaker, then let the cooldown elapse.
	if _, err := c.FetchJSON(ctx, "/v1/orders/", nil); err == nil {
		t.Fatal("Tripping call should fail")
	}
	c.Breaker().SetClock(func() time.Time { return time.Now().Add(time.Minute) })

	// The admitted probe dies before reaching the network.
	c.config.BaseURL = "http://bad url"
	if _, err := c.FetchJSON(ctx, "/v1/orders/", nil); err == nil {
		t.Fatal("Call with unparseable URL should fail")
	}

	// The probe slot must be free again: the next call is admitted and
	// fails on construction, not with a circuit rejection.
	_, err = c.FetchJSON(ctx, "/v1/orders/", nil)
	if err == nil {
		t.Fatal("Call with unparseable URL should fail")
	}
	if errors.Is(err, breaker.ErrOpen) {
		t.Errorf("FetchJSON() error = %v, want construction failure rather than circuit rejection", err)
	}
}

// failingStore always errors, exercising the degrade-to-miss path.
type failingStore struct{}

func (failingStore) Get(context.Context, string) (*cache.Entry, error) {
	return nil, fmt.Errorf("store unavailable")
}

func (failingStore) Upsert(context.Context, *cache.Entry) error {
	return fmt.Errorf("store unavailable")
}

func TestFetchJSONStoreFailureDegradesToMiss(t *testing.T) {
	mock := testutil.NewMockOrdersAPI()
	defer mock.Close()

	body := `[{"order_id": 1}]`
	mock.SetResponse("/v1/orders/", testutil.NewOrdersResponse(
		body, `"e1"`, "Mon, 02 Jan 2006 15:04:05 GMT", 1))

	c := newTestClient(t, mock, failingStore{})

	result, err := c.FetchJSON(context.Background(), "/v1/orders/", nil)
	if err != nil {
		t.Fatalf("FetchJSON() error = %v, want success despite failing store", err)
	}
	if result.Status != http.StatusOK {
		t.Errorf("Status = %d, want 200", result.Status)
	}
	// Without a readable entry there is nothing to be conditional about.
	if got := mock.LastRequestHeader().Get("If-None-Match"); got != "" {
		t.Errorf("If-None-Match = %q, want empty", got)
	}
}

func TestFetchJSONNotModifiedWithoutEntry(t *testing.T) {
	mock := testutil.NewMockOrdersAPI()
	defer mock.Close()

	mock.SetResponse("/v1/orders/", testutil.NewNotModifiedResponse())

	c := newTestClient(t, mock, cache.NewMemoryStore())

	_, err := c.FetchJSON(context.Background(), "/v1/orders/", nil)

	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("FetchJSON() error = %v, want FetchError", err)
	}
	if fetchErr.StatusCode != http.StatusNotModified {
		t.Errorf("StatusCode = %d, want 304", fetchErr.StatusCode)
	}
	if mock.RequestCount() != 1 {
		t.Errorf("RequestCount = %d, want 1 (uninterpretable 304 is not retried)", mock.RequestCount())
	}
	// The backend answered coherently, so the breaker saw a success.
	if st := c.Breaker().Status(); st.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0", st.ConsecutiveFailures)
	}
}

func TestFetchJSONEmptyBody(t *testing.T) {
	mock := testutil.NewMockOrdersAPI()
	defer mock.Close()

	mock.SetResponse("/v1/orders/", testutil.MockResponse{StatusCode: http.StatusOK})

	c := newTestClient(t, mock, cache.NewMemoryStore())

	result, err := c.FetchJSON(context.Background(), "/v1/orders/", nil)
	if err != nil {
		t.Fatalf("FetchJSON() error = %v", err)
	}
	if result.Body != nil {
		t.Errorf("Body = %s, want nil for empty response", result.Body)
	}
}

func TestFetchJSONInvalidJSON(t *testing.T) {
	mock := testutil.NewMockOrdersAPI()
	defer mock.Close()

	mock.SetResponse("/v1/orders/", testutil.MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"broken":`,
	})

	c := newTestClient(t, mock, cache.NewMemoryStore())

	_, err := c.FetchJSON(context.Background(), "/v1/orders/", nil)

	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("FetchJSON() error = %v, want FetchError for malformed JSON", err)
	}
	if mock.RequestCount() != 1 {
		t.Errorf("RequestCount = %d, want 1 (malformed body is not retried)", mock.RequestCount())
	}
}

func TestMetricsSnapshot(t *testing.T) {
	mock := testutil.NewMockOrdersAPI()
	defer mock.Close()

	mock.SetHandler("/v1/orders/", testutil.NewConditionalHandler(
		`"e1"`, "Mon, 02 Jan 2006 15:04:05 GMT", `[]`, 1))

	c := newTestClient(t, mock, cache.NewMemoryStore())
	ctx := context.Background()

	if _, err := c.FetchJSON(ctx, "/v1/orders/", nil); err != nil {
		t.Fatalf("First FetchJSON() error = %v", err)
	}
	if _, err := c.FetchJSON(ctx, "/v1/orders/", nil); err != nil {
		t.Fatalf("Second FetchJSON() error = %v", err)
	}

	m := c.Metrics()
	if m.TotalRequests != 2 {
		t.Errorf("TotalRequests = %d, want 2", m.TotalRequests)
	}
	if m.TotalCacheHits304 != 1 {
		t.Errorf("TotalCacheHits304 = %d, want 1", m.TotalCacheHits304)
	}
	if m.LastStatus != http.StatusNotModified {
		t.Errorf("LastStatus = %d, want 304", m.LastStatus)
	}
	if m.LastRateLimitRemaining != 100 {
		t.Errorf("LastRateLimitRemaining = %d, want 100", m.LastRateLimitRemaining)
	}
	if m.CircuitState != "closed" {
		t.Errorf("CircuitState = %q, want closed", m.CircuitState)
	}
}
