package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/quoteline/orderbook-client/pkg/cache"
	"github.com/quoteline/orderbook-client/pkg/client"
	"github.com/quoteline/orderbook-client/pkg/logging"
	"github.com/quoteline/orderbook-client/pkg/snapshot"
)

func main() {
	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(getEnv("LOG_LEVEL", "info")),
		Pretty: getEnv("LOG_PRETTY", "") == "true",
		Output: os.Stderr,
	})

	redisURL := getEnv("REDIS_URL", "localhost:6379")
	port := getEnv("PORT", "8080")
	userAgent := getEnv("USER_AGENT", "orderbook-proxy/0.1.0 (ops@quoteline.io)")
	baseURL := getEnv("ORDERS_API_URL", "https://api.quoteline.io")
	endpoint := getEnv("ORDERS_ENDPOINT", "/v1/orders/")
	selector := getEnv("MARKET_SELECTOR", "")
	interval := getEnvDuration("POLL_INTERVAL", 5*time.Minute)
	maxPages := getEnvInt("MAX_PAGES", 0)

	redisClient := redis.NewClient(&redis.Options{
		Addr: redisURL,
	})

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Str("addr", redisURL).Msg("Failed to connect to Redis")
	}
	logger.Info().Str("addr", redisURL).Msg("Connected to Redis")

	cfg := client.DefaultConfig(cache.NewStore(redisClient), userAgent)
	cfg.BaseURL = baseURL

	ordersClient, err := client.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create orders client")
	}

	fetcher := snapshot.NewFetcher(ordersClient, endpoint, maxPages)
	scheduler := snapshot.NewScheduler(snapshot.SchedulerConfig{
		Interval: interval,
		Selector: selector,
	}, fetcher)

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler.Start(runCtx)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/latest", latestHandler(scheduler))
	mux.HandleFunc("/snapshot", snapshotHandler(fetcher, scheduler, selector))
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    ":" + port,
		Handler: mux,
	}

	go func() {
		logger.Info().Str("addr", server.Addr).Str("user_agent", userAgent).Msg("Starting orderbook proxy")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-runCtx.Done()
	logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Scheduler shutdown failed")
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// latestHandler serves the scheduler-fed snapshot: never blocks on
// network I/O.
func latestHandler(scheduler *snapshot.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := scheduler.Latest()
		if snap == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "no snapshot available yet, retry later",
			})
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// snapshotHandler is the blocking on-demand path. Degradations follow
// the serving contract: circuit-open serves a 503 with the last-known
// snapshot metadata, anything else a redacted 500.
func snapshotHandler(fetcher *snapshot.Fetcher, scheduler *snapshot.Scheduler, defaultSelector string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		selector := r.URL.Query().Get("market")
		if selector == "" {
			selector = defaultSelector
		}

		ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
		defer cancel()

		snap, err := fetcher.FetchSnapshot(ctx, selector)
		if err != nil {
			var openErr *client.CircuitOpenError
			switch {
			case errors.As(err, &openErr):
				payload := map[string]any{
					"error":         "orders backend unavailable",
					"circuit_state": openErr.Metrics.CircuitState,
				}
				if last := scheduler.Latest(); last != nil {
					payload["last_snapshot_fetched_at"] = last.FetchedAt
					payload["last_snapshot_last_modified"] = last.LastModified
				}
				writeJSON(w, http.StatusServiceUnavailable, payload)

			case errors.Is(err, snapshot.ErrNotModified):
				if last := scheduler.Latest(); last != nil {
					writeJSON(w, http.StatusOK, last)
					return
				}
				// Warm validators from a previous process, nothing to
				// fall back on: transfer the snapshot in full.
				fresh, err := fetcher.FetchSnapshotFresh(ctx, selector)
				if err != nil {
					writeJSON(w, http.StatusInternalServerError, map[string]string{
						"error": "snapshot fetch failed",
					})
					return
				}
				writeJSON(w, http.StatusOK, fresh)

			default:
				writeJSON(w, http.StatusInternalServerError, map[string]string{
					"error": "snapshot fetch failed",
				})
			}
			return
		}

		writeJSON(w, http.StatusOK, snap)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
