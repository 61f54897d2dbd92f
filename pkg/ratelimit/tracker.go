package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit observation.
var (
	budgetRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orderbook_rate_limit_remaining",
		Help: "Requests remaining in the current orders API rate limit window",
	})

	budgetUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orderbook_rate_limit_updates_total",
		Help: "Total number of rate limit header observations",
	})
)

// Tracker records the advertised request budget. One tracker belongs to
// one client instance; state lives in memory for its lifetime.
type Tracker struct {
	mu     sync.RWMutex
	state  State
	logger zerolog.Logger
}

// NewTracker creates an empty tracker.
func NewTracker(logger zerolog.Logger) *Tracker {
	return &Tracker{
		state:  State{Remaining: -1},
		logger: logger,
	}
}

// UpdateFromHeaders parses the budget headers when present and records
// the new state. Responses without the headers are ignored.
func (t *Tracker) UpdateFromHeaders(headers http.Header) {
	remainStr := headers.Get("X-RateLimit-Remaining")
	if remainStr == "" {
		return
	}

	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		t.logger.Warn().Str("value", remainStr).Msg("Unparseable X-RateLimit-Remaining header")
		return
	}

	now := time.Now()
	state := State{
		Remaining:  remain,
		LastUpdate: now,
	}

	if resetStr := headers.Get("X-RateLimit-Reset"); resetStr != "" {
		if resetSeconds, err := strconv.Atoi(resetStr); err == nil {
			state.ResetAt = now.Add(time.Duration(resetSeconds) * time.Second)
		}
	}
	state.UpdateHealth()

	t.mu.Lock()
	t.state = state
	t.mu.Unlock()

	budgetRemaining.Set(float64(remain))
	budgetUpdatesTotal.Inc()

	switch {
	case state.IsCritical():
		t.logger.Error().
			Int("remaining", remain).
			Time("reset_at", state.ResetAt).
			Msg("Orders API request budget nearly exhausted")
	case state.IsWarning():
		t.logger.Warn().
			Int("remaining", remain).
			Time("reset_at", state.ResetAt).
			Msg("Orders API request budget low")
	default:
		t.logger.Debug().
			Int("remaining", remain).
			Bool("is_healthy", state.IsHealthy).
			Msg("Orders API request budget updated")
	}
}

// State returns a copy of the most recently observed budget.
func (t *Tracker) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}
