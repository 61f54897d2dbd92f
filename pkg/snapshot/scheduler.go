package snapshot

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/quoteline/orderbook-client/pkg/logging"
)

// MinInterval is the floor enforced on the scheduler interval so a
// misconfigured interval cannot thrash the upstream.
const MinInterval = 5 * time.Second

var (
	schedulerRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderbook_scheduler_runs_total",
		Help: "Total scheduler runs by result",
	}, []string{"result"}) // "published", "unchanged", "skipped", "failed"

	snapshotRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orderbook_snapshot_records",
		Help: "Record count of the latest published snapshot",
	})

	snapshotPublishedAt = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orderbook_snapshot_published_timestamp_seconds",
		Help: "Unix timestamp of the latest published snapshot",
	})
)

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	// Interval between passes. Values below MinInterval are raised to it.
	Interval time.Duration

	// Selector is the logical market to snapshot (empty: all).
	Selector string
}

// DefaultSchedulerConfig returns sensible defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval: 5 * time.Minute,
	}
}

// Scheduler periodically drives the fetcher and publishes the newest
// successful snapshot. The latest slot is single-writer (the scheduler)
// and multi-reader: readers observe either the old or the new snapshot
// in full, never a partial mix.
type Scheduler struct {
	cfg     SchedulerConfig
	fetcher *Fetcher
	logger  zerolog.Logger

	latest  atomic.Pointer[Snapshot]
	running atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler. The interval floor is applied here.
func NewScheduler(cfg SchedulerConfig, fetcher *Fetcher) *Scheduler {
	if cfg.Interval < MinInterval {
		cfg.Interval = MinInterval
	}
	return &Scheduler{
		cfg:     cfg,
		fetcher: fetcher,
		logger:  logging.NewLogger("snapshot-scheduler"),
	}
}

// Start begins the scheduling loop. One pass runs immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.run()

	s.logger.Info().
		Dur("interval", s.cfg.Interval).
		Str("selector", s.cfg.Selector).
		Msg("Snapshot scheduler started")
}

// Stop cancels the periodic timer and waits for an in-flight pass to
// finish or time out, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("Snapshot scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Latest returns the most recently published snapshot, or nil before the
// first successful pass. Non-blocking.
func (s *Scheduler) Latest() *Snapshot {
	return s.latest.Load()
}

// run is the main scheduling loop.
func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	// Publish as soon as possible on startup.
	s.tick()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick runs one pass. Overlapping ticks are disallowed: a tick arriving
// while a pass is in flight is skipped, keeping breaker counters and
// rate-limit budget coherent.
func (s *Scheduler) tick() {
	if !s.running.CompareAndSwap(false, true) {
		schedulerRunsTotal.WithLabelValues("skipped").Inc()
		s.logger.Warn().Msg("Previous pass still in flight, skipping tick")
		return
	}
	defer s.running.Store(false)

	start := time.Now()
	snap, err := s.fetcher.FetchSnapshot(s.ctx, s.cfg.Selector)
	if errors.Is(err, ErrNotModified) && s.latest.Load() == nil {
		// Warm validator cache, cold process: there is no previous
		// snapshot a 304 could stand in for. Transfer once in full.
		s.logger.Info().Msg("No snapshot published yet, forcing full fetch")
		snap, err = s.fetcher.FetchSnapshotFresh(s.ctx, s.cfg.Selector)
	}

	switch {
	case err == nil:
		s.latest.Store(snap)
		snapshotRecords.Set(float64(len(snap.Records)))
		snapshotPublishedAt.Set(float64(snap.FetchedAt.Unix()))
		schedulerRunsTotal.WithLabelValues("published").Inc()

		m := s.fetcher.client.Metrics()
		s.logger.Info().
			Dur("duration", time.Since(start)).
			Int("records", len(snap.Records)).
			Str("last_modified", snap.LastModified).
			Bool("fallback", snap.Fallback).
			Int64("total_requests", m.TotalRequests).
			Int64("total_retries", m.TotalRetries).
			Int64("total_cache_hits_304", m.TotalCacheHits304).
			Msg("Snapshot published")

	case errors.Is(err, ErrNotModified):
		schedulerRunsTotal.WithLabelValues("unchanged").Inc()
		s.logger.Debug().
			Dur("duration", time.Since(start)).
			Msg("Snapshot unchanged, keeping previous")

	default:
		// The previous snapshot stays published: stale but available.
		schedulerRunsTotal.WithLabelValues("failed").Inc()
		s.logger.Error().
			Err(err).
			Dur("duration", time.Since(start)).
			Msg("Snapshot pass failed, keeping previous")
	}
}
