package snapshot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/quoteline/orderbook-client/pkg/client"
	"github.com/quoteline/orderbook-client/pkg/logging"
)

const (
	// consistencyAttempts is the number of full passes tried before
	// degrading to the page-1-only fallback.
	consistencyAttempts = 2

	// pagesHeader declares the page count on page 1.
	pagesHeader = "X-Pages"
)

// ErrNotModified reports that the upstream confirmed the resource is
// unchanged (304 on page 1): callers keep their previously published
// snapshot.
var ErrNotModified = errors.New("orders unchanged since last snapshot")

// errInconsistent is internal: pages of one pass disagreed on the
// freshness token. Triggers a full-pass retry; after the bounded retries
// it surfaces only as Snapshot.Fallback, never as an error.
var errInconsistent = errors.New("inconsistent pagination")

var passesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "orderbook_snapshot_passes_total",
	Help: "Total paginated passes by result",
}, []string{"result"}) // "consistent", "inconsistent", "fallback", "not_modified", "error"

// Fetcher assembles consistent snapshots from the paginated orders
// endpoint. Pages are fetched strictly sequentially: parallel pages would
// burn rate-limit budget and make the consistency check meaningless.
type Fetcher struct {
	client   *client.Client
	endpoint string
	maxPages int
	logger   zerolog.Logger
}

// NewFetcher creates a fetcher for one paginated endpoint. maxPages caps
// the declared page count when > 0.
func NewFetcher(c *client.Client, endpoint string, maxPages int) *Fetcher {
	return &Fetcher{
		client:   c,
		endpoint: endpoint,
		maxPages: maxPages,
		logger:   logging.NewLogger("snapshot-fetcher"),
	}
}

// FetchSnapshot performs up to consistencyAttempts full passes and
// returns the first consistent one. When both passes are inconsistent it
// returns one best-effort page-1-only snapshot flagged Fallback.
func (f *Fetcher) FetchSnapshot(ctx context.Context, selector string) (*Snapshot, error) {
	return f.fetchSnapshot(ctx, selector, false)
}

// FetchSnapshotFresh is FetchSnapshot without conditional revalidation
// on page 1: the snapshot is always transferred in full, never answered
// with ErrNotModified. For callers holding no previous snapshot a 304
// could stand in for, e.g. after a restart with warm validators.
func (f *Fetcher) FetchSnapshotFresh(ctx context.Context, selector string) (*Snapshot, error) {
	return f.fetchSnapshot(ctx, selector, true)
}

func (f *Fetcher) fetchSnapshot(ctx context.Context, selector string, fresh bool) (*Snapshot, error) {
	for pass := 1; pass <= consistencyAttempts; pass++ {
		snap, err := f.fetchPass(ctx, selector, fresh)
		if errors.Is(err, errInconsistent) {
			passesTotal.WithLabelValues("inconsistent").Inc()
			f.logger.Warn().
				Int("pass", pass).
				Msg("Pages disagreed on freshness token, discarding pass")
			continue
		}
		if err != nil {
			if errors.Is(err, ErrNotModified) {
				passesTotal.WithLabelValues("not_modified").Inc()
			} else {
				passesTotal.WithLabelValues("error").Inc()
			}
			return nil, err
		}
		passesTotal.WithLabelValues("consistent").Inc()
		return snap, nil
	}

	// Bounded retries exhausted: degrade to a page-1-only view.
	f.logger.Warn().
		Int("attempts", consistencyAttempts).
		Msg("Consistency attempts exhausted, falling back to page 1 only")

	res, err := f.fetchPage(ctx, 1, fresh)
	if err != nil {
		passesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if res.FromCache {
		passesTotal.WithLabelValues("not_modified").Inc()
		return nil, ErrNotModified
	}

	orders, err := decodePage(res.Body)
	if err != nil {
		passesTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	passesTotal.WithLabelValues("fallback").Inc()
	now := time.Now()
	return &Snapshot{
		Records:      buildRecords(orders, selector, now),
		LastModified: res.Headers.Get("Last-Modified"),
		FetchedAt:    now,
		Fallback:     true,
	}, nil
}

// fetchPass performs one full paginated pass. Page 1 is always re-fetched
// per pass: the underlying data may have changed since the last attempt.
func (f *Fetcher) fetchPass(ctx context.Context, selector string, fresh bool) (*Snapshot, error) {
	first, err := f.fetchPage(ctx, 1, fresh)
	if err != nil {
		return nil, err
	}
	if first.FromCache {
		return nil, ErrNotModified
	}

	token := first.Headers.Get("Last-Modified")
	pages := declaredPages(first.Headers)
	if f.maxPages > 0 && pages > f.maxPages {
		pages = f.maxPages
	}

	orders, err := decodePage(first.Body)
	if err != nil {
		return nil, err
	}

	for page := 2; page <= pages; page++ {
		res, err := f.fetchPage(ctx, page, false)
		if err != nil {
			return nil, err
		}

		// A 304 here means this page matched a validator stored by an
		// earlier pass. When that validator is the pass token the data
		// is still consistent and only the body is missing (bodies are
		// never cached): transfer the page in full. Any other token
		// means the resource moved mid-pass.
		if res.FromCache {
			if res.Headers.Get("Last-Modified") != token {
				f.logger.Debug().
					Int("page", page).
					Str("expected", token).
					Str("got", res.Headers.Get("Last-Modified")).
					Msg("Cached freshness token mismatch")
				return nil, errInconsistent
			}
			res, err = f.fetchPage(ctx, page, true)
			if err != nil {
				return nil, err
			}
		}

		if res.Headers.Get("Last-Modified") != token {
			f.logger.Debug().
				Int("page", page).
				Str("expected", token).
				Str("got", res.Headers.Get("Last-Modified")).
				Msg("Freshness token mismatch")
			return nil, errInconsistent
		}

		pageOrders, err := decodePage(res.Body)
		if err != nil {
			return nil, err
		}
		orders = append(orders, pageOrders...)
	}

	now := time.Now()
	return &Snapshot{
		Records:      buildRecords(orders, selector, now),
		LastModified: token,
		FetchedAt:    now,
		Fallback:     false,
	}, nil
}

// fetchPage fetches one page of the endpoint, unconditionally when fresh.
func (f *Fetcher) fetchPage(ctx context.Context, page int, fresh bool) (*client.FetchResult, error) {
	query := url.Values{"page": []string{strconv.Itoa(page)}}

	fetch := f.client.FetchJSON
	if fresh {
		fetch = f.client.FetchJSONFresh
	}

	res, err := fetch(ctx, f.endpoint, query)
	if err != nil {
		return nil, fmt.Errorf("fetch page %d: %w", page, err)
	}
	if res.Status != http.StatusOK && res.Status != http.StatusNotModified {
		return nil, fmt.Errorf("fetch page %d: unexpected status %d", page, res.Status)
	}
	return res, nil
}

// declaredPages reads the page-count header, defaulting to 1 when absent
// or invalid.
func declaredPages(headers http.Header) int {
	v := headers.Get(pagesHeader)
	if v == "" {
		return 1
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 1
	}
	return n
}
