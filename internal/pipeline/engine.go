// Package pipeline wires the scrape pipeline together: fetch a raw payload
// from the source, normalize it into canonical records, and apply each
// record through the upsert layer. One failing record is logged and
// counted, never fatal to the run.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/llamatrack/llamatrack/internal/metrics"
	"github.com/llamatrack/llamatrack/internal/normalize"
	"github.com/llamatrack/llamatrack/internal/source"
	"github.com/llamatrack/llamatrack/internal/store"
)

const (
	fetchAttempts = 3
	fetchBackoff  = 2 * time.Second
)

// Store is the slice of the persistence layer the pipeline writes through.
type Store interface {
	Apply(ctx context.Context, rec normalize.Record) (store.Outcome, error)
}

// Guard short-circuits observations that were already applied recently.
type Guard interface {
	Seen(ctx context.Context, protocol string, ts time.Time) bool
	Mark(ctx context.Context, protocol string, ts time.Time)
}

// Pages scrapes valuation metrics off the rendered protocol page.
type Pages interface {
	Scrape(ctx context.Context, slug string) (*source.PageMetrics, error)
}

// Config collects the engine's collaborators. Guard and Pages are optional.
type Config struct {
	Store      Store
	Client     *source.Client
	Normalizer *normalize.Normalizer
	Guard      Guard
	Pages      Pages
	Logger     *slog.Logger
	Workers    int
}

type Engine struct {
	store   Store
	client  *source.Client
	norm    *normalize.Normalizer
	guard   Guard
	pages   Pages
	logger  *slog.Logger
	workers int
}

func New(cfg Config) *Engine {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	return &Engine{
		store:   cfg.Store,
		client:  cfg.Client,
		norm:    cfg.Normalizer,
		guard:   cfg.Guard,
		pages:   cfg.Pages,
		logger:  cfg.Logger,
		workers: workers,
	}
}

// Scrape runs one full pass over the protocol listing. When only is
// non-empty the run is restricted to those protocol names and, if a page
// scraper is configured, each is enriched with valuation metrics from the
// rendered protocol page. Applies to distinct protocols run in parallel on
// a bounded pool; each protocol's records stay inside one task, so writes
// to one protocol never race.
func (e *Engine) Scrape(ctx context.Context, only []string) (*Summary, error) {
	sum := newSummary("scrape")
	start := time.Now()

	payload, err := e.fetch(ctx, "protocols", func(c context.Context) ([]byte, error) {
		return e.client.Protocols(c)
	})
	if err != nil {
		metrics.RunsTotal.WithLabelValues("scrape", "error").Inc()
		return nil, fmt.Errorf("fetch protocols: %w", err)
	}

	records, badRecords, err := e.norm.Protocols(payload, start)
	if err != nil {
		metrics.RunsTotal.WithLabelValues("scrape", "error").Inc()
		return nil, fmt.Errorf("normalize protocols: %w", err)
	}
	for _, recErr := range badRecords {
		e.logger.Warn("skipping malformed record", "run_id", sum.RunID, "error", recErr)
		sum.addFailure()
	}

	records = filterByName(records, only)
	metrics.ProtocolsTracked.Set(float64(len(records)))

	pool := pond.NewPool(e.workers)
	group := pool.NewGroupContext(ctx)
	for _, rec := range records {
		group.SubmitErr(func() error {
			if len(only) > 0 && e.pages != nil {
				e.enrich(ctx, &rec)
			}
			e.apply(ctx, rec, sum)
			return ctx.Err()
		})
	}
	err = group.Wait()
	pool.StopAndWait()

	sum.Duration = time.Since(start)
	metrics.RunDuration.WithLabelValues("scrape").Observe(sum.Duration.Seconds())
	if err != nil {
		metrics.RunsTotal.WithLabelValues("scrape", "cancelled").Inc()
		return sum, err
	}
	metrics.RunsTotal.WithLabelValues("scrape", "ok").Inc()
	metrics.LastRunTimestamp.WithLabelValues("scrape").SetToCurrentTime()
	e.logger.Info("scrape run finished", "run_id", sum.RunID, "summary", sum.String())
	return sum, nil
}

// Backfill fetches the historical TVL series for one protocol and applies
// every point inside the requested range. Points apply sequentially:
// the upsert decision is a read-then-write on a single protocol.
func (e *Engine) Backfill(ctx context.Context, protocol string, from, to time.Time) (*Summary, error) {
	sum := newSummary("backfill")
	start := time.Now()

	slug := Slugify(protocol)
	payload, err := e.fetch(ctx, "protocol_history", func(c context.Context) ([]byte, error) {
		return e.client.ProtocolHistory(c, slug)
	})
	if err != nil {
		metrics.RunsTotal.WithLabelValues("backfill", "error").Inc()
		return nil, fmt.Errorf("fetch history for %s: %w", protocol, err)
	}

	records, badPoints, err := e.norm.History(payload)
	if err != nil {
		metrics.RunsTotal.WithLabelValues("backfill", "error").Inc()
		return nil, fmt.Errorf("normalize history for %s: %w", protocol, err)
	}
	for _, ptErr := range badPoints {
		e.logger.Warn("skipping malformed history point", "run_id", sum.RunID, "protocol", protocol, "error", ptErr)
		sum.addFailure()
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			metrics.RunsTotal.WithLabelValues("backfill", "cancelled").Inc()
			sum.Duration = time.Since(start)
			return sum, err
		}
		if !from.IsZero() && rec.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && rec.Timestamp.After(to) {
			continue
		}
		e.apply(ctx, rec, sum)
	}

	sum.Duration = time.Since(start)
	metrics.RunDuration.WithLabelValues("backfill").Observe(sum.Duration.Seconds())
	metrics.RunsTotal.WithLabelValues("backfill", "ok").Inc()
	metrics.LastRunTimestamp.WithLabelValues("backfill").SetToCurrentTime()
	e.logger.Info("backfill run finished", "run_id", sum.RunID, "protocol", protocol, "summary", sum.String())
	return sum, nil
}

// apply pushes one record through the guard and the store.
func (e *Engine) apply(ctx context.Context, rec normalize.Record, sum *Summary) {
	if e.guard != nil && e.guard.Seen(ctx, rec.Name, rec.Timestamp) {
		sum.add(store.OutcomeSkipped)
		metrics.RecordsTotal.WithLabelValues(store.OutcomeSkipped.String()).Inc()
		return
	}

	outcome, err := e.store.Apply(ctx, rec)
	if err != nil {
		e.logger.Error("apply record failed", "protocol", rec.Name, "error", err)
		sum.addFailure()
		metrics.RecordsTotal.WithLabelValues("error").Inc()
		return
	}

	if e.guard != nil {
		e.guard.Mark(ctx, rec.Name, rec.Timestamp)
	}
	sum.add(outcome)
	metrics.RecordsTotal.WithLabelValues(outcome.String()).Inc()
}

// enrich attaches scraped valuation metrics to a record. Failures degrade
// to a plain record; the page scrape is best effort.
func (e *Engine) enrich(ctx context.Context, rec *normalize.Record) {
	pm, err := e.pages.Scrape(ctx, Slugify(rec.Name))
	if err != nil {
		e.logger.Warn("page metrics unavailable", "protocol", rec.Name, "error", err)
		return
	}
	rec.ApplyValuation(pm.MarketCap, pm.AnnualRevenue)
}

// fetch wraps a source call with bounded retry and fetch metrics.
func (e *Engine) fetch(ctx context.Context, endpoint string, fn func(context.Context) ([]byte, error)) ([]byte, error) {
	var payload []byte
	start := time.Now()
	err := source.Retry(ctx, fetchAttempts, fetchBackoff, func() error {
		var ferr error
		payload, ferr = fn(ctx)
		return ferr
	})
	metrics.FetchDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.FetchTotal.WithLabelValues(endpoint, "error").Inc()
		return nil, err
	}
	metrics.FetchTotal.WithLabelValues(endpoint, "ok").Inc()
	return payload, nil
}

// Slugify turns a display name into the URL slug DeFi Llama uses.
func Slugify(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	return strings.ReplaceAll(slug, " ", "-")
}

func filterByName(records []normalize.Record, only []string) []normalize.Record {
	if len(only) == 0 {
		return records
	}
	wanted := make(map[string]bool, len(only))
	for _, name := range only {
		wanted[Slugify(name)] = true
	}
	out := records[:0]
	for _, rec := range records {
		if wanted[Slugify(rec.Name)] {
			out = append(out, rec)
		}
	}
	return out
}
