package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/llamatrack/llamatrack/internal/normalize"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// --- Snapshots ---

// Snapshot is the current view of one protocol.
type Snapshot struct {
	Name          string              `json:"name"`
	Category      string              `json:"category"`
	Chains        []string            `json:"chains"`
	TVL           decimal.Decimal     `json:"tvl"`
	MarketCap     decimal.NullDecimal `json:"market_cap"`
	AnnualRevenue decimal.NullDecimal `json:"annual_revenue"`
	PERatio       decimal.NullDecimal `json:"pe_ratio"`
	LastTS        time.Time           `json:"last_ts"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// HistoryPoint is one immutable observation in a protocol's time series.
type HistoryPoint struct {
	Protocol  string          `json:"protocol"`
	Timestamp time.Time       `json:"timestamp"`
	TVL       decimal.Decimal `json:"tvl"`
}

// Apply runs the upsert decision for one record inside a single
// transaction: the snapshot write and the history append commit together
// or not at all. The snapshot row is locked first, so concurrent writers
// to the same protocol serialize here.
func (s *Store) Apply(ctx context.Context, rec normalize.Record) (Outcome, error) {
	ts := rec.Timestamp.UTC().Truncate(time.Second)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var lastTS time.Time
	hasSnapshot := true
	err = tx.QueryRow(ctx,
		`SELECT last_ts FROM protocol_snapshots WHERE name = $1 FOR UPDATE`, rec.Name).
		Scan(&lastTS)
	if errors.Is(err, pgx.ErrNoRows) {
		hasSnapshot = false
	} else if err != nil {
		return OutcomeSkipped, fmt.Errorf("lookup snapshot %s: %w", rec.Name, err)
	}

	outcome := Decide(hasSnapshot, lastTS.UTC(), ts)

	switch outcome {
	case OutcomeInserted, OutcomeUpdated:
		if _, err := tx.Exec(ctx, `
			INSERT INTO protocol_snapshots (name, category, chains, tvl, market_cap, annual_revenue, pe_ratio, last_ts, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
			ON CONFLICT (name) DO UPDATE SET
				category = EXCLUDED.category,
				chains = EXCLUDED.chains,
				tvl = EXCLUDED.tvl,
				market_cap = COALESCE(EXCLUDED.market_cap, protocol_snapshots.market_cap),
				annual_revenue = COALESCE(EXCLUDED.annual_revenue, protocol_snapshots.annual_revenue),
				pe_ratio = COALESCE(EXCLUDED.pe_ratio, protocol_snapshots.pe_ratio),
				last_ts = EXCLUDED.last_ts,
				updated_at = now()`,
			rec.Name, rec.Category, chainsOrEmpty(rec.Chains), rec.TVL,
			nullDec(rec.MarketCap), nullDec(rec.AnnualRevenue), nullDec(rec.PERatio), ts); err != nil {
			return OutcomeSkipped, fmt.Errorf("upsert snapshot %s: %w", rec.Name, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO protocol_history (protocol, ts, tvl) VALUES ($1, $2, $3)
			ON CONFLICT (protocol, ts) DO NOTHING`,
			rec.Name, ts, rec.TVL); err != nil {
			return OutcomeSkipped, fmt.Errorf("append history %s: %w", rec.Name, err)
		}

	case OutcomeBackfilled:
		tag, err := tx.Exec(ctx, `
			INSERT INTO protocol_history (protocol, ts, tvl) VALUES ($1, $2, $3)
			ON CONFLICT (protocol, ts) DO NOTHING`,
			rec.Name, ts, rec.TVL)
		if err != nil {
			return OutcomeSkipped, fmt.Errorf("append history %s: %w", rec.Name, err)
		}
		if tag.RowsAffected() == 0 {
			outcome = OutcomeSkipped
		}

	case OutcomeSkipped:
		// Re-scrape of the same run. Nothing to write.
	}

	if err := tx.Commit(ctx); err != nil {
		return OutcomeSkipped, fmt.Errorf("commit %s: %w", rec.Name, err)
	}
	return outcome, nil
}

const snapshotCols = `name, category, chains, tvl, market_cap, annual_revenue, pe_ratio, last_ts, updated_at`

// GetSnapshot returns the current view of one protocol, or nil when the
// protocol has never been seen.
func (s *Store) GetSnapshot(ctx context.Context, name string) (*Snapshot, error) {
	var snap Snapshot
	err := s.pool.QueryRow(ctx,
		`SELECT `+snapshotCols+` FROM protocol_snapshots WHERE name = $1`, name).
		Scan(&snap.Name, &snap.Category, &snap.Chains, &snap.TVL,
			&snap.MarketCap, &snap.AnnualRevenue, &snap.PERatio, &snap.LastTS, &snap.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListHistory returns the time series for one protocol, ascending by
// timestamp. Zero from/to bounds are open.
func (s *Store) ListHistory(ctx context.Context, name string, from, to time.Time) ([]HistoryPoint, error) {
	sql := `SELECT protocol, ts, tvl FROM protocol_history WHERE protocol = $1`
	args := []any{name}
	if !from.IsZero() {
		args = append(args, from)
		sql += ` AND ts >= $` + strconv.Itoa(len(args))
	}
	if !to.IsZero() {
		args = append(args, to)
		sql += ` AND ts <= $` + strconv.Itoa(len(args))
	}
	sql += ` ORDER BY ts ASC`

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []HistoryPoint
	for rows.Next() {
		var p HistoryPoint
		if err := rows.Scan(&p.Protocol, &p.Timestamp, &p.TVL); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// --- Query facade ---

// QueryFilter narrows a report. Empty fields match everything.
type QueryFilter struct {
	Protocol string
	Chain    string
	Category string
	From     time.Time
	To       time.Time
}

// Row is one line of a report: either a current snapshot (no time range
// given) or a historical point joined with the protocol's descriptive
// attributes.
type Row struct {
	Protocol      string              `json:"protocol"`
	Category      string              `json:"category"`
	Chains        []string            `json:"chains"`
	TVL           decimal.Decimal     `json:"tvl"`
	MarketCap     decimal.NullDecimal `json:"market_cap"`
	AnnualRevenue decimal.NullDecimal `json:"annual_revenue"`
	PERatio       decimal.NullDecimal `json:"pe_ratio"`
	Timestamp     time.Time           `json:"timestamp"`
}

// Query returns matching rows ordered by timestamp then protocol. A filter
// that matches nothing returns an empty slice.
func (s *Store) Query(ctx context.Context, f QueryFilter) ([]Row, error) {
	var (
		sql   string
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	timed := !f.From.IsZero() || !f.To.IsZero()
	if timed {
		sql = `SELECT h.protocol, p.category, p.chains, h.tvl, p.market_cap, p.annual_revenue, p.pe_ratio, h.ts
			FROM protocol_history h
			JOIN protocol_snapshots p ON p.name = h.protocol`
		if !f.From.IsZero() {
			where = append(where, `h.ts >= `+arg(f.From))
		}
		if !f.To.IsZero() {
			where = append(where, `h.ts <= `+arg(f.To))
		}
		if f.Protocol != "" {
			where = append(where, `h.protocol = `+arg(f.Protocol))
		}
	} else {
		sql = `SELECT p.name, p.category, p.chains, p.tvl, p.market_cap, p.annual_revenue, p.pe_ratio, p.last_ts FROM protocol_snapshots p`
		if f.Protocol != "" {
			where = append(where, `p.name = `+arg(f.Protocol))
		}
	}
	if f.Category != "" {
		where = append(where, `p.category = `+arg(f.Category))
	}
	if f.Chain != "" {
		where = append(where, arg(f.Chain)+` = ANY(p.chains)`)
	}
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, ` AND `)
	}
	if timed {
		sql += ` ORDER BY h.ts ASC, h.protocol ASC`
	} else {
		sql += ` ORDER BY p.tvl DESC, p.name ASC`
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Row{}
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.Protocol, &r.Category, &r.Chains, &r.TVL,
			&r.MarketCap, &r.AnnualRevenue, &r.PERatio, &r.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Summary ---

// Summary describes what the store currently holds.
type Summary struct {
	Protocols     int64      `json:"protocols"`
	HistoryPoints int64      `json:"history_points"`
	Earliest      *time.Time `json:"earliest,omitempty"`
	Latest        *time.Time `json:"latest,omitempty"`
}

func (s *Store) Summarize(ctx context.Context) (*Summary, error) {
	var sum Summary
	err := s.pool.QueryRow(ctx, `
		SELECT (SELECT COUNT(*) FROM protocol_snapshots),
		       COUNT(*), MIN(ts), MAX(ts)
		FROM protocol_history`).
		Scan(&sum.Protocols, &sum.HistoryPoints, &sum.Earliest, &sum.Latest)
	if err != nil {
		return nil, err
	}
	return &sum, nil
}

func chainsOrEmpty(chains []string) []string {
	if chains == nil {
		return []string{}
	}
	return chains
}

func nullDec(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(*d)
}
