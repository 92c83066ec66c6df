package store

import "context"

const migrationSQL = `
CREATE TABLE IF NOT EXISTS protocol_snapshots (
    name TEXT PRIMARY KEY,
    category TEXT NOT NULL DEFAULT '',
    chains TEXT[] NOT NULL DEFAULT '{}',
    tvl NUMERIC NOT NULL,
    market_cap NUMERIC,
    annual_revenue NUMERIC,
    pe_ratio NUMERIC,
    last_ts TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS protocol_history (
    protocol TEXT NOT NULL,
    ts TIMESTAMPTZ NOT NULL,
    tvl NUMERIC NOT NULL,
    PRIMARY KEY (protocol, ts)
);

CREATE INDEX IF NOT EXISTS protocol_history_ts_idx ON protocol_history (ts);
CREATE INDEX IF NOT EXISTS protocol_snapshots_category_idx ON protocol_snapshots (category);
`

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, migrationSQL)
	return err
}
