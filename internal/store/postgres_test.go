package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/llamatrack/llamatrack/internal/normalize"
)

// testStore connects to the database named by TEST_DATABASE_URL and skips
// the test when none is configured.
func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	s, err := New(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(s.Close)
	return s
}

// testProtocol returns a name unique to this test run and removes its rows
// afterwards.
func testProtocol(t *testing.T, s *Store, prefix string) string {
	t.Helper()
	name := fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	t.Cleanup(func() {
		ctx := context.Background()
		_, _ = s.pool.Exec(ctx, `DELETE FROM protocol_history WHERE protocol = $1`, name)
		_, _ = s.pool.Exec(ctx, `DELETE FROM protocol_snapshots WHERE name = $1`, name)
	})
	return name
}

func TestListHistoryRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	name := testProtocol(t, s, "roundtrip")

	base := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	// Out of timestamp order on purpose: the middle point arrives last as
	// a backfill.
	offsets := []int{0, 2, 4, 3, 1}
	for i, off := range offsets {
		_, err := s.Apply(ctx, normalize.Record{
			Name:      name,
			TVL:       decimal.NewFromInt(int64(100 + i)),
			Timestamp: base.Add(time.Duration(off) * time.Hour),
		})
		require.NoError(t, err)
	}

	points, err := s.ListHistory(ctx, name, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, points, len(offsets))
	for i := 1; i < len(points); i++ {
		require.True(t, points[i-1].Timestamp.Before(points[i].Timestamp),
			"history must come back ascending: %v before %v", points[i-1].Timestamp, points[i].Timestamp)
	}

	// A narrowed range drops the points outside it.
	points, err = s.ListHistory(ctx, name, base.Add(time.Hour), base.Add(3*time.Hour))
	require.NoError(t, err)
	require.Len(t, points, 3)
}

func TestQueryNoMatchIsEmptyNotError(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, f := range []QueryFilter{
		{Protocol: "no-such-protocol-anywhere"},
		{Protocol: "no-such-protocol-anywhere", From: time.Unix(0, 0), To: time.Now()},
	} {
		rows, err := s.Query(ctx, f)
		require.NoError(t, err)
		require.NotNil(t, rows)
		require.Empty(t, rows)
	}
}

func TestQueryCarriesValuationColumns(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	name := testProtocol(t, s, "valuation")

	mc := decimal.NewFromInt(12_000_000_000)
	rev := decimal.NewFromInt(600_000_000)
	pe := decimal.NewFromInt(20)
	_, err := s.Apply(ctx, normalize.Record{
		Name:          name,
		Category:      "Derivatives",
		TVL:           decimal.NewFromInt(500),
		Timestamp:     time.Now(),
		MarketCap:     &mc,
		AnnualRevenue: &rev,
		PERatio:       &pe,
	})
	require.NoError(t, err)

	rows, err := s.Query(ctx, QueryFilter{Protocol: name})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.True(t, rows[0].MarketCap.Valid)
	require.Equal(t, "12000000000", rows[0].MarketCap.Decimal.String())
	require.True(t, rows[0].AnnualRevenue.Valid)
	require.True(t, rows[0].PERatio.Valid)
	require.Equal(t, "20", rows[0].PERatio.Decimal.String())
}
