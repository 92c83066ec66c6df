package store

import (
	"testing"
	"time"
)

func TestDecide(t *testing.T) {
	base := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		hasSnapshot bool
		lastTS      time.Time
		recordTS    time.Time
		want        Outcome
	}{
		{"first sighting", false, time.Time{}, base, OutcomeInserted},
		{"newer record wins snapshot", true, base, base.Add(time.Hour), OutcomeUpdated},
		{"equal timestamp is a re-scrape", true, base, base, OutcomeSkipped},
		{"older record backfills history", true, base, base.Add(-time.Hour), OutcomeBackfilled},
		{"one second newer still updates", true, base, base.Add(time.Second), OutcomeUpdated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(tt.hasSnapshot, tt.lastTS, tt.recordTS)
			if got != tt.want {
				t.Errorf("Decide() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDecideEqualAcrossLocations(t *testing.T) {
	// Same instant in different zones must still count as a duplicate.
	utc := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)
	hkt := utc.In(time.FixedZone("HKT", 8*60*60))

	if got := Decide(true, utc, hkt); got != OutcomeSkipped {
		t.Errorf("Decide(same instant, different zone) = %v, want %v", got, OutcomeSkipped)
	}
}

func TestOutcomeString(t *testing.T) {
	tests := []struct {
		o    Outcome
		want string
	}{
		{OutcomeInserted, "inserted"},
		{OutcomeUpdated, "updated"},
		{OutcomeBackfilled, "backfilled"},
		{OutcomeSkipped, "skipped"},
		{Outcome(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.o.String(); got != tt.want {
			t.Errorf("Outcome(%d).String() = %q, want %q", tt.o, got, tt.want)
		}
	}
}
