package store

import "time"

// Outcome is the result of applying one canonical record.
type Outcome int

const (
	// OutcomeInserted: first sighting of the protocol. New snapshot, new
	// history row.
	OutcomeInserted Outcome = iota
	// OutcomeUpdated: newer timestamp than the snapshot. Snapshot replaced,
	// history row appended.
	OutcomeUpdated
	// OutcomeBackfilled: older timestamp than the snapshot. History row
	// appended, snapshot untouched.
	OutcomeBackfilled
	// OutcomeSkipped: duplicate of an already-applied observation. Nothing
	// written.
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	case OutcomeBackfilled:
		return "backfilled"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Decide picks the upsert outcome for a record timestamp against the
// current snapshot state. The newest timestamp owns the snapshot, every
// distinct timestamp lands in history, and an equal timestamp is an
// idempotent re-scrape. Kept pure so the tie-break is testable without a
// database; Apply downgrades Backfilled to Skipped when the history row
// already exists.
func Decide(hasSnapshot bool, lastTS, recordTS time.Time) Outcome {
	if !hasSnapshot {
		return OutcomeInserted
	}
	switch {
	case recordTS.After(lastTS):
		return OutcomeUpdated
	case recordTS.Equal(lastTS):
		return OutcomeSkipped
	default:
		return OutcomeBackfilled
	}
}
