package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/llamatrack/llamatrack/internal/store"
)

// Summary aggregates one run. A single bad record never aborts a run, so
// the operator reads the damage here instead of in an exit code.
type Summary struct {
	RunID     string        `json:"run_id"`
	Kind      string        `json:"kind"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	mu         sync.Mutex
	Inserted   int64 `json:"inserted"`
	Updated    int64 `json:"updated"`
	Backfilled int64 `json:"backfilled"`
	Skipped    int64 `json:"skipped"`
	Failed     int64 `json:"failed"`
}

func newSummary(kind string) *Summary {
	return &Summary{
		RunID:     uuid.NewString(),
		Kind:      kind,
		StartedAt: time.Now().UTC(),
	}
}

func (s *Summary) add(o store.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch o {
	case store.OutcomeInserted:
		s.Inserted++
	case store.OutcomeUpdated:
		s.Updated++
	case store.OutcomeBackfilled:
		s.Backfilled++
	case store.OutcomeSkipped:
		s.Skipped++
	}
}

func (s *Summary) addFailure() {
	s.mu.Lock()
	s.Failed++
	s.mu.Unlock()
}

// Applied counts records that reached the store with any outcome.
func (s *Summary) Applied() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Inserted + s.Updated + s.Backfilled + s.Skipped
}

func (s *Summary) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("%s run %s: inserted=%d updated=%d backfilled=%d skipped=%d failed=%d in %s",
		s.Kind, s.RunID, s.Inserted, s.Updated, s.Backfilled, s.Skipped, s.Failed,
		s.Duration.Round(time.Millisecond))
}
