package synctrack

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"aidbeacon.org/beacon/internal/db"
)

// execRecorderTx captures executed statements.
type execRecorderTx struct {
	queries []string
	args    [][]any
}

func (f *execRecorderTx) QueryRow(ctx context.Context, query string, args ...any) *db.Row {
	return nil
}

func (f *execRecorderTx) Query(ctx context.Context, query string, args ...any) (*db.Rows, error) {
	return nil, nil
}

func (f *execRecorderTx) Exec(ctx context.Context, query string, args ...any) (db.CommandTag, error) {
	f.queries = append(f.queries, query)
	f.args = append(f.args, args)
	return db.CommandTag{}, nil
}

func (f *execRecorderTx) Commit(ctx context.Context) error   { return nil }
func (f *execRecorderTx) Rollback(ctx context.Context) error { return nil }

// fakeCycleStore scripts the miss counts a cycle close observes.
type fakeCycleStore struct {
	missed []missRecord

	flagged      []int64
	disappeared  []int64
	activeByID   map[int64]bool
	committed    bool
	rolledBack   bool
	cycleIDSeen  int64
	sourceIDSeen int64
}

func (f *fakeCycleStore) IncrementMisses(ctx context.Context, cycleID int64, now time.Time) ([]missRecord, error) {
	f.cycleIDSeen = cycleID
	return f.missed, nil
}

func (f *fakeCycleStore) FlagDisappeared(ctx context.Context, resourceID int64, now time.Time) error {
	f.flagged = append(f.flagged, resourceID)
	return nil
}

func (f *fakeCycleStore) DisappearResource(ctx context.Context, resourceID int64, now time.Time) (bool, error) {
	if f.activeByID != nil && !f.activeByID[resourceID] {
		return false, nil
	}
	f.disappeared = append(f.disappeared, resourceID)
	return true, nil
}

func (f *fakeCycleStore) Commit(ctx context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeCycleStore) Rollback(ctx context.Context) error {
	if !f.committed {
		f.rolledBack = true
	}
	return nil
}

func newCycleTracker(store *fakeCycleStore, missThreshold int) *Tracker {
	t := &Tracker{logger: zerolog.Nop(), missThreshold: missThreshold}
	t.beginCycle = func(ctx context.Context, sourceID int64) (cycleStore, error) {
		store.sourceIDSeen = sourceID
		return store, nil
	}
	return t
}

func TestCloseCycleSingleMissIsTolerated(t *testing.T) {
	t.Parallel()

	store := &fakeCycleStore{missed: []missRecord{{ResourceID: 10, Misses: 1}}}
	result, err := newCycleTracker(store, 2).CloseCycle(context.Background(), 3, 7)
	if err != nil {
		t.Fatalf("CloseCycle returned error: %v", err)
	}
	if result.Missed != 1 {
		t.Errorf("missed = %d, want 1", result.Missed)
	}
	if result.Disappeared != 0 {
		t.Errorf("a single miss must not retire a resource, disappeared = %d", result.Disappeared)
	}
	if len(store.flagged) != 0 {
		t.Errorf("unexpected disappearance flags: %v", store.flagged)
	}
	if !store.committed {
		t.Error("cycle close must commit even without disappearances")
	}
}

func TestCloseCycleThresholdMissesDisappear(t *testing.T) {
	t.Parallel()

	store := &fakeCycleStore{missed: []missRecord{
		{ResourceID: 10, Misses: 1},
		{ResourceID: 11, Misses: 2},
		{ResourceID: 12, Misses: 3},
	}}
	result, err := newCycleTracker(store, 2).CloseCycle(context.Background(), 3, 7)
	if err != nil {
		t.Fatalf("CloseCycle returned error: %v", err)
	}
	if result.Missed != 3 {
		t.Errorf("missed = %d, want 3", result.Missed)
	}
	if result.Disappeared != 2 {
		t.Errorf("disappeared = %d, want 2", result.Disappeared)
	}
	if len(store.flagged) != 2 || store.flagged[0] != 11 || store.flagged[1] != 12 {
		t.Errorf("unexpected flagged set: %v", store.flagged)
	}
	if store.cycleIDSeen != 7 || store.sourceIDSeen != 3 {
		t.Errorf("cycle close ran against source=%d cycle=%d", store.sourceIDSeen, store.cycleIDSeen)
	}
}

func TestCloseCycleCountsOnlyTransitionedResources(t *testing.T) {
	t.Parallel()

	// Resource 20 is already past active, so the status transition is a no-op
	// and must not be counted as a disappearance.
	store := &fakeCycleStore{
		missed:     []missRecord{{ResourceID: 20, Misses: 2}, {ResourceID: 21, Misses: 2}},
		activeByID: map[int64]bool{21: true},
	}
	result, err := newCycleTracker(store, 2).CloseCycle(context.Background(), 3, 8)
	if err != nil {
		t.Fatalf("CloseCycle returned error: %v", err)
	}
	if result.Disappeared != 1 {
		t.Errorf("disappeared = %d, want 1", result.Disappeared)
	}
	if len(store.disappeared) != 1 || store.disappeared[0] != 21 {
		t.Errorf("unexpected transitioned set: %v", store.disappeared)
	}
}

// A resource seen again after going missing must come back clean: the upsert
// zeroes the miss counter and clears the disappearance flag.
func TestMarkObservedResetsMissesAndDisappearance(t *testing.T) {
	t.Parallel()

	tx := &execRecorderTx{}
	pageID := int64(4)
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	if err := MarkObservedTx(context.Background(), tx, 10, 3, 7, &pageID, now); err != nil {
		t.Fatalf("MarkObservedTx returned error: %v", err)
	}
	if len(tx.queries) != 1 {
		t.Fatalf("expected a single upsert, got %d statements", len(tx.queries))
	}

	upsert := tx.queries[0]
	if !strings.Contains(upsert, "consecutive_misses = 0") {
		t.Error("observation must reset the miss counter")
	}
	if !strings.Contains(upsert, "disappeared_at = NULL") {
		t.Error("observation must clear the disappearance flag")
	}
	if !strings.Contains(upsert, "ON CONFLICT (resource_id, source_id)") {
		t.Error("observation must upsert on the (resource, source) key")
	}
}

func TestNewTrackerDefaultsMissThreshold(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(nil, zerolog.Nop(), 0)
	if tracker.missThreshold != 2 {
		t.Errorf("missThreshold = %d, want 2", tracker.missThreshold)
	}
}
