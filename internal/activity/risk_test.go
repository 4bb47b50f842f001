package activity

import (
	"context"
	"fmt"
	"testing"
	"time"
)

// scorerStoreStub implements ScorerStore over a fixed slice.
type scorerStoreStub struct {
	records []Record
	merges  map[string]SecurityUpdate
}

func newScorerStoreStub(records []Record) *scorerStoreStub {
	return &scorerStoreStub{records: records, merges: make(map[string]SecurityUpdate)}
}

func (s *scorerStoreStub) ActorWindow(_ context.Context, actorID string, since time.Time) ([]Record, error) {
	var out []Record
	for _, rec := range s.records {
		if rec.ActorID == actorID && !rec.Request.OccurredAt.Before(since) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *scorerStoreStub) MergeSecurity(_ context.Context, id string, update SecurityUpdate) error {
	s.merges[id] = update
	return nil
}

func windowRecords(actorID string, kind Kind, status Status, n int, now time.Time) []Record {
	records := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, Record{
			ID:      fmt.Sprintf("rec-%d", i),
			Kind:    kind,
			Status:  status,
			ActorID: actorID,
			Request: RequestContext{
				SourceAddress: "10.0.0.1",
				OccurredAt:    now.Add(-time.Duration(i) * time.Second),
			},
		})
	}
	return records
}

func TestEvaluateRapidCreation(t *testing.T) {
	now := time.Now().UTC()
	store := newScorerStoreStub(windowRecords("actor-1", KindAccountCreate, StatusSuccess, 6, now))
	scorer := NewScorer(RiskConfig{}, store, nil)

	findings, err := scorer.Evaluate(context.Background(), "actor-1", now)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("findings = %d, want 1", len(findings))
	}
	if findings[0].Flag != FlagRapidCreation {
		t.Errorf("flag = %q, want %q", findings[0].Flag, FlagRapidCreation)
	}
	if findings[0].RiskScore != 70 {
		t.Errorf("riskScore = %d, want 70", findings[0].RiskScore)
	}
	if findings[0].Count != 6 {
		t.Errorf("count = %d, want 6", findings[0].Count)
	}
}

func TestEvaluateAtThresholdIsClean(t *testing.T) {
	now := time.Now().UTC()
	// Exactly the threshold: thresholds are strict greater-than.
	store := newScorerStoreStub(windowRecords("actor-1", KindAccountCreate, StatusSuccess, 5, now))
	scorer := NewScorer(RiskConfig{}, store, nil)

	findings, err := scorer.Evaluate(context.Background(), "actor-1", now)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if len(findings) != 0 {
		t.Errorf("findings = %v, want none at threshold", findings)
	}
}

func TestEvaluateMultipleFailures(t *testing.T) {
	now := time.Now().UTC()
	store := newScorerStoreStub(windowRecords("actor-1", KindAccountUpdate, StatusFailure, 11, now))
	scorer := NewScorer(RiskConfig{}, store, nil)

	findings, err := scorer.Evaluate(context.Background(), "actor-1", now)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if len(findings) != 1 || findings[0].Flag != FlagMultipleFailures {
		t.Fatalf("findings = %+v, want one MULTIPLE_FAILURES", findings)
	}
	if findings[0].RiskScore != 60 {
		t.Errorf("riskScore = %d, want 60", findings[0].RiskScore)
	}
}

func TestEvaluateMultipleSources(t *testing.T) {
	now := time.Now().UTC()
	records := make([]Record, 0, 4)
	for i := 0; i < 4; i++ {
		records = append(records, Record{
			ID:      fmt.Sprintf("rec-%d", i),
			Kind:    KindAccountView,
			Status:  StatusSuccess,
			ActorID: "actor-1",
			Request: RequestContext{
				SourceAddress: fmt.Sprintf("10.0.0.%d", i+1),
				OccurredAt:    now,
			},
		})
	}
	store := newScorerStoreStub(records)
	scorer := NewScorer(RiskConfig{}, store, nil)

	findings, err := scorer.Evaluate(context.Background(), "actor-1", now)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if len(findings) != 1 || findings[0].Flag != FlagMultipleSources {
		t.Fatalf("findings = %+v, want one MULTIPLE_SOURCES", findings)
	}
	if findings[0].RiskScore != 50 {
		t.Errorf("riskScore = %d, want 50", findings[0].RiskScore)
	}
}

func TestEvaluateOutsideWindowIgnored(t *testing.T) {
	now := time.Now().UTC()
	records := windowRecords("actor-1", KindAccountCreate, StatusSuccess, 3, now)
	// Old creations fall outside the window and must not count.
	old := windowRecords("actor-1", KindAccountCreate, StatusSuccess, 10, now.Add(-2*time.Hour))
	store := newScorerStoreStub(append(records, old...))
	scorer := NewScorer(RiskConfig{Window: time.Hour}, store, nil)

	findings, err := scorer.Evaluate(context.Background(), "actor-1", now)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if len(findings) != 0 {
		t.Errorf("findings = %+v, want none", findings)
	}
}

func TestScoreAppliesOnlyToTriggeringRecord(t *testing.T) {
	now := time.Now().UTC()
	records := windowRecords("actor-1", KindAccountCreate, StatusSuccess, 6, now)
	store := newScorerStoreStub(records)
	scorer := NewScorer(RiskConfig{}, store, nil)

	findings, err := scorer.Score(context.Background(), "actor-1", "rec-0", now)
	if err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("findings = %d, want 1", len(findings))
	}

	if len(store.merges) != 1 {
		t.Fatalf("merged %d records, want only the triggering one", len(store.merges))
	}
	update, ok := store.merges["rec-0"]
	if !ok {
		t.Fatal("triggering record rec-0 got no merge")
	}
	if update.RiskScore != 70 {
		t.Errorf("merged riskScore = %d, want 70", update.RiskScore)
	}
	if !update.Flagged || !update.Permanent {
		t.Errorf("update = %+v, want flagged and permanent at threshold 70", update)
	}
}

func TestScoreMergesMaxOfFindings(t *testing.T) {
	now := time.Now().UTC()
	// 11 failed creations from 4 sources: all three heuristics fire.
	records := make([]Record, 0, 11)
	for i := 0; i < 11; i++ {
		records = append(records, Record{
			ID:      fmt.Sprintf("rec-%d", i),
			Kind:    KindAccountCreate,
			Status:  StatusFailure,
			ActorID: "actor-1",
			Request: RequestContext{
				SourceAddress: fmt.Sprintf("10.0.0.%d", i%4+1),
				OccurredAt:    now,
			},
		})
	}
	store := newScorerStoreStub(records)
	scorer := NewScorer(RiskConfig{}, store, nil)

	findings, err := scorer.Score(context.Background(), "actor-1", "rec-10", now)
	if err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	if len(findings) != 3 {
		t.Fatalf("findings = %d, want 3", len(findings))
	}

	update := store.merges["rec-10"]
	if update.RiskScore != 70 {
		t.Errorf("merged riskScore = %d, want max 70", update.RiskScore)
	}
	if len(update.Reasons) != 3 {
		t.Errorf("reasons = %v, want all three flags", update.Reasons)
	}
}

func TestScoreCleanWindowMergesNothing(t *testing.T) {
	now := time.Now().UTC()
	store := newScorerStoreStub(windowRecords("actor-1", KindAccountView, StatusSuccess, 3, now))
	scorer := NewScorer(RiskConfig{}, store, nil)

	findings, err := scorer.Score(context.Background(), "actor-1", "rec-0", now)
	if err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	if findings != nil {
		t.Errorf("findings = %+v, want nil", findings)
	}
	if len(store.merges) != 0 {
		t.Errorf("merges = %v, want none", store.merges)
	}
}

func TestSlowOperationUpdate(t *testing.T) {
	store := newScorerStoreStub(nil)

	scorer := NewScorer(RiskConfig{}, store, nil)
	update := scorer.SlowOperationUpdate()
	if update.RiskScore != 40 {
		t.Errorf("riskScore = %d, want 40", update.RiskScore)
	}
	if update.Flagged {
		t.Error("slow operation should not flag at the default threshold")
	}

	// A deployment with a low flag threshold flags on slowness alone.
	strict := NewScorer(RiskConfig{FlagThreshold: 40}, store, nil)
	update = strict.SlowOperationUpdate()
	if !update.Flagged || !update.Permanent {
		t.Errorf("update = %+v, want flagged and permanent at threshold 40", update)
	}
}
