package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Kyuzan0/account-manager-sub000/internal/activity"
)

// MemoryStore is an in-memory RecordStore used for tests and single-node
// development deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*activity.Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*activity.Record)}
}

func (m *MemoryStore) CreateRecord(_ context.Context, rec *activity.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := cloneRecord(rec)
	m.records[rec.ID] = &clone
	return nil
}

func (m *MemoryStore) FinalizeRecord(_ context.Context, id string, fin activity.Finalization) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	return applyFinalization(rec, fin)
}

func (m *MemoryStore) MergeSecurity(_ context.Context, id string, update activity.SecurityUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	mergeSecurity(rec, update)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (activity.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return activity.Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (m *MemoryStore) ActorWindow(_ context.Context, actorID string, since time.Time) ([]activity.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []activity.Record
	for _, rec := range m.records {
		if rec.ActorID == actorID && !rec.Request.OccurredAt.Before(since) {
			out = append(out, cloneRecord(rec))
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *MemoryStore) ActorTimeline(_ context.Context, actorID string, f TimelineFilter) (RecordPage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []activity.Record
	for _, rec := range m.records {
		if rec.ActorID == actorID && f.Matches(rec) {
			matched = append(matched, cloneRecord(rec))
		}
	}
	sortNewestFirst(matched)
	return paginate(matched, f.Page, f.Limit), nil
}

func (m *MemoryStore) TargetTimeline(_ context.Context, entityType, entityID string, f TimelineFilter) (RecordPage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []activity.Record
	for _, rec := range m.records {
		if rec.Target == nil || rec.Target.EntityType != entityType || rec.Target.EntityID != entityID {
			continue
		}
		if f.Matches(rec) {
			matched = append(matched, cloneRecord(rec))
		}
	}
	sortNewestFirst(matched)
	return paginate(matched, f.Page, f.Limit), nil
}

func (m *MemoryStore) Stats(_ context.Context, since time.Time) ([]StatsBucket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[activity.Kind]map[activity.Status]int)
	for _, rec := range m.records {
		if rec.Request.OccurredAt.Before(since) {
			continue
		}
		if counts[rec.Kind] == nil {
			counts[rec.Kind] = make(map[activity.Status]int)
		}
		counts[rec.Kind][rec.Status]++
	}

	var buckets []StatsBucket
	for kind, statuses := range counts {
		for status, count := range statuses {
			buckets = append(buckets, StatsBucket{Kind: kind, Status: status, Count: count})
		}
	}
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].Kind != buckets[j].Kind {
			return buckets[i].Kind < buckets[j].Kind
		}
		return buckets[i].Status < buckets[j].Status
	})
	return buckets, nil
}

func (m *MemoryStore) SecurityListing(_ context.Context, minRiskScore int, flaggedOnly bool, page, limit int) (RecordPage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []activity.Record
	for _, rec := range m.records {
		if flaggedOnly && !rec.Security.Flagged {
			continue
		}
		if !rec.Security.Flagged && rec.Security.RiskScore < minRiskScore {
			continue
		}
		if rec.Security.RiskScore == 0 && !rec.Security.Flagged {
			continue
		}
		matched = append(matched, cloneRecord(rec))
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Security.RiskScore != matched[j].Security.RiskScore {
			return matched[i].Security.RiskScore > matched[j].Security.RiskScore
		}
		return matched[i].Request.OccurredAt.After(matched[j].Request.OccurredAt)
	})
	return paginate(matched, page, limit), nil
}

func (m *MemoryStore) Scan(_ context.Context, from, to time.Time, limit int) ([]activity.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []activity.Record
	for _, rec := range m.records {
		occurred := rec.Request.OccurredAt
		if !from.IsZero() && occurred.Before(from) {
			continue
		}
		if !to.IsZero() && occurred.After(to) {
			continue
		}
		matched = append(matched, cloneRecord(rec))
	}
	sortNewestFirst(matched)
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (m *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for id, rec := range m.records {
		if rec.Retention.Permanent {
			continue
		}
		if rec.Retention.ExpiresAt.After(now) {
			continue
		}
		delete(m.records, id)
		deleted++
	}
	return deleted, nil
}

func (m *MemoryStore) TimeoutStalePending(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	swept := 0
	for _, rec := range m.records {
		if rec.Status != activity.StatusPending {
			continue
		}
		if !rec.Request.OccurredAt.Before(before) {
			continue
		}
		rec.Status = activity.StatusTimeout
		rec.Error = &activity.ErrorDetail{
			Code:    "PENDING_SWEEP",
			Message: "record left PENDING beyond the ceiling",
		}
		swept++
	}
	return swept, nil
}

// Ping reports whether the store is usable. Always healthy for the
// in-memory store.
func (m *MemoryStore) Ping() error {
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func sortNewestFirst(records []activity.Record) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].Request.OccurredAt.After(records[j].Request.OccurredAt)
	})
}

func cloneRecord(rec *activity.Record) activity.Record {
	clone := *rec
	if rec.Target != nil {
		target := *rec.Target
		clone.Target = &target
	}
	if rec.Error != nil {
		errDetail := *rec.Error
		clone.Error = &errDetail
	}
	if rec.Performance != nil {
		perf := *rec.Performance
		clone.Performance = &perf
	}
	if rec.Security.Reasons != nil {
		clone.Security.Reasons = append([]string(nil), rec.Security.Reasons...)
	}
	if rec.Details.Changes != nil {
		clone.Details.Changes = append([]activity.FieldChange(nil), rec.Details.Changes...)
	}
	if rec.Details.BeforeState != nil {
		clone.Details.BeforeState = cloneSnapshot(rec.Details.BeforeState)
	}
	if rec.Details.AfterState != nil {
		clone.Details.AfterState = cloneSnapshot(rec.Details.AfterState)
	}
	return clone
}

func cloneSnapshot(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
