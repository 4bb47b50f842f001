package store

import (
	"context"
	"errors"
	"time"

	"github.com/Kyuzan0/account-manager-sub000/internal/activity"
)

var (
	// ErrNotFound is returned when no record exists for an id.
	ErrNotFound = errors.New("activity record not found")
	// ErrRecordFinalized is returned on an attempted terminal-to-terminal
	// status transition.
	ErrRecordFinalized = errors.New("activity record already finalized")
)

// IsNotFound reports whether err is a missing-record error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// TimelineFilter narrows a timeline query. Zero values mean no filter.
type TimelineFilter struct {
	Kind   activity.Kind
	Status activity.Status
	From   time.Time
	To     time.Time
	Page   int
	Limit  int
}

// Matches reports whether a record passes the filter (pagination excluded).
func (f TimelineFilter) Matches(rec *activity.Record) bool {
	if f.Kind != "" && rec.Kind != f.Kind {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	occurred := rec.Request.OccurredAt
	if !f.From.IsZero() && occurred.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && occurred.After(f.To) {
		return false
	}
	return true
}

// RecordPage is one page of a timeline or listing query.
type RecordPage struct {
	Items       []activity.Record `json:"items"`
	Total       int               `json:"total"`
	TotalPages  int               `json:"totalPages"`
	CurrentPage int               `json:"currentPage"`
}

// StatsBucket is one grouped count in a statistics rollup.
type StatsBucket struct {
	Kind   activity.Kind   `json:"activityKind"`
	Status activity.Status `json:"status"`
	Count  int             `json:"count"`
}

// RecordStore persists activity records and owns the index design for the
// read shapes below. Writes are field-scoped: creation and finalization
// belong to the originating interceptor invocation, security merges to the
// risk scorer, so concurrent writers never race on the same fields.
type RecordStore interface {
	// Write side (interceptor).
	CreateRecord(ctx context.Context, rec *activity.Record) error
	FinalizeRecord(ctx context.Context, id string, fin activity.Finalization) error

	// Security side (risk scorer). The update is merged monotonically:
	// max riskScore, union of reasons, flagged/permanent only ever set true.
	MergeSecurity(ctx context.Context, id string, update activity.SecurityUpdate) error

	// Read side (query service).
	Get(ctx context.Context, id string) (activity.Record, error)
	ActorWindow(ctx context.Context, actorID string, since time.Time) ([]activity.Record, error)
	ActorTimeline(ctx context.Context, actorID string, f TimelineFilter) (RecordPage, error)
	TargetTimeline(ctx context.Context, entityType, entityID string, f TimelineFilter) (RecordPage, error)
	Stats(ctx context.Context, since time.Time) ([]StatsBucket, error)
	SecurityListing(ctx context.Context, minRiskScore int, flaggedOnly bool, page, limit int) (RecordPage, error)
	Scan(ctx context.Context, from, to time.Time, limit int) ([]activity.Record, error)

	// Retention side (reaper).
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	TimeoutStalePending(ctx context.Context, before time.Time) (int, error)

	Close() error
}

func paginate(matched []activity.Record, page, limit int) RecordPage {
	if limit <= 0 {
		limit = 50
	}
	if page <= 0 {
		page = 1
	}

	total := len(matched)
	totalPages := total / limit
	if total%limit != 0 {
		totalPages++
	}

	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	items := make([]activity.Record, end-start)
	copy(items, matched[start:end])

	return RecordPage{
		Items:       items,
		Total:       total,
		TotalPages:  totalPages,
		CurrentPage: page,
	}
}

func mergeSecurity(rec *activity.Record, update activity.SecurityUpdate) {
	if update.RiskScore > rec.Security.RiskScore {
		rec.Security.RiskScore = update.RiskScore
	}
	for _, reason := range update.Reasons {
		if !containsReason(rec.Security.Reasons, reason) {
			rec.Security.Reasons = append(rec.Security.Reasons, reason)
		}
	}
	if update.Flagged {
		rec.Security.Flagged = true
	}
	if update.Permanent {
		rec.Retention.Permanent = true
	}
}

func containsReason(reasons []string, reason string) bool {
	for _, r := range reasons {
		if r == reason {
			return true
		}
	}
	return false
}

func applyFinalization(rec *activity.Record, fin activity.Finalization) error {
	if rec.Status.Terminal() {
		return ErrRecordFinalized
	}
	if !fin.Status.Terminal() {
		return errors.New("finalization status must be terminal")
	}

	rec.Status = fin.Status
	rec.Error = fin.Error
	rec.Performance = fin.Performance
	if fin.Target != nil {
		rec.Target = fin.Target
	}
	if fin.Details.BeforeState != nil {
		rec.Details.BeforeState = fin.Details.BeforeState
	}
	if fin.Details.AfterState != nil {
		rec.Details.AfterState = fin.Details.AfterState
	}
	if fin.Details.Changes != nil {
		rec.Details.Changes = fin.Details.Changes
	}
	if fin.Details.Metadata != nil {
		rec.Details.Metadata = fin.Details.Metadata
	}
	return nil
}
