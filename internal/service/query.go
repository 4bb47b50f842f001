// Package service exposes the read side of the activity pipeline: timelines,
// statistics rollups, security listings, and bulk export. All shapes are
// read-only projections; authorization is enforced here, not in the store.
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Kyuzan0/account-manager-sub000/internal/activity"
	"github.com/Kyuzan0/account-manager-sub000/internal/metrics"
	"github.com/Kyuzan0/account-manager-sub000/internal/store"
)

var (
	// ErrValidation is returned for invalid filter or pagination parameters.
	ErrValidation = errors.New("invalid query parameters")
	// ErrForbidden is returned when a non-privileged caller requests a
	// privileged shape.
	ErrForbidden = errors.New("caller is not privileged")
)

const (
	defaultLimit = 50
	maxLimit     = 500

	// DefaultExportCap bounds export scans when no cap is configured.
	DefaultExportCap = 10000

	defaultMinRiskScore = 50
	defaultStatsWindow  = 30 * 24 * time.Hour
)

// Caller identifies the requesting identity, as supplied by the external
// identity collaborator. The service trusts it as given.
type Caller struct {
	ActorID string
	Roles   []string
}

// Privileged reports whether the caller may read security listings and
// exports.
func (c Caller) Privileged() bool {
	for _, role := range c.Roles {
		if role == "admin" || role == "security" {
			return true
		}
	}
	return false
}

// QueryService serves the activity read API.
type QueryService struct {
	store     store.RecordStore
	exportCap int
}

// NewQueryService builds a query service. exportCap <= 0 falls back to
// DefaultExportCap.
func NewQueryService(recordStore store.RecordStore, exportCap int) *QueryService {
	if exportCap <= 0 {
		exportCap = DefaultExportCap
	}
	return &QueryService{store: recordStore, exportCap: exportCap}
}

func normalizeFilter(f *store.TimelineFilter) error {
	if f.Page < 0 || f.Limit < 0 {
		return fmt.Errorf("%w: page and limit must be positive", ErrValidation)
	}
	if f.Page == 0 {
		f.Page = 1
	}
	if f.Limit == 0 {
		f.Limit = defaultLimit
	}
	if f.Limit > maxLimit {
		f.Limit = maxLimit
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return fmt.Errorf("%w: date range is inverted", ErrValidation)
	}
	return nil
}

// UserTimeline returns one actor's records, newest first.
func (q *QueryService) UserTimeline(ctx context.Context, actorID string, f store.TimelineFilter) (store.RecordPage, error) {
	if actorID == "" {
		return store.RecordPage{}, fmt.Errorf("%w: actor id is required", ErrValidation)
	}
	if err := normalizeFilter(&f); err != nil {
		return store.RecordPage{}, err
	}

	page, err := q.store.ActorTimeline(ctx, actorID, f)
	q.countQuery("user_timeline", err)
	return page, err
}

// TargetTimeline returns the records touching one target entity.
func (q *QueryService) TargetTimeline(ctx context.Context, entityType, entityID string, f store.TimelineFilter) (store.RecordPage, error) {
	if entityType == "" || entityID == "" {
		return store.RecordPage{}, fmt.Errorf("%w: entity type and id are required", ErrValidation)
	}
	if err := normalizeFilter(&f); err != nil {
		return store.RecordPage{}, err
	}

	page, err := q.store.TargetTimeline(ctx, entityType, entityID, f)
	q.countQuery("target_timeline", err)
	return page, err
}

// Stats returns grouped {kind, status} counts over a trailing window given
// as a string such as "30d", "12h", or "90m".
func (q *QueryService) Stats(ctx context.Context, window string, now time.Time) ([]store.StatsBucket, error) {
	dur, err := ParseWindow(window)
	if err != nil {
		return nil, err
	}

	buckets, err := q.store.Stats(ctx, now.Add(-dur))
	q.countQuery("stats", err)
	return buckets, err
}

// SecurityListing returns flagged or high-risk records, riskScore
// descending. Privileged callers only.
func (q *QueryService) SecurityListing(ctx context.Context, caller Caller, minRiskScore int, flaggedOnly bool, page, limit int) (store.RecordPage, error) {
	if !caller.Privileged() {
		return store.RecordPage{}, ErrForbidden
	}
	if minRiskScore < 0 || minRiskScore > 100 {
		return store.RecordPage{}, fmt.Errorf("%w: minRiskScore must be 0-100", ErrValidation)
	}
	if minRiskScore == 0 {
		minRiskScore = defaultMinRiskScore
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if page <= 0 {
		page = 1
	}

	result, err := q.store.SecurityListing(ctx, minRiskScore, flaggedOnly, page, limit)
	q.countQuery("security_listing", err)
	return result, err
}

// Export returns records matching a date range, newest first, bounded by the
// hard row cap. Privileged callers only.
func (q *QueryService) Export(ctx context.Context, caller Caller, from, to time.Time) ([]activity.Record, error) {
	if !caller.Privileged() {
		return nil, ErrForbidden
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return nil, fmt.Errorf("%w: date range is inverted", ErrValidation)
	}

	records, err := q.store.Scan(ctx, from, to, q.exportCap)
	q.countQuery("export", err)
	if err == nil {
		metrics.ExportRowsTotal.Add(float64(len(records)))
	}
	return records, err
}

// ExportCSV renders records as CSV rows (header included).
func ExportCSV(records []activity.Record) [][]string {
	rows := make([][]string, 0, len(records)+1)
	rows = append(rows, []string{
		"id", "activityKind", "status", "actorId", "entityType", "entityId",
		"sourceAddress", "occurredAt", "durationMs", "riskScore", "flagged",
	})
	for _, rec := range records {
		entityType, entityID := "", ""
		if rec.Target != nil {
			entityType, entityID = rec.Target.EntityType, rec.Target.EntityID
		}
		durationMs := int64(0)
		if rec.Performance != nil {
			durationMs = rec.Performance.DurationMs
		}
		rows = append(rows, []string{
			rec.ID,
			string(rec.Kind),
			string(rec.Status),
			rec.ActorID,
			entityType,
			entityID,
			rec.Request.SourceAddress,
			rec.Request.OccurredAt.UTC().Format(time.RFC3339),
			strconv.FormatInt(durationMs, 10),
			strconv.Itoa(rec.Security.RiskScore),
			strconv.FormatBool(rec.Security.Flagged),
		})
	}
	return rows
}

// ParseWindow converts a window string like "30d", "12h", or "45m" into a
// duration. Bare durations accepted by time.ParseDuration also work.
func ParseWindow(window string) (time.Duration, error) {
	window = strings.TrimSpace(window)
	if window == "" {
		return defaultStatsWindow, nil
	}

	if strings.HasSuffix(window, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(window, "d"))
		if err != nil || days <= 0 {
			return 0, fmt.Errorf("%w: bad window %q", ErrValidation, window)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}

	dur, err := time.ParseDuration(window)
	if err != nil || dur <= 0 {
		return 0, fmt.Errorf("%w: bad window %q", ErrValidation, window)
	}
	return dur, nil
}

func (q *QueryService) countQuery(shape string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.ActivityQueriesTotal.WithLabelValues(shape, status).Inc()
}
