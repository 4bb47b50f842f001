package activity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Kyuzan0/account-manager-sub000/internal/logger"
	"github.com/Kyuzan0/account-manager-sub000/internal/metrics"
)

var (
	// ErrInterceptorClosed is returned when operations begin after shutdown.
	ErrInterceptorClosed = errors.New("interceptor closed")
)

// DropPolicy determines how Finish handles a full finalization buffer.
type DropPolicy string

const (
	DropPolicyDrop  DropPolicy = "drop"
	DropPolicyBlock DropPolicy = "block"
)

// Config mirrors the public activity tracking configuration.
type Config struct {
	BufferSize   int
	DropPolicy   DropPolicy
	RetentionTTL time.Duration
	Denylist     []string
}

// RecordWriter is the slice of the record store the interceptor writes to.
type RecordWriter interface {
	CreateRecord(ctx context.Context, rec *Record) error
	FinalizeRecord(ctx context.Context, id string, fin Finalization) error
}

// Finalization carries the terminal mutation for a PENDING record.
type Finalization struct {
	Status      Status
	Error       *ErrorDetail
	Target      *Target
	Details     Details
	Performance *Performance
}

// Operation describes an about-to-run tracked operation.
type Operation struct {
	Kind    Kind
	ActorID string
	Request RequestContext
	Target  *Target
	Before  map[string]any
}

// Outcome reports how a tracked operation ended. Before may be supplied
// here instead of at Begin when the prior entity state is only discovered
// while the operation runs.
type Outcome struct {
	Err      error
	TimedOut bool
	Target   *Target
	Before   map[string]any
	After    map[string]any
	Changes  []FieldChange
	Metadata *Metadata
}

// Handle correlates the PENDING record with its pending finalization.
// A detached handle (creation write failed) finalizes into a no-op.
type Handle struct {
	ID       string
	ActorID  string
	Kind     Kind
	start    time.Time
	detached bool
	once     sync.Once
}

// Detached reports whether the PENDING write failed and the handle carries
// no persisted record.
func (h *Handle) Detached() bool {
	return h == nil || h.detached
}

type finalizeJob struct {
	handle  *Handle
	outcome Outcome
}

// Interceptor wraps tracked operations in a two-phase write: a synchronous
// PENDING record before the operation, an asynchronous finalization after.
// Audit-write failures are contained; they never propagate to the business
// operation's caller.
type Interceptor struct {
	cfg       Config
	store     RecordWriter
	sanitizer *Sanitizer
	collector *Collector
	scorer    *Scorer
	log       logger.Logger

	jobs chan finalizeJob
	wg   sync.WaitGroup

	stopOnce sync.Once
	closed   bool
	mu       sync.RWMutex
}

// NewInterceptor builds an interceptor and starts its finalization worker.
// The scorer may be nil, disabling opportunistic risk scoring.
func NewInterceptor(cfg Config, store RecordWriter, collector *Collector, scorer *Scorer, log logger.Logger) *Interceptor {
	if log == nil {
		log = logger.GetDefault()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.DropPolicy == "" {
		cfg.DropPolicy = DropPolicyDrop
	}
	if cfg.RetentionTTL <= 0 {
		cfg.RetentionTTL = 90 * 24 * time.Hour
	}
	if collector == nil {
		collector = NewCollector(0)
	}

	i := &Interceptor{
		cfg:       cfg,
		store:     store,
		sanitizer: NewSanitizer(cfg.Denylist),
		collector: collector,
		scorer:    scorer,
		log:       log,
		jobs:      make(chan finalizeJob, cfg.BufferSize),
	}

	i.wg.Add(1)
	go i.run()

	return i
}

// Sanitizer exposes the interceptor's snapshot sanitizer so callers can
// pre-clean payloads they hand to Begin.
func (i *Interceptor) Sanitizer() *Sanitizer {
	return i.sanitizer
}

// Begin writes the PENDING record for an operation and returns its handle.
// The write is synchronous so the record id exists before the operation
// starts and can be correlated in logs even if the process crashes. A store
// failure is logged and swallowed; the returned handle is detached and the
// business operation proceeds untracked.
func (i *Interceptor) Begin(ctx context.Context, op Operation) *Handle {
	now := time.Now().UTC()
	handle := &Handle{
		ID:      uuid.NewString(),
		ActorID: op.ActorID,
		Kind:    op.Kind,
		start:   now,
	}

	i.mu.RLock()
	closed := i.closed
	i.mu.RUnlock()
	if closed {
		handle.detached = true
		return handle
	}

	request := op.Request
	if request.OccurredAt.IsZero() {
		request.OccurredAt = now
	}

	rec := &Record{
		ID:      handle.ID,
		Kind:    op.Kind,
		Status:  StatusPending,
		ActorID: op.ActorID,
		Target:  op.Target,
		Request: request,
		Details: Details{
			BeforeState: i.sanitizer.Snapshot(op.Before),
		},
		Retention: Retention{
			ExpiresAt: now.Add(i.cfg.RetentionTTL),
		},
	}

	if err := i.store.CreateRecord(ctx, rec); err != nil {
		i.log.Error("Failed to create activity record",
			logger.String("record_id", handle.ID),
			logger.String("kind", string(op.Kind)),
			logger.Error(err))
		metrics.ActivityWriteFailuresTotal.WithLabelValues("create").Inc()
		handle.detached = true
		return handle
	}

	metrics.ActivityRecordsTotal.WithLabelValues(string(op.Kind), string(StatusPending)).Inc()
	return handle
}

// Finish enqueues the finalization for a handle. It is fire-and-forget: the
// caller returns to the end user without waiting for the audit write. Each
// handle finalizes at most once; repeat calls are ignored.
func (i *Interceptor) Finish(handle *Handle, outcome Outcome) {
	if handle.Detached() {
		return
	}

	handle.once.Do(func() {
		job := finalizeJob{handle: handle, outcome: outcome}

		// The lock is held across the send so Shutdown cannot close the
		// channel between the closed check and the enqueue. The worker keeps
		// draining while we hold it, so a blocking send still completes.
		i.mu.RLock()
		defer i.mu.RUnlock()
		if i.closed {
			metrics.ActivityFinalizationsDroppedTotal.WithLabelValues("interceptor_closed").Inc()
			return
		}

		select {
		case i.jobs <- job:
		default:
			if i.cfg.DropPolicy == DropPolicyDrop {
				metrics.ActivityFinalizationsDroppedTotal.WithLabelValues("buffer_full").Inc()
				return
			}
			i.jobs <- job
		}
	})
}

func (i *Interceptor) run() {
	defer i.wg.Done()
	for job := range i.jobs {
		i.finalize(job)
	}
}

func (i *Interceptor) finalize(job finalizeJob) {
	outcome := job.outcome
	perf := i.collector.Sample(job.handle.start)

	fin := Finalization{
		Status:      StatusSuccess,
		Target:      outcome.Target,
		Performance: perf,
		Details: Details{
			BeforeState: i.sanitizer.Snapshot(outcome.Before),
			AfterState:  i.sanitizer.Snapshot(outcome.After),
			Changes:     i.sanitizer.Changes(outcome.Changes),
			Metadata:    outcome.Metadata,
		},
	}

	switch {
	case outcome.TimedOut:
		fin.Status = StatusTimeout
		fin.Error = errorDetail("TIMEOUT", outcome.Err)
	case outcome.Err != nil:
		fin.Status = StatusFailure
		fin.Error = errorDetail("OPERATION_FAILED", outcome.Err)
	}

	ctx := context.Background()
	if err := i.store.FinalizeRecord(ctx, job.handle.ID, fin); err != nil {
		// Availability over completeness: a lost finalization is preferable
		// to failing the business operation it describes.
		i.log.Error("Failed to finalize activity record",
			logger.String("record_id", job.handle.ID),
			logger.Error(err))
		metrics.ActivityWriteFailuresTotal.WithLabelValues("finalize").Inc()
		return
	}
	metrics.ActivityRecordsTotal.WithLabelValues(string(job.handle.Kind), string(fin.Status)).Inc()

	if i.scorer != nil {
		if i.collector.Slow(perf) {
			if err := i.scorer.store.MergeSecurity(ctx, job.handle.ID, i.scorer.SlowOperationUpdate()); err != nil {
				i.log.Warn("Failed to flag slow operation",
					logger.String("record_id", job.handle.ID),
					logger.Error(err))
			} else {
				metrics.RiskFindingsTotal.WithLabelValues(FlagSlowOperation).Inc()
			}
		}
		if _, err := i.scorer.Score(ctx, job.handle.ActorID, job.handle.ID, time.Now().UTC()); err != nil {
			i.log.Warn("Risk scoring pass failed",
				logger.String("actor_id", job.handle.ActorID),
				logger.Error(err))
		}
	}
}

func errorDetail(code string, err error) *ErrorDetail {
	detail := &ErrorDetail{Code: code, Message: "operation failed"}
	if err != nil {
		detail.Message = err.Error()
	}
	return detail
}

// Shutdown drains queued finalizations and stops the worker.
func (i *Interceptor) Shutdown(ctx context.Context) error {
	i.stopOnce.Do(func() {
		i.mu.Lock()
		i.closed = true
		i.mu.Unlock()
		close(i.jobs)
	})

	done := make(chan struct{})
	go func() {
		i.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
