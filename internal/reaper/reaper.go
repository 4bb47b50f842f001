// Package reaper owns record retention: it deletes expired records and
// sweeps stale PENDING records to TIMEOUT. Both passes are idempotent, so
// overlapping or repeated runs are safe.
package reaper

import (
	"context"
	"time"

	"github.com/Kyuzan0/account-manager-sub000/internal/logger"
	"github.com/Kyuzan0/account-manager-sub000/internal/metrics"
	"github.com/Kyuzan0/account-manager-sub000/internal/store"
)

// Clock abstracts wall-clock time so tests can advance a fake clock instead
// of sleeping.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real time.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Config controls the reaper schedule.
type Config struct {
	Interval       time.Duration // how often both passes run
	PendingCeiling time.Duration // PENDING older than this becomes TIMEOUT
}

// Reaper runs the retention passes on a schedule.
type Reaper struct {
	cfg   Config
	store store.RecordStore
	clock Clock
	log   logger.Logger
}

// New builds a reaper. A nil clock uses the system clock.
func New(cfg Config, recordStore store.RecordStore, clock Clock, log logger.Logger) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.PendingCeiling <= 0 {
		cfg.PendingCeiling = 10 * time.Minute
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if log == nil {
		log = logger.GetDefault()
	}
	return &Reaper{cfg: cfg, store: recordStore, clock: clock, log: log}
}

// RunOnce executes one retention pass: expired deletions first, then the
// PENDING sweep. Errors are logged and returned but leave the store
// consistent; the next pass picks up where this one stopped.
func (r *Reaper) RunOnce(ctx context.Context) error {
	now := r.clock.Now()

	deleted, err := r.store.DeleteExpired(ctx, now)
	if err != nil {
		r.log.Error("Retention pass failed", logger.Error(err))
		return err
	}
	if deleted > 0 {
		metrics.ReapedRecordsTotal.Add(float64(deleted))
		r.log.Info("Deleted expired activity records", logger.Int("count", deleted))
	}

	swept, err := r.store.TimeoutStalePending(ctx, now.Add(-r.cfg.PendingCeiling))
	if err != nil {
		r.log.Error("Pending sweep failed", logger.Error(err))
		return err
	}
	if swept > 0 {
		metrics.TimedOutPendingTotal.Add(float64(swept))
		r.log.Info("Swept stale pending records to timeout", logger.Int("count", swept))
	}

	return nil
}

// Start launches the background loop and returns a stop function.
func (r *Reaper) Start(ctx context.Context) func() {
	stop := make(chan struct{})

	go func() {
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.RunOnce(ctx); err != nil {
					r.log.Warn("Retention run failed", logger.Error(err))
				}
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() { close(stop) }
}
