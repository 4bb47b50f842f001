package activity

import (
	"context"
	"time"

	"github.com/Kyuzan0/account-manager-sub000/internal/logger"
	"github.com/Kyuzan0/account-manager-sub000/internal/metrics"
)

// Risk flags raised by the scorer. Each maps to a single threshold crossing
// so findings stay reproducible.
const (
	FlagRapidCreation    = "RAPID_CREATION"
	FlagMultipleFailures = "MULTIPLE_FAILURES"
	FlagMultipleSources  = "MULTIPLE_SOURCES"
	FlagSlowOperation    = "SLOW_OPERATION"
)

// RiskConfig holds the scoring window and thresholds. All values are
// deployment configuration, not code constants.
type RiskConfig struct {
	Window            time.Duration
	CreationThreshold int
	FailureThreshold  int
	SourceThreshold   int
	FlagThreshold     int
}

// DefaultRiskConfig returns the stock thresholds.
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		Window:            5 * time.Minute,
		CreationThreshold: 5,
		FailureThreshold:  10,
		SourceThreshold:   3,
		FlagThreshold:     70,
	}
}

func (c *RiskConfig) applyDefaults() {
	def := DefaultRiskConfig()
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.CreationThreshold <= 0 {
		c.CreationThreshold = def.CreationThreshold
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.SourceThreshold <= 0 {
		c.SourceThreshold = def.SourceThreshold
	}
	if c.FlagThreshold <= 0 {
		c.FlagThreshold = def.FlagThreshold
	}
}

// Finding is one suspicious pattern detected in an actor's recent window.
type Finding struct {
	Flag      string `json:"kind"`
	Count     int    `json:"count"`
	RiskScore int    `json:"riskScore"`
}

// SecurityUpdate is the merge payload for a record's security fields.
// Stores apply it monotonically: max for the score, union for reasons,
// flagged/permanent only ever transition to true.
type SecurityUpdate struct {
	RiskScore int
	Reasons   []string
	Flagged   bool
	Permanent bool
}

// ScorerStore is the slice of the record store the scorer reads and writes.
type ScorerStore interface {
	ActorWindow(ctx context.Context, actorID string, since time.Time) ([]Record, error)
	MergeSecurity(ctx context.Context, id string, update SecurityUpdate) error
}

// Scorer runs rule-based heuristics over an actor's trailing window of
// records.
type Scorer struct {
	cfg   RiskConfig
	store ScorerStore
	log   logger.Logger
}

// NewScorer builds a scorer. Zero config values fall back to the defaults.
func NewScorer(cfg RiskConfig, store ScorerStore, log logger.Logger) *Scorer {
	cfg.applyDefaults()
	if log == nil {
		log = logger.GetDefault()
	}
	return &Scorer{cfg: cfg, store: store, log: log}
}

// Evaluate inspects the actor's records inside the trailing window and
// returns zero or more findings. It does not mutate anything.
func (s *Scorer) Evaluate(ctx context.Context, actorID string, now time.Time) ([]Finding, error) {
	records, err := s.store.ActorWindow(ctx, actorID, now.Add(-s.cfg.Window))
	if err != nil {
		return nil, err
	}
	return s.evaluateRecords(records), nil
}

func (s *Scorer) evaluateRecords(records []Record) []Finding {
	var (
		creations int
		failures  int
		sources   = map[string]struct{}{}
	)
	for _, rec := range records {
		if rec.Kind == KindAccountCreate {
			creations++
		}
		if rec.Status == StatusFailure {
			failures++
		}
		if addr := rec.Request.SourceAddress; addr != "" {
			sources[addr] = struct{}{}
		}
	}

	var findings []Finding
	if creations > s.cfg.CreationThreshold {
		findings = append(findings, Finding{Flag: FlagRapidCreation, Count: creations, RiskScore: 70})
	}
	if failures > s.cfg.FailureThreshold {
		findings = append(findings, Finding{Flag: FlagMultipleFailures, Count: failures, RiskScore: 60})
	}
	if len(sources) > s.cfg.SourceThreshold {
		findings = append(findings, Finding{Flag: FlagMultipleSources, Count: len(sources), RiskScore: 50})
	}
	return findings
}

// Score evaluates the actor's window and applies any findings to the record
// that triggered the evaluation. Only the record that crossed a threshold is
// marked, so the first records inside an otherwise-normal burst stay clean.
// Flagged records become permanent so the reaper never drops evidence.
func (s *Scorer) Score(ctx context.Context, actorID, recordID string, now time.Time) ([]Finding, error) {
	records, err := s.store.ActorWindow(ctx, actorID, now.Add(-s.cfg.Window))
	if err != nil {
		return nil, err
	}

	findings := s.evaluateRecords(records)
	if len(findings) == 0 {
		return nil, nil
	}

	update := s.buildUpdate(findings)
	if err := s.store.MergeSecurity(ctx, recordID, update); err != nil {
		s.log.Warn("Failed to apply risk finding",
			logger.String("record_id", recordID),
			logger.Error(err))
		return findings, err
	}

	for _, f := range findings {
		metrics.RiskFindingsTotal.WithLabelValues(f.Flag).Inc()
	}
	return findings, nil
}

func (s *Scorer) buildUpdate(findings []Finding) SecurityUpdate {
	update := SecurityUpdate{}
	for _, f := range findings {
		if f.RiskScore > update.RiskScore {
			update.RiskScore = f.RiskScore
		}
		update.Reasons = append(update.Reasons, f.Flag)
	}
	if update.RiskScore >= s.cfg.FlagThreshold {
		update.Flagged = true
		update.Permanent = true
	}
	return update
}

// SlowOperationUpdate is the merge payload raised when the performance
// collector observes a slow operation. It shares the security review surface
// with the scorer's findings.
func (s *Scorer) SlowOperationUpdate() SecurityUpdate {
	update := SecurityUpdate{
		RiskScore: 40,
		Reasons:   []string{FlagSlowOperation},
	}
	if update.RiskScore >= s.cfg.FlagThreshold {
		update.Flagged = true
		update.Permanent = true
	}
	return update
}

// FlagThreshold exposes the configured flagging threshold to read-side
// consumers.
func (s *Scorer) FlagThreshold() int {
	return s.cfg.FlagThreshold
}
