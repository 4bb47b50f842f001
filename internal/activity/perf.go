package activity

import (
	"runtime"
	"time"
)

// Collector samples operation duration and process resource usage at
// finalization time. Sampling is best-effort: a failed or unavailable sample
// never blocks or fails finalization.
type Collector struct {
	slowThreshold time.Duration
}

// NewCollector builds a collector. slowThreshold marks operations whose
// duration should escalate the record's risk; zero disables the check.
func NewCollector(slowThreshold time.Duration) *Collector {
	return &Collector{slowThreshold: slowThreshold}
}

// Sample builds the performance block for an operation that started at the
// given time. CPU percentage has no portable cheap source in this stack and
// is reported as zero.
func (c *Collector) Sample(start time.Time) *Performance {
	perf := &Performance{
		DurationMs: time.Since(start).Milliseconds(),
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	perf.MemoryMB = float64(mem.HeapAlloc) / (1 << 20)

	return perf
}

// Slow reports whether the sampled duration crosses the slow-operation
// threshold.
func (c *Collector) Slow(perf *Performance) bool {
	if perf == nil || c.slowThreshold <= 0 {
		return false
	}
	return time.Duration(perf.DurationMs)*time.Millisecond >= c.slowThreshold
}
