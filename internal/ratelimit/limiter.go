// Package ratelimit provides a token-bucket limiter keyed by client, used to
// shield the activity query API (export scans in particular) from abusive
// callers.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a single token bucket.
type Limiter struct {
	rate       float64
	burst      int
	tokens     float64
	lastUpdate time.Time
	mu         sync.Mutex
}

// NewLimiter creates a limiter issuing rate tokens per second with the given
// burst capacity.
func NewLimiter(rate float64, burst int) *Limiter {
	return &Limiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: time.Now(),
	}
}

// Allow consumes a token if one is available.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.tokens += now.Sub(l.lastUpdate).Seconds() * l.rate
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
	l.lastUpdate = now

	if l.tokens < 1 {
		return false
	}
	l.tokens--
	return true
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled         bool
	RequestsPerSec  float64
	Burst           int
	CleanupInterval time.Duration
}

type clientEntry struct {
	limiter  *Limiter
	lastSeen time.Time
}

// Service manages per-client limiters with idle-entry cleanup.
type Service struct {
	cfg     Config
	clients map[string]*clientEntry
	mu      sync.Mutex
	stop    chan struct{}
}

// NewService creates a rate limiting service and starts its cleanup loop.
func NewService(cfg Config) *Service {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	s := &Service{
		cfg:     cfg,
		clients: make(map[string]*clientEntry),
		stop:    make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// Allow checks a client identifier (usually the source IP) against its
// bucket.
func (s *Service) Allow(client string) bool {
	s.mu.Lock()
	entry, ok := s.clients[client]
	if !ok {
		entry = &clientEntry{limiter: NewLimiter(s.cfg.RequestsPerSec, s.cfg.Burst)}
		s.clients[client] = entry
	}
	entry.lastSeen = time.Now()
	s.mu.Unlock()

	return entry.limiter.Allow()
}

// ActiveClients returns the number of tracked client buckets.
func (s *Service) ActiveClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Service) cleanupLoop() {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-s.cfg.CleanupInterval)
			s.mu.Lock()
			for client, entry := range s.clients {
				if entry.lastSeen.Before(cutoff) {
					delete(s.clients, client)
				}
			}
			s.mu.Unlock()
		case <-s.stop:
			return
		}
	}
}

// Close stops the cleanup loop.
func (s *Service) Close() {
	close(s.stop)
}
