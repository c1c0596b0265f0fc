// Package health tracks whether each backend server is usable. Scheduled
// probes and live request outcomes both feed a per-server record, and a server
// is only taken out of rotation after a run of consecutive failures.
package health

import (
	"sync"
	"sync/atomic"
	"time"
)

// Status is the rolling health state of a server
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Record is a copy of one server's health state
type Record struct {
	ServerID            string
	Status              Status
	ConsecutiveFailures int
	FailureThreshold    int
	LastCheckAt         time.Time
	LastLatency         time.Duration
	LastError           error
	LastTransitionAt    time.Time
}

// Healthy reports whether the server may receive traffic
func (r Record) Healthy() bool {
	return r.Status != StatusUnhealthy
}

// serverState is the mutable record for one server. Every update goes through
// mu so concurrent outcomes never lose an increment or a reset.
type serverState struct {
	id        string
	threshold int
	timeout   time.Duration
	interval  time.Duration

	// probing is set while a probe for this server is running
	probing atomic.Bool

	mu                  sync.Mutex
	status              Status
	consecutiveFailures int
	lastCheckAt         time.Time
	lastLatency         time.Duration
	lastErr             error
	lastTransitionAt    time.Time
	lastScheduledAt     time.Time
}

func newServerState(id string, threshold int, timeout, interval time.Duration) *serverState {
	if threshold < 1 {
		threshold = 1
	}
	return &serverState{
		id:        id,
		threshold: threshold,
		timeout:   timeout,
		interval:  interval,
		status:    StatusUnknown,
	}
}

// record applies one outcome and returns the status before and after it
func (s *serverState) record(err error, latency time.Duration, at time.Time) (from, to Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from = s.status
	s.lastCheckAt = at
	s.lastLatency = latency
	s.lastErr = err

	if err == nil {
		s.consecutiveFailures = 0
		s.status = StatusHealthy
	} else {
		s.consecutiveFailures++
		if s.consecutiveFailures >= s.threshold {
			s.status = StatusUnhealthy
		}
	}

	if s.status != from {
		s.lastTransitionAt = at
	}
	return from, s.status
}

func (s *serverState) snapshot() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Record{
		ServerID:            s.id,
		Status:              s.status,
		ConsecutiveFailures: s.consecutiveFailures,
		FailureThreshold:    s.threshold,
		LastCheckAt:         s.lastCheckAt,
		LastLatency:         s.lastLatency,
		LastError:           s.lastErr,
		LastTransitionAt:    s.lastTransitionAt,
	}
}

func (s *serverState) healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status != StatusUnhealthy
}

// due reports whether a scheduled probe should run at now. A tick landing
// within half a tick of the server's interval counts as due.
func (s *serverState) due(now time.Time, tick time.Duration) bool {
	if s.interval <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastScheduledAt.IsZero() || now.Sub(s.lastScheduledAt)+tick/2 >= s.interval
}

func (s *serverState) scheduled(at time.Time) {
	s.mu.Lock()
	s.lastScheduledAt = at
	s.mu.Unlock()
}

// beginProbe claims the probe slot; false means one is already running
func (s *serverState) beginProbe() bool {
	return s.probing.CompareAndSwap(false, true)
}

func (s *serverState) endProbe() {
	s.probing.Store(false)
}
