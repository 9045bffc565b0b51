package quotagate

import (
	"sync"
	"time"
)

const (
	healthFailureThreshold = 3
	healthFailureWindow    = 5 * time.Minute
	healthUnhealthyPeriod  = 30 * time.Second
)

// HealthState describes the upstream health of a profile.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthUnhealthy
	HealthHalfOpen
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// HealthTracker tracks per-profile upstream health using a circuit breaker
// pattern. Unhealthy profiles are withheld from selection until the unhealthy
// period elapses; the next request then probes them in half-open state.
type HealthTracker struct {
	mu       sync.Mutex
	profiles map[string]*profileHealth
	now      func() time.Time
}

type profileHealth struct {
	state       HealthState
	failures    []time.Time // sliding window of failure timestamps
	unhealthyAt time.Time
}

// NewHealthTracker creates a new HealthTracker.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		profiles: make(map[string]*profileHealth),
		now:      time.Now,
	}
}

// GetHealth returns the current health state for a profile.
func (h *HealthTracker) GetHealth(profileID string) HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	ph, ok := h.profiles[profileID]
	if !ok {
		return HealthHealthy
	}
	if ph.state == HealthUnhealthy && h.now().Sub(ph.unhealthyAt) >= healthUnhealthyPeriod {
		ph.state = HealthHalfOpen
	}
	return ph.state
}

// Available reports whether a profile may be offered for selection.
func (h *HealthTracker) Available(p Profile) bool {
	return h.GetHealth(p.ID) != HealthUnhealthy
}

// RecordSuccess records a successful request for a profile.
func (h *HealthTracker) RecordSuccess(profileID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ph := h.getOrCreate(profileID)
	ph.state = HealthHealthy
	ph.failures = ph.failures[:0]
}

// RecordFailure records a failed request for a profile. A failure while
// half-open reopens the breaker immediately.
func (h *HealthTracker) RecordFailure(profileID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ph := h.getOrCreate(profileID)
	now := h.now()
	switch ph.state {
	case HealthUnhealthy:
		return
	case HealthHalfOpen:
		ph.state = HealthUnhealthy
		ph.unhealthyAt = now
		return
	}

	cutoff := now.Add(-healthFailureWindow)
	valid := ph.failures[:0]
	for _, t := range ph.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	ph.failures = append(valid, now)

	if len(ph.failures) >= healthFailureThreshold {
		ph.state = HealthUnhealthy
		ph.unhealthyAt = now
	}
}

func (h *HealthTracker) getOrCreate(profileID string) *profileHealth {
	ph, ok := h.profiles[profileID]
	if !ok {
		ph = &profileHealth{state: HealthHealthy}
		h.profiles[profileID] = ph
	}
	return ph
}
