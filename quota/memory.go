// Package quota provides an in-process CapacityStore.
//
// MemoryStore serializes selection with a mutex, which makes it correct for a
// single router process and for tests. Multi-instance deployments use the
// redis or postgres stores instead.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ineyio/quotagate"
)

// MemoryStore is an in-memory CapacityStore.
type MemoryStore struct {
	mu       sync.Mutex
	profiles map[string]*profileUsage
	now      func() time.Time
}

type profileUsage struct {
	log     []logEntry // ordered by time
	pending int64
}

type logEntry struct {
	at     time.Time
	member string
}

var _ quotagate.CapacityStore = (*MemoryStore)(nil)

// Option configures MemoryStore.
type Option func(*MemoryStore)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates a new in-memory capacity store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{
		profiles: make(map[string]*profileUsage),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select evaluates every candidate and reserves the chosen one under a
// single lock. Only the chosen profile's log is pruned.
func (s *MemoryStore) Select(_ context.Context, req quotagate.SelectRequest) (quotagate.Decision, bool, error) {
	if req.Policy == nil {
		return quotagate.Decision{}, false, fmt.Errorf("quotagate: memory store: policy is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	ordered := req.Policy.Order(req.Candidates)
	scored := make([]quotagate.Scored, len(ordered))
	for i, c := range ordered {
		scored[i] = quotagate.Scored{Candidate: c, Usage: s.usageAt(c.Profile.ID, now)}
	}

	i, ok := quotagate.Pick(req.Policy, scored)
	if !ok {
		return quotagate.Decision{}, false, nil
	}
	chosen := scored[i]
	res := quotagate.NewReservation(chosen.Profile, now)

	pu := s.profiles[chosen.Profile.ID]
	if pu == nil {
		pu = &profileUsage{}
		s.profiles[chosen.Profile.ID] = pu
	}
	pu.prune(now.Add(-quotagate.Window))
	pu.log = append(pu.log, logEntry{at: now, member: res.Member})
	if res.Concurrency {
		pu.pending++
	}

	return quotagate.NewDecision(chosen, res), true, nil
}

// Release removes the reservation's log entry and returns its concurrency
// slot.
func (s *MemoryStore) Release(_ context.Context, res quotagate.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pu, ok := s.profiles[res.ProfileID]
	if !ok {
		return nil
	}
	for i, e := range pu.log {
		if e.member == res.Member {
			pu.log = append(pu.log[:i], pu.log[i+1:]...)
			break
		}
	}
	if res.Concurrency && pu.pending > 0 {
		pu.pending--
	}
	return nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// Usage returns the current counters of a profile.
func (s *MemoryStore) Usage(profileID string) quotagate.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usageAt(profileID, s.now())
}

func (s *MemoryStore) usageAt(profileID string, now time.Time) quotagate.Usage {
	pu, ok := s.profiles[profileID]
	if !ok {
		return quotagate.Usage{}
	}
	minute := now.Add(-quotagate.Window)
	second := now.Add(-quotagate.SecondWindow)
	u := quotagate.Usage{Pending: pu.pending}
	for _, e := range pu.log {
		if e.at.After(minute) {
			u.Window++
		}
		if e.at.After(second) {
			u.Second++
		}
	}
	return u
}

func (pu *profileUsage) prune(cutoff time.Time) {
	n := 0
	for n < len(pu.log) && !pu.log[n].at.After(cutoff) {
		n++
	}
	pu.log = pu.log[n:]
}
