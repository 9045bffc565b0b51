package quotagate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// Window is the trailing interval used for requests-per-minute.
	Window = 60 * time.Second
	// SecondWindow is the trailing interval used for requests-per-second.
	SecondWindow = time.Second
)

// CapacityStore is the shared counter service backing admission control.
//
// Select must be indivisible with respect to concurrent callers: eligibility
// evaluation and the reservation of the chosen profile happen in one atomic
// step. When nothing is eligible Select returns ok=false and mutates nothing.
// Release undoes exactly one reservation: it removes the reservation's
// request-log entry and, for concurrency-limited profiles, decrements the
// pending counter without letting it drop below zero.
// Errors that mean the store cannot be reached wrap ErrStoreUnavailable.
type CapacityStore interface {
	Select(ctx context.Context, req SelectRequest) (Decision, bool, error)
	Release(ctx context.Context, res Reservation) error
	Ping(ctx context.Context) error
}

// SelectRequest is the input of one atomic selection.
type SelectRequest struct {
	Candidates []Candidate
	Policy     Policy
}

// Reservation identifies the capacity charged by one selection. Member is
// unique per reservation and is the key removed from the request log on
// release.
type Reservation struct {
	ProfileID   string
	Member      string
	Timestamp   time.Time
	Concurrency bool
}

// NewReservation stamps a reservation for p at now. The member combines the
// millisecond timestamp with a random suffix so two reservations made in the
// same millisecond release independently.
func NewReservation(p Profile, now time.Time) Reservation {
	return Reservation{
		ProfileID:   p.ID,
		Member:      ReservationMember(now),
		Timestamp:   now,
		Concurrency: p.Quota.ConcurrencyLimited(),
	}
}

// ReservationMember returns a fresh request-log member for a reservation
// made at now.
func ReservationMember(now time.Time) string {
	return fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString())
}

// Decision is the outcome of a successful selection. Counters are the values
// observed before the reservation was applied.
type Decision struct {
	Provider                 string
	Profile                  Profile
	RequestCountInWindow     int64
	QuotaLimit               uint
	PendingCount             *int64
	RequestsPerSecondLimit   *uint
	CurrentRequestsPerSecond *int64
	Reservation              Reservation
}

// Usage is the observed load of a profile at selection time.
type Usage struct {
	Window  int64 // entries in the trailing minute
	Second  int64 // entries in the trailing second
	Pending int64 // in-flight requests
}

// Scored pairs a candidate with its current usage.
type Scored struct {
	Candidate
	Usage Usage
}

// Eligible reports whether a profile with quota q may take one more request.
func Eligible(q Quota, u Usage) bool {
	if u.Window >= int64(q.MaxRequestsPerMinute) {
		return false
	}
	if q.MaxConcurrentRequests != nil && u.Pending >= int64(*q.MaxConcurrentRequests) {
		return false
	}
	if q.MaxRequestsPerSecond != nil && u.Second >= int64(*q.MaxRequestsPerSecond) {
		return false
	}
	return true
}

// Pick returns the index of the eligible entry preferred by p. Entries must
// already be in p.Order order; on ties the earlier entry wins.
func Pick(p Policy, scored []Scored) (int, bool) {
	best := -1
	for i, s := range scored {
		if !Eligible(s.Profile.Quota, s.Usage) {
			continue
		}
		if best < 0 || p.Better(s, scored[best]) {
			best = i
		}
	}
	return best, best >= 0
}

// NewDecision assembles a decision for the chosen entry.
func NewDecision(s Scored, res Reservation) Decision {
	q := s.Profile.Quota
	d := Decision{
		Provider:             s.Provider,
		Profile:              s.Profile,
		RequestCountInWindow: s.Usage.Window,
		QuotaLimit:           q.MaxRequestsPerMinute,
		Reservation:          res,
	}
	if q.MaxConcurrentRequests != nil {
		pending := s.Usage.Pending
		d.PendingCount = &pending
	}
	if q.MaxRequestsPerSecond != nil {
		limit := *q.MaxRequestsPerSecond
		current := s.Usage.Second
		d.RequestsPerSecondLimit = &limit
		d.CurrentRequestsPerSecond = &current
	}
	return d
}

// Utilization returns the window usage ratio of a decision, for logging.
func (d Decision) Utilization() float64 {
	if d.QuotaLimit == 0 {
		return 1
	}
	return float64(d.RequestCountInWindow) / float64(d.QuotaLimit)
}
