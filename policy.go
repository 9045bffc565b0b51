package quotagate

import "sort"

// Policy ranks eligible profiles inside an atomic selection.
type Policy interface {
	// Name identifies the policy to stores that evaluate it remotely.
	Name() string

	// Order returns candidates in evaluation order. Ties between equally
	// good candidates resolve to the earlier one.
	Order(candidates []Candidate) []Candidate

	// Better reports whether a should be chosen over b.
	Better(a, b Scored) bool
}

// Policy names understood by every store.
const (
	PolicyLeastUtilization = "least-utilization"
	PolicyFirstAvailable   = "first-available"
)

// LessUtilized compares window utilization (count / maxRequestsPerMinute)
// without floating point: a.count*b.limit < b.count*a.limit.
func LessUtilized(a, b Scored) bool {
	al := int64(a.Profile.Quota.MaxRequestsPerMinute)
	bl := int64(b.Profile.Quota.MaxRequestsPerMinute)
	return a.Usage.Window*bl < b.Usage.Window*al
}

// SortByProfileID returns a copy of candidates ordered by profile id.
func SortByProfileID(candidates []Candidate) []Candidate {
	out := make([]Candidate, len(candidates))
	copy(out, candidates)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Profile.ID < out[j].Profile.ID
	})
	return out
}

// defaultPolicy is an inline least-utilization policy to avoid import cycles.
type defaultPolicy struct{}

func (defaultPolicy) Name() string                   { return PolicyLeastUtilization }
func (defaultPolicy) Order(c []Candidate) []Candidate { return SortByProfileID(c) }
func (defaultPolicy) Better(a, b Scored) bool         { return LessUtilized(a, b) }
