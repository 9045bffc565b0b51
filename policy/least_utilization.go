package policy

import (
	"github.com/ineyio/quotagate"
)

// LeastUtilization picks the eligible profile with the lowest
// window count / maxRequestsPerMinute ratio. Ties go to the lowest profile id
// (byte-wise string order, so "groq-10" sorts before "groq-2").
type LeastUtilization struct{}

var _ quotagate.Policy = (*LeastUtilization)(nil)

func (p *LeastUtilization) Name() string { return quotagate.PolicyLeastUtilization }

// Order sorts candidates by profile id ascending.
func (p *LeastUtilization) Order(candidates []quotagate.Candidate) []quotagate.Candidate {
	return quotagate.SortByProfileID(candidates)
}

func (p *LeastUtilization) Better(a, b quotagate.Scored) bool {
	return quotagate.LessUtilized(a, b)
}
