package policy

import (
	"github.com/ineyio/quotagate"
)

// FirstAvailable picks the first eligible profile in registration order.
// Earlier providers and profiles are drained before later ones are touched.
type FirstAvailable struct{}

var _ quotagate.Policy = (*FirstAvailable)(nil)

func (p *FirstAvailable) Name() string { return quotagate.PolicyFirstAvailable }

// Order keeps registration order.
func (p *FirstAvailable) Order(candidates []quotagate.Candidate) []quotagate.Candidate {
	out := make([]quotagate.Candidate, len(candidates))
	copy(out, candidates)
	return out
}

func (p *FirstAvailable) Better(quotagate.Scored, quotagate.Scored) bool { return false }
