// Package policy provides the ranking policies used inside atomic profile
// selection.
package policy

import (
	"fmt"

	"github.com/ineyio/quotagate"
)

// ByName resolves a configured policy name. An empty name selects
// LeastUtilization.
func ByName(name string) (quotagate.Policy, error) {
	switch name {
	case "", quotagate.PolicyLeastUtilization:
		return &LeastUtilization{}, nil
	case quotagate.PolicyFirstAvailable:
		return &FirstAvailable{}, nil
	default:
		return nil, fmt.Errorf("quotagate: unknown policy %q", name)
	}
}
