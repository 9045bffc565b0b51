package quotagate

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Quota holds the limits of a single profile. Nil optional limits mean the
// dimension is unconstrained.
type Quota struct {
	MaxRequestsPerMinute  uint  `json:"maxRequestsPerMinute"`
	MaxConcurrentRequests *uint `json:"maxConcurrentRequests,omitempty"`
	MaxRequestsPerSecond  *uint `json:"maxRequestsPerSecond,omitempty"`
}

// ConcurrencyLimited reports whether the profile keeps a pending counter.
func (q Quota) ConcurrencyLimited() bool {
	return q.MaxConcurrentRequests != nil
}

// Profile is one credentialed endpoint slot of a provider.
type Profile struct {
	ID         string
	Provider   string
	Index      int
	Credential string
	Quota      Quota
}

// String omits the credential so profiles are safe to log.
func (p Profile) String() string {
	return p.ID
}

// profileEntry is the wire form of one element of a <NAME>_CONFIGS array.
type profileEntry struct {
	Credential            string `json:"credential"`
	APIKey                string `json:"apiKey"`
	MaxRequestsPerMinute  *uint  `json:"maxRequestsPerMinute"`
	MaxConcurrentRequests *uint  `json:"maxConcurrentRequests"`
	MaxRequestsPerSecond  *uint  `json:"maxRequestsPerSecond"`
}

var errEmptyConfig = errors.New("quotagate: no profile config provided")

// ProfileID returns the stable id of the profile at position idx.
func ProfileID(provider string, idx int) string {
	return fmt.Sprintf("%s-%d", provider, idx)
}

// BuildProfiles parses the raw JSON array configured for a provider.
//
// Any structural problem yields an empty profile set together with a
// descriptive error; callers treat the error as a warning and simply leave
// the provider unavailable. Ids are assigned by position.
func BuildProfiles(provider, raw string) ([]Profile, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w for %s", errEmptyConfig, provider)
	}

	var entries []profileEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("quotagate: invalid config for %s: expected JSON array of profiles: %w", provider, err)
	}

	profiles := make([]Profile, 0, len(entries))
	for i, e := range entries {
		cred := e.Credential
		if cred == "" {
			cred = e.APIKey
		}
		if cred == "" {
			return nil, fmt.Errorf("quotagate: invalid config for %s: profile %d has no credential", provider, i)
		}
		if e.MaxRequestsPerMinute == nil {
			return nil, fmt.Errorf("quotagate: invalid config for %s: profile %d has no maxRequestsPerMinute", provider, i)
		}

		profiles = append(profiles, Profile{
			ID:         ProfileID(provider, i),
			Provider:   provider,
			Index:      i,
			Credential: cred,
			Quota: Quota{
				MaxRequestsPerMinute:  *e.MaxRequestsPerMinute,
				MaxConcurrentRequests: e.MaxConcurrentRequests,
				MaxRequestsPerSecond:  e.MaxRequestsPerSecond,
			},
		})
	}
	return profiles, nil
}

// UintPtr returns a pointer to the given uint.
func UintPtr(v uint) *uint { return &v }
