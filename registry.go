package quotagate

import "fmt"

// ProviderProfiles is the ordered profile set of one provider.
type ProviderProfiles struct {
	Name     string
	Profiles []Profile
}

// Registry indexes profiles by provider. It is immutable after construction
// and safe for concurrent reads.
type Registry struct {
	providers []ProviderProfiles
	byName    map[string]int
	total     int
}

// NewRegistry builds a registry from provider profile sets. Order is kept as
// given. Providers with zero profiles are retained (so they can be reported)
// but never produce candidates.
func NewRegistry(sets ...ProviderProfiles) (*Registry, error) {
	r := &Registry{
		byName: make(map[string]int, len(sets)),
	}
	for _, s := range sets {
		if s.Name == "" {
			return nil, fmt.Errorf("quotagate: registry: provider name is required")
		}
		if _, dup := r.byName[s.Name]; dup {
			return nil, fmt.Errorf("quotagate: registry: duplicate provider %q", s.Name)
		}
		r.byName[s.Name] = len(r.providers)
		r.providers = append(r.providers, s)
		r.total += len(s.Profiles)
	}
	return r, nil
}

// Providers returns every registered provider in registration order.
func (r *Registry) Providers() []ProviderProfiles {
	out := make([]ProviderProfiles, len(r.providers))
	copy(out, r.providers)
	return out
}

// Profiles returns the profiles of a provider, or nil if unknown.
func (r *Registry) Profiles(provider string) []Profile {
	i, ok := r.byName[provider]
	if !ok {
		return nil
	}
	return r.providers[i].Profiles
}

// Len returns the total number of profiles across providers.
func (r *Registry) Len() int {
	return r.total
}

// Candidate is a profile offered to the capacity store for selection.
type Candidate struct {
	Provider string
	Profile  Profile
}

// Candidates flattens the registry into selection candidates in registration
// order, skipping providers without profiles and profiles rejected by keep.
func (r *Registry) Candidates(keep func(Profile) bool) []Candidate {
	var out []Candidate
	for _, s := range r.providers {
		for _, p := range s.Profiles {
			if keep != nil && !keep(p) {
				continue
			}
			out = append(out, Candidate{Provider: s.Name, Profile: p})
		}
	}
	return out
}
