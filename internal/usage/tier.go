package usage

import "strings"

// Unlimited is the tier limit that disables the quota.
const Unlimited = -1

// TierResolver maps pricing tiers onto per-period limits.
type TierResolver struct {
	tiers       map[string]int
	defaultTier string
}

// NewTierResolver creates a resolver. Tier names are case-insensitive.
func NewTierResolver(tiers map[string]int, defaultTier string) *TierResolver {
	normalized := make(map[string]int, len(tiers))
	for name, limit := range tiers {
		normalized[strings.ToLower(strings.TrimSpace(name))] = limit
	}
	return &TierResolver{
		tiers:       normalized,
		defaultTier: strings.ToLower(strings.TrimSpace(defaultTier)),
	}
}

// Limit returns the limit for tier. Unknown or empty tiers use the default
// tier; if that is missing too the limit is 0 and every request is refused.
func (r *TierResolver) Limit(tier string) int {
	if limit, ok := r.tiers[strings.ToLower(strings.TrimSpace(tier))]; ok {
		return limit
	}
	if limit, ok := r.tiers[r.defaultTier]; ok {
		return limit
	}
	return 0
}
