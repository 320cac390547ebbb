// Package placement decides which fleet server will run a workspace. It is
// a pure reader: it consults the fleet registry and the hardware catalog
// but never mutates either.
package placement

import "fmt"

// CapacityReason distinguishes why no eligible server was found. Callers
// use it to decide whether to retry elsewhere or give up.
type CapacityReason string

const (
	// ReasonNoArchMatch: no healthy server of the tier's required
	// architecture exists.
	ReasonNoArchMatch CapacityReason = "no_architecture_match"

	// ReasonNoGPU: the tier requires a GPU and no healthy matching server
	// has one.
	ReasonNoGPU CapacityReason = "no_gpu_capacity"

	// ReasonNoHealthyInRegion: matching servers exist but none are healthy
	// in the requested region.
	ReasonNoHealthyInRegion CapacityReason = "no_healthy_in_region"

	// ReasonAllExcluded: every matching server was excluded by the caller.
	ReasonAllExcluded CapacityReason = "all_excluded"

	// ReasonDeniedByPolicy: placement policy rejected every candidate.
	ReasonDeniedByPolicy CapacityReason = "denied_by_policy"

	// ReasonTierUnavailable: the tier exists but is administratively
	// unavailable.
	ReasonTierUnavailable CapacityReason = "tier_unavailable"
)

// UnknownTierError is returned for a tier name the catalog does not know.
// This is a caller error, not a capacity condition.
type UnknownTierError struct {
	Tier string
}

func (e *UnknownTierError) Error() string {
	return fmt.Sprintf("unknown hardware tier: %s", e.Tier)
}

// CapacityError is returned when no eligible healthy server can host the
// requested tier.
type CapacityError struct {
	Tier    string
	Reason  CapacityReason
	Message string
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("no capacity for tier %s (%s): %s", e.Tier, e.Reason, e.Message)
}
