package placement

import (
	"context"
	"errors"
	"fmt"

	"github.com/atelier-sh/atelier/pkg/fleet"
	"github.com/atelier-sh/atelier/pkg/specs"
	"github.com/atelier-sh/atelier/pkg/telemetry"
)

// Request describes one placement decision.
type Request struct {
	// Tier is the requested hardware tier name.
	Tier string

	// RegionPref restricts candidates to a region when set.
	RegionPref *string

	// ArchPref restricts candidates to an architecture when set. The
	// tier's own required architecture always applies; a preference that
	// contradicts it simply yields no candidates.
	ArchPref *string

	// Exclude lists server IDs the caller has already tried and rejected.
	Exclude []string

	// UserID is passed through to placement policies.
	UserID string
}

// LoadCounter reports how many active workspaces each server currently
// hosts. Implemented by the workspace store.
type LoadCounter interface {
	CountActiveByServer(ctx context.Context) (map[string]int, error)
}

// Policy can veto individual candidate servers. Implemented by the policy
// engine; nil disables policy checks.
type Policy interface {
	AllowPlacement(ctx context.Context, input PolicyInput) (bool, string, error)
}

// PolicyInput is the evaluation input for a placement policy decision.
type PolicyInput struct {
	Tier   specs.HardwareSpec
	Server fleet.Server
	UserID string
}

// Service implements capability-matching placement over the fleet.
type Service struct {
	registry *fleet.Registry
	specs    *specs.Provider
	load     LoadCounter
	policy   Policy
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
}

// NewService creates a placement service. policy may be nil.
func NewService(
	registry *fleet.Registry,
	provider *specs.Provider,
	load LoadCounter,
	policy Policy,
	logger *telemetry.Logger,
	metrics *telemetry.Metrics,
	tracer *telemetry.Tracer,
) *Service {
	return &Service{
		registry: registry,
		specs:    provider,
		load:     load,
		policy:   policy,
		logger:   logger.NewComponentLogger("placement"),
		metrics:  metrics,
		tracer:   tracer,
	}
}

// Place returns one eligible healthy server for the request, or a typed
// failure. Selection is deterministic: fewest active workspaces first,
// ties broken by registration order.
func (s *Service) Place(ctx context.Context, req Request) (*fleet.Server, error) {
	timer := telemetry.NewTimer()

	server, err := s.place(ctx, req)

	if s.metrics != nil {
		result := "placed"
		if err != nil {
			var capErr *CapacityError
			var tierErr *UnknownTierError
			switch {
			case errors.As(err, &capErr):
				result = string(capErr.Reason)
			case errors.As(err, &tierErr):
				result = "unknown_tier"
			default:
				result = "error"
			}
		}
		s.metrics.RecordPlacement(result, timer.Duration())
	}

	return server, err
}

func (s *Service) place(ctx context.Context, req Request) (*fleet.Server, error) {
	var span = telemetry.SpanFromContext(ctx)
	if s.tracer != nil {
		ctx, span = s.tracer.StartPlacementSpan(ctx, req.Tier)
		defer span.End()
	}

	spec, err := s.specs.GetSpec(ctx, req.Tier)
	if err != nil {
		if errors.Is(err, specs.ErrTierNotFound) {
			return nil, &UnknownTierError{Tier: req.Tier}
		}
		return nil, fmt.Errorf("failed to resolve tier %s: %w", req.Tier, err)
	}

	if !spec.Available {
		return nil, &CapacityError{
			Tier:    req.Tier,
			Reason:  ReasonTierUnavailable,
			Message: fmt.Sprintf("tier %s is not currently available", req.Tier),
		}
	}

	healthy := s.registry.HealthyServers()

	// Architecture filter. The tier's required architecture is
	// authoritative; an explicit preference narrows further.
	candidates := make([]*fleet.Server, 0, len(healthy))
	for _, server := range healthy {
		if server.Architecture != spec.Architecture {
			continue
		}
		if req.ArchPref != nil && server.Architecture != *req.ArchPref {
			continue
		}
		candidates = append(candidates, server)
	}
	if len(candidates) == 0 {
		return nil, &CapacityError{
			Tier:    req.Tier,
			Reason:  ReasonNoArchMatch,
			Message: fmt.Sprintf("no healthy servers of architecture %s (fleet has %d healthy servers)", spec.Architecture, len(healthy)),
		}
	}

	// GPU filter.
	if spec.RequiresGPU() {
		withGPU := candidates[:0]
		for _, server := range candidates {
			if server.HasGPU() {
				withGPU = append(withGPU, server)
			}
		}
		candidates = withGPU
		if len(candidates) == 0 {
			return nil, &CapacityError{
				Tier:    req.Tier,
				Reason:  ReasonNoGPU,
				Message: fmt.Sprintf("tier %s requires a %s GPU and no healthy %s server has one", req.Tier, spec.GPUType, spec.Architecture),
			}
		}
	}

	// Region filter.
	if req.RegionPref != nil {
		inRegion := candidates[:0]
		for _, server := range candidates {
			if server.Region == *req.RegionPref {
				inRegion = append(inRegion, server)
			}
		}
		candidates = inRegion
		if len(candidates) == 0 {
			return nil, &CapacityError{
				Tier:    req.Tier,
				Reason:  ReasonNoHealthyInRegion,
				Message: fmt.Sprintf("no healthy servers in region %s for tier %s", *req.RegionPref, req.Tier),
			}
		}
	}

	// Caller exclusions.
	if len(req.Exclude) > 0 {
		excluded := make(map[string]bool, len(req.Exclude))
		for _, id := range req.Exclude {
			excluded[id] = true
		}
		remaining := candidates[:0]
		for _, server := range candidates {
			if !excluded[server.ID] {
				remaining = append(remaining, server)
			}
		}
		candidates = remaining
		if len(candidates) == 0 {
			return nil, &CapacityError{
				Tier:    req.Tier,
				Reason:  ReasonAllExcluded,
				Message: fmt.Sprintf("all %d matching servers excluded by caller", len(req.Exclude)),
			}
		}
	}

	// Policy filter.
	if s.policy != nil {
		allowed := candidates[:0]
		var lastDenial string
		for _, server := range candidates {
			ok, reason, err := s.policy.AllowPlacement(ctx, PolicyInput{
				Tier:   *spec,
				Server: *server,
				UserID: req.UserID,
			})
			if err != nil {
				// Policy evaluation failure is treated as a denial for
				// that candidate, not a hard error.
				s.logger.WithServerID(server.ID).WithError(err).Warn("placement policy evaluation failed")
				lastDenial = fmt.Sprintf("policy evaluation failed: %v", err)
				continue
			}
			if !ok {
				lastDenial = reason
				continue
			}
			allowed = append(allowed, server)
		}
		candidates = allowed
		if len(candidates) == 0 {
			return nil, &CapacityError{
				Tier:    req.Tier,
				Reason:  ReasonDeniedByPolicy,
				Message: fmt.Sprintf("placement denied by policy: %s", lastDenial),
			}
		}
	}

	// Load-based selection: fewest active workspaces wins, ties broken by
	// registration order (candidates are already in registration order).
	counts, err := s.load.CountActiveByServer(ctx)
	if err != nil {
		// The load signal is advisory. Without it, fall back to
		// registration order for determinism.
		s.logger.WithError(err).Warn("failed to count workspaces per server, using registration order")
		counts = map[string]int{}
	}

	best := candidates[0]
	for _, server := range candidates[1:] {
		if counts[server.ID] < counts[best.ID] {
			best = server
		}
	}

	s.logger.WithServerID(best.ID).WithTier(req.Tier).Debugf("placed on %s (load %d, %d candidates)", best.ID, counts[best.ID], len(candidates))
	return best, nil
}
