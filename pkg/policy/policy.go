// Package policy evaluates Rego placement policies. Policies can veto a
// candidate server for a workspace before final selection, e.g. to keep
// GPU tiers inside approved regions.
package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/atelier-sh/atelier/pkg/placement"
)

// Policy is one named Rego module. The module is expected to contribute to
// the deny set at data.atelier.placement.deny.
type Policy struct {
	// Name identifies the policy in logs and errors.
	Name string

	// Description explains what the policy enforces.
	Description string

	// Source is the Rego module source.
	Source string

	// Enabled controls whether the policy participates in evaluation.
	Enabled bool
}

// denyQuery is the Rego query every policy is evaluated against.
const denyQuery = "data.atelier.placement.deny"

// compiledPolicy pairs a policy with its prepared query.
type compiledPolicy struct {
	policy   Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// Engine compiles and evaluates placement policies. It implements
// placement.Policy.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy").Logger(),
	}

	for _, p := range BuiltinPolicies() {
		if err := e.AddPolicy(p); err != nil {
			return nil, fmt.Errorf("failed to load built-in policy %s: %w", p.Name, err)
		}
	}

	return e, nil
}

// AddPolicy compiles and registers a policy, replacing any policy with the
// same name.
func (e *Engine) AddPolicy(p Policy) error {
	if p.Name == "" {
		return fmt.Errorf("policy name is required")
	}

	query, err := rego.New(
		rego.Query(denyQuery),
		rego.Module(p.Name+".rego", p.Source),
	).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
	}

	e.mu.Lock()
	e.policies[p.Name] = &compiledPolicy{
		policy:   p,
		query:    query,
		compiled: time.Now(),
	}
	e.mu.Unlock()

	e.logger.Info().Str("policy", p.Name).Msg("policy loaded")
	return nil
}

// RemovePolicy unregisters a policy by name.
func (e *Engine) RemovePolicy(name string) {
	e.mu.Lock()
	delete(e.policies, name)
	e.mu.Unlock()
}

// AllowPlacement evaluates all enabled policies against a candidate. The
// first denial wins; its message is returned as the reason.
func (e *Engine) AllowPlacement(ctx context.Context, input placement.PolicyInput) (bool, string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	regoInput := buildInput(input)

	for _, cp := range e.policies {
		if !cp.policy.Enabled {
			continue
		}

		results, err := cp.query.Eval(ctx, rego.EvalInput(regoInput))
		if err != nil {
			return false, "", fmt.Errorf("policy %s: %w", cp.policy.Name, err)
		}

		for _, result := range results {
			for _, expr := range result.Expressions {
				denials, ok := expr.Value.([]interface{})
				if !ok {
					continue
				}
				for _, denial := range denials {
					msg := fmt.Sprintf("%v", denial)
					e.logger.Debug().
						Str("policy", cp.policy.Name).
						Str("server_id", input.Server.ID).
						Str("tier", input.Tier.Tier).
						Str("reason", msg).
						Msg("placement denied by policy")
					return false, fmt.Sprintf("%s: %s", cp.policy.Name, msg), nil
				}
			}
		}
	}

	return true, "", nil
}

// buildInput converts a placement policy input into plain JSON-shaped data
// for Rego evaluation.
func buildInput(input placement.PolicyInput) map[string]interface{} {
	regions := make([]interface{}, 0, len(input.Tier.Regions))
	for _, r := range input.Tier.Regions {
		regions = append(regions, r)
	}

	return map[string]interface{}{
		"user_id": input.UserID,
		"tier": map[string]interface{}{
			"name":         input.Tier.Tier,
			"architecture": input.Tier.Architecture,
			"gpu_type":     input.Tier.GPUType,
			"gpu_count":    input.Tier.GPUCount,
			"hourly_rate":  input.Tier.HourlyRate,
			"regions":      regions,
		},
		"server": map[string]interface{}{
			"id":           input.Server.ID,
			"architecture": input.Server.Architecture,
			"region":       input.Server.Region,
			"gpu_type":     input.Server.GPUType,
		},
	}
}
