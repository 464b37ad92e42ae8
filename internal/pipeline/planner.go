package pipeline

import (
	"fmt"
	"strconv"
	"strings"

	"server/internal/domain"
)

// Action is the planner's decision for a finalized attempt.
type Action string

const (
	// ActionAccept ends the loop on a PASS verdict.
	ActionAccept Action = "ACCEPT"
	// ActionRetry schedules the next attempt with adjusted parameters.
	ActionRetry Action = "RETRY"
	// ActionExhausted ends the loop after the final attempt failed.
	ActionExhausted Action = "EXHAUSTED"
	// ActionEscalate ends the loop early when QC feedback cannot be applied.
	ActionEscalate Action = "ESCALATE"
)

// Plan is the planner output: what to do next and, for a retry, the
// parameter record and attempt number to use.
type Plan struct {
	Action     Action
	Params     domain.GenerationParams
	NextNumber int
}

// ParamDelta is the adjustment a suggested-fix category applies to the
// previous attempt's parameters.
type ParamDelta struct {
	Steps          int
	CFGScale       float64
	StructureScale float64
}

// FixPolicy maps suggested-fix categories to parameter deltas. The mapping is
// configuration, not schema: operators may override any entry.
type FixPolicy map[string]ParamDelta

// DefaultFixPolicy returns the built-in fix table.
func DefaultFixPolicy() FixPolicy {
	return FixPolicy{
		"reduce_structure_scale":   {StructureScale: -0.10},
		"increase_structure_scale": {StructureScale: 0.10},
		"reduce_cfg_scale":         {CFGScale: -1.0},
		"increase_cfg_scale":       {CFGScale: 1.0},
		"increase_steps":           {Steps: 10},
	}
}

// ParseFixPolicy builds the fix table from the built-in defaults plus the
// operator override spec. The spec is comma-separated entries of the form
// "category=steps:cfg:structure", e.g. "reduce_cfg_scale=0:-2:0". An empty
// spec returns the defaults unchanged.
func ParseFixPolicy(spec string) (FixPolicy, error) {
	policy := DefaultFixPolicy()
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return policy, nil
	}
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, deltas, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("fix policy entry %q: missing '='", entry)
		}
		parts := strings.Split(deltas, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("fix policy entry %q: want steps:cfg:structure", entry)
		}
		steps, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, fmt.Errorf("fix policy entry %q: steps: %w", entry, err)
		}
		cfg, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("fix policy entry %q: cfg: %w", entry, err)
		}
		structure, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
		if err != nil {
			return nil, fmt.Errorf("fix policy entry %q: structure: %w", entry, err)
		}
		policy[strings.TrimSpace(name)] = ParamDelta{Steps: steps, CFGScale: cfg, StructureScale: structure}
	}
	return policy, nil
}

// Apply computes adjusted parameters for the given fix category. The second
// return is false when the category is unrecognized; parameters are then
// returned unchanged.
func (p FixPolicy) Apply(params domain.GenerationParams, fix string) (domain.GenerationParams, bool) {
	delta, ok := p[fix]
	if !ok {
		return params, false
	}
	params.Steps = clampInt(params.Steps+delta.Steps, 1, 150)
	params.CFGScale = clampFloat(params.CFGScale+delta.CFGScale, 1.0, 30.0)
	params.StructureScale = clampFloat(params.StructureScale+delta.StructureScale, 0.0, 1.0)
	return params, true
}

// Planner decides, from a finalized attempt, whether to retry, escalate, or
// stop. It is pure: identical inputs always produce identical plans.
type Planner struct {
	policy FixPolicy
}

func NewPlanner(policy FixPolicy) *Planner {
	if policy == nil {
		policy = DefaultFixPolicy()
	}
	return &Planner{policy: policy}
}

// Plan evaluates one finalized attempt. A missing or invalid verdict is
// treated as FAIL with reason "evaluator error". The planner never retries
// after a PASS and never skips attempt numbers.
func (p *Planner) Plan(a domain.GenerationAttempt) Plan {
	verdict, fix := domain.VerdictFail, a.SuggestedFix
	if a.Verdict != nil && (*a.Verdict == domain.VerdictPass || *a.Verdict == domain.VerdictFail) {
		verdict = *a.Verdict
	} else {
		fix = ""
	}

	if verdict == domain.VerdictPass {
		return Plan{Action: ActionAccept}
	}
	if a.Number >= domain.MaxAttempts {
		return Plan{Action: ActionExhausted}
	}

	// An absent fix hint means retry with unchanged parameters; an
	// unrecognized category means the feedback cannot be applied, so the
	// render goes to a human instead of burning attempts.
	if fix == "" {
		return Plan{Action: ActionRetry, Params: a.Params, NextNumber: a.Number + 1}
	}
	adjusted, known := p.policy.Apply(a.Params, fix)
	if !known {
		return Plan{Action: ActionEscalate, Params: a.Params}
	}
	return Plan{Action: ActionRetry, Params: adjusted, NextNumber: a.Number + 1}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
