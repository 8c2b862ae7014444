// Package policy implements the Policy Engine (C7): the last,
// deterministic, sub-10ms gate between a Plan and the Tool Broker.
// Checks run in a fixed order and the first failing check denies the
// action; denials never retry within the same turn.
package policy

import (
	"fmt"
	"time"

	"github.com/turnpipe/turnpipe/internal/dialogue"
	"github.com/turnpipe/turnpipe/internal/tenant"
)

// Result is the Policy Engine's output: the surviving actions plus a
// denial per dropped action, in the same relative order as the input
// Plan.
type Result struct {
	Plan    dialogue.Plan
	Denials []dialogue.PolicyDenial
}

// Engine evaluates a Plan against tenant policy and recent history.
type Engine struct {
	limiter *rateLimiter
	now     func() time.Time
}

// New constructs a Policy Engine. now defaults to time.Now; tests
// inject a fixed clock for deterministic date-window checks.
func New(now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{limiter: newRateLimiter(), now: now}
}

// Evaluate filters plan.Actions in order, applying each check in turn:
// tool permitted, args present and typed, rate limit, arg constraints,
// redundancy with a recent SUCCESS.
func (e *Engine) Evaluate(workspaceID string, plan dialogue.Plan, state dialogue.DialogueState, cfg *tenant.WorkspaceConfig) Result {
	out := Result{Plan: dialogue.Plan{NeedsConfirmation: plan.NeedsConfirmation, MissingSlots: plan.MissingSlots}}

	for _, action := range plan.Actions {
		if cfg == nil {
			out.Denials = append(out.Denials, dialogue.PolicyDenial{ToolName: action.ToolName, Reason: "no tenant configuration loaded"})
			continue
		}

		toolPolicy, allowed := cfg.ToolWhitelist[action.ToolName]
		if !allowed || !toolPolicy.Enabled {
			out.Denials = append(out.Denials, dialogue.PolicyDenial{ToolName: action.ToolName, Reason: "tool not permitted for this workspace"})
			continue
		}

		if reason := missingOrMistypedArgs(action, toolPolicy); reason != "" {
			out.Denials = append(out.Denials, dialogue.PolicyDenial{ToolName: action.ToolName, Reason: reason})
			continue
		}

		if !e.limiter.Allow(workspaceID, action.ToolName, toolPolicy.RateLimitPerMin, e.now()) {
			out.Denials = append(out.Denials, dialogue.PolicyDenial{ToolName: action.ToolName, Reason: "rate limit exceeded"})
			continue
		}

		if reason := violatesConstraints(action, toolPolicy, e.now()); reason != "" {
			out.Denials = append(out.Denials, dialogue.PolicyDenial{ToolName: action.ToolName, Reason: reason})
			continue
		}

		if isRedundant(workspaceID, action, state) {
			out.Denials = append(out.Denials, dialogue.PolicyDenial{ToolName: action.ToolName, Reason: "redundant with a recent successful call"})
			continue
		}

		out.Plan.Actions = append(out.Plan.Actions, action)
	}

	return out
}

func missingOrMistypedArgs(action dialogue.ToolCallSpec, policy tenant.ToolPolicy) string {
	for _, required := range policy.RequiredArgs {
		v, ok := action.Args[required]
		if !ok || v == nil {
			return fmt.Sprintf("missing required arg %q", required)
		}
		if s, isString := v.(string); isString && s == "" {
			return fmt.Sprintf("empty required arg %q", required)
		}
	}
	return ""
}

func violatesConstraints(action dialogue.ToolCallSpec, policy tenant.ToolPolicy, now time.Time) string {
	for argName, constraint := range policy.ArgConstraints {
		raw, ok := action.Args[argName]
		if !ok {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			continue
		}
		when, err := time.Parse(time.RFC3339, s)
		if err != nil {
			when, err = time.Parse("2006-01-02", s)
			if err != nil {
				continue
			}
		}
		offsetDays := int(when.Sub(now).Hours() / 24)
		if constraint.MinDateOffsetDays != nil && offsetDays < *constraint.MinDateOffsetDays {
			return fmt.Sprintf("%s is before the allowed booking window", argName)
		}
		if constraint.MaxDateOffsetDays != nil && offsetDays > *constraint.MaxDateOffsetDays {
			return fmt.Sprintf("%s is beyond the allowed booking window", argName)
		}
	}
	return ""
}

// isRedundant reports whether action's fingerprint matches a SUCCESS
// already present in the conversation's bounded history.
func isRedundant(workspaceID string, action dialogue.ToolCallSpec, state dialogue.DialogueState) bool {
	fp := dialogue.Fingerprint(workspaceID, action.ToolName, action.Args)
	for _, obs := range state.History {
		if obs.ResultKind == dialogue.ResultSuccess && obs.RequestFingerprint == fp {
			return true
		}
	}
	return false
}
