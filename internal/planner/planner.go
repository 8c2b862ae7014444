// Package planner implements the Planner stage (C6): choosing at most
// three tool calls from an extraction result, the current dialogue
// state, and the tenant's tool whitelist.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/turnpipe/turnpipe/internal/dialogue"
	"github.com/turnpipe/turnpipe/internal/model"
	"github.com/turnpipe/turnpipe/internal/platform/logging"
	"github.com/turnpipe/turnpipe/internal/tenant"
)

var planSchema = json.RawMessage(`{
	"type": "object",
	"required": ["actions"],
	"properties": {
		"actions": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["tool_name", "args"],
				"properties": {
					"tool_name": {"type": "string"},
					"args": {"type": "object"}
				}
			}
		},
		"needs_confirmation": {"type": "boolean"}
	}
}`)

type modelPlan struct {
	Actions []struct {
		ToolName string                 `json:"tool_name"`
		Args     map[string]interface{} `json:"args"`
	} `json:"actions"`
	NeedsConfirmation bool `json:"needs_confirmation"`
}

// FallbackEntry is one row of the deterministic fallback table keyed by
// (intent, populated_slot_set), used when the model call fails schema
// validation twice.
type FallbackEntry struct {
	Intent       dialogue.IntentLabel
	SlotSet      []string // sorted, must match PopulatedSlotSet() exactly
	ToolName     string
	MissingSlots []string
}

// Planner produces a bounded Plan for one turn.
type Planner struct {
	client   model.Client
	logger   logging.Logger
	fallback []FallbackEntry
}

// New constructs a Planner. fallback is consulted in order; the first
// matching (intent, slot set) entry wins.
func New(client model.Client, logger logging.Logger, fallback []FallbackEntry) *Planner {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Planner{client: client, logger: logger, fallback: fallback}
}

// Plan chooses at most dialogue.MaxPlannedActions tool calls.
func (p *Planner) Plan(ctx context.Context, extraction dialogue.ExtractionResult, state dialogue.DialogueState, cfg *tenant.WorkspaceConfig, workspaceID string) dialogue.Plan {
	plan := p.planViaModel(ctx, extraction, state, cfg)
	if plan == nil {
		plan = p.planViaFallback(extraction, state)
	}

	return p.enforce(*plan, cfg, workspaceID)
}

func (p *Planner) planViaModel(ctx context.Context, extraction dialogue.ExtractionResult, state dialogue.DialogueState, cfg *tenant.WorkspaceConfig) *dialogue.Plan {
	if p.client == nil {
		return nil
	}

	prompt := buildPrompt(extraction, state, cfg)
	raw, err := p.client.Generate(ctx, prompt)
	if err != nil {
		p.logger.WarnContext(ctx, "planner model call failed, using fallback table", map[string]interface{}{"error": err.Error()})
		return nil
	}

	var out modelPlan
	if err := json.Unmarshal(raw, &out); err != nil {
		p.logger.WarnContext(ctx, "planner model output unparsable, using fallback table", nil)
		return nil
	}

	actions := make([]dialogue.ToolCallSpec, 0, len(out.Actions))
	for _, a := range out.Actions {
		actions = append(actions, dialogue.ToolCallSpec{ToolName: a.ToolName, Args: a.Args})
	}

	return &dialogue.Plan{Actions: actions, NeedsConfirmation: out.NeedsConfirmation}
}

// planViaFallback is the deterministic table lookup keyed by
// (intent, populated_slot_set), consulted when the model plan is
// unavailable.
func (p *Planner) planViaFallback(extraction dialogue.ExtractionResult, state dialogue.DialogueState) *dialogue.Plan {
	merged := state.Clone()
	for k, v := range extraction.Slots {
		merged.Slots[k] = v
	}
	slotSet := merged.PopulatedSlotSet()

	for _, entry := range p.fallback {
		if entry.Intent != extraction.Intent {
			continue
		}
		if !equalSlotSets(entry.SlotSet, slotSet) {
			continue
		}
		if len(entry.MissingSlots) > 0 {
			return &dialogue.Plan{MissingSlots: entry.MissingSlots}
		}
		return &dialogue.Plan{Actions: []dialogue.ToolCallSpec{{ToolName: entry.ToolName, Args: map[string]interface{}{}}}}
	}

	return &dialogue.Plan{}
}

// enforce applies the invariants the contract requires regardless of
// which path produced the plan: whitelist filtering, workspace_id
// injection, and the 3-action cap.
func (p *Planner) enforce(plan dialogue.Plan, cfg *tenant.WorkspaceConfig, workspaceID string) dialogue.Plan {
	filtered := make([]dialogue.ToolCallSpec, 0, len(plan.Actions))
	for _, a := range plan.Actions {
		if cfg != nil && !cfg.IsToolAllowed(a.ToolName) {
			continue
		}
		args := make(map[string]interface{}, len(a.Args)+1)
		for k, v := range a.Args {
			args[k] = v
		}
		args["workspace_id"] = workspaceID
		filtered = append(filtered, dialogue.ToolCallSpec{ToolName: a.ToolName, Args: args})
		if len(filtered) == dialogue.MaxPlannedActions {
			break
		}
	}

	return dialogue.Plan{
		Actions:           filtered,
		NeedsConfirmation: plan.NeedsConfirmation,
		MissingSlots:      plan.MissingSlots,
	}
}

func buildPrompt(extraction dialogue.ExtractionResult, state dialogue.DialogueState, cfg *tenant.WorkspaceConfig) model.Prompt {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Choose up to %d tool calls for intent %q given the populated slots.\n", dialogue.MaxPlannedActions, extraction.Intent)
	if cfg != nil {
		names := make([]string, 0, len(cfg.ToolWhitelist))
		for name, policy := range cfg.ToolWhitelist {
			if policy.Enabled {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		fmt.Fprintf(&sb, "Allowed tools: %s\n", strings.Join(names, ", "))
	}
	fmt.Fprintf(&sb, "Populated slots: %s\n", strings.Join(state.PopulatedSlotSet(), ", "))
	sb.WriteString("Respond with JSON matching {actions: [{tool_name, args}], needs_confirmation}.")

	return model.Prompt{
		Text:        sb.String(),
		JSONSchema:  planSchema,
		Temperature: 0.1,
		MaxTokens:   400,
		Timeout:     180 * time.Millisecond,
	}
}

func equalSlotSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
