package planner_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turnpipe/turnpipe/internal/dialogue"
	"github.com/turnpipe/turnpipe/internal/model/providers"
	"github.com/turnpipe/turnpipe/internal/planner"
	"github.com/turnpipe/turnpipe/internal/tenant"
)

func barbershopConfig() *tenant.WorkspaceConfig {
	return &tenant.WorkspaceConfig{
		WorkspaceID: "ws-barbershop-1",
		ToolWhitelist: map[string]tenant.ToolPolicy{
			"book_appointment": {ToolName: "book_appointment", Enabled: true},
			"get_services":     {ToolName: "get_services", Enabled: true},
		},
	}
}

func TestPlan_ModelPlanIsTruncatedToThreeActions(t *testing.T) {
	client := providers.NewMockClient().WithResponse(`{"actions":[
		{"tool_name":"book_appointment","args":{}},
		{"tool_name":"get_services","args":{}},
		{"tool_name":"book_appointment","args":{}},
		{"tool_name":"get_services","args":{}}
	]}`)
	p := planner.New(client, nil, nil)

	plan := p.Plan(context.Background(), dialogue.ExtractionResult{Intent: dialogue.IntentBook}, dialogue.NewDialogueState(), barbershopConfig(), "ws-barbershop-1")

	assert.Len(t, plan.Actions, dialogue.MaxPlannedActions)
}

func TestPlan_DropsToolsNotInWhitelist(t *testing.T) {
	client := providers.NewMockClient().WithResponse(`{"actions":[
		{"tool_name":"delete_everything","args":{}},
		{"tool_name":"get_services","args":{}}
	]}`)
	p := planner.New(client, nil, nil)

	plan := p.Plan(context.Background(), dialogue.ExtractionResult{Intent: dialogue.IntentQuery}, dialogue.NewDialogueState(), barbershopConfig(), "ws-barbershop-1")

	require.Len(t, plan.Actions, 1)
	assert.Equal(t, "get_services", plan.Actions[0].ToolName)
}

func TestPlan_InjectsWorkspaceIDIntoEveryAction(t *testing.T) {
	client := providers.NewMockClient().WithResponse(`{"actions":[{"tool_name":"get_services","args":{"foo":"bar"}}]}`)
	p := planner.New(client, nil, nil)

	plan := p.Plan(context.Background(), dialogue.ExtractionResult{Intent: dialogue.IntentQuery}, dialogue.NewDialogueState(), barbershopConfig(), "ws-barbershop-1")

	require.Len(t, plan.Actions, 1)
	assert.Equal(t, "ws-barbershop-1", plan.Actions[0].Args["workspace_id"])
	assert.Equal(t, "bar", plan.Actions[0].Args["foo"])
}

func TestPlan_OverwritesSpoofedWorkspaceID(t *testing.T) {
	client := providers.NewMockClient().WithResponse(`{"actions":[{"tool_name":"get_services","args":{"workspace_id":"attacker-ws"}}]}`)
	p := planner.New(client, nil, nil)

	plan := p.Plan(context.Background(), dialogue.ExtractionResult{Intent: dialogue.IntentQuery}, dialogue.NewDialogueState(), barbershopConfig(), "ws-barbershop-1")

	require.Len(t, plan.Actions, 1)
	assert.Equal(t, "ws-barbershop-1", plan.Actions[0].Args["workspace_id"])
}

func TestPlan_ModelFailureUsesFallbackTable(t *testing.T) {
	client := providers.NewMockClient().WithError(errors.New("boom"))
	fallback := []planner.FallbackEntry{
		{Intent: dialogue.IntentQuery, SlotSet: []string{}, ToolName: "get_services"},
	}
	p := planner.New(client, nil, fallback)

	plan := p.Plan(context.Background(), dialogue.ExtractionResult{Intent: dialogue.IntentQuery}, dialogue.NewDialogueState(), barbershopConfig(), "ws-barbershop-1")

	require.Len(t, plan.Actions, 1)
	assert.Equal(t, "get_services", plan.Actions[0].ToolName)
}

func TestPlan_FallbackWithMissingSlotsProducesEmptyActionList(t *testing.T) {
	client := providers.NewMockClient().WithError(errors.New("boom"))
	fallback := []planner.FallbackEntry{
		{Intent: dialogue.IntentBook, SlotSet: []string{}, MissingSlots: []string{"service_type", "preferred_date"}},
	}
	p := planner.New(client, nil, fallback)

	plan := p.Plan(context.Background(), dialogue.ExtractionResult{Intent: dialogue.IntentBook}, dialogue.NewDialogueState(), barbershopConfig(), "ws-barbershop-1")

	assert.Empty(t, plan.Actions)
	assert.Equal(t, []string{"service_type", "preferred_date"}, plan.MissingSlots)
}

func TestPlan_NoClientAndNoFallbackMatchProducesEmptyPlan(t *testing.T) {
	p := planner.New(nil, nil, nil)

	plan := p.Plan(context.Background(), dialogue.ExtractionResult{Intent: dialogue.IntentOther}, dialogue.NewDialogueState(), barbershopConfig(), "ws-barbershop-1")

	assert.Empty(t, plan.Actions)
}
