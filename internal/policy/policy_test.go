package policy_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turnpipe/turnpipe/internal/dialogue"
	"github.com/turnpipe/turnpipe/internal/policy"
	"github.com/turnpipe/turnpipe/internal/tenant"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func barbershopConfig() *tenant.WorkspaceConfig {
	maxOffset := 30
	minOffset := 0
	return &tenant.WorkspaceConfig{
		WorkspaceID: "ws-barbershop-1",
		ToolWhitelist: map[string]tenant.ToolPolicy{
			"book_appointment": {
				ToolName:     "book_appointment",
				Enabled:      true,
				RequiredArgs: []string{"service_type", "preferred_date"},
				ArgConstraints: map[string]tenant.ArgConstraint{
					"preferred_date": {MinDateOffsetDays: &minOffset, MaxDateOffsetDays: &maxOffset},
				},
				RateLimitPerMin: 2,
			},
			"get_services": {ToolName: "get_services", Enabled: true},
		},
	}
}

func TestEvaluate_DeniesToolNotInWhitelist(t *testing.T) {
	e := policy.New(fixedClock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)))
	plan := dialogue.Plan{Actions: []dialogue.ToolCallSpec{{ToolName: "delete_everything"}}}

	result := e.Evaluate("ws-barbershop-1", plan, dialogue.NewDialogueState(), barbershopConfig())

	assert.Empty(t, result.Plan.Actions)
	require.Len(t, result.Denials, 1)
	assert.Equal(t, "delete_everything", result.Denials[0].ToolName)
}

func TestEvaluate_DeniesMissingRequiredArg(t *testing.T) {
	e := policy.New(fixedClock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)))
	plan := dialogue.Plan{Actions: []dialogue.ToolCallSpec{{ToolName: "book_appointment", Args: map[string]interface{}{"service_type": "corte"}}}}

	result := e.Evaluate("ws-barbershop-1", plan, dialogue.NewDialogueState(), barbershopConfig())

	assert.Empty(t, result.Plan.Actions)
	require.Len(t, result.Denials, 1)
	assert.Contains(t, result.Denials[0].Reason, "preferred_date")
}

func TestEvaluate_DeniesDateOutsideAllowedWindow(t *testing.T) {
	e := policy.New(fixedClock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)))
	plan := dialogue.Plan{Actions: []dialogue.ToolCallSpec{{ToolName: "book_appointment", Args: map[string]interface{}{
		"service_type":   "corte",
		"preferred_date": "2026-12-01",
	}}}}

	result := e.Evaluate("ws-barbershop-1", plan, dialogue.NewDialogueState(), barbershopConfig())

	assert.Empty(t, result.Plan.Actions)
	require.Len(t, result.Denials, 1)
	assert.Contains(t, result.Denials[0].Reason, "booking window")
}

func TestEvaluate_AllowsValidActionWithinWindow(t *testing.T) {
	e := policy.New(fixedClock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)))
	plan := dialogue.Plan{Actions: []dialogue.ToolCallSpec{{ToolName: "book_appointment", Args: map[string]interface{}{
		"service_type":   "corte",
		"preferred_date": "2026-08-10",
	}}}}

	result := e.Evaluate("ws-barbershop-1", plan, dialogue.NewDialogueState(), barbershopConfig())

	assert.Len(t, result.Plan.Actions, 1)
	assert.Empty(t, result.Denials)
}

func TestEvaluate_RateLimitExceeded(t *testing.T) {
	e := policy.New(fixedClock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)))
	cfg := barbershopConfig()
	action := dialogue.ToolCallSpec{ToolName: "book_appointment", Args: map[string]interface{}{
		"service_type":   "corte",
		"preferred_date": "2026-08-10",
	}}

	// book_appointment's configured limit is 2 per minute.
	var lastResult policy.Result
	for i := 0; i < 3; i++ {
		lastResult = e.Evaluate("ws-barbershop-1", dialogue.Plan{Actions: []dialogue.ToolCallSpec{action}}, dialogue.NewDialogueState(), cfg)
	}

	require.Len(t, lastResult.Denials, 1)
	assert.Contains(t, lastResult.Denials[0].Reason, "rate limit")
}

func TestEvaluate_DeniesRedundantActionMatchingRecentSuccess(t *testing.T) {
	e := policy.New(fixedClock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)))
	action := dialogue.ToolCallSpec{ToolName: "book_appointment", Args: map[string]interface{}{
		"service_type":   "corte",
		"preferred_date": "2026-08-10",
	}}
	fp := dialogue.Fingerprint("ws-barbershop-1", action.ToolName, action.Args)

	state := dialogue.NewDialogueState()
	state = state.AppendHistory(dialogue.ToolObservation{
		ToolName:           "book_appointment",
		ResultKind:         dialogue.ResultSuccess,
		RequestFingerprint: fp,
	})

	result := e.Evaluate("ws-barbershop-1", dialogue.Plan{Actions: []dialogue.ToolCallSpec{action}}, state, barbershopConfig())

	assert.Empty(t, result.Plan.Actions)
	require.Len(t, result.Denials, 1)
	assert.Contains(t, result.Denials[0].Reason, "redundant")
}

func TestEvaluate_NoTenantConfigDeniesEverything(t *testing.T) {
	e := policy.New(nil)
	plan := dialogue.Plan{Actions: []dialogue.ToolCallSpec{{ToolName: "get_services"}}}

	result := e.Evaluate("ws-barbershop-1", plan, dialogue.NewDialogueState(), nil)

	assert.Empty(t, result.Plan.Actions)
	require.Len(t, result.Denials, 1)
}
