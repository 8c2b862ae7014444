package nlg_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turnpipe/turnpipe/internal/dialogue"
	"github.com/turnpipe/turnpipe/internal/model/providers"
	"github.com/turnpipe/turnpipe/internal/nlg"
	"github.com/turnpipe/turnpipe/internal/tenant"
)

func TestGenerate_MatchesTemplateByIntentAndFingerprint(t *testing.T) {
	state := dialogue.NewDialogueState()
	state.NextAction = dialogue.NextActionGreet
	in := nlg.Input{Intent: dialogue.IntentGreeting, State: state}
	fp := nlg.StateFingerprint(in)

	cfg := &tenant.WorkspaceConfig{
		Templates: []tenant.Template{
			{Intent: "greeting", StateFingerprint: fp, Text: "Hola! En que puedo ayudarte?", Tone: "friendly"},
		},
	}

	g := nlg.New(nil, nil)
	reply := g.Generate(context.Background(), in, cfg)

	assert.Equal(t, "Hola! En que puedo ayudarte?", reply.MessageText)
	assert.Equal(t, "friendly", reply.Tone)
}

func TestGenerate_NoTemplateMatchFallsBackToModel(t *testing.T) {
	client := providers.NewMockClient().WithResponse(`{"message_text":"Let's get your appointment booked.","tone":"friendly","suggested_next_state":"SLOT_FILL"}`)
	g := nlg.New(client, nil)

	reply := g.Generate(context.Background(), nlg.Input{Intent: dialogue.IntentBook, State: dialogue.NewDialogueState()}, nil)

	assert.Equal(t, "Let's get your appointment booked.", reply.MessageText)
	assert.Equal(t, dialogue.NextActionSlotFill, reply.SuggestedNextState)
}

func TestGenerate_ModelFailureUsesGenericFallback(t *testing.T) {
	client := providers.NewMockClient().WithError(errors.New("boom"))
	g := nlg.New(client, nil)

	reply := g.Generate(context.Background(), nlg.Input{Intent: dialogue.IntentOther, State: dialogue.NewDialogueState()}, nil)

	assert.NotEmpty(t, reply.MessageText)
	assert.LessOrEqual(t, len(reply.MessageText), dialogue.MaxReplyLength)
}

func TestGenerate_NoClientAndNoTemplateUsesGenericFallback(t *testing.T) {
	g := nlg.New(nil, nil)

	reply := g.Generate(context.Background(), nlg.Input{Intent: dialogue.IntentOther, State: dialogue.NewDialogueState()}, nil)

	assert.NotEmpty(t, reply.MessageText)
}

func TestGenerate_TruncatesOverlongModelReply(t *testing.T) {
	longText := strings.Repeat("a", dialogue.MaxReplyLength+100)
	client := providers.NewMockClient().WithResponse(`{"message_text":"` + longText + `"}`)
	g := nlg.New(client, nil)

	reply := g.Generate(context.Background(), nlg.Input{Intent: dialogue.IntentQuery, State: dialogue.NewDialogueState()}, nil)

	assert.Len(t, reply.MessageText, dialogue.MaxReplyLength)
}

func TestStateFingerprint_DiffersWhenMissingSlotsPresent(t *testing.T) {
	state := dialogue.NewDialogueState()
	withoutMissing := nlg.StateFingerprint(nlg.Input{State: state})
	withMissing := nlg.StateFingerprint(nlg.Input{State: state, MissingSlots: []string{"preferred_date"}})

	assert.NotEqual(t, withoutMissing, withMissing)
}
