// Package nlg implements the Response Generator (C8): template-first
// reply production with a schema-constrained model fallback when no
// template matches.
package nlg

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/turnpipe/turnpipe/internal/dialogue"
	"github.com/turnpipe/turnpipe/internal/model"
	"github.com/turnpipe/turnpipe/internal/platform/logging"
	"github.com/turnpipe/turnpipe/internal/tenant"
)

var replySchema = json.RawMessage(`{
	"type": "object",
	"required": ["message_text"],
	"properties": {
		"message_text": {"type": "string", "maxLength": 480},
		"tone": {"type": "string"},
		"suggested_next_state": {"type": "string"},
		"quick_replies": {"type": "array", "items": {"type": "string"}}
	}
}`)

type modelReply struct {
	MessageText        string   `json:"message_text"`
	Tone               string   `json:"tone"`
	SuggestedNextState string   `json:"suggested_next_state"`
	QuickReplies       []string `json:"quick_replies"`
}

// genericFallbackText is used when neither a template nor the model
// produces a reply, so the turn always returns something to the user.
const genericFallbackText = "Sorry, I couldn't process that. Could you try rephrasing?"

// Generator produces the final Reply for a turn.
type Generator struct {
	client model.Client
	logger logging.Logger
}

// New constructs a Generator. client may be nil if the deployment relies
// entirely on templates.
func New(client model.Client, logger logging.Logger) *Generator {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Generator{client: client, logger: logger}
}

// Input bundles everything the Response Generator needs to pick or
// produce a reply.
type Input struct {
	Intent            dialogue.IntentLabel
	State             dialogue.DialogueState
	LowConfidence     bool
	NeedsConfirmation bool
	MissingSlots      []string
	Denials           []dialogue.PolicyDenial
}

// StateFingerprint derives the template lookup key's second component:
// a short, deterministic summary of the shape of the working state a
// reply must address, independent of the concrete slot values. Open
// design decision: spec.md names "(intent, state_fingerprint)" as the
// template key without defining the fingerprint's composition; this
// implementation derives it from next-action, whether required slots
// are still missing, whether any validation errors or denials are
// pending, and the low-confidence and needs-confirmation flags, since
// those are exactly the axes that change which canned reply applies.
func StateFingerprint(in Input) string {
	parts := []string{string(in.State.NextAction)}

	if len(in.MissingSlots) > 0 {
		parts = append(parts, "missing_slots")
	}
	if _, hasErrors := in.State.Slots["_validation_errors"]; hasErrors {
		parts = append(parts, "has_errors")
	}
	if len(in.Denials) > 0 {
		parts = append(parts, "has_denials")
	}
	if in.LowConfidence {
		parts = append(parts, "low_confidence")
	}
	if in.NeedsConfirmation {
		parts = append(parts, "needs_confirmation")
	}

	return strings.Join(parts, "+")
}

// Generate picks a template if one matches (intent, state fingerprint);
// otherwise it calls the model, bounding the result to MaxReplyLength
// and falling back to a generic template on any model failure.
func (g *Generator) Generate(ctx context.Context, in Input, cfg *tenant.WorkspaceConfig) dialogue.Reply {
	fp := StateFingerprint(in)

	if cfg != nil {
		for _, tpl := range cfg.Templates {
			if tpl.Intent == string(in.Intent) && tpl.StateFingerprint == fp {
				return dialogue.Reply{
					MessageText:        bound(tpl.Text),
					Tone:               tpl.Tone,
					SuggestedNextState: in.State.NextAction,
				}
			}
		}
	}

	if g.client == nil {
		return genericFallback(in)
	}

	prompt := buildPrompt(in, cfg)
	raw, err := g.client.Generate(ctx, prompt)
	if err != nil {
		g.logger.WarnContext(ctx, "nlg model call failed, using generic fallback", map[string]interface{}{"error": err.Error()})
		return genericFallback(in)
	}

	var out modelReply
	if err := json.Unmarshal(raw, &out); err != nil || out.MessageText == "" {
		g.logger.WarnContext(ctx, "nlg model output unparsable, using generic fallback", nil)
		return genericFallback(in)
	}

	next := in.State.NextAction
	if out.SuggestedNextState != "" {
		next = dialogue.NextAction(out.SuggestedNextState)
	}

	return dialogue.Reply{
		MessageText:        bound(out.MessageText),
		Tone:               out.Tone,
		SuggestedNextState: next,
		QuickReplies:       out.QuickReplies,
	}
}

func genericFallback(in Input) dialogue.Reply {
	return dialogue.Reply{
		MessageText:        genericFallbackText,
		Tone:               "neutral",
		SuggestedNextState: in.State.NextAction,
	}
}

// bound truncates text to at most MaxReplyLength bytes, backing off to
// the nearest preceding rune boundary so a multibyte character (e.g. an
// accented letter in a Spanish reply) is never split in half.
func bound(text string) string {
	if len(text) <= dialogue.MaxReplyLength {
		return text
	}
	cut := dialogue.MaxReplyLength
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

func buildPrompt(in Input, cfg *tenant.WorkspaceConfig) model.Prompt {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Write a short reply (max %d characters) for intent %q.\n", dialogue.MaxReplyLength, in.Intent)
	if len(in.MissingSlots) > 0 {
		fmt.Fprintf(&sb, "Ask the user for: %s\n", strings.Join(in.MissingSlots, ", "))
	}
	if len(in.Denials) > 0 {
		fmt.Fprintf(&sb, "The following actions could not be completed: %v\n", in.Denials)
	}
	if in.LowConfidence {
		sb.WriteString("The system is not confident in its understanding; phrase gently and offer to clarify.\n")
	}
	if cfg != nil {
		fmt.Fprintf(&sb, "Vertical: %s\n", cfg.Vertical)
	}
	sb.WriteString("Respond with JSON matching {message_text, tone, suggested_next_state, quick_replies}.")

	return model.Prompt{
		Text:        sb.String(),
		JSONSchema:  replySchema,
		Temperature: 0.3,
		MaxTokens:   300,
		Timeout:     150 * time.Millisecond,
	}
}
