// Package extractor implements the Extractor stage (C5): intent
// classification and slot extraction from a user utterance via the
// Model Client, with a heuristic fallback so the stage always returns a
// valid result.
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/turnpipe/turnpipe/internal/dialogue"
	"github.com/turnpipe/turnpipe/internal/model"
	"github.com/turnpipe/turnpipe/internal/platform/logging"
	"github.com/turnpipe/turnpipe/internal/tenant"
)

// DefaultConfidenceThreshold is the confidence below which the
// orchestrator sets the low_confidence flag used by the Response
// Generator to phrase gently.
const DefaultConfidenceThreshold = 0.7

// resultSchema constrains the Extractor's model call. Slots is an open
// object: the tenant's slot schema governs the keys, so the contract
// only fixes intent and confidence.
var resultSchema = json.RawMessage(`{
	"type": "object",
	"required": ["intent", "slots", "confidence"],
	"properties": {
		"intent": {"type": "string"},
		"slots": {"type": "object"},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1}
	}
}`)

type modelOutput struct {
	Intent     string                 `json:"intent"`
	Slots      map[string]interface{} `json:"slots"`
	Confidence float64                `json:"confidence"`
}

// Extractor classifies intent and extracts slots for one turn.
type Extractor struct {
	client model.Client
	logger logging.Logger
}

// New constructs an Extractor backed by client.
func New(client model.Client, logger logging.Logger) *Extractor {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Extractor{client: client, logger: logger}
}

// Extract always returns a valid Extraction Result: on model failure
// (transport error, two consecutive schema failures, or unparsable
// output) or with no model client it emits heuristicFallback's
// keyword-based result, never failing the turn.
func (e *Extractor) Extract(ctx context.Context, snapshot dialogue.TurnSnapshot, cfg *tenant.WorkspaceConfig) dialogue.ExtractionResult {
	if e.client == nil {
		return heuristicFallback(snapshot)
	}

	prompt := buildPrompt(snapshot, cfg)

	raw, err := e.client.Generate(ctx, prompt)
	if err != nil {
		e.logger.WarnContext(ctx, "extractor model call failed, using heuristic fallback", map[string]interface{}{
			"workspace_id": snapshot.WorkspaceID,
			"error":        err.Error(),
		})
		return heuristicFallback(snapshot)
	}

	var out modelOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		e.logger.WarnContext(ctx, "extractor model output unparsable, using heuristic fallback", map[string]interface{}{
			"workspace_id": snapshot.WorkspaceID,
		})
		return heuristicFallback(snapshot)
	}

	slots := make(dialogue.SlotMap, len(out.Slots))
	for k, v := range out.Slots {
		slots[k] = dialogue.FromInterface(v)
	}

	return dialogue.ExtractionResult{
		Intent:     dialogue.IntentLabel(out.Intent),
		Slots:      normalizeDates(slots, snapshot.Now),
		Confidence: out.Confidence,
	}
}

func buildPrompt(snapshot dialogue.TurnSnapshot, cfg *tenant.WorkspaceConfig) model.Prompt {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Classify the intent and extract slots from the user message below.\n")
	fmt.Fprintf(&sb, "Current date/time reference (now): %s\n", snapshot.Now.Format(time.RFC3339))
	if cfg != nil {
		fmt.Fprintf(&sb, "Timezone: %s\nVertical: %s\n", cfg.Timezone, cfg.Vertical)
	}
	fmt.Fprintf(&sb, "Prior state intent: %s\n", snapshot.State.Intent)
	fmt.Fprintf(&sb, "User message: %q\n", snapshot.UtteranceText)
	sb.WriteString("Respond with JSON matching {intent, slots, confidence}. Normalize dates and times to ISO-8601 in the given timezone, resolving relative expressions against now.")

	return model.Prompt{
		Text:        sb.String(),
		JSONSchema:  resultSchema,
		Temperature: 0.1,
		MaxTokens:   400,
		Timeout:     250 * time.Millisecond,
	}
}

// heuristicFallback never fails: it classifies the utterance by keyword
// (greeting at confidence 0.6, book or cancel at 0.5) and otherwise
// returns intent other at confidence 0.5, filling preferred_date and
// preferred_time from relative day and hour phrases.
func heuristicFallback(snapshot dialogue.TurnSnapshot) dialogue.ExtractionResult {
	lower := strings.ToLower(snapshot.UtteranceText)
	intent := dialogue.IntentOther
	confidence := 0.5

	switch {
	case containsAny(lower, "hola", "buenos días", "buenas tardes", "hello", "hi "):
		intent = dialogue.IntentGreeting
		confidence = 0.6
	case containsAny(lower, "turno", "cita", "reservar", "book", "appointment"):
		intent = dialogue.IntentBook
	case containsAny(lower, "cancelar", "cancel"):
		intent = dialogue.IntentCancel
	}

	slots := dialogue.SlotMap{}
	if date, ok := resolveRelativeDay(lower, snapshot.Now); ok {
		slots["preferred_date"] = dialogue.StringSlot(date)
	}
	if when, ok := resolveRelativeHours(lower, snapshot.Now); ok {
		slots["preferred_time"] = dialogue.StringSlot(when)
	}

	return dialogue.ExtractionResult{
		Intent:     intent,
		Slots:      slots,
		Confidence: confidence,
	}
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// relativeDayPhrases maps a relative-day expression to its offset from
// now, most specific phrase first: "pasado mañana" must be checked
// before "mañana", which it contains as a substring, or it would
// resolve one day early.
var relativeDayPhrases = []struct {
	phrase string
	days   int
}{
	{"pasado mañana", 2},
	{"pasado manana", 2},
	{"mañana", 1},
	{"manana", 1},
	{"tomorrow", 1},
	{"hoy", 0},
	{"today", 0},
}

var relativeHoursPattern = regexp.MustCompile(`(?:en|in)\s+(\d+)\s*(?:horas?|hours?)`)

// resolveRelativeDay resolves "hoy", "mañana", and "pasado mañana" (and
// their English equivalents) against now, returning an ISO-8601 date.
func resolveRelativeDay(lower string, now time.Time) (string, bool) {
	for _, p := range relativeDayPhrases {
		if strings.Contains(lower, p.phrase) {
			return now.AddDate(0, 0, p.days).Format("2006-01-02"), true
		}
	}
	return "", false
}

// resolveRelativeHours resolves "en N horas"/"in N hours" against now,
// returning an ISO-8601 timestamp.
func resolveRelativeHours(lower string, now time.Time) (string, bool) {
	m := relativeHoursPattern.FindStringSubmatch(lower)
	if m == nil {
		return "", false
	}
	hours, err := strconv.Atoi(m[1])
	if err != nil {
		return "", false
	}
	return now.Add(time.Duration(hours) * time.Hour).Format(time.RFC3339), true
}

// normalizeDates resolves common relative date/time expressions the
// model prompt was asked to normalize but left as a raw phrase (the
// model path is primary; this is the deterministic backstop), so a
// tenant whose model provider cannot be trusted to emit valid ISO-8601
// still gets correct dates. Values already in ISO-8601, or any
// expression outside the table below, pass through unchanged.
func normalizeDates(slots dialogue.SlotMap, now time.Time) dialogue.SlotMap {
	out := make(dialogue.SlotMap, len(slots))
	for k, v := range slots {
		s, ok := v.AsString()
		if !ok {
			out[k] = v
			continue
		}
		lower := strings.ToLower(strings.TrimSpace(s))
		if date, ok := resolveRelativeDay(lower, now); ok {
			out[k] = dialogue.StringSlot(date)
			continue
		}
		if when, ok := resolveRelativeHours(lower, now); ok {
			out[k] = dialogue.StringSlot(when)
			continue
		}
		out[k] = v
	}
	return out
}
