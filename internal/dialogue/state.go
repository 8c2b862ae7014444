package dialogue

import "time"

// NextAction is the dialogue state's control-flow enum.
type NextAction string

const (
	NextActionGreet           NextAction = "GREET"
	NextActionSlotFill        NextAction = "SLOT_FILL"
	NextActionRetrieveContext NextAction = "RETRIEVE_CONTEXT"
	NextActionExecuteAction   NextAction = "EXECUTE_ACTION"
	NextActionAnswer          NextAction = "ANSWER"
	NextActionAskHuman        NextAction = "ASK_HUMAN"
)

// IntentLabel tags the classified intent of a user utterance. The set is
// open (tenants may declare additional intents in their slot schema) but
// every pipeline stage treats "other" as the universal fallback.
type IntentLabel string

const (
	IntentGreeting IntentLabel = "greeting"
	IntentBook     IntentLabel = "book"
	IntentCancel   IntentLabel = "cancel"
	IntentReschedule IntentLabel = "reschedule"
	IntentQuery    IntentLabel = "query"
	IntentOther    IntentLabel = "other"
)

// Channel identifies the inbound conversation surface. Kept as a typed
// enum (rather than a bare string) so the Response Generator can enforce
// channel-specific reply formatting constraints without depending on any
// channel SDK.
type Channel string

const (
	ChannelUnknown  Channel = "unknown"
	ChannelWeb      Channel = "web"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelTelegram Channel = "telegram"
	ChannelSMS      Channel = "sms"
	ChannelVoice    Channel = "voice"
)

// MaxHistory is K from the dialogue state invariant: the reducer keeps at
// most this many tool observations, evicting FIFO.
const MaxHistory = 8

// DialogueState is the per-conversation mutable projection: a slot map
// plus fixed scalar control fields and a bounded observation history.
// Mutated only by the reducer, which never edits a DialogueState in
// place — every mutation produces a new value.
type DialogueState struct {
	Slots      SlotMap
	Intent     IntentLabel
	NextAction NextAction
	Attempts   int
	Objective  string
	History    []ToolObservation
}

// NewDialogueState returns the zero dialogue state a fresh conversation
// starts from.
func NewDialogueState() DialogueState {
	return DialogueState{
		Slots:      SlotMap{},
		Intent:     IntentOther,
		NextAction: NextActionGreet,
	}
}

// Clone copies s's slot map and history slice, so callers (the reducer,
// the planner's fallback table lookup) can derive a new state without
// aliasing the caller's map or slice. Nested slot values and observation
// payloads are not copied and stay shared with s.
func (s DialogueState) Clone() DialogueState {
	history := make([]ToolObservation, len(s.History))
	copy(history, s.History)
	return DialogueState{
		Slots:      s.Slots.Clone(),
		Intent:     s.Intent,
		NextAction: s.NextAction,
		Attempts:   s.Attempts,
		Objective:  s.Objective,
		History:    history,
	}
}

// AppendHistory returns a copy of s with obs appended to History,
// evicting the oldest entry if the bounded length would be exceeded.
func (s DialogueState) AppendHistory(obs ToolObservation) DialogueState {
	next := s.Clone()
	next.History = append(next.History, obs)
	if len(next.History) > MaxHistory {
		next.History = next.History[len(next.History)-MaxHistory:]
	}
	return next
}

// PopulatedSlotSet returns the sorted set of non-null slot names, used
// as half of the Planner's deterministic fallback table key
// `(intent, populated_slot_set)`.
func (s DialogueState) PopulatedSlotSet() []string {
	names := make([]string, 0, len(s.Slots))
	for k, v := range s.Slots {
		if !v.IsNull() {
			names = append(names, k)
		}
	}
	return sortStrings(names)
}

func sortStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// TurnSnapshot is the immutable input to one pipeline run, owned
// exclusively by the Pipeline Orchestrator and discarded after the turn.
type TurnSnapshot struct {
	WorkspaceID    string
	ConversationID string
	RequestID      string
	Channel        Channel
	UtteranceText  string
	State          DialogueState
	Now            time.Time
	Context        map[string]interface{}
}
