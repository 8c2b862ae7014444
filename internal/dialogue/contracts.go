package dialogue

// ExtractionResult is the Extractor's output contract: a classified
// intent, extracted slots, and a confidence score. The Extractor always
// returns a valid value, even on model failure (see the heuristic
// fallback in internal/extractor).
type ExtractionResult struct {
	Intent     IntentLabel
	Slots      SlotMap
	Confidence float64
}

// ToolCallSpec is one planned tool invocation before the broker
// fingerprints it into a ToolCall; it is what the Planner and Policy
// Engine produce and filter.
type ToolCallSpec struct {
	ToolName string
	Args     map[string]interface{}
}

// Plan is the Planner's output contract.
type Plan struct {
	Actions           []ToolCallSpec
	NeedsConfirmation bool
	MissingSlots      []string
}

// MaxPlannedActions is the |actions| ≤ 3 invariant every Plan must
// satisfy once policy filtering and planner truncation have run.
const MaxPlannedActions = 3

// ResultKind tags the outcome of one tool invocation attempt.
type ResultKind string

const (
	ResultSuccess        ResultKind = "SUCCESS"
	ResultFailure        ResultKind = "FAILURE"
	ResultTimeout        ResultKind = "TIMEOUT"
	ResultCircuitOpen    ResultKind = "CIRCUIT_OPEN"
	ResultDuplicate      ResultKind = "DUPLICATE"
	ResultDeniedByPolicy ResultKind = "DENIED_BY_POLICY"
)

// ToolCall is a fully fingerprinted, resilience-annotated tool
// invocation ready for the broker to dispatch.
type ToolCall struct {
	ToolName       string
	Args           map[string]interface{}
	RequestID      string
	RetrySafe      bool
	Timeout        int64 // milliseconds
	MaxRetries     int
	IdempotencyKey string
}

// ToolObservation is the immutable, appended-to-history result of one
// tool invocation.
type ToolObservation struct {
	ToolName           string
	ResultKind         ResultKind
	Payload            map[string]interface{}
	StatusCode         *int
	LatencyMS          int64
	AttemptCount       int
	RequestFingerprint string
}

// Reply is the Response Generator's output contract: a bounded-length
// free-text surface that no other stage consumes.
type Reply struct {
	MessageText        string
	Tone               string
	SuggestedNextState NextAction
	QuickReplies       []string
}

// MaxReplyLength is the default length bound a Reply's MessageText must
// satisfy.
const MaxReplyLength = 480

// PolicyDenial records one action the Policy Engine dropped and why,
// surfaced to both the reducer (as a DENIED_BY_POLICY observation) and
// the response generator.
type PolicyDenial struct {
	ToolName string
	Reason   string
}

// StatePatch is the diff the orchestrator computes between a turn's
// snapshot state and its final working state, handed back in the
// external response envelope.
type StatePatch struct {
	Slots               SlotMap
	SlotsToRemove        []string
	CacheInvalidationKeys []string
}

// TurnTelemetry is the per-stage latency and routing summary the
// orchestrator produces for every turn.
type TurnTelemetry struct {
	ExtractMS  int64
	PlanMS     int64
	PolicyMS   int64
	BrokerMS   int64
	ReduceMS   int64
	NLGMS      int64
	TotalMS    int64
	Intent     IntentLabel
	Confidence float64
	Route      string
	Fallback   bool
}

// TurnResult is the Pipeline Orchestrator's full output contract.
type TurnResult struct {
	Reply            Reply
	ToolObservations []ToolObservation
	StatePatch       StatePatch
	Telemetry        TurnTelemetry
}
