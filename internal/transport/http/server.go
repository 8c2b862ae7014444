// Package http implements the inbound turn RPC surface (spec.md §6):
// a gin server that decodes the turn request envelope, runs the canary
// router to pick legacy vs staged, invokes the chosen pipeline, and
// encodes the response envelope. Grounded on the teacher pack's
// gin-based agent servers (itsneelabh-gomind's orchestration-example
// wires gin.New() plus gin.Logger()/gin.Recovery() middleware in front
// of its own handlers the same way).
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/turnpipe/turnpipe/internal/canary"
	"github.com/turnpipe/turnpipe/internal/dialogue"
	"github.com/turnpipe/turnpipe/internal/pipeline"
	"github.com/turnpipe/turnpipe/internal/platform/logging"
	platerrors "github.com/turnpipe/turnpipe/internal/platform/errors"
	"github.com/turnpipe/turnpipe/internal/tenant"
)

// LegacyPipeline is the out-of-scope "legacy single-model path" named as
// a collaborator in spec.md §1/§2: the canary router may send a turn
// here instead of the staged pipeline. Only an interface is owned here.
type LegacyPipeline interface {
	RunTurn(ctx context.Context, snapshot dialogue.TurnSnapshot) dialogue.TurnResult
}

// NoopLegacyPipeline is the default LegacyPipeline: a black-box
// dependency stand-in that still returns a well-formed, user-safe
// response envelope, per spec.md §7's "caller always receives a
// well-formed response" invariant.
type NoopLegacyPipeline struct{}

// RunTurn returns a generic acknowledgement reply without consulting
// any model or tool; production deployments inject a real
// implementation of LegacyPipeline.
func (NoopLegacyPipeline) RunTurn(_ context.Context, snapshot dialogue.TurnSnapshot) dialogue.TurnResult {
	return dialogue.TurnResult{
		Reply: dialogue.Reply{
			MessageText:        "gracias por tu mensaje, ya lo estamos procesando.",
			Tone:               "neutral",
			SuggestedNextState: dialogue.NextActionAnswer,
		},
		Telemetry: dialogue.TurnTelemetry{
			Route:  "LEGACY",
			Intent: snapshot.State.Intent,
		},
	}
}

// Server wires the canary router and both pipeline paths behind one
// HTTP handler.
type Server struct {
	engine *gin.Engine

	staged        *pipeline.Pipeline
	legacy        LegacyPipeline
	router        *canary.Router
	tenantStore   tenant.Store
	logger        logging.Logger
	stagedEnabled bool
	canaryPercent int
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithCanary sets the staged-pipeline enable flag and percentage the
// canary router consults on every turn.
func WithCanary(enabled bool, percent int) Option {
	return func(s *Server) {
		s.stagedEnabled = enabled
		s.canaryPercent = percent
	}
}

// WithLegacyPipeline overrides the default no-op legacy collaborator.
func WithLegacyPipeline(legacy LegacyPipeline) Option {
	return func(s *Server) { s.legacy = legacy }
}

// NewServer constructs the turn RPC server. staged may be nil only if
// stagedEnabled is never turned on via WithCanary.
func NewServer(staged *pipeline.Pipeline, router *canary.Router, tenantStore tenant.Store, logger logging.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Logger(), gin.Recovery())

	s := &Server{
		engine:      engine,
		staged:      staged,
		legacy:      NoopLegacyPipeline{},
		router:      router,
		tenantStore: tenantStore,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	engine.GET("/healthz", s.handleHealth)
	engine.POST("/v1/turns", s.handleTurn)
	return s
}

// Handler returns the underlying http.Handler for use with a
// *http.Server, so callers control listen address and shutdown timeouts
// themselves.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type turnRequestBody struct {
	UserMessage struct {
		Text string `json:"text"`
	} `json:"user_message"`
	State struct {
		Slots map[string]interface{} `json:"slots"`
	} `json:"state"`
	Context struct {
		Vertical string `json:"vertical"`
	} `json:"context"`
}

type toolCallSummary struct {
	Name        string `json:"name"`
	ResultKind  string `json:"result_kind"`
	ArgsSummary string `json:"args_summary,omitempty"`
}

type turnResponseBody struct {
	Assistant struct {
		Text             string   `json:"text"`
		SuggestedReplies []string `json:"suggested_replies,omitempty"`
	} `json:"assistant"`
	ToolCalls []toolCallSummary `json:"tool_calls"`
	Patch     struct {
		Slots                 dialogue.SlotMap `json:"slots"`
		SlotsToRemove         []string         `json:"slots_to_remove,omitempty"`
		CacheInvalidationKeys []string         `json:"cache_invalidation_keys,omitempty"`
	} `json:"patch"`
	Telemetry struct {
		ExtractMS  int64   `json:"extract_ms"`
		PlanMS     int64   `json:"plan_ms"`
		PolicyMS   int64   `json:"policy_ms"`
		BrokerMS   int64   `json:"broker_ms"`
		ReduceMS   int64   `json:"reduce_ms"`
		NLGMS      int64   `json:"nlg_ms"`
		TotalMS    int64   `json:"total_ms"`
		Intent     string  `json:"intent"`
		Confidence float64 `json:"confidence"`
		Route      string  `json:"route"`
		Fallback   bool    `json:"fallback"`
	} `json:"telemetry"`
}

// handleTurn implements the inbound turn RPC: decode headers + body into
// a TurnSnapshot, resolve workspace config, route via canary, run the
// chosen pipeline, and encode the response envelope. A missing header
// or an undecodable body is rejected with 400; beyond that, per spec.md
// §7, only TenantMismatch (409) and Internal (500, a failed config load)
// reach the caller as non-200 responses; every other failure is already
// absorbed into a well-formed TurnResult by the pipeline itself.
func (s *Server) handleTurn(c *gin.Context) {
	workspaceID := c.GetHeader("X-Workspace-Id")
	conversationID := c.GetHeader("X-Conversation-Id")
	requestID := c.GetHeader("X-Request-Id")
	channel := dialogue.Channel(c.GetHeader("X-Channel"))

	if workspaceID == "" || conversationID == "" || requestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-Workspace-Id, X-Conversation-Id, and X-Request-Id headers are required"})
		return
	}

	var body turnRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()

	cfg, err := s.tenantStore.LoadWorkspaceConfig(ctx, workspaceID)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to load workspace config", map[string]interface{}{
			"workspace_id": workspaceID,
			"error":        err.Error(),
		})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}
	if cfg.WorkspaceID != "" && cfg.WorkspaceID != workspaceID {
		s.logger.ErrorContext(ctx, "tenant mismatch on loaded workspace config", map[string]interface{}{
			"header_workspace_id": workspaceID,
			"loaded_workspace_id": cfg.WorkspaceID,
		})
		c.JSON(http.StatusConflict, gin.H{"error": string(platerrors.KindTenantMismatch)})
		return
	}

	snapshot := dialogue.TurnSnapshot{
		WorkspaceID:    workspaceID,
		ConversationID: conversationID,
		RequestID:      requestID,
		Channel:        channel,
		UtteranceText:  body.UserMessage.Text,
		State:          stateFromBody(body),
		Now:            time.Now(),
		Context:        map[string]interface{}{"vertical": body.Context.Vertical},
	}

	decision := s.router.Decide(ctx, conversationID, s.stagedEnabled, s.canaryPercent)

	var result dialogue.TurnResult
	if decision.Route == canary.RouteStaged && s.staged != nil {
		result = s.staged.RunTurn(ctx, snapshot, cfg)
	} else {
		result = s.legacy.RunTurn(ctx, snapshot)
	}

	c.JSON(http.StatusOK, toResponseBody(result))
}

func stateFromBody(body turnRequestBody) dialogue.DialogueState {
	state := dialogue.NewDialogueState()
	if len(body.State.Slots) > 0 {
		slots := make(dialogue.SlotMap, len(body.State.Slots))
		for k, v := range body.State.Slots {
			slots[k] = dialogue.FromInterface(v)
		}
		state.Slots = slots
	}
	return state
}

func toResponseBody(result dialogue.TurnResult) turnResponseBody {
	var resp turnResponseBody
	resp.Assistant.Text = result.Reply.MessageText
	resp.Assistant.SuggestedReplies = result.Reply.QuickReplies

	resp.ToolCalls = make([]toolCallSummary, 0, len(result.ToolObservations))
	for _, obs := range result.ToolObservations {
		resp.ToolCalls = append(resp.ToolCalls, toolCallSummary{
			Name:       obs.ToolName,
			ResultKind: string(obs.ResultKind),
		})
	}

	resp.Patch.Slots = result.StatePatch.Slots
	resp.Patch.SlotsToRemove = result.StatePatch.SlotsToRemove
	resp.Patch.CacheInvalidationKeys = result.StatePatch.CacheInvalidationKeys

	resp.Telemetry.ExtractMS = result.Telemetry.ExtractMS
	resp.Telemetry.PlanMS = result.Telemetry.PlanMS
	resp.Telemetry.PolicyMS = result.Telemetry.PolicyMS
	resp.Telemetry.BrokerMS = result.Telemetry.BrokerMS
	resp.Telemetry.ReduceMS = result.Telemetry.ReduceMS
	resp.Telemetry.NLGMS = result.Telemetry.NLGMS
	resp.Telemetry.TotalMS = result.Telemetry.TotalMS
	resp.Telemetry.Intent = string(result.Telemetry.Intent)
	resp.Telemetry.Confidence = result.Telemetry.Confidence
	resp.Telemetry.Route = result.Telemetry.Route
	resp.Telemetry.Fallback = result.Telemetry.Fallback

	return resp
}
