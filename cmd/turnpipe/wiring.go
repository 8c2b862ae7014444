// wiring.go constructs every collaborator named in the external
// interfaces section from a loaded Config: model client, tenant store,
// resilience registry, tool broker, and the five pipeline stages. Only
// serve uses this construction; canary-check builds its own canary
// router without telemetry instruments and opens no other collaborator.
package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/go-redis/redis/v8"

	"github.com/turnpipe/turnpipe/internal/broker"
	"github.com/turnpipe/turnpipe/internal/canary"
	"github.com/turnpipe/turnpipe/internal/dialogue"
	"github.com/turnpipe/turnpipe/internal/extractor"
	"github.com/turnpipe/turnpipe/internal/model"
	"github.com/turnpipe/turnpipe/internal/model/providers"
	"github.com/turnpipe/turnpipe/internal/nlg"
	"github.com/turnpipe/turnpipe/internal/pipeline"
	"github.com/turnpipe/turnpipe/internal/platform/config"
	"github.com/turnpipe/turnpipe/internal/platform/logging"
	"github.com/turnpipe/turnpipe/internal/platform/telemetry"
	"github.com/turnpipe/turnpipe/internal/planner"
	"github.com/turnpipe/turnpipe/internal/policy"
	"github.com/turnpipe/turnpipe/internal/resilience"
	"github.com/turnpipe/turnpipe/internal/store"
	"github.com/turnpipe/turnpipe/internal/tenant"
)

// app bundles every long-lived collaborator serve needs to start and
// stop cleanly.
type app struct {
	cfg          *config.Config
	logger       logging.Logger
	redisClient  *redis.Client
	pgStore      *store.PostgresStore
	tenantStore  tenant.Store
	cachingStore *tenant.CachingStore
	pipeline     *pipeline.Pipeline
	router       *canary.Router
}

// defaultFallbackTable is the deterministic (intent, slot set) -> tool
// fallback consulted when the model fails schema validation twice,
// grounded on spec.md's worked booking-flow example.
func defaultFallbackTable() []planner.FallbackEntry {
	return []planner.FallbackEntry{
		{
			Intent:       dialogue.IntentBook,
			SlotSet:      []string{"service_type"},
			ToolName:     "check_availability",
			MissingSlots: []string{"preferred_date", "preferred_time"},
		},
		{
			Intent:   dialogue.IntentQuery,
			SlotSet:  nil,
			ToolName: "get_services",
		},
		{
			Intent:   dialogue.IntentOther,
			SlotSet:  nil,
			ToolName: "get_services",
		},
	}
}

func buildModelClient(ctx context.Context, cfg config.ModelConfig, logger logging.Logger) (model.Client, error) {
	var inner model.Client

	switch cfg.Provider {
	case "bedrock":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.BedrockRegion))
		if err != nil {
			return nil, fmt.Errorf("loading aws config: %w", err)
		}
		runtime := bedrockruntime.NewFromConfig(awsCfg)
		inner = providers.NewBedrockClient(runtime, cfg.BedrockModelID, logger)
	case "openai":
		inner = providers.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIModel, logger)
	case "mock":
		inner = providers.NewMockClient()
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}

	return model.NewValidatingClient(inner, model.NewJSONSchemaValidator()), nil
}

// buildApp constructs every collaborator from cfg. tenantYAMLDir, when
// non-empty, swaps the Postgres-backed Tenant State Store for a
// filesystem-backed one (local/dev mode), bypassing the database and
// Redis cache invalidation entirely.
func buildApp(ctx context.Context, cfg *config.Config, logger logging.Logger, tenantYAMLDir string) (*app, error) {
	instruments, err := telemetry.NewInstruments(cfg.ServiceName)
	if err != nil {
		logger.Warn("falling back to no-op telemetry instruments", map[string]interface{}{"error": err.Error()})
		instruments = telemetry.NewNoop()
	}

	modelClient, err := buildModelClient(ctx, cfg.Model, logger)
	if err != nil {
		return nil, fmt.Errorf("building model client: %w", err)
	}

	a := &app{cfg: cfg, logger: logger}

	if tenantYAMLDir != "" {
		a.tenantStore = tenant.NewYAMLStore(tenantYAMLDir)
	} else {
		redisOpts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		redisOpts.PoolSize = cfg.Redis.PoolSize
		a.redisClient = redis.NewClient(redisOpts)

		pgStore, err := store.Open(ctx, store.Config{
			DSN:            cfg.Store.DSN,
			MaxConns:       cfg.Store.MaxConns,
			MigrationsPath: cfg.Store.MigrationsPath,
			ConnTimeout:    cfg.Store.ConnTimeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("opening tenant state store: %w", err)
		}
		a.pgStore = pgStore

		caching := tenant.NewCachingStore(pgStore, a.redisClient, logger)
		caching.Start(ctx)
		a.cachingStore = caching
		a.tenantStore = caching
	}

	circuits := resilience.NewRegistry(resilience.Config{
		FailureThreshold: cfg.Broker.CircuitFailureThreshold,
		Window:           cfg.Broker.CircuitWindow,
		Cooldown:         cfg.Broker.CircuitCooldown,
		HalfOpenMaxCalls: cfg.Broker.CircuitHalfOpenMaxCalls,
	})

	var idem broker.IdempotencyCache
	if a.redisClient != nil {
		idem = broker.NewRedisIdempotencyCache(a.redisClient)
	} else {
		idem = broker.NewInMemoryIdempotencyCache()
	}

	httpTransport := broker.NewHTTPTransport(&http.Client{Timeout: cfg.Broker.DefaultTimeout}, cfg.Broker.MaxBodyBytes)
	rpcTransport := broker.NewRPCTransport()
	transports := map[string]broker.Transport{
		"http": httpTransport,
		"rpc":  rpcTransport,
	}

	br := broker.New(transports, circuits, idem, cfg.Broker.IdempotencyTTL, instruments, logger)

	ex := extractor.New(modelClient, logger)
	pl := planner.New(modelClient, logger, defaultFallbackTable())
	pol := policy.New(time.Now)
	gen := nlg.New(modelClient, logger)

	a.pipeline = pipeline.New(ex, pl, pol, br, gen, instruments, logger,
		pipeline.WithTurnDeadline(cfg.Pipeline.TurnDeadline),
		pipeline.WithMaxInFlight(cfg.Broker.MaxInFlightPerTool),
	)

	a.router = canary.NewRouter(instruments)

	return a, nil
}

// Close releases every long-lived connection buildApp opened. Safe to
// call on a partially constructed app.
func (a *app) Close() {
	if a.cachingStore != nil {
		a.cachingStore.Stop()
	}
	if a.redisClient != nil {
		_ = a.redisClient.Close()
	}
	if a.pgStore != nil {
		_ = a.pgStore.Close()
	}
}
