// Package tenant implements the Tenant Context (C11): per-workspace
// configuration and catalog loading, in-process caching with
// cross-instance invalidation, and the workspace-isolation contract
// every other stage relies on. Grounded on the teacher framework's
// core.RedisSchemaCache (Redis-backed, TTL'd, prefix-namespaced cache)
// and core/discovery.go's Redis client construction.
package tenant

import "time"

// SlotSchema declares the typed slots a workspace's dialogue state may
// hold, including which `_`-prefixed names are persisted rather than
// treated as ephemeral/derived.
type SlotSchema struct {
	Slots             map[string]SlotType
	DeclaredEphemeral map[string]bool
}

// SlotType is the declared type of one slot in a tenant's schema.
type SlotType string

const (
	SlotTypeString SlotType = "string"
	SlotTypeNumber SlotType = "number"
	SlotTypeBool   SlotType = "bool"
	SlotTypeObject SlotType = "object"
	SlotTypeList   SlotType = "list"
)

// ToolPolicy is the per-tool configuration the Policy Engine and Tool
// Broker enforce: resilience parameters plus rate limits and argument
// constraints.
type ToolPolicy struct {
	ToolName          string
	Enabled           bool
	Timeout           time.Duration
	RetrySafe         bool
	MaxRetries        int
	BaseBackoff       time.Duration
	BackoffFactor     float64
	MaxBackoff        time.Duration
	MaxConcurrent     int
	CircuitThreshold  int
	CircuitWindow     int
	CircuitCooldown   time.Duration
	RateLimitPerMin   int
	RequiredArgs      []string
	ArgConstraints    map[string]ArgConstraint
	CredentialHeader  string
	CredentialValue   string
	TransportKind     string // "http" or "rpc"
	EndpointURL       string
}

// ArgConstraint bounds one argument's allowed value range, e.g. a
// booking date window expressed in days offset from "now".
type ArgConstraint struct {
	MinDateOffsetDays *int
	MaxDateOffsetDays *int
}

// Template is one entry in the Response Generator's template table,
// keyed by (intent, state fingerprint).
type Template struct {
	Intent          string
	StateFingerprint string
	Text            string
	Tone            string
}

// Catalog holds one workspace's business data: services, staff, hours,
// menu, and free-form properties. Kept generic (map-valued) since the
// orchestrator core only ever passes these through to the Extractor's
// prompt context and the Planner's tool args, never interprets them.
type Catalog struct {
	Services   []map[string]interface{}
	Staff      []map[string]interface{}
	Hours      map[string]interface{}
	Menu       []map[string]interface{}
	Properties map[string]interface{}
}

// WorkspaceConfig is everything the Tenant Context loads and caches for
// one workspace.
type WorkspaceConfig struct {
	WorkspaceID   string
	Timezone      string
	SlotSchema    SlotSchema
	ToolWhitelist map[string]ToolPolicy
	Templates     []Template
	FeatureFlags  map[string]bool
	Catalog       Catalog
	Vertical      string
}

// IsToolAllowed reports whether toolName is in the workspace's whitelist
// and enabled.
func (c *WorkspaceConfig) IsToolAllowed(toolName string) bool {
	p, ok := c.ToolWhitelist[toolName]
	return ok && p.Enabled
}
