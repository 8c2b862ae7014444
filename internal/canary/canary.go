// Package canary implements the deterministic traffic split between the
// legacy single-model path and the staged pipeline, grounded on the
// teacher framework's discovery-layer hashing helpers (consistent-hash
// bucket assignment in core) adapted to a fixed MD5-mod-100 scheme.
package canary

import (
	"context"
	"crypto/md5"
	"encoding/binary"

	"github.com/turnpipe/turnpipe/internal/platform/telemetry"
)

// Route is the pipeline path a turn is sent down.
type Route string

const (
	RouteLegacy Route = "LEGACY"
	RouteStaged Route = "STAGED"
)

// Decision is the router's output, carrying enough detail for the
// telemetry event the design mandates.
type Decision struct {
	Route              Route
	Bucket             int
	ConversationIDHash string
}

// Bucket hashes conversation_id with MD5, reads the first 8 bytes of the
// digest as a big-endian uint64, and returns that value mod 100: the
// stable bucket the router and every caller checking canary determinism
// rely on.
func Bucket(conversationID string) int {
	sum := md5.Sum([]byte(conversationID))
	// Use the first 8 bytes as a uint64 so the modulus is stable across
	// platforms regardless of how the stdlib represents the array.
	n := binary.BigEndian.Uint64(sum[:8])
	return int(n % 100)
}

// Router decides LEGACY vs STAGED for a turn and emits the route
// decision telemetry event.
type Router struct {
	instruments *telemetry.Instruments
}

// NewRouter constructs a Router that emits canary-route metrics through
// instruments.
func NewRouter(instruments *telemetry.Instruments) *Router {
	return &Router{instruments: instruments}
}

// Decide implements `route(workspace_id, conversation_id, request_id) ->
// {LEGACY, STAGED}`. canary_percent=0 with staged enabled is treated as
// 100% staged, per the documented convention: 0 is special-cased to mean
// "route everything" rather than "route nothing", since a disabled
// canary is already expressed by stagedEnabled=false.
func (r *Router) Decide(ctx context.Context, conversationID string, stagedEnabled bool, canaryPercent int) Decision {
	bucket := Bucket(conversationID)
	decision := Decision{Bucket: bucket, ConversationIDHash: telemetry.HashPII(conversationID)}

	if !stagedEnabled {
		decision.Route = RouteLegacy
	} else {
		threshold := canaryPercent
		if threshold == 0 {
			threshold = 100
		}
		if bucket < threshold {
			decision.Route = RouteStaged
		} else {
			decision.Route = RouteLegacy
		}
	}

	if r.instruments != nil {
		r.instruments.RecordCanaryRoute(ctx, string(decision.Route), bucket)
	}
	return decision
}
