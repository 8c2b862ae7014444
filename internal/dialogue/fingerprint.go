package dialogue

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint computes the deterministic request fingerprint
// stable_hash(workspace_id || tool_name || canonical_json(args)) used
// both as the Tool Broker's idempotency key and as the Policy Engine's
// redundancy check against recent SUCCESS observations.
func Fingerprint(workspaceID, toolName string, args map[string]interface{}) string {
	h := sha256.New()
	h.Write([]byte(workspaceID))
	h.Write([]byte{0})
	h.Write([]byte(toolName))
	h.Write([]byte{0})
	h.Write(CanonicalArgsJSON(args))
	return hex.EncodeToString(h.Sum(nil))
}
