package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9().\-\s]{7,}[0-9]`)
)

// HashPII deterministically hashes a single PII value (phone number,
// email address, free-text slot) so telemetry can correlate without
// storing the underlying value.
func HashPII(value string) string {
	sum := sha256.Sum256([]byte(value))
	return "pii:" + hex.EncodeToString(sum[:])[:16]
}

// RedactText scans free-text for emails and phone numbers and replaces
// each with its deterministic hash, leaving the rest of the text intact
// for debugging context.
func RedactText(text string) string {
	text = emailPattern.ReplaceAllStringFunc(text, HashPII)
	text = phonePattern.ReplaceAllStringFunc(text, HashPII)
	return text
}

// RedactFields walks a telemetry field map and redacts any value found
// under a key in sensitiveKeys, or any string value matching an email or
// phone pattern regardless of key name.
func RedactFields(fields map[string]interface{}, sensitiveKeys map[string]bool) map[string]interface{} {
	if fields == nil {
		return nil
	}
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		s, isString := v.(string)
		switch {
		case sensitiveKeys[k] && isString:
			out[k] = HashPII(s)
		case sensitiveKeys[k] && v != nil:
			out[k] = HashPII(fmt.Sprint(v))
		case isString:
			out[k] = RedactText(s)
		default:
			out[k] = v
		}
	}
	return out
}
