// Package dialogue defines the pipeline's core data model: slot values,
// dialogue state, turn snapshots, and the typed contracts stages pass
// between each other. Per the design notes carried over from the source
// system, dynamic JSON blobs are replaced here with an explicit sum type
// (SlotValue) and enumerated tagged variants (NextAction, IntentLabel,
// ResultKind) instead of duck-typed maps.
package dialogue

import (
	"encoding/json"
	"fmt"
	"sort"
)

// SlotKind tags which variant a SlotValue currently holds.
type SlotKind string

const (
	SlotKindNull   SlotKind = "null"
	SlotKindString SlotKind = "string"
	SlotKindNumber SlotKind = "number"
	SlotKindBool   SlotKind = "bool"
	SlotKindObject SlotKind = "object"
	SlotKindList   SlotKind = "list"
)

// SlotValue is a validated sum type for the values a dialogue state slot
// may hold: string, number, bool, structured object, or list. Zero value
// is the null variant.
type SlotValue struct {
	kind SlotKind
	str  string
	num  float64
	b    bool
	obj  map[string]SlotValue
	list []SlotValue
}

// StringSlot constructs a string-valued SlotValue.
func StringSlot(s string) SlotValue { return SlotValue{kind: SlotKindString, str: s} }

// NumberSlot constructs a number-valued SlotValue.
func NumberSlot(n float64) SlotValue { return SlotValue{kind: SlotKindNumber, num: n} }

// BoolSlot constructs a bool-valued SlotValue.
func BoolSlot(b bool) SlotValue { return SlotValue{kind: SlotKindBool, b: b} }

// ObjectSlot constructs a structured-object SlotValue.
func ObjectSlot(m map[string]SlotValue) SlotValue { return SlotValue{kind: SlotKindObject, obj: m} }

// ListSlot constructs a list-valued SlotValue.
func ListSlot(l []SlotValue) SlotValue { return SlotValue{kind: SlotKindList, list: l} }

// NullSlot constructs the null variant, used to represent "slot present
// but unset" distinctly from "slot absent from the map".
func NullSlot() SlotValue { return SlotValue{kind: SlotKindNull} }

// Kind reports which variant v holds.
func (v SlotValue) Kind() SlotKind { return v.kind }

// IsNull reports whether v is the null variant.
func (v SlotValue) IsNull() bool { return v.kind == SlotKindNull }

// AsString returns v's string, or ok=false if v is not a string.
func (v SlotValue) AsString() (string, bool) {
	if v.kind != SlotKindString {
		return "", false
	}
	return v.str, true
}

// AsNumber returns v's number, or ok=false if v is not a number.
func (v SlotValue) AsNumber() (float64, bool) {
	if v.kind != SlotKindNumber {
		return 0, false
	}
	return v.num, true
}

// AsBool returns v's bool, or ok=false if v is not a bool.
func (v SlotValue) AsBool() (bool, bool) {
	if v.kind != SlotKindBool {
		return false, false
	}
	return v.b, true
}

// AsObject returns v's fields, or ok=false if v is not an object.
func (v SlotValue) AsObject() (map[string]SlotValue, bool) {
	if v.kind != SlotKindObject {
		return nil, false
	}
	return v.obj, true
}

// AsList returns v's elements, or ok=false if v is not a list.
func (v SlotValue) AsList() ([]SlotValue, bool) {
	if v.kind != SlotKindList {
		return nil, false
	}
	return v.list, true
}

// FromInterface converts a decoded-JSON value (as produced by
// encoding/json into interface{}) into a tagged SlotValue. Unknown Go
// types become the null variant.
func FromInterface(raw interface{}) SlotValue {
	switch t := raw.(type) {
	case nil:
		return NullSlot()
	case string:
		return StringSlot(t)
	case float64:
		return NumberSlot(t)
	case int:
		return NumberSlot(float64(t))
	case bool:
		return BoolSlot(t)
	case map[string]interface{}:
		obj := make(map[string]SlotValue, len(t))
		for k, v := range t {
			obj[k] = FromInterface(v)
		}
		return ObjectSlot(obj)
	case []interface{}:
		list := make([]SlotValue, len(t))
		for i, v := range t {
			list[i] = FromInterface(v)
		}
		return ListSlot(list)
	default:
		return NullSlot()
	}
}

// ToInterface unwraps v back into a plain interface{} tree, the inverse
// of FromInterface, for handing slot values to external collaborators
// (the state store, tool args, telemetry summaries) that expect raw JSON.
func (v SlotValue) ToInterface() interface{} {
	switch v.kind {
	case SlotKindString:
		return v.str
	case SlotKindNumber:
		return v.num
	case SlotKindBool:
		return v.b
	case SlotKindObject:
		out := make(map[string]interface{}, len(v.obj))
		for k, fv := range v.obj {
			out[k] = fv.ToInterface()
		}
		return out
	case SlotKindList:
		out := make([]interface{}, len(v.list))
		for i, fv := range v.list {
			out[i] = fv.ToInterface()
		}
		return out
	default:
		return nil
	}
}

// MarshalJSON implements json.Marshaler by round-tripping through
// ToInterface, so a SlotValue serializes exactly as its wrapped value
// would, with no tag envelope.
func (v SlotValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.ToInterface())
}

// UnmarshalJSON implements json.Unmarshaler by decoding into interface{}
// and tagging the result with FromInterface.
func (v *SlotValue) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("slot value: %w", err)
	}
	*v = FromInterface(raw)
	return nil
}

// CanonicalJSON renders v (or, via SlotMap, a full slot map) with sorted
// object keys and no insignificant whitespace, the representation the
// Tool Broker hashes for request fingerprinting.
func (v SlotValue) CanonicalJSON() []byte {
	return canonicalize(v.ToInterface())
}

func canonicalize(raw interface{}) []byte {
	switch t := raw.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf := []byte("{")
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, _ := json.Marshal(k)
			buf = append(buf, kb...)
			buf = append(buf, ':')
			buf = append(buf, canonicalize(t[k])...)
		}
		return append(buf, '}')
	case []interface{}:
		buf := []byte("[")
		for i, v := range t {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = append(buf, canonicalize(v)...)
		}
		return append(buf, ']')
	default:
		b, _ := json.Marshal(t)
		return b
	}
}

// SlotMap is the Dialogue State's slot-name-to-value mapping.
type SlotMap map[string]SlotValue

// Clone returns a new map holding the same entries, used everywhere the
// reducer and planner must avoid mutating a caller's state in place.
// Nested object and list values are not copied: they share storage with
// the original.
func (m SlotMap) Clone() SlotMap {
	if m == nil {
		return nil
	}
	out := make(SlotMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// WithoutEphemeral returns a copy of m with every `_`-prefixed key
// removed, unless its name appears in declaredEphemeral (the tenant slot
// schema may declare an ephemeral-looking name as a real, persisted
// slot).
func (m SlotMap) WithoutEphemeral(declaredEphemeral map[string]bool) SlotMap {
	out := make(SlotMap, len(m))
	for k, v := range m {
		if len(k) > 0 && k[0] == '_' && !declaredEphemeral[k] {
			continue
		}
		out[k] = v
	}
	return out
}

// CanonicalArgsJSON renders a map[string]interface{} (tool call args) in
// the same sorted, whitespace-free form CanonicalJSON uses, for
// fingerprinting tool calls whose args never pass through SlotValue.
func CanonicalArgsJSON(args map[string]interface{}) []byte {
	return canonicalize(args)
}
