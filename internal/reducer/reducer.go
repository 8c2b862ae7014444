// Package reducer implements the State Reducer (C4): a pure projection
// of tool observations and extracted slots into the next dialogue
// state. No method in this package mutates its DialogueState argument.
package reducer

import (
	"fmt"

	"github.com/turnpipe/turnpipe/internal/dialogue"
)

// knownToolProjections extracts the slots one well-known tool's SUCCESS
// payload contributes to state, per spec.md §4.6's named examples.
var knownToolProjections = map[string]func(payload map[string]interface{}) dialogue.SlotMap{
	"book_appointment": func(payload map[string]interface{}) dialogue.SlotMap {
		slots := dialogue.SlotMap{}
		copyIfPresent(payload, slots, "booking_id", "booking_id")
		copyIfPresent(payload, slots, "confirmation_code", "confirmation_code")
		copyIfPresent(payload, slots, "confirmed_date", "confirmed_date")
		copyIfPresent(payload, slots, "confirmed_time", "confirmed_time")
		return slots
	},
	"get_services": func(payload map[string]interface{}) dialogue.SlotMap {
		slots := dialogue.SlotMap{}
		copyIfPresent(payload, slots, "services", "_available_services")
		copyIfPresent(payload, slots, "prices", "_service_prices")
		return slots
	},
	"get_availability": func(payload map[string]interface{}) dialogue.SlotMap {
		slots := dialogue.SlotMap{}
		copyIfPresent(payload, slots, "available_times", "_available_times")
		copyIfPresent(payload, slots, "next_available", "_next_available")
		return slots
	},
}

func copyIfPresent(payload map[string]interface{}, slots dialogue.SlotMap, payloadKey, slotName string) {
	if v, ok := payload[payloadKey]; ok {
		slots[slotName] = dialogue.FromInterface(v)
	}
}

// Reduce is the pure produce-next-state step: reduce(state, observations)
// -> state'. It never mutates state; every tool observation is also
// appended to the bounded FIFO history regardless of result kind.
func Reduce(state dialogue.DialogueState, extracted dialogue.SlotMap, observations []dialogue.ToolObservation) dialogue.DialogueState {
	next := state.Clone()

	for k, v := range extracted {
		next.Slots[k] = v
	}

	for _, obs := range observations {
		next = applyObservation(next, obs)
	}

	return next
}

func applyObservation(state dialogue.DialogueState, obs dialogue.ToolObservation) dialogue.DialogueState {
	next := state.AppendHistory(obs)

	switch obs.ResultKind {
	case dialogue.ResultSuccess:
		if project, ok := knownToolProjections[obs.ToolName]; ok {
			for k, v := range project(obs.Payload) {
				next.Slots[k] = v
			}
		}
	case dialogue.ResultFailure:
		appendValidationError(next, fmt.Sprintf("%s failed: %s", obs.ToolName, failureReason(obs)))
	case dialogue.ResultTimeout:
		appendValidationError(next, fmt.Sprintf("%s timed out after %d attempt(s)", obs.ToolName, obs.AttemptCount))
	case dialogue.ResultCircuitOpen:
		// Neutral informational entry: no slot mutation, already
		// recorded in history above.
	case dialogue.ResultDeniedByPolicy:
		appendValidationError(next, fmt.Sprintf("%s was denied by policy", obs.ToolName))
	case dialogue.ResultDuplicate:
		if project, ok := knownToolProjections[obs.ToolName]; ok {
			for k, v := range project(obs.Payload) {
				next.Slots[k] = v
			}
		}
	}

	return next
}

func failureReason(obs dialogue.ToolObservation) string {
	if obs.Payload != nil {
		if reason, ok := obs.Payload["error"]; ok {
			if s, isString := reason.(string); isString {
				return s
			}
		}
	}
	if obs.StatusCode != nil {
		return fmt.Sprintf("status %d", *obs.StatusCode)
	}
	return "unknown error"
}

// appendValidationError mutates next in place: next is always a value
// this function itself just cloned via AppendHistory, never the
// caller's original state, so this does not violate Reduce's purity.
func appendValidationError(next dialogue.DialogueState, message string) {
	existing, ok := next.Slots["_validation_errors"].AsList()
	if !ok {
		existing = nil
	}
	next.Slots["_validation_errors"] = dialogue.ListSlot(append(existing, dialogue.StringSlot(message)))
}
