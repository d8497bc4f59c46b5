package procedure

import "encoding/json"

// The runner is a pure state machine over a flat step list: no
// branching, no parallel steps, no I/O. Callers persist the instance
// and act on the returned events.

// Start positions a fresh instance at step zero.
func Start(def *Definition, inst *Instance) []Event {
	inst.CurrentStepIndex = 0
	inst.Complete = false
	if inst.Data == nil {
		inst.Data = map[string]json.RawMessage{}
	}
	return []Event{
		{Type: EventStart},
		{Type: EventStepEnter, StepID: def.Steps[0].ID},
	}
}

// Next stores the payload under the current step's id (resubmission
// overwrites) and either advances to the next step or completes the
// instance. Calling Next on a completed instance is a no-op that emits
// nothing, so duplicate client retries are harmless.
func Next(def *Definition, inst *Instance, payload json.RawMessage) []Event {
	if inst.Complete {
		return nil
	}
	if inst.Data == nil {
		inst.Data = map[string]json.RawMessage{}
	}
	current := def.Steps[inst.CurrentStepIndex]
	if payload != nil {
		inst.Data[current.ID] = payload
	}
	if inst.CurrentStepIndex == len(def.Steps)-1 {
		inst.Complete = true
		return []Event{{Type: EventComplete}}
	}
	inst.CurrentStepIndex++
	return []Event{{Type: EventStepEnter, StepID: def.Steps[inst.CurrentStepIndex].ID}}
}

// CurrentStep returns the step the instance is waiting on, or nil once
// complete.
func CurrentStep(def *Definition, inst *Instance) *Step {
	if inst.Complete || inst.CurrentStepIndex >= len(def.Steps) {
		return nil
	}
	return &def.Steps[inst.CurrentStepIndex]
}
