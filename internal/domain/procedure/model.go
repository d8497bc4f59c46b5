package procedure

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StepType is the fixed step vocabulary. The runner does not interpret
// types; the service and the capture UI do.
type StepType string

const (
	StepInfo    StepType = "info"    // no payload required
	StepCapture StepType = "capture" // expects a capture artifact reference
	StepAnalyze StepType = "analyze" // filled by the extraction provider
	StepReview  StepType = "review"  // structured human-entered fields
	StepCommit  StepType = "commit"  // terminal, materializes a result
)

func knownStepType(t StepType) bool {
	switch t {
	case StepInfo, StepCapture, StepAnalyze, StepReview, StepCommit:
		return true
	}
	return false
}

// Step is one entry in a definition's ordered step list.
type Step struct {
	ID    string   `json:"id"`
	Type  StepType `json:"type"`
	Title string   `json:"title,omitempty"`
	// Fields names the inputs a review step collects.
	Fields []string `json:"fields,omitempty"`
	// Hint is passed to the extraction provider on analyze steps.
	Hint string `json:"hint,omitempty"`
}

// Definition is an immutable, versioned procedure template. Editing a
// definition inserts a new version row; existing instances keep the
// version they were started with.
type Definition struct {
	ID        uuid.UUID `json:"id"`
	Key       string    `json:"key"`
	Version   int       `json:"version"`
	Name      string    `json:"name"`
	Steps     []Step    `json:"steps"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the step list: known types, unique non-empty ids, and
// a commit step only in final position.
func (d *Definition) Validate() error {
	if len(d.Steps) == 0 {
		return errors.New("definition needs at least one step")
	}
	seen := map[string]bool{}
	for i, s := range d.Steps {
		if s.ID == "" {
			return fmt.Errorf("step %d has no id", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate step id %q", s.ID)
		}
		seen[s.ID] = true
		if !knownStepType(s.Type) {
			return fmt.Errorf("step %q has unknown type %q", s.ID, s.Type)
		}
		if s.Type == StepCommit && i != len(d.Steps)-1 {
			return fmt.Errorf("commit step %q must be last", s.ID)
		}
	}
	return nil
}

// Instance binds a definition version to an order and tracks progress.
// Mutated only through the runner.
type Instance struct {
	ID               uuid.UUID                  `json:"id"`
	DefinitionID     uuid.UUID                  `json:"definition_id"`
	OrderID          uuid.UUID                  `json:"order_id"`
	CurrentStepIndex int                        `json:"current_step_index"`
	Data             map[string]json.RawMessage `json:"data"`
	Complete         bool                       `json:"complete"`
	CreatedAt        time.Time                  `json:"created_at"`
	UpdatedAt        time.Time                  `json:"updated_at"`
}

// Workflow events, recorded on the order's activity timeline.
const (
	EventStart     = "workflow.start"
	EventStepEnter = "step.enter"
	EventComplete  = "workflow.complete"
)

// Event is one occurrence emitted by the runner.
type Event struct {
	Type   string `json:"type"`
	StepID string `json:"step_id,omitempty"`
}

var (
	ErrDefinitionNotFound = errors.New("workflow definition not found")
	ErrInstanceNotFound   = errors.New("workflow instance not found")
)
