package procedure

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labcore/labcore/internal/domain/activity"
	"github.com/labcore/labcore/internal/domain/orders"
	"github.com/labcore/labcore/internal/domain/results"
	"github.com/labcore/labcore/internal/platform/auth"
	"github.com/labcore/labcore/internal/platform/db"
	"github.com/labcore/labcore/internal/platform/extraction"
)

// ResultSubmitter is the slice of the results service a completing
// procedure needs to materialize its result.
type ResultSubmitter interface {
	SubmitResult(ctx context.Context, orderID uuid.UUID, testName string, values []results.ValueInput) (*results.Result, error)
}

// Service drives multi-step procedures: it persists instances, calls
// the extraction provider on analyze steps, records workflow events on
// the order timeline, and materializes a result when a trailing commit
// step completes.
type Service struct {
	repo      Repository
	orders    *orders.Engine
	submitter ResultSubmitter
	extractor extraction.Provider
	activity  *activity.Service
	runner    db.Runner
	log       zerolog.Logger
}

func NewService(repo Repository, ord *orders.Engine, submitter ResultSubmitter, extractor extraction.Provider, act *activity.Service, runner db.Runner, log zerolog.Logger) *Service {
	return &Service{repo: repo, orders: ord, submitter: submitter, extractor: extractor,
		activity: act, runner: runner, log: log.With().Str("component", "procedure").Logger()}
}

// CreateDefinition registers a new procedure template version.
func (s *Service) CreateDefinition(ctx context.Context, key, name string, steps []Step) (*Definition, error) {
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("key is required")
	}
	d := &Definition{Key: key, Name: name, Steps: steps}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.CreateDefinition(ctx, d); err != nil {
		return nil, fmt.Errorf("create definition: %w", err)
	}
	s.log.Info().Str("key", d.Key).Int("version", d.Version).Msg("workflow definition created")
	return d, nil
}

// ListDefinitions returns the latest version of every definition.
func (s *Service) ListDefinitions(ctx context.Context) ([]*Definition, error) {
	return s.repo.ListDefinitions(ctx)
}

// StartInstance binds a definition to an order and positions it at the
// first step.
func (s *Service) StartInstance(ctx context.Context, orderID, definitionID uuid.UUID) (*Instance, error) {
	actor := auth.ActorFromContext(ctx)

	var inst *Instance
	err := s.runner.RunTx(ctx, func(ctx context.Context) error {
		o, err := s.orders.Get(ctx, orderID)
		if err != nil {
			return err
		}
		def, err := s.repo.GetDefinition(ctx, definitionID)
		if err != nil {
			return err
		}
		inst = &Instance{DefinitionID: def.ID, OrderID: orderID}
		events := Start(def, inst)
		if err := s.repo.CreateInstance(ctx, inst); err != nil {
			return fmt.Errorf("create instance: %w", err)
		}
		return s.recordEvents(ctx, o, inst, def, events, actor.Display)
	})
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// GetInstance returns the instance with its accumulated data, for
// rendering the capture UI.
func (s *Service) GetInstance(ctx context.Context, id uuid.UUID) (*Instance, error) {
	return s.repo.GetInstance(ctx, id)
}

// ListByOrder returns an order's procedure instances.
func (s *Service) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*Instance, error) {
	return s.repo.ListInstancesByOrder(ctx, orderID)
}

// Advance submits a payload for the current step and moves the instance
// forward. On an analyze step with no caller payload the extraction
// provider is invoked first; a failed or cancelled extraction returns
// before anything is written, so the instance stays at the analyze step
// and the call can simply be retried. Advancing past a trailing commit
// step materializes a result for the order in the same transaction.
// A concurrent advance observed between the read and the transaction
// surfaces as db.ErrConflict, the payload never lands on a step the
// caller did not see.
func (s *Service) Advance(ctx context.Context, instanceID uuid.UUID, payload json.RawMessage) (*Instance, error) {
	actor := auth.ActorFromContext(ctx)

	inst, err := s.repo.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	def, err := s.repo.GetDefinition(ctx, inst.DefinitionID)
	if err != nil {
		return nil, err
	}
	if inst.Complete {
		// Duplicate retry after completion: tolerated, nothing happens.
		return inst, nil
	}

	seenIndex := inst.CurrentStepIndex
	current := CurrentStep(def, inst)
	if current.Type == StepAnalyze && payload == nil {
		payload, err = s.runExtraction(ctx, def, inst, current)
		if err != nil {
			return nil, err
		}
	}

	err = s.runner.RunTx(ctx, func(ctx context.Context) error {
		// Re-read inside the transaction so concurrent advances serialize.
		fresh, err := s.repo.GetInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if fresh.Complete {
			inst = fresh
			return nil
		}
		// The payload was prepared for the step the caller saw. If a
		// concurrent advance moved the instance it must not land on a
		// different step.
		if fresh.CurrentStepIndex != seenIndex {
			return fmt.Errorf("instance %s advanced concurrently: %w", instanceID, db.ErrConflict)
		}
		completing := CurrentStep(def, fresh)
		o, err := s.orders.Get(ctx, fresh.OrderID)
		if err != nil {
			return err
		}

		events := Next(def, fresh, payload)
		if err := s.repo.UpdateInstance(ctx, fresh); err != nil {
			return err
		}
		if err := s.recordEvents(ctx, o, fresh, def, events, actor.Display); err != nil {
			return err
		}
		if fresh.Complete && completing.Type == StepCommit {
			if err := s.materialize(ctx, o, def, fresh); err != nil {
				return err
			}
		}
		inst = fresh
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// runExtraction calls the provider with the most recent capture
// artifact. Runs outside any transaction; nothing is persisted until it
// succeeds.
func (s *Service) runExtraction(ctx context.Context, def *Definition, inst *Instance, step *Step) (json.RawMessage, error) {
	docRef := latestCaptureRef(def, inst)
	if docRef == "" {
		return nil, fmt.Errorf("analyze step %q has no capture artifact to extract from", step.ID)
	}
	res, err := s.extractor.Extract(ctx, docRef, step.Hint)
	if err != nil {
		s.log.Warn().Err(err).Str("instance_id", inst.ID.String()).
			Bool("retryable", extraction.IsTransient(err)).Msg("extraction failed")
		return nil, err
	}
	return json.Marshal(res)
}

type capturePayload struct {
	DocumentRef string `json:"document_ref"`
}

// latestCaptureRef finds the newest capture step at or before the
// instance's position that has a submitted artifact.
func latestCaptureRef(def *Definition, inst *Instance) string {
	for i := inst.CurrentStepIndex; i >= 0; i-- {
		step := def.Steps[i]
		if step.Type != StepCapture {
			continue
		}
		raw, ok := inst.Data[step.ID]
		if !ok {
			continue
		}
		var cp capturePayload
		if err := json.Unmarshal(raw, &cp); err == nil && cp.DocumentRef != "" {
			return cp.DocumentRef
		}
		var plain string
		if err := json.Unmarshal(raw, &plain); err == nil && plain != "" {
			return plain
		}
	}
	return ""
}

// materialize turns the instance's analyze parameters and review fields
// into one submitted result, coupling the finished procedure to the
// order lifecycle.
func (s *Service) materialize(ctx context.Context, o *orders.Order, def *Definition, inst *Instance) error {
	var values []results.ValueInput
	for _, step := range def.Steps {
		raw, ok := inst.Data[step.ID]
		if !ok {
			continue
		}
		switch step.Type {
		case StepAnalyze:
			var res extraction.Result
			if err := json.Unmarshal(raw, &res); err != nil {
				return fmt.Errorf("decode analyze payload for step %q: %w", step.ID, err)
			}
			for _, p := range res.Parameters {
				values = append(values, results.ValueInput{
					Parameter:      p.Name,
					Value:          p.Value,
					Unit:           p.Unit,
					ReferenceRange: p.ReferenceRange,
				})
			}
		case StepReview:
			fields := map[string]interface{}{}
			if err := json.Unmarshal(raw, &fields); err != nil {
				return fmt.Errorf("decode review payload for step %q: %w", step.ID, err)
			}
			for _, name := range step.Fields {
				v, ok := fields[name]
				if !ok {
					continue
				}
				values = append(values, results.ValueInput{Parameter: name, Value: fmt.Sprint(v)})
			}
		}
	}
	if len(values) == 0 {
		// Extraction legitimately found no data and nothing was reviewed.
		s.log.Info().Str("instance_id", inst.ID.String()).Msg("procedure completed with no data, no result materialized")
		return nil
	}
	if _, err := s.submitter.SubmitResult(ctx, o.ID, def.Name, values); err != nil {
		return fmt.Errorf("materialize result: %w", err)
	}
	return nil
}

func (s *Service) recordEvents(ctx context.Context, o *orders.Order, inst *Instance, def *Definition, events []Event, performedBy string) error {
	for _, ev := range events {
		desc := fmt.Sprintf("%s %s for order %s", def.Name, ev.Type, o.AccessionNo)
		_, err := s.activity.Record(ctx, o.PatientID, &o.ID,
			activity.WorkflowEventMeta{InstanceID: inst.ID, Event: ev.Type, StepID: ev.StepID},
			desc, performedBy, o.LabID)
		if err != nil {
			return err
		}
	}
	return nil
}
