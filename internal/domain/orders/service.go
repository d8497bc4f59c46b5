package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labcore/labcore/internal/domain/activity"
	"github.com/labcore/labcore/internal/platform/auth"
	"github.com/labcore/labcore/internal/platform/db"
)

// Engine is the only writer of order status. Explicit user requests go
// through RequestTransition; result-driven advancement goes through
// Recompute. Every accepted transition records exactly one status_changed
// activity entry in the same transaction as the status write.
type Engine struct {
	repo     Repository
	activity *activity.Service
	runner   db.Runner
	log      zerolog.Logger
}

func NewEngine(repo Repository, act *activity.Service, runner db.Runner, log zerolog.Logger) *Engine {
	return &Engine{repo: repo, activity: act, runner: runner, log: log.With().Str("component", "order-engine").Logger()}
}

// CreateTestInput is one ordered test in a create request.
type CreateTestInput struct {
	TestName string  `json:"test_name"`
	Price    float64 `json:"price"`
}

// CreateOrderInput carries everything needed to register an order.
type CreateOrderInput struct {
	PatientID uuid.UUID         `json:"patient_id"`
	LabID     string            `json:"lab_id"`
	Priority  string            `json:"priority"`
	Tests     []CreateTestInput `json:"tests"`
}

func (in *CreateOrderInput) validate() error {
	if in.PatientID == uuid.Nil {
		return fmt.Errorf("%w: patient_id is required", ErrValidation)
	}
	if len(in.Tests) == 0 {
		return fmt.Errorf("%w: at least one test is required", ErrValidation)
	}
	for _, t := range in.Tests {
		if strings.TrimSpace(t.TestName) == "" {
			return fmt.Errorf("%w: test_name is required for every test", ErrValidation)
		}
	}
	switch in.Priority {
	case "":
		in.Priority = PriorityNormal
	case PriorityNormal, PriorityUrgent, PrioritySTAT:
	default:
		return fmt.Errorf("%w: unknown priority %q", ErrValidation, in.Priority)
	}
	return nil
}

// CreateOrder registers a new order in Order Created with a fresh
// accession number and writes the order_created activity entry.
func (e *Engine) CreateOrder(ctx context.Context, in CreateOrderInput) (*Order, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	actor := auth.ActorFromContext(ctx)

	var created *Order
	err := e.runner.RunTx(ctx, func(ctx context.Context) error {
		accession, err := e.nextAccession(ctx)
		if err != nil {
			return fmt.Errorf("allocate accession number: %w", err)
		}

		o := &Order{
			ID:              uuid.New(),
			AccessionNo:     accession,
			PatientID:       in.PatientID,
			LabID:           in.LabID,
			Status:          StatusOrderCreated,
			Priority:        in.Priority,
			StatusUpdatedBy: actor.Display,
		}
		names := make([]string, 0, len(in.Tests))
		for _, t := range in.Tests {
			o.Tests = append(o.Tests, OrderTest{TestName: t.TestName, Price: t.Price})
			o.TotalAmount += t.Price
			names = append(names, t.TestName)
		}
		if err := e.repo.Create(ctx, o); err != nil {
			return fmt.Errorf("create order: %w", err)
		}

		_, err = e.activity.Record(ctx, o.PatientID, &o.ID,
			activity.OrderCreatedMeta{AccessionNo: o.AccessionNo, TestNames: names, Priority: o.Priority},
			fmt.Sprintf("Order %s created with %d test(s)", o.AccessionNo, len(names)),
			actor.Display, o.LabID)
		if err != nil {
			return err
		}
		created = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Info().Str("order_id", created.ID.String()).Str("accession_no", created.AccessionNo).Msg("order created")
	return created, nil
}

// nextAccession builds LAB-YYYYMMDD-NNNN from the per-day counter.
func (e *Engine) nextAccession(ctx context.Context) (string, error) {
	day := time.Now().UTC().Format("20060102")
	seq, err := e.repo.NextAccessionSeq(ctx, day)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("LAB-%s-%04d", day, seq), nil
}

// CollectSample marks the order's specimen as collected and records the
// sample_collected activity entry. Collection is a one-time event.
func (e *Engine) CollectSample(ctx context.Context, orderID uuid.UUID) (*Order, error) {
	actor := auth.ActorFromContext(ctx)
	now := time.Now().UTC()

	var out *Order
	err := e.runner.RunTx(ctx, func(ctx context.Context) error {
		o, err := e.repo.GetByID(ctx, orderID)
		if err != nil {
			return err
		}
		if o.SampleCollected() {
			return fmt.Errorf("sample for order %s already collected", o.AccessionNo)
		}
		if err := e.repo.SetSampleCollected(ctx, orderID, actor.Display, now); err != nil {
			return err
		}
		_, err = e.activity.Record(ctx, o.PatientID, &o.ID,
			activity.SampleCollectedMeta{CollectedBy: actor.Display, CollectedAt: now},
			fmt.Sprintf("Sample collected for order %s", o.AccessionNo),
			actor.Display, o.LabID)
		if err != nil {
			return err
		}
		o.SampleCollectedAt = &now
		o.SampleCollectedBy = &actor.Display
		out = o
		return nil
	})
	return out, err
}

// RequestTransition applies an explicit, user-requested status change.
// The transition is validated against the lifecycle guards and written
// with a compare-and-set so a concurrent move surfaces as db.ErrConflict
// instead of silently overwriting.
func (e *Engine) RequestTransition(ctx context.Context, orderID uuid.UUID, to Status) (*Order, error) {
	actor := auth.ActorFromContext(ctx)

	var out *Order
	err := e.runner.RunTx(ctx, func(ctx context.Context) error {
		o, err := e.repo.GetByID(ctx, orderID)
		if err != nil {
			return err
		}
		if err := ValidateTransition(o.Status, to, o.SampleCollected()); err != nil {
			return err
		}
		if err := e.applyTransition(ctx, o, to, actor.Display); err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Info().Str("order_id", orderID.String()).Str("status", string(to)).Str("actor", actor.Display).Msg("order status changed")
	return out, nil
}

// Recompute re-derives the order's status from its completion counts.
// It runs after every result or verification write, in the caller's
// transaction when one is present. A derivation that matches the current
// status is a no-op and records nothing. A concurrent status move is
// retried once against fresh state before the conflict surfaces.
func (e *Engine) Recompute(ctx context.Context, orderID uuid.UUID) error {
	err := e.recomputeOnce(ctx, orderID)
	if errors.Is(err, db.ErrConflict) {
		e.log.Debug().Str("order_id", orderID.String()).Msg("recompute conflicted, retrying")
		err = e.recomputeOnce(ctx, orderID)
	}
	return err
}

func (e *Engine) recomputeOnce(ctx context.Context, orderID uuid.UUID) error {
	return e.runner.RunTx(ctx, func(ctx context.Context) error {
		o, err := e.repo.GetByID(ctx, orderID)
		if err != nil {
			return err
		}
		counts, err := e.repo.CompletionCounts(ctx, orderID)
		if err != nil {
			return fmt.Errorf("completion counts: %w", err)
		}
		next := DeriveNextStatus(o.Status, counts)
		if next == o.Status {
			return nil
		}
		return e.applyTransition(ctx, o, next, auth.SystemActor)
	})
}

// applyTransition writes the status and its status_changed entry as one
// unit. Caller has already validated (or derived) the move.
func (e *Engine) applyTransition(ctx context.Context, o *Order, to Status, by string) error {
	from := o.Status
	if err := e.repo.SetStatus(ctx, o.ID, from, to, by); err != nil {
		return err
	}
	_, err := e.activity.Record(ctx, o.PatientID, &o.ID,
		activity.StatusChangedMeta{OldStatus: string(from), NewStatus: string(to)},
		fmt.Sprintf("Order %s moved from %s to %s", o.AccessionNo, from, to),
		by, o.LabID)
	if err != nil {
		return err
	}
	o.Status = to
	o.StatusUpdatedBy = by
	now := time.Now().UTC()
	o.StatusUpdatedAt = &now
	return nil
}

// Get returns an order with its tests.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*Order, error) {
	return e.repo.GetByID(ctx, id)
}

// GetByAccession returns an order looked up by accession number.
func (e *Engine) GetByAccession(ctx context.Context, accessionNo string) (*Order, error) {
	return e.repo.GetByAccession(ctx, accessionNo)
}

// Search lists orders filtered by the supported query parameters.
func (e *Engine) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Order, int, error) {
	return e.repo.Search(ctx, params, limit, offset)
}

// ListByPatient lists a patient's orders, newest first.
func (e *Engine) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Order, int, error) {
	return e.repo.ListByPatient(ctx, patientID, limit, offset)
}
