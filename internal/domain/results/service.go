package results

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labcore/labcore/internal/domain/activity"
	"github.com/labcore/labcore/internal/domain/orders"
	"github.com/labcore/labcore/internal/platform/auth"
	"github.com/labcore/labcore/internal/platform/db"
)

// Service owns result entry and the verification workflow. Every write
// runs in one transaction together with its activity entry and the
// order status recompute it triggers.
type Service struct {
	repo     Repository
	orders   *orders.Engine
	activity *activity.Service
	runner   db.Runner
	log      zerolog.Logger
}

func NewService(repo Repository, ord *orders.Engine, act *activity.Service, runner db.Runner, log zerolog.Logger) *Service {
	return &Service{repo: repo, orders: ord, activity: act, runner: runner,
		log: log.With().Str("component", "results").Logger()}
}

// ValueInput is one submitted measurement. Flags are not accepted from
// the caller; they are computed here.
type ValueInput struct {
	Parameter      string `json:"parameter"`
	Value          string `json:"value"`
	Unit           string `json:"unit,omitempty"`
	ReferenceRange string `json:"reference_range,omitempty"`
}

// SubmitResult upserts the analyte row for a test and replaces its
// values as one set. A resubmission resets verification to pending.
// Flags are graded at write time and the order's status is re-derived
// in the same transaction.
//
// A verified or rejected result is immutable to entry: overwriting it
// is refused with ErrAlreadyFinalized unless the order has been
// returned to In Progress, the sanctioned path for correcting
// signed-off work.
func (s *Service) SubmitResult(ctx context.Context, orderID uuid.UUID, testName string, values []ValueInput) (*Result, error) {
	if strings.TrimSpace(testName) == "" {
		return nil, fmt.Errorf("%w: test_name is required", ErrValidation)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: at least one value is required", ErrValidation)
	}
	actor := auth.ActorFromContext(ctx)

	var out *Result
	err := s.runner.RunTx(ctx, func(ctx context.Context) error {
		o, err := s.orders.Get(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status == orders.StatusCompleted || o.Status == orders.StatusDelivered {
			return fmt.Errorf("order %s is %s, results can no longer be entered", o.AccessionNo, o.Status)
		}
		existing, err := s.repo.ListGroup(ctx, orderID, testName)
		if err != nil {
			return err
		}
		for _, prior := range existing {
			if prior.VerificationStatus.Terminal() && o.Status != orders.StatusInProgress {
				return fmt.Errorf("result for %s on order %s is %s, return the order for revision to re-enter it: %w",
					testName, o.AccessionNo, prior.VerificationStatus, ErrAlreadyFinalized)
			}
		}

		res := &Result{
			OrderID:            orderID,
			TestName:           testName,
			VerificationStatus: StatusPending,
			PriorityLevel:      priorityLevel(o.Priority),
			EnteredBy:          actor.Display,
		}
		for _, in := range values {
			flag := ComputeFlag(in.Value, in.ReferenceRange)
			if flag == FlagCritical {
				res.CriticalFlag = true
			}
			res.Values = append(res.Values, Value{
				Parameter:      in.Parameter,
				Value:          in.Value,
				Unit:           in.Unit,
				ReferenceRange: in.ReferenceRange,
				Flag:           flag,
			})
		}
		if o.Priority == orders.PrioritySTAT {
			res.CriticalFlag = true
		}
		if err := s.repo.Upsert(ctx, res); err != nil {
			return fmt.Errorf("upsert result: %w", err)
		}

		_, err = s.activity.Record(ctx, o.PatientID, &o.ID,
			activity.ResultEnteredMeta{ResultID: res.ID, TestName: testName, ValueCount: len(res.Values)},
			fmt.Sprintf("Results entered for %s on order %s", testName, o.AccessionNo),
			actor.Display, o.LabID)
		if err != nil {
			return err
		}
		if err := s.orders.Recompute(ctx, orderID); err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("order_id", orderID.String()).Str("test", testName).
		Bool("critical", out.CriticalFlag).Msg("result submitted")
	return out, nil
}

func priorityLevel(priority string) int {
	switch priority {
	case orders.PrioritySTAT:
		return PriorityLevelSTAT
	case orders.PriorityUrgent:
		return PriorityLevelUrgent
	default:
		return PriorityLevelNormal
	}
}

// VerifyAnalyte applies one verifier decision to one analyte row.
// Reject and clarify require a comment. Terminal rows refuse with
// ErrAlreadyFinalized and nothing is written.
func (s *Service) VerifyAnalyte(ctx context.Context, resultID uuid.UUID, action Action, comment string) (*Result, error) {
	if err := validateAction(action, comment); err != nil {
		return nil, err
	}
	var out *Result
	err := s.runner.RunTx(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.verifyOne(ctx, resultID, action, comment)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// VerifyTest applies one decision to every analyte in a test group.
// Partial success is reported per analyte, never hidden.
func (s *Service) VerifyTest(ctx context.Context, orderID uuid.UUID, testName string, action Action, comment string) (*BulkOutcome, error) {
	if err := validateAction(action, comment); err != nil {
		return nil, err
	}
	group, err := s.repo.ListGroup(ctx, orderID, testName)
	if err != nil {
		return nil, err
	}
	if len(group) == 0 {
		return nil, ErrEmptySelection
	}
	ids := make([]uuid.UUID, 0, len(group))
	for _, res := range group {
		ids = append(ids, res.ID)
	}
	return s.apply(ctx, ids, action, comment), nil
}

// BulkVerify applies one decision to an arbitrary user selection. The
// selection is validated before any write; after that each analyte is
// attempted independently (best effort) and the outcome reports exactly
// which succeeded and which failed.
func (s *Service) BulkVerify(ctx context.Context, resultIDs []uuid.UUID, action Action, comment string) (*BulkOutcome, error) {
	if err := validateAction(action, comment); err != nil {
		return nil, err
	}
	if len(resultIDs) == 0 {
		return nil, ErrEmptySelection
	}
	return s.apply(ctx, resultIDs, action, comment), nil
}

func (s *Service) apply(ctx context.Context, ids []uuid.UUID, action Action, comment string) *BulkOutcome {
	outcome := &BulkOutcome{}
	for _, id := range ids {
		err := s.runner.RunTx(ctx, func(ctx context.Context) error {
			_, err := s.verifyOne(ctx, id, action, comment)
			return err
		})
		if err != nil {
			outcome.Failed = append(outcome.Failed, VerifyFailure{ResultID: id, Reason: err.Error()})
			continue
		}
		outcome.Succeeded++
	}
	if len(outcome.Failed) > 0 {
		s.log.Warn().Int("succeeded", outcome.Succeeded).Int("failed", len(outcome.Failed)).
			Str("action", string(action)).Msg("bulk verification partially failed")
	}
	return outcome
}

// verifyOne runs inside the caller's transaction: status write, audit
// entry and order recompute land or roll back together.
func (s *Service) verifyOne(ctx context.Context, resultID uuid.UUID, action Action, comment string) (*Result, error) {
	actor := auth.ActorFromContext(ctx)
	res, err := s.repo.GetByID(ctx, resultID)
	if err != nil {
		return nil, err
	}
	if res.VerificationStatus.Terminal() {
		return nil, ErrAlreadyFinalized
	}
	status, err := action.StatusFor()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if err := s.repo.SetVerification(ctx, resultID, status, actor.Display, comment, now); err != nil {
		return nil, err
	}

	o, err := s.orders.Get(ctx, res.OrderID)
	if err != nil {
		return nil, err
	}
	_, err = s.activity.Record(ctx, o.PatientID, &o.ID,
		activity.ResultVerifiedMeta{ResultID: res.ID, TestName: res.TestName, Action: string(action), Comment: comment},
		fmt.Sprintf("Result %s for %s on order %s", status, res.TestName, o.AccessionNo),
		actor.Display, o.LabID)
	if err != nil {
		return nil, err
	}
	if err := s.orders.Recompute(ctx, res.OrderID); err != nil {
		return nil, err
	}

	res.VerificationStatus = status
	res.VerifiedBy = &actor.Display
	res.VerifiedAt = &now
	res.Comment = comment
	return res, nil
}

func validateAction(action Action, comment string) error {
	if _, err := action.StatusFor(); err != nil {
		return err
	}
	if action.NeedsComment() && strings.TrimSpace(comment) == "" {
		return ErrCommentRequired
	}
	return nil
}

// Queue returns the lab's pending verification work, ordered critical
// first, then by priority, then oldest entry first. The ordering is
// computed on every call.
func (s *Service) Queue(ctx context.Context, labID string, limit, offset int) ([]*Result, int, error) {
	items, total, err := s.repo.ListPending(ctx, labID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	SortQueue(items)
	return items, total, nil
}

// ListByOrder returns all results for one order.
func (s *Service) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*Result, error) {
	return s.repo.ListByOrder(ctx, orderID)
}

// Get returns one result with its values.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Result, error) {
	return s.repo.GetByID(ctx, id)
}
