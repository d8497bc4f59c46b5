package activity

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Record appends one entry. Callers invoke it inside the same transaction
// as the action it documents: if the append fails, the action fails.
func (s *Service) Record(ctx context.Context, patientID uuid.UUID, orderID *uuid.UUID, meta Metadata, description, performedBy, labID string) (uuid.UUID, error) {
	if patientID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("patient_id is required")
	}
	if meta == nil {
		return uuid.Nil, fmt.Errorf("metadata is required")
	}
	if performedBy == "" {
		return uuid.Nil, fmt.Errorf("performed_by is required")
	}
	e := &Entry{
		PatientID:    patientID,
		OrderID:      orderID,
		ActivityType: meta.ActivityType(),
		Description:  description,
		Metadata:     meta,
		PerformedBy:  performedBy,
		LabID:        labID,
	}
	if err := s.repo.Append(ctx, e); err != nil {
		return uuid.Nil, fmt.Errorf("append activity entry: %w", err)
	}
	return e.ID, nil
}

// OrderTimeline returns an order's history, newest first.
func (s *Service) OrderTimeline(ctx context.Context, orderID uuid.UUID, limit, offset int) ([]*Entry, int, error) {
	return s.repo.ListByOrder(ctx, orderID, limit, offset)
}

// PatientTimeline returns a patient's history, newest first.
func (s *Service) PatientTimeline(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Entry, int, error) {
	return s.repo.ListByPatient(ctx, patientID, limit, offset)
}
