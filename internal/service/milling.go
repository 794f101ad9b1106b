package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Izu99/rice-app/internal/domain"
	"github.com/Izu99/rice-app/internal/store"
)

func (s *Service) batchNumber(date time.Time) string {
	return "ML-" + date.UTC().Format("20060102-1504")
}

func validateMillingOutput(output *domain.MillingOutput) error {
	if output == nil {
		return fmt.Errorf("%w: output details are required for a completed batch", store.ErrValidation)
	}
	if strings.TrimSpace(output.RiceItemName) == "" {
		return fmt.Errorf("%w: output rice name is required", store.ErrValidation)
	}
	if output.OutputRiceKg <= 0 {
		return fmt.Errorf("%w: output rice weight must be positive", store.ErrValidation)
	}
	if output.OutputRiceBags < 0 || output.BrokenRiceKg < 0 || output.HuskKg < 0 {
		return fmt.Errorf("%w: output quantities cannot be negative", store.ErrValidation)
	}
	return nil
}

// CreateMillingRecord starts (or fully records) a paddy-to-rice conversion.
// The paddy is physically consumed the moment milling starts, so its debit
// happens at creation regardless of status; rice is credited only for a
// batch arriving already completed.
func (s *Service) CreateMillingRecord(ctx context.Context, req domain.MillingCreateRequest) (*domain.MillingResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(req.PaddyItemID) == "" {
		return nil, fmt.Errorf("%w: paddy item is required", store.ErrValidation)
	}
	if req.InputPaddyKg <= 0 {
		return nil, fmt.Errorf("%w: input paddy weight must be positive", store.ErrValidation)
	}
	if req.InputPaddyBags < 0 {
		return nil, fmt.Errorf("%w: input bags cannot be negative", store.ErrValidation)
	}

	status := req.Status
	if status == "" {
		status = domain.MillingStatusCompleted
	}
	if status != domain.MillingStatusInProgress && status != domain.MillingStatusCompleted {
		return nil, fmt.Errorf("%w: status must be in_progress or completed", store.ErrValidation)
	}
	if status == domain.MillingStatusCompleted {
		if err := validateMillingOutput(req.Output); err != nil {
			return nil, err
		}
	}

	if clientID := strings.TrimSpace(req.ClientID); clientID != "" {
		existing, err := s.repo.FindMillingByClientID(ctx, actor.CompanyID, clientID)
		if err == nil {
			return s.millingResponse(ctx, actor.CompanyID, existing)
		}
		if !isNotFound(err) {
			return nil, err
		}
	}

	millingDate := s.now().UTC()
	if req.MillingDate != nil {
		millingDate = req.MillingDate.UTC()
	}

	record := domain.MillingRecord{
		ID:             s.newID("mil"),
		CompanyID:      actor.CompanyID,
		ClientID:       strings.TrimSpace(req.ClientID),
		BatchNumber:    s.batchNumber(millingDate),
		PaddyItemID:    req.PaddyItemID,
		InputPaddyKg:   req.InputPaddyKg,
		InputPaddyBags: req.InputPaddyBags,
		Status:         status,
		MilledBy:       actor.UserID,
		Notes:          req.Notes,
		MillingDate:    millingDate,
		CreatedAt:      s.now().UTC(),
	}
	if status == domain.MillingStatusCompleted {
		record.OutputRiceKg = req.Output.OutputRiceKg
		record.OutputRiceBags = req.Output.OutputRiceBags
		record.BrokenRiceKg = req.Output.BrokenRiceKg
		record.HuskKg = req.Output.HuskKg
		record.RiceItemName = strings.TrimSpace(req.Output.RiceItemName)
		record.ExpectedPercent = req.Output.ExpectedPercent
	}

	created, err := s.repo.CreateMilling(ctx, record)
	if err != nil {
		return nil, err
	}

	s.invalidateSummary(ctx, actor.CompanyID)
	s.logAudit(ctx, "milling_create", domain.EntityMillingRecord, created.ID, fmt.Sprintf("batch=%s,input=%.2f,status=%s", created.BatchNumber, created.InputPaddyKg, created.Status))
	s.log.WithFields(logrus.Fields{
		"company_id": actor.CompanyID,
		"batch":      created.BatchNumber,
		"input_kg":   created.InputPaddyKg,
		"status":     created.Status,
	}).Info("milling batch recorded")

	return s.millingResponse(ctx, actor.CompanyID, created)
}

func (s *Service) millingResponse(ctx context.Context, companyID string, record *domain.MillingRecord) (*domain.MillingResponse, error) {
	resp := domain.MillingResponse{Record: *record}

	if paddy, err := s.repo.GetStockItemByID(ctx, companyID, record.PaddyItemID); err == nil {
		resp.PaddyDeducted = domain.StockMovement{
			ItemID:   paddy.ID,
			ItemName: paddy.Name,
			DeltaKg:  -record.InputPaddyKg,
			TotalKg:  paddy.TotalWeightKg,
		}
	}
	if record.RiceItemID != "" {
		if rice, err := s.repo.GetStockItemByID(ctx, companyID, record.RiceItemID); err == nil {
			resp.RiceAdded = &domain.StockMovement{
				ItemID:   rice.ID,
				ItemName: rice.Name,
				DeltaKg:  record.OutputRiceKg,
				TotalKg:  rice.TotalWeightKg,
			}
		}
	}
	return &resp, nil
}

// CompleteMillingRecord fills in the output of an in-progress batch and
// credits the rice stock. A batch can be completed exactly once.
func (s *Service) CompleteMillingRecord(ctx context.Context, id string, output domain.MillingOutput) (*domain.MillingResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := validateMillingOutput(&output); err != nil {
		return nil, err
	}

	completed, err := s.repo.CompleteMilling(ctx, actor.CompanyID, id, output, s.now().UTC())
	if err != nil {
		return nil, err
	}

	s.invalidateSummary(ctx, actor.CompanyID)
	s.logAudit(ctx, "milling_complete", domain.EntityMillingRecord, completed.ID, fmt.Sprintf("batch=%s,output=%.2f,actual=%.2f", completed.BatchNumber, completed.OutputRiceKg, completed.ActualPercent))
	s.log.WithFields(logrus.Fields{
		"company_id":     actor.CompanyID,
		"batch":          completed.BatchNumber,
		"output_kg":      completed.OutputRiceKg,
		"actual_percent": completed.ActualPercent,
	}).Info("milling batch completed")

	return s.millingResponse(ctx, actor.CompanyID, completed)
}

func (s *Service) GetMillingRecord(ctx context.Context, id string) (*domain.MillingRecord, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.GetMillingByID(ctx, actor.CompanyID, id)
}

func (s *Service) ListMillingRecords(ctx context.Context, status string, limit int) ([]domain.MillingRecord, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if status != "" && status != domain.MillingStatusInProgress && status != domain.MillingStatusCompleted {
		return nil, fmt.Errorf("%w: status must be in_progress or completed", store.ErrValidation)
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.repo.ListMillingRecords(ctx, actor.CompanyID, status, limit)
}

func (s *Service) GetMillingStatistics(ctx context.Context, from, to time.Time) (*domain.MillingStats, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.GetMillingStats(ctx, actor.CompanyID, from, to)
}
