package service

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Izu99/rice-app/internal/conflict"
	"github.com/Izu99/rice-app/internal/domain"
	"github.com/Izu99/rice-app/internal/store"
)

// SyncPush replays a batch of offline operations. Operations apply
// oldest-first by client timestamp to approximate the order they happened on
// the device, each one isolated so a bad record never blocks the rest.
// Replays of an already-processed client_id return the stored result.
func (s *Service) SyncPush(ctx context.Context, req domain.SyncPushRequest) (*domain.SyncPushResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}

	ops := slices.Clone(req.Operations)
	// Stable so operations sharing a client timestamp keep their batch order.
	slices.SortStableFunc(ops, func(a, b domain.SyncClientOperation) int {
		return a.ClientCreatedAt.Compare(b.ClientCreatedAt)
	})

	resp := domain.SyncPushResponse{Results: make([]domain.SyncResult, 0, len(ops))}
	for _, op := range ops {
		result := s.applySyncOperation(ctx, actor, op, req.LastSyncTime)
		resp.Results = append(resp.Results, result)
		resp.Processed++
		switch result.Status {
		case domain.SyncResultSuccess:
			resp.Succeeded++
		case domain.SyncResultConflict:
			resp.Conflicts++
		default:
			resp.Failed++
		}
	}

	s.log.WithFields(logrus.Fields{
		"company_id": actor.CompanyID,
		"device_id":  req.DeviceID,
		"processed":  resp.Processed,
		"succeeded":  resp.Succeeded,
		"conflicts":  resp.Conflicts,
		"failed":     resp.Failed,
	}).Info("sync push processed")

	return &resp, nil
}

// SyncPull returns every record modified strictly after the checkpoint. The
// server never merges on pull; the client reconciles locally. Failures
// degrade to an empty changeset so an offline-capable client keeps working.
func (s *Service) SyncPull(ctx context.Context, since time.Time) (*domain.ChangeSet, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}

	changes, err := s.repo.ChangesSince(ctx, actor.CompanyID, since)
	if err != nil {
		s.log.WithField("company_id", actor.CompanyID).WithError(err).Warn("sync pull degraded to empty changeset")
		return &domain.ChangeSet{
			Customers:      []domain.Customer{},
			StockItems:     []domain.StockItem{},
			Transactions:   []domain.Transaction{},
			MillingRecords: []domain.MillingRecord{},
			ServerTime:     s.now().UTC(),
		}, nil
	}
	return changes, nil
}

func (s *Service) SyncStatus(ctx context.Context) (*domain.SyncStatus, error) {
	if _, err := requireActor(ctx); err != nil {
		return nil, err
	}
	return &domain.SyncStatus{ServerTime: s.now().UTC(), Status: "healthy"}, nil
}

func errorResult(clientID string, err error) domain.SyncResult {
	return domain.SyncResult{ClientID: clientID, Status: domain.SyncResultError, Error: err.Error()}
}

func resultToOpStatus(status string) string {
	switch status {
	case domain.SyncResultSuccess:
		return domain.SyncStatusCompleted
	case domain.SyncResultConflict:
		return domain.SyncStatusConflict
	default:
		return domain.SyncStatusFailed
	}
}

func (s *Service) applySyncOperation(ctx context.Context, actor domain.Actor, op domain.SyncClientOperation, lastSync time.Time) domain.SyncResult {
	clientID := strings.TrimSpace(op.ClientID)
	if clientID == "" {
		return errorResult("", fmt.Errorf("client_id is required"))
	}
	op.ClientID = clientID

	retryCount := 0
	if existing, err := s.repo.GetSyncOperation(ctx, actor.CompanyID, clientID); err == nil {
		if existing.Result != nil && existing.Status != domain.SyncStatusFailed {
			return *existing.Result
		}
		retryCount = existing.RetryCount
	}

	var result domain.SyncResult
	switch op.EntityType {
	case domain.EntityCustomer:
		result = s.syncCustomer(ctx, actor, op, lastSync)
	case domain.EntityStockItem:
		result = s.syncStockItem(ctx, actor, op, lastSync)
	case domain.EntityTransaction:
		result = s.syncTransaction(ctx, actor, op, lastSync)
	case domain.EntityMillingRecord:
		result = s.syncMillingRecord(ctx, actor, op, lastSync)
	default:
		result = errorResult(clientID, fmt.Errorf("unknown entity type %q", op.EntityType))
	}
	result.ClientID = clientID

	record := domain.SyncOperation{
		ClientID:        clientID,
		CompanyID:       actor.CompanyID,
		EntityType:      op.EntityType,
		Operation:       op.Operation,
		Data:            op.Data,
		ClientCreatedAt: op.ClientCreatedAt,
		Status:          resultToOpStatus(result.Status),
		Result:          &result,
		RetryCount:      retryCount + 1,
		ProcessedAt:     s.now().UTC(),
	}
	if err := s.repo.SaveSyncOperation(ctx, record); err != nil {
		s.log.WithFields(logrus.Fields{
			"company_id": actor.CompanyID,
			"client_id":  clientID,
		}).WithError(err).Warn("sync operation record write failed")
	}
	return result
}

func (s *Service) syncCustomer(ctx context.Context, actor domain.Actor, op domain.SyncClientOperation, lastSync time.Time) domain.SyncResult {
	var payload domain.Customer
	if err := json.Unmarshal(op.Data, &payload); err != nil {
		return errorResult(op.ClientID, fmt.Errorf("%w: %v", store.ErrValidation, err))
	}
	if payload.ClientID == "" {
		payload.ClientID = op.ClientID
	}

	switch op.Operation {
	case domain.SyncOpCreate:
		return s.syncCreateCustomer(ctx, payload, op.ClientID)

	case domain.SyncOpUpdate:
		existing := s.lookupCustomer(ctx, actor.CompanyID, payload.ID, payload.ClientID)
		if existing == nil {
			// Unknown to the server, so the update degrades to a create.
			return s.syncCreateCustomer(ctx, payload, op.ClientID)
		}
		if conflict.Detect(existing, &payload, existing.UpdatedAt, payload.UpdatedAt, lastSync) {
			merged, resolution := conflict.MergeCustomer(*existing, payload, lastSync)
			merged.ID = existing.ID
			merged.CompanyID = actor.CompanyID
			merged.CreatedAt = existing.CreatedAt
			merged.UpdatedAt = s.now().UTC()
			if _, err := s.repo.UpdateCustomer(ctx, merged); err != nil {
				return errorResult(op.ClientID, err)
			}
			return domain.SyncResult{Status: domain.SyncResultConflict, ServerID: existing.ID, Resolution: resolution}
		}
		payload.ID = existing.ID
		payload.CompanyID = actor.CompanyID
		payload.CreatedAt = existing.CreatedAt
		payload.UpdatedAt = s.now().UTC()
		if _, err := s.repo.UpdateCustomer(ctx, payload); err != nil {
			return errorResult(op.ClientID, err)
		}
		return domain.SyncResult{Status: domain.SyncResultSuccess, ServerID: existing.ID}

	case domain.SyncOpDelete:
		existing := s.lookupCustomer(ctx, actor.CompanyID, payload.ID, payload.ClientID)
		if existing == nil {
			return domain.SyncResult{Status: domain.SyncResultSuccess}
		}
		existing.Active = false
		existing.UpdatedAt = s.now().UTC()
		if _, err := s.repo.UpdateCustomer(ctx, *existing); err != nil {
			return errorResult(op.ClientID, err)
		}
		return domain.SyncResult{Status: domain.SyncResultSuccess, ServerID: existing.ID}
	}
	return errorResult(op.ClientID, fmt.Errorf("unknown operation %q", op.Operation))
}

func (s *Service) lookupCustomer(ctx context.Context, companyID, id, clientID string) *domain.Customer {
	if id != "" {
		if customer, err := s.repo.GetCustomerByID(ctx, companyID, id); err == nil {
			return customer
		}
	}
	if clientID != "" {
		if customer, err := s.repo.FindCustomerByClientID(ctx, companyID, clientID); err == nil {
			return customer
		}
	}
	return nil
}

func (s *Service) syncCreateCustomer(ctx context.Context, payload domain.Customer, clientID string) domain.SyncResult {
	created, err := s.CreateCustomer(ctx, domain.CustomerCreateRequest{
		Name:           payload.Name,
		Phone:          payload.Phone,
		SecondaryPhone: payload.SecondaryPhone,
		Email:          payload.Email,
		Address:        payload.Address,
		City:           payload.City,
		Notes:          payload.Notes,
		ClientID:       payload.ClientID,
	})
	if err != nil {
		return errorResult(clientID, err)
	}
	return domain.SyncResult{Status: domain.SyncResultSuccess, ServerID: created.ID}
}

func (s *Service) syncStockItem(ctx context.Context, actor domain.Actor, op domain.SyncClientOperation, lastSync time.Time) domain.SyncResult {
	var payload domain.StockItem
	if err := json.Unmarshal(op.Data, &payload); err != nil {
		return errorResult(op.ClientID, fmt.Errorf("%w: %v", store.ErrValidation, err))
	}
	if payload.ClientID == "" {
		payload.ClientID = op.ClientID
	}

	switch op.Operation {
	case domain.SyncOpCreate:
		return s.syncCreateStockItem(ctx, payload, op.ClientID)

	case domain.SyncOpUpdate:
		existing := s.lookupStockItem(ctx, actor.CompanyID, payload.ID, payload.ClientID)
		if existing == nil {
			return s.syncCreateStockItem(ctx, payload, op.ClientID)
		}
		if conflict.Detect(existing, &payload, existing.UpdatedAt, payload.UpdatedAt, lastSync) {
			merged, resolution := conflict.MergeStockItem(*existing, payload, lastSync)
			merged.ID = existing.ID
			merged.CompanyID = actor.CompanyID
			merged.CreatedAt = existing.CreatedAt
			merged.UpdatedAt = s.now().UTC()
			// The merge picks one side's quantities verbatim, so a negative
			// client snapshot can win; stock never goes below zero.
			merged.ClampQuantities()
			if _, err := s.repo.UpdateStockItem(ctx, merged); err != nil {
				return errorResult(op.ClientID, err)
			}
			s.invalidateSummary(ctx, actor.CompanyID)
			return domain.SyncResult{Status: domain.SyncResultConflict, ServerID: existing.ID, Resolution: resolution}
		}
		payload.ID = existing.ID
		payload.CompanyID = actor.CompanyID
		payload.CreatedAt = existing.CreatedAt
		payload.UpdatedAt = s.now().UTC()
		payload.ClampQuantities()
		if _, err := s.repo.UpdateStockItem(ctx, payload); err != nil {
			return errorResult(op.ClientID, err)
		}
		s.invalidateSummary(ctx, actor.CompanyID)
		return domain.SyncResult{Status: domain.SyncResultSuccess, ServerID: existing.ID}

	case domain.SyncOpDelete:
		existing := s.lookupStockItem(ctx, actor.CompanyID, payload.ID, payload.ClientID)
		if existing == nil {
			return domain.SyncResult{Status: domain.SyncResultSuccess}
		}
		existing.Active = false
		existing.UpdatedAt = s.now().UTC()
		if _, err := s.repo.UpdateStockItem(ctx, *existing); err != nil {
			return errorResult(op.ClientID, err)
		}
		s.invalidateSummary(ctx, actor.CompanyID)
		return domain.SyncResult{Status: domain.SyncResultSuccess, ServerID: existing.ID}
	}
	return errorResult(op.ClientID, fmt.Errorf("unknown operation %q", op.Operation))
}

func (s *Service) lookupStockItem(ctx context.Context, companyID, id, clientID string) *domain.StockItem {
	if id != "" {
		if item, err := s.repo.GetStockItemByID(ctx, companyID, id); err == nil {
			return item
		}
	}
	if clientID != "" {
		if item, err := s.repo.FindStockItemByClientID(ctx, companyID, clientID); err == nil {
			return item
		}
	}
	return nil
}

func (s *Service) syncCreateStockItem(ctx context.Context, payload domain.StockItem, clientID string) domain.SyncResult {
	created, err := s.CreateStockItem(ctx, domain.StockCreateRequest{
		Name:          payload.Name,
		ItemType:      payload.ItemType,
		TotalWeightKg: payload.TotalWeightKg,
		TotalBags:     payload.TotalBags,
		PricePerKg:    payload.PricePerKg,
		MinimumStock:  payload.MinimumStock,
		ClientID:      payload.ClientID,
	})
	if err != nil {
		return errorResult(clientID, err)
	}
	return domain.SyncResult{Status: domain.SyncResultSuccess, ServerID: created.ID}
}

func (s *Service) syncTransaction(ctx context.Context, actor domain.Actor, op domain.SyncClientOperation, lastSync time.Time) domain.SyncResult {
	var payload domain.Transaction
	if err := json.Unmarshal(op.Data, &payload); err != nil {
		return errorResult(op.ClientID, fmt.Errorf("%w: %v", store.ErrValidation, err))
	}
	if payload.ClientID == "" {
		payload.ClientID = op.ClientID
	}

	switch op.Operation {
	case domain.SyncOpCreate:
		return s.syncCreateTransaction(ctx, payload, op.ClientID)

	case domain.SyncOpUpdate:
		existing := s.lookupTransaction(ctx, actor.CompanyID, payload.ID, payload.ClientID)
		if existing == nil {
			// The create never reached the server; replay it through the
			// engine so the ledger side effects land.
			return s.syncCreateTransaction(ctx, payload, op.ClientID)
		}
		if conflict.Detect(existing, &payload, existing.UpdatedAt, payload.UpdatedAt, lastSync) {
			merged, resolution := conflict.MergeTransaction(*existing, payload, lastSync)
			merged.ID = existing.ID
			merged.CompanyID = actor.CompanyID
			merged.CreatedAt = existing.CreatedAt
			merged.UpdatedAt = s.now().UTC()
			if _, err := s.repo.UpdateTransaction(ctx, merged); err != nil {
				return errorResult(op.ClientID, err)
			}
			return domain.SyncResult{Status: domain.SyncResultConflict, ServerID: existing.ID, Resolution: resolution}
		}
		payload.ID = existing.ID
		payload.CompanyID = actor.CompanyID
		payload.CreatedAt = existing.CreatedAt
		payload.UpdatedAt = s.now().UTC()
		payload.Recompute()
		if _, err := s.repo.UpdateTransaction(ctx, payload); err != nil {
			return errorResult(op.ClientID, err)
		}
		return domain.SyncResult{Status: domain.SyncResultSuccess, ServerID: existing.ID}

	case domain.SyncOpDelete:
		existing := s.lookupTransaction(ctx, actor.CompanyID, payload.ID, payload.ClientID)
		if existing == nil {
			return domain.SyncResult{Status: domain.SyncResultSuccess}
		}
		// Removing a transaction means compensating its ledger effects
		// first; a bare deactivation would leave stock and balances wrong.
		if existing.Status != domain.TxStatusCancelled {
			cancelled, err := s.repo.CancelTransaction(ctx, actor.CompanyID, existing.ID, s.now().UTC())
			if err != nil {
				return errorResult(op.ClientID, err)
			}
			existing = cancelled
			s.invalidateSummary(ctx, actor.CompanyID)
		}
		existing.Active = false
		existing.UpdatedAt = s.now().UTC()
		if _, err := s.repo.UpdateTransaction(ctx, *existing); err != nil {
			return errorResult(op.ClientID, err)
		}
		return domain.SyncResult{Status: domain.SyncResultSuccess, ServerID: existing.ID}
	}
	return errorResult(op.ClientID, fmt.Errorf("unknown operation %q", op.Operation))
}

func (s *Service) lookupTransaction(ctx context.Context, companyID, id, clientID string) *domain.Transaction {
	if id != "" {
		if tx, err := s.repo.GetTransactionByID(ctx, companyID, id); err == nil {
			return tx
		}
	}
	if clientID != "" {
		if tx, err := s.repo.FindTransactionByClientID(ctx, companyID, clientID); err == nil {
			return tx
		}
	}
	return nil
}

func (s *Service) syncCreateTransaction(ctx context.Context, payload domain.Transaction, clientID string) domain.SyncResult {
	items := make([]domain.TransactionLineRequest, 0, len(payload.Items))
	for _, item := range payload.Items {
		items = append(items, domain.TransactionLineRequest{
			StockItemID: item.StockItemID,
			ItemName:    item.ItemName,
			ItemType:    item.ItemType,
			WeightKg:    item.WeightKg,
			Bags:        item.Bags,
			PricePerKg:  item.PricePerKg,
		})
	}
	req := domain.TransactionCreateRequest{
		CustomerID:    payload.CustomerID,
		Items:         items,
		PaidAmount:    payload.PaidAmount,
		PaymentMethod: payload.PaymentMethod,
		Notes:         payload.Notes,
		ClientID:      payload.ClientID,
	}

	var resp *domain.TransactionResponse
	var err error
	switch payload.Type {
	case domain.TxTypeBuy:
		resp, err = s.CreateBuyTransaction(ctx, req)
	case domain.TxTypeSell:
		resp, err = s.CreateSellTransaction(ctx, req)
	default:
		err = fmt.Errorf("%w: unknown transaction type %q", store.ErrValidation, payload.Type)
	}
	if err != nil {
		return errorResult(clientID, err)
	}
	return domain.SyncResult{Status: domain.SyncResultSuccess, ServerID: resp.Transaction.ID}
}

func (s *Service) syncMillingRecord(ctx context.Context, actor domain.Actor, op domain.SyncClientOperation, lastSync time.Time) domain.SyncResult {
	var payload domain.MillingRecord
	if err := json.Unmarshal(op.Data, &payload); err != nil {
		return errorResult(op.ClientID, fmt.Errorf("%w: %v", store.ErrValidation, err))
	}
	if payload.ClientID == "" {
		payload.ClientID = op.ClientID
	}

	switch op.Operation {
	case domain.SyncOpCreate:
		return s.syncCreateMilling(ctx, actor, payload, op.ClientID)

	case domain.SyncOpUpdate:
		existing := s.lookupMilling(ctx, actor.CompanyID, payload.ID, payload.ClientID)
		if existing == nil {
			return s.syncCreateMilling(ctx, actor, payload, op.ClientID)
		}
		if conflict.Detect(existing, &payload, existing.UpdatedAt, payload.UpdatedAt, lastSync) {
			merged, resolution := conflict.MergeMilling(*existing, payload, lastSync)
			merged.ID = existing.ID
			merged.CompanyID = actor.CompanyID
			merged.CreatedAt = existing.CreatedAt
			merged.UpdatedAt = s.now().UTC()
			if _, err := s.repo.UpdateMillingRecord(ctx, merged); err != nil {
				return errorResult(op.ClientID, err)
			}
			return domain.SyncResult{Status: domain.SyncResultConflict, ServerID: existing.ID, Resolution: resolution}
		}
		payload.ID = existing.ID
		payload.CompanyID = actor.CompanyID
		payload.CreatedAt = existing.CreatedAt
		payload.UpdatedAt = s.now().UTC()
		if _, err := s.repo.UpdateMillingRecord(ctx, payload); err != nil {
			return errorResult(op.ClientID, err)
		}
		return domain.SyncResult{Status: domain.SyncResultSuccess, ServerID: existing.ID}

	case domain.SyncOpDelete:
		existing := s.lookupMilling(ctx, actor.CompanyID, payload.ID, payload.ClientID)
		if existing == nil {
			return domain.SyncResult{Status: domain.SyncResultSuccess}
		}
		existing.Active = false
		existing.UpdatedAt = s.now().UTC()
		if _, err := s.repo.UpdateMillingRecord(ctx, *existing); err != nil {
			return errorResult(op.ClientID, err)
		}
		return domain.SyncResult{Status: domain.SyncResultSuccess, ServerID: existing.ID}
	}
	return errorResult(op.ClientID, fmt.Errorf("unknown operation %q", op.Operation))
}

func (s *Service) lookupMilling(ctx context.Context, companyID, id, clientID string) *domain.MillingRecord {
	if id != "" {
		if record, err := s.repo.GetMillingByID(ctx, companyID, id); err == nil {
			return record
		}
	}
	if clientID != "" {
		if record, err := s.repo.FindMillingByClientID(ctx, companyID, clientID); err == nil {
			return record
		}
	}
	return nil
}

func (s *Service) syncCreateMilling(ctx context.Context, actor domain.Actor, payload domain.MillingRecord, clientID string) domain.SyncResult {
	paddyID := payload.PaddyItemID
	if item := s.lookupStockItem(ctx, actor.CompanyID, payload.PaddyItemID, payload.PaddyItemID); item != nil {
		paddyID = item.ID
	}

	req := domain.MillingCreateRequest{
		PaddyItemID:    paddyID,
		InputPaddyKg:   payload.InputPaddyKg,
		InputPaddyBags: payload.InputPaddyBags,
		Status:         payload.Status,
		Notes:          payload.Notes,
		ClientID:       payload.ClientID,
	}
	if !payload.MillingDate.IsZero() {
		date := payload.MillingDate
		req.MillingDate = &date
	}
	if payload.Status == "" || payload.Status == domain.MillingStatusCompleted {
		req.Output = &domain.MillingOutput{
			OutputRiceKg:    payload.OutputRiceKg,
			OutputRiceBags:  payload.OutputRiceBags,
			BrokenRiceKg:    payload.BrokenRiceKg,
			HuskKg:          payload.HuskKg,
			RiceItemName:    payload.RiceItemName,
			ExpectedPercent: payload.ExpectedPercent,
		}
	}

	resp, err := s.CreateMillingRecord(ctx, req)
	if err != nil {
		return errorResult(clientID, err)
	}
	return domain.SyncResult{Status: domain.SyncResultSuccess, ServerID: resp.Record.ID}
}
