package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Izu99/rice-app/internal/domain"
	"github.com/Izu99/rice-app/internal/store"
)

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

func validPaymentMethod(method string) bool {
	switch method {
	case domain.PaymentMethodCash, domain.PaymentMethodBankTransfer, domain.PaymentMethodCheque, domain.PaymentMethodCredit:
		return true
	}
	return false
}

func (s *Service) transactionNumber(txType string) string {
	prefix := "BUY"
	if txType == domain.TxTypeSell {
		prefix = "SELL"
	}
	return fmt.Sprintf("%s-%s-%s", prefix, s.now().UTC().Format("20060102"), s.suffix())
}

// resolveCustomer looks up by primary key first, then by the client-local
// identifier an offline device may have used.
func (s *Service) resolveCustomer(ctx context.Context, companyID, ref string) (*domain.Customer, error) {
	customer, err := s.repo.GetCustomerByID(ctx, companyID, ref)
	if err == nil {
		return customer, nil
	}
	if !isNotFound(err) {
		return nil, err
	}
	return s.repo.FindCustomerByClientID(ctx, companyID, ref)
}

func (s *Service) validateTransactionRequest(req domain.TransactionCreateRequest, sell bool) error {
	if strings.TrimSpace(req.CustomerID) == "" {
		return fmt.Errorf("%w: customer is required", store.ErrValidation)
	}
	if len(req.Items) == 0 {
		return fmt.Errorf("%w: at least one line item is required", store.ErrValidation)
	}
	if req.PaidAmount < 0 {
		return fmt.Errorf("%w: paid amount cannot be negative", store.ErrValidation)
	}
	if req.PaymentMethod != "" && !validPaymentMethod(req.PaymentMethod) {
		return fmt.Errorf("%w: unknown payment method %q", store.ErrValidation, req.PaymentMethod)
	}
	for i, line := range req.Items {
		if line.WeightKg <= 0 {
			return fmt.Errorf("%w: line %d weight must be positive", store.ErrValidation, i+1)
		}
		if line.Bags < 0 {
			return fmt.Errorf("%w: line %d bags cannot be negative", store.ErrValidation, i+1)
		}
		if line.PricePerKg < 0 {
			return fmt.Errorf("%w: line %d price cannot be negative", store.ErrValidation, i+1)
		}
		if sell {
			if strings.TrimSpace(line.StockItemID) == "" {
				return fmt.Errorf("%w: line %d must reference a stock item", store.ErrValidation, i+1)
			}
			continue
		}
		if strings.TrimSpace(line.StockItemID) == "" && strings.TrimSpace(line.ItemName) == "" {
			return fmt.Errorf("%w: line %d needs a stock item or an item name", store.ErrValidation, i+1)
		}
		if strings.TrimSpace(line.StockItemID) == "" {
			if line.ItemType != domain.ItemTypePaddy && line.ItemType != domain.ItemTypeRice {
				return fmt.Errorf("%w: line %d item type must be paddy or rice", store.ErrValidation, i+1)
			}
		}
	}
	return nil
}

func (s *Service) buildTransaction(actor domain.Actor, customer *domain.Customer, req domain.TransactionCreateRequest, txType string) domain.Transaction {
	now := s.now().UTC()
	items := make([]domain.TransactionItem, 0, len(req.Items))
	for _, line := range req.Items {
		items = append(items, domain.TransactionItem{
			StockItemID: strings.TrimSpace(line.StockItemID),
			ItemName:    strings.TrimSpace(line.ItemName),
			ItemType:    line.ItemType,
			WeightKg:    line.WeightKg,
			Bags:        line.Bags,
			PricePerKg:  line.PricePerKg,
			TotalPrice:  line.WeightKg * line.PricePerKg,
		})
	}

	method := req.PaymentMethod
	if method == "" {
		method = domain.PaymentMethodCash
	}

	tx := domain.Transaction{
		ID:            s.newID("tx"),
		CompanyID:     actor.CompanyID,
		ClientID:      strings.TrimSpace(req.ClientID),
		Number:        s.transactionNumber(txType),
		Type:          txType,
		CustomerID:    customer.ID,
		CustomerName:  customer.Name,
		Items:         items,
		PaidAmount:    req.PaidAmount,
		PaymentMethod: method,
		Notes:         req.Notes,
		CreatedBy:     actor.UserID,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.PaidAmount > 0 {
		tx.PaymentHistory = []domain.PaymentRecord{{
			Amount:        req.PaidAmount,
			PaymentMethod: method,
			PaidAt:        now,
			ReceivedBy:    actor.UserID,
		}}
	}
	tx.Recompute()
	return tx
}

// CreateBuyTransaction records a purchase from a supplier-customer. Stock
// items are resolved or created per line, the weighted-average cost basis is
// updated from the pre-credit weight, stock is credited and the customer's
// buy total grows, all as one unit. Replays keyed by client_id return the
// original transaction.
func (s *Service) CreateBuyTransaction(ctx context.Context, req domain.TransactionCreateRequest) (*domain.TransactionResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.validateTransactionRequest(req, false); err != nil {
		return nil, err
	}

	if clientID := strings.TrimSpace(req.ClientID); clientID != "" {
		existing, err := s.repo.FindTransactionByClientID(ctx, actor.CompanyID, clientID)
		if err == nil {
			return &domain.TransactionResponse{Transaction: *existing, Replayed: true}, nil
		}
		if !isNotFound(err) {
			return nil, err
		}
	}

	customer, err := s.resolveCustomer(ctx, actor.CompanyID, strings.TrimSpace(req.CustomerID))
	if err != nil {
		return nil, err
	}

	tx := s.buildTransaction(actor, customer, req, domain.TxTypeBuy)
	created, err := s.repo.CommitBuy(ctx, tx)
	if err != nil {
		return nil, err
	}

	s.invalidateSummary(ctx, actor.CompanyID)
	s.logAudit(ctx, "transaction_buy", domain.EntityTransaction, created.ID, fmt.Sprintf("number=%s,total=%.2f", created.Number, created.TotalAmount))
	s.log.WithFields(logrus.Fields{
		"company_id": actor.CompanyID,
		"number":     created.Number,
		"total":      created.TotalAmount,
	}).Info("buy transaction created")

	return &domain.TransactionResponse{Transaction: *created}, nil
}

// CreateSellTransaction mirrors the buy path: every line must reference
// existing stock, availability is pre-flighted across all lines before any
// mutation, stock is debited and the customer's sell total grows.
func (s *Service) CreateSellTransaction(ctx context.Context, req domain.TransactionCreateRequest) (*domain.TransactionResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.validateTransactionRequest(req, true); err != nil {
		return nil, err
	}

	if clientID := strings.TrimSpace(req.ClientID); clientID != "" {
		existing, err := s.repo.FindTransactionByClientID(ctx, actor.CompanyID, clientID)
		if err == nil {
			return &domain.TransactionResponse{Transaction: *existing, Replayed: true}, nil
		}
		if !isNotFound(err) {
			return nil, err
		}
	}

	customer, err := s.resolveCustomer(ctx, actor.CompanyID, strings.TrimSpace(req.CustomerID))
	if err != nil {
		return nil, err
	}

	tx := s.buildTransaction(actor, customer, req, domain.TxTypeSell)
	created, err := s.repo.CommitSell(ctx, tx)
	if err != nil {
		return nil, err
	}

	s.invalidateSummary(ctx, actor.CompanyID)
	s.logAudit(ctx, "transaction_sell", domain.EntityTransaction, created.ID, fmt.Sprintf("number=%s,total=%.2f", created.Number, created.TotalAmount))
	s.log.WithFields(logrus.Fields{
		"company_id": actor.CompanyID,
		"number":     created.Number,
		"total":      created.TotalAmount,
	}).Info("sell transaction created")

	return &domain.TransactionResponse{Transaction: *created}, nil
}

func (s *Service) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.GetTransactionByID(ctx, actor.CompanyID, id)
}

func (s *Service) ListTransactions(ctx context.Context, filter store.TransactionFilter) ([]domain.Transaction, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if filter.Limit < 1 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return s.repo.ListTransactions(ctx, actor.CompanyID, filter)
}

// AddPayment appends to the payment history and rederives the status state
// machine. Amounts must be positive; overpayment simply completes the
// transaction with a negative balance.
func (s *Service) AddPayment(ctx context.Context, transactionID string, req domain.PaymentRequest) (*domain.Transaction, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: payment amount must be positive", store.ErrValidation)
	}
	method := req.PaymentMethod
	if method == "" {
		method = domain.PaymentMethodCash
	}
	if !validPaymentMethod(method) {
		return nil, fmt.Errorf("%w: unknown payment method %q", store.ErrValidation, method)
	}

	payment := domain.PaymentRecord{
		Amount:        req.Amount,
		PaymentMethod: method,
		PaidAt:        s.now().UTC(),
		ReceivedBy:    actor.UserID,
		Notes:         req.Notes,
	}
	updated, err := s.repo.AppendPayment(ctx, actor.CompanyID, transactionID, payment)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "transaction_payment", domain.EntityTransaction, updated.ID, fmt.Sprintf("amount=%.2f,status=%s", req.Amount, updated.Status))
	return updated, nil
}

// CancelTransaction compensates a live transaction: stock and customer
// effects are reversed and the record transitions to its terminal state.
func (s *Service) CancelTransaction(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}

	cancelled, err := s.repo.CancelTransaction(ctx, actor.CompanyID, transactionID, s.now().UTC())
	if err != nil {
		return nil, err
	}

	s.invalidateSummary(ctx, actor.CompanyID)
	s.logAudit(ctx, "transaction_cancel", domain.EntityTransaction, cancelled.ID, "number="+cancelled.Number)
	s.log.WithFields(logrus.Fields{
		"company_id": actor.CompanyID,
		"number":     cancelled.Number,
	}).Info("transaction cancelled")

	return cancelled, nil
}
