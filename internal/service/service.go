package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Izu99/rice-app/internal/cache"
	"github.com/Izu99/rice-app/internal/domain"
	"github.com/Izu99/rice-app/internal/store"
	"github.com/Izu99/rice-app/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

const summaryCacheTTL = 30 * time.Second

type Service struct {
	repo    store.Repository
	summary cache.StockSummaryCache
	log     *logrus.Logger

	// Injected so document numbers and timestamps are deterministic in tests.
	now    func() time.Time
	newID  func(prefix string) string
	suffix func() string
}

func New(repo store.Repository, summaryCache cache.StockSummaryCache, logger *logrus.Logger) *Service {
	if summaryCache == nil {
		summaryCache = cache.NoopStockSummaryCache{}
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{
		repo:    repo,
		summary: summaryCache,
		log:     logger,
		now:     time.Now,
		newID:   xid.New,
		suffix:  xid.Suffix,
	}
}

// requireActor returns the authenticated tenant actor or a validation error.
// Every operation below is scoped by the actor's company.
func requireActor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.CompanyID == "" {
		return domain.Actor{}, fmt.Errorf("%w: missing company context", store.ErrValidation)
	}
	return actor, nil
}

func (s *Service) logAudit(ctx context.Context, action, entityType, entityID, detail string) {
	actor, _ := ActorFromContext(ctx)
	entry := domain.AuditLog{
		CompanyID:  actor.CompanyID,
		ActorID:    actor.UserID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.repo.CreateAuditLog(ctx, entry); err != nil {
		s.log.WithFields(logrus.Fields{
			"action":      action,
			"entity_type": entityType,
			"entity_id":   entityID,
		}).WithError(err).Warn("audit log write failed")
	}
}

func (s *Service) invalidateSummary(ctx context.Context, companyID string) {
	if err := s.summary.Invalidate(ctx, companyID); err != nil {
		s.log.WithField("company_id", companyID).WithError(err).Warn("stock summary cache invalidation failed")
	}
}

func (s *Service) CreateCustomer(ctx context.Context, req domain.CustomerCreateRequest) (*domain.Customer, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Phone = strings.TrimSpace(req.Phone)
	if req.Name == "" || req.Phone == "" {
		return nil, fmt.Errorf("%w: name and phone are required", store.ErrValidation)
	}

	now := s.now().UTC()
	customer := domain.Customer{
		ID:             s.newID("cus"),
		CompanyID:      actor.CompanyID,
		ClientID:       strings.TrimSpace(req.ClientID),
		Name:           req.Name,
		Phone:          req.Phone,
		SecondaryPhone: strings.TrimSpace(req.SecondaryPhone),
		Email:          strings.TrimSpace(req.Email),
		Address:        strings.TrimSpace(req.Address),
		City:           strings.TrimSpace(req.City),
		Notes:          req.Notes,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	created, err := s.repo.CreateCustomer(ctx, customer)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "customer_create", domain.EntityCustomer, created.ID, "phone="+created.Phone)
	return created, nil
}

func (s *Service) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.GetCustomerByID(ctx, actor.CompanyID, id)
}

func (s *Service) ListCustomers(ctx context.Context, includeInactive bool) ([]domain.Customer, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.ListCustomers(ctx, actor.CompanyID, includeInactive)
}

// PhoneInUse reports whether a phone number is already registered for the
// tenant, for client-side pre-checks before registration.
func (s *Service) PhoneInUse(ctx context.Context, phone string) (bool, *domain.Customer, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return false, nil, err
	}
	customer, err := s.repo.FindCustomerByPhone(ctx, actor.CompanyID, strings.TrimSpace(phone))
	if err != nil {
		if isNotFound(err) {
			return false, nil, nil
		}
		return false, nil, err
	}
	return true, customer, nil
}

func (s *Service) UpdateCustomer(ctx context.Context, id string, req domain.CustomerUpdateRequest) (*domain.Customer, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.GetCustomerByID(ctx, actor.CompanyID, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: name cannot be empty", store.ErrValidation)
		}
		existing.Name = name
	}
	if req.Phone != nil {
		phone := strings.TrimSpace(*req.Phone)
		if phone == "" {
			return nil, fmt.Errorf("%w: phone cannot be empty", store.ErrValidation)
		}
		existing.Phone = phone
	}
	if req.SecondaryPhone != nil {
		existing.SecondaryPhone = strings.TrimSpace(*req.SecondaryPhone)
	}
	if req.Email != nil {
		existing.Email = strings.TrimSpace(*req.Email)
	}
	if req.Address != nil {
		existing.Address = strings.TrimSpace(*req.Address)
	}
	if req.City != nil {
		existing.City = strings.TrimSpace(*req.City)
	}
	if req.Notes != nil {
		existing.Notes = *req.Notes
	}
	if req.Active != nil {
		existing.Active = *req.Active
	}
	existing.UpdatedAt = s.now().UTC()

	updated, err := s.repo.UpdateCustomer(ctx, *existing)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "customer_update", domain.EntityCustomer, updated.ID, "")
	return updated, nil
}

// DeactivateCustomer is the only removal: records with transaction history
// must stay referenceable from the ledger.
func (s *Service) DeactivateCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.GetCustomerByID(ctx, actor.CompanyID, id)
	if err != nil {
		return nil, err
	}
	existing.Active = false
	existing.UpdatedAt = s.now().UTC()

	updated, err := s.repo.UpdateCustomer(ctx, *existing)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "customer_deactivate", domain.EntityCustomer, updated.ID, "")
	return updated, nil
}

func (s *Service) ListCustomerTransactions(ctx context.Context, customerID string, limit int) ([]domain.Transaction, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.GetCustomerByID(ctx, actor.CompanyID, customerID); err != nil {
		return nil, err
	}
	return s.repo.ListTransactions(ctx, actor.CompanyID, store.TransactionFilter{CustomerID: customerID, Limit: limit})
}

func (s *Service) CreateStockItem(ctx context.Context, req domain.StockCreateRequest) (*domain.StockItem, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return nil, fmt.Errorf("%w: item name is required", store.ErrValidation)
	}
	if req.ItemType != domain.ItemTypePaddy && req.ItemType != domain.ItemTypeRice {
		return nil, fmt.Errorf("%w: item type must be paddy or rice", store.ErrValidation)
	}
	if req.TotalWeightKg < 0 || req.TotalBags < 0 || req.PricePerKg < 0 || req.MinimumStock < 0 {
		return nil, fmt.Errorf("%w: quantities cannot be negative", store.ErrValidation)
	}

	now := s.now().UTC()
	item := domain.StockItem{
		ID:            s.newID("stk"),
		CompanyID:     actor.CompanyID,
		ClientID:      strings.TrimSpace(req.ClientID),
		Name:          req.Name,
		ItemType:      req.ItemType,
		TotalWeightKg: req.TotalWeightKg,
		TotalBags:     req.TotalBags,
		PricePerKg:    req.PricePerKg,
		MinimumStock:  req.MinimumStock,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	created, err := s.repo.CreateStockItem(ctx, item)
	if err != nil {
		return nil, err
	}

	s.invalidateSummary(ctx, actor.CompanyID)
	s.logAudit(ctx, "stock_create", domain.EntityStockItem, created.ID, fmt.Sprintf("type=%s,weight=%.2f", created.ItemType, created.TotalWeightKg))
	return created, nil
}

func (s *Service) GetStockItem(ctx context.Context, id string) (*domain.StockItem, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.GetStockItemByID(ctx, actor.CompanyID, id)
}

func (s *Service) ListStockItems(ctx context.Context, itemType string, includeInactive bool) ([]domain.StockItem, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if itemType != "" && itemType != domain.ItemTypePaddy && itemType != domain.ItemTypeRice {
		return nil, fmt.Errorf("%w: item type must be paddy or rice", store.ErrValidation)
	}
	return s.repo.ListStockItems(ctx, actor.CompanyID, itemType, includeInactive)
}

func (s *Service) UpdateStockItem(ctx context.Context, id string, req domain.StockUpdateRequest) (*domain.StockItem, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.GetStockItemByID(ctx, actor.CompanyID, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: item name cannot be empty", store.ErrValidation)
		}
		existing.Name = name
	}
	if req.PricePerKg != nil {
		if *req.PricePerKg < 0 {
			return nil, fmt.Errorf("%w: price cannot be negative", store.ErrValidation)
		}
		existing.PricePerKg = *req.PricePerKg
	}
	if req.MinimumStock != nil {
		if *req.MinimumStock < 0 {
			return nil, fmt.Errorf("%w: minimum stock cannot be negative", store.ErrValidation)
		}
		existing.MinimumStock = *req.MinimumStock
	}
	if req.Active != nil {
		existing.Active = *req.Active
	}
	existing.UpdatedAt = s.now().UTC()

	updated, err := s.repo.UpdateStockItem(ctx, *existing)
	if err != nil {
		return nil, err
	}

	s.invalidateSummary(ctx, actor.CompanyID)
	s.logAudit(ctx, "stock_update", domain.EntityStockItem, updated.ID, "")
	return updated, nil
}

// AdjustStock applies a manual correction. Subtractions are gated by the
// same availability check as sells.
func (s *Service) AdjustStock(ctx context.Context, id string, req domain.StockAdjustRequest) (*domain.StockItem, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}

	if req.Direction != domain.DirectionAdd && req.Direction != domain.DirectionSubtract {
		return nil, fmt.Errorf("%w: direction must be add or subtract", store.ErrValidation)
	}
	if req.WeightKg < 0 || req.Bags < 0 {
		return nil, fmt.Errorf("%w: quantities cannot be negative", store.ErrValidation)
	}
	if req.WeightKg == 0 && req.Bags == 0 {
		return nil, fmt.Errorf("%w: nothing to adjust", store.ErrValidation)
	}

	adjusted, err := s.repo.AdjustStock(ctx, actor.CompanyID, id, req.WeightKg, req.Bags, req.Direction, s.now().UTC())
	if err != nil {
		return nil, err
	}

	s.invalidateSummary(ctx, actor.CompanyID)
	s.logAudit(ctx, "stock_adjust", domain.EntityStockItem, adjusted.ID, fmt.Sprintf("direction=%s,weight=%.2f,reason=%s", req.Direction, req.WeightKg, req.Reason))
	return adjusted, nil
}

func (s *Service) GetStockSummary(ctx context.Context) (*domain.StockSummary, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}

	if cached, ok, err := s.summary.Get(ctx, actor.CompanyID); err == nil && ok {
		return cached, nil
	} else if err != nil {
		s.log.WithError(err).Warn("stock summary cache read failed")
	}

	summary, err := s.repo.GetStockSummary(ctx, actor.CompanyID)
	if err != nil {
		return nil, err
	}
	if err := s.summary.Set(ctx, actor.CompanyID, summary, summaryCacheTTL); err != nil {
		s.log.WithError(err).Warn("stock summary cache write failed")
	}
	return summary, nil
}

func (s *Service) GetDailyReport(ctx context.Context, day time.Time) (*domain.DailyReport, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.GetDailyReport(ctx, actor.CompanyID, day)
}

func (s *Service) ListAuditLogs(ctx context.Context, from, to time.Time, limit int) ([]domain.AuditLog, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, actor.CompanyID, from, to, limit)
}
