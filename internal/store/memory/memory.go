package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/Izu99/rice-app/internal/domain"
	"github.com/Izu99/rice-app/internal/store"
	"github.com/Izu99/rice-app/internal/xid"
)

type Store struct {
	mu               sync.RWMutex
	customersByID    map[string]*domain.Customer
	stockByID        map[string]*domain.StockItem
	transactionsByID map[string]*domain.Transaction
	millingByID      map[string]*domain.MillingRecord
	syncOpsByKey     map[string]*domain.SyncOperation
	auditLogs        []domain.AuditLog
	usersByUsername  map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		customersByID:    make(map[string]*domain.Customer),
		stockByID:        make(map[string]*domain.StockItem),
		transactionsByID: make(map[string]*domain.Transaction),
		millingByID:      make(map[string]*domain.MillingRecord),
		syncOpsByKey:     make(map[string]*domain.SyncOperation),
		auditLogs:        make([]domain.AuditLog, 0, 128),
		usersByUsername:  make(map[string]domain.UserAccount),
	}
}

// NewSeeded builds a store pre-populated with one demo company for dev mode.
// Seed credentials come from SEED_ADMIN_PASSWORD; a hardcoded dev default is
// used with a warning when unset. Production deployments use PostgreSQL.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()
	companyID := "mill-001"

	items := []domain.StockItem{
		{ID: "stk-paddy-nadu", CompanyID: companyID, Name: "Nadu Paddy", ItemType: domain.ItemTypePaddy, TotalWeightKg: 2500, TotalBags: 50, PricePerKg: 55, AvgPurchasePrice: 52, MinimumStock: 500, Active: true, CreatedAt: now, UpdatedAt: now},
		{ID: "stk-paddy-samba", CompanyID: companyID, Name: "Samba Paddy", ItemType: domain.ItemTypePaddy, TotalWeightKg: 1200, TotalBags: 24, PricePerKg: 62, AvgPurchasePrice: 60, MinimumStock: 400, Active: true, CreatedAt: now, UpdatedAt: now},
		{ID: "stk-rice-nadu", CompanyID: companyID, Name: "Nadu Rice", ItemType: domain.ItemTypeRice, TotalWeightKg: 800, TotalBags: 16, PricePerKg: 110, AvgPurchasePrice: 0, MinimumStock: 200, Active: true, CreatedAt: now, UpdatedAt: now},
	}
	for i := range items {
		item := items[i]
		s.stockByID[item.ID] = &item
	}

	customers := []domain.Customer{
		{ID: "cus-perera", CompanyID: companyID, Name: "Perera Stores", Phone: "0771234567", City: "Kurunegala", Active: true, CreatedAt: now, UpdatedAt: now},
		{ID: "cus-silva", CompanyID: companyID, Name: "Silva Traders", Phone: "0719876543", City: "Anuradhapura", Active: true, CreatedAt: now, UpdatedAt: now},
	}
	for i := range customers {
		customer := customers[i]
		customer.RecomputeBalance()
		s.customersByID[customer.ID] = &customer
	}

	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD to override.")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(adminPwd), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("[memory-store] failed to hash seed password: %v", err)
	}
	s.usersByUsername["admin"] = domain.UserAccount{
		Username:     "admin",
		PasswordHash: string(hash),
		Name:         "Mill Admin",
		Role:         "admin",
		CompanyID:    companyID,
		Active:       true,
		CreatedAt:    now,
	}

	return s
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func syncKey(companyID, clientID string) string {
	return companyID + "/" + clientID
}

func cloneCustomer(c *domain.Customer) *domain.Customer {
	cp := *c
	return &cp
}

func cloneStockItem(item *domain.StockItem) *domain.StockItem {
	cp := *item
	return &cp
}

func cloneTransaction(tx *domain.Transaction) *domain.Transaction {
	cp := *tx
	cp.Items = slices.Clone(tx.Items)
	cp.PaymentHistory = slices.Clone(tx.PaymentHistory)
	return &cp
}

func cloneMilling(rec *domain.MillingRecord) *domain.MillingRecord {
	cp := *rec
	return &cp
}

func cloneSyncOp(op *domain.SyncOperation) *domain.SyncOperation {
	cp := *op
	cp.Data = slices.Clone(op.Data)
	if op.Result != nil {
		result := *op.Result
		cp.Result = &result
	}
	return &cp
}

func (s *Store) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.customersByID {
		if existing.CompanyID != customer.CompanyID {
			continue
		}
		if existing.Phone == customer.Phone {
			return nil, store.ErrDuplicate
		}
		if customer.ClientID != "" && existing.ClientID == customer.ClientID {
			return nil, store.ErrDuplicate
		}
	}

	if customer.ID == "" {
		customer.ID = xid.New("cus")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}
	if customer.UpdatedAt.IsZero() {
		customer.UpdatedAt = customer.CreatedAt
	}
	customer.RecomputeBalance()

	s.customersByID[customer.ID] = cloneCustomer(&customer)
	return cloneCustomer(&customer), nil
}

func (s *Store) GetCustomerByID(_ context.Context, companyID string, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, ok := s.customersByID[id]
	if !ok || customer.CompanyID != companyID {
		return nil, store.ErrNotFound
	}
	return cloneCustomer(customer), nil
}

func (s *Store) FindCustomerByClientID(_ context.Context, companyID string, clientID string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, customer := range s.customersByID {
		if customer.CompanyID == companyID && customer.ClientID == clientID && clientID != "" {
			return cloneCustomer(customer), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) FindCustomerByPhone(_ context.Context, companyID string, phone string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, customer := range s.customersByID {
		if customer.CompanyID == companyID && customer.Phone == phone {
			return cloneCustomer(customer), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListCustomers(_ context.Context, companyID string, includeInactive bool) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customers := make([]domain.Customer, 0, len(s.customersByID))
	for _, customer := range s.customersByID {
		if customer.CompanyID != companyID {
			continue
		}
		if !includeInactive && !customer.Active {
			continue
		}
		customers = append(customers, *cloneCustomer(customer))
	}
	slices.SortFunc(customers, func(a, b domain.Customer) int {
		return strings.Compare(a.Name, b.Name)
	})
	return customers, nil
}

func (s *Store) UpdateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.customersByID[customer.ID]
	if !ok || existing.CompanyID != customer.CompanyID {
		return nil, store.ErrNotFound
	}
	for _, other := range s.customersByID {
		if other.CompanyID == customer.CompanyID && other.ID != customer.ID && other.Phone == customer.Phone {
			return nil, store.ErrDuplicate
		}
	}

	customer.CreatedAt = existing.CreatedAt
	if customer.UpdatedAt.IsZero() {
		customer.UpdatedAt = time.Now().UTC()
	}
	customer.RecomputeBalance()

	s.customersByID[customer.ID] = cloneCustomer(&customer)
	return cloneCustomer(&customer), nil
}

func (s *Store) CreateStockItem(_ context.Context, item domain.StockItem) (*domain.StockItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.findStockByNameLocked(item.CompanyID, item.ItemType, item.Name) != nil {
		return nil, store.ErrDuplicate
	}

	created := s.insertStockLocked(item)
	return cloneStockItem(created), nil
}

// insertStockLocked assigns defaults and stores the item. Caller holds the
// write lock and has already checked uniqueness.
func (s *Store) insertStockLocked(item domain.StockItem) *domain.StockItem {
	if item.ID == "" {
		item.ID = xid.New("stk")
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = item.CreatedAt
	}
	if item.AvgPurchasePrice == 0 {
		item.AvgPurchasePrice = item.PricePerKg
	}
	stored := cloneStockItem(&item)
	s.stockByID[item.ID] = stored
	return stored
}

func (s *Store) findStockByNameLocked(companyID, itemType, name string) *domain.StockItem {
	for _, item := range s.stockByID {
		if item.CompanyID == companyID && item.ItemType == itemType && strings.EqualFold(item.Name, name) {
			return item
		}
	}
	return nil
}

func (s *Store) resolveStockLocked(companyID, id, clientID string) *domain.StockItem {
	if id != "" {
		if item, ok := s.stockByID[id]; ok && item.CompanyID == companyID {
			return item
		}
	}
	if clientID != "" {
		for _, item := range s.stockByID {
			if item.CompanyID == companyID && item.ClientID == clientID {
				return item
			}
		}
	}
	return nil
}

func (s *Store) GetStockItemByID(_ context.Context, companyID string, id string) (*domain.StockItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.stockByID[id]
	if !ok || item.CompanyID != companyID {
		return nil, store.ErrNotFound
	}
	return cloneStockItem(item), nil
}

func (s *Store) FindStockItemByClientID(_ context.Context, companyID string, clientID string) (*domain.StockItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if clientID == "" {
		return nil, store.ErrNotFound
	}
	for _, item := range s.stockByID {
		if item.CompanyID == companyID && item.ClientID == clientID {
			return cloneStockItem(item), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) FindStockItemByName(_ context.Context, companyID string, itemType string, name string) (*domain.StockItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if item := s.findStockByNameLocked(companyID, itemType, name); item != nil {
		return cloneStockItem(item), nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListStockItems(_ context.Context, companyID string, itemType string, includeInactive bool) ([]domain.StockItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.StockItem, 0, len(s.stockByID))
	for _, item := range s.stockByID {
		if item.CompanyID != companyID {
			continue
		}
		if itemType != "" && item.ItemType != itemType {
			continue
		}
		if !includeInactive && !item.Active {
			continue
		}
		items = append(items, *cloneStockItem(item))
	}
	slices.SortFunc(items, func(a, b domain.StockItem) int {
		return strings.Compare(a.Name, b.Name)
	})
	return items, nil
}

func (s *Store) UpdateStockItem(_ context.Context, item domain.StockItem) (*domain.StockItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.stockByID[item.ID]
	if !ok || existing.CompanyID != item.CompanyID {
		return nil, store.ErrNotFound
	}

	item.CreatedAt = existing.CreatedAt
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = time.Now().UTC()
	}
	s.stockByID[item.ID] = cloneStockItem(&item)
	return cloneStockItem(&item), nil
}

func (s *Store) AdjustStock(_ context.Context, companyID string, id string, weightKg float64, bags int, direction string, at time.Time) (*domain.StockItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.stockByID[id]
	if !ok || item.CompanyID != companyID {
		return nil, store.ErrNotFound
	}
	if direction == domain.DirectionSubtract && item.TotalWeightKg < weightKg {
		return nil, &store.StockShortageError{Lines: []store.StockShortage{{
			ItemID:      item.ID,
			ItemName:    item.Name,
			RequestedKg: weightKg,
			AvailableKg: item.TotalWeightKg,
		}}}
	}

	item.ApplyDelta(weightKg, bags, direction)
	item.UpdatedAt = at
	return cloneStockItem(item), nil
}

func (s *Store) GetStockSummary(_ context.Context, companyID string) (*domain.StockSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := domain.StockSummary{LowStockItems: []domain.StockItem{}}
	for _, item := range s.stockByID {
		if item.CompanyID != companyID || !item.Active {
			continue
		}
		summary.TotalItems++
		switch item.ItemType {
		case domain.ItemTypePaddy:
			summary.TotalPaddyKg += item.TotalWeightKg
		case domain.ItemTypeRice:
			summary.TotalRiceKg += item.TotalWeightKg
		}
		summary.StockValue += item.TotalWeightKg * item.PricePerKg
		if item.IsLowStock() {
			summary.LowStockItems = append(summary.LowStockItems, *cloneStockItem(item))
		}
	}
	slices.SortFunc(summary.LowStockItems, func(a, b domain.StockItem) int {
		return strings.Compare(a.Name, b.Name)
	})
	return &summary, nil
}

func (s *Store) FindTransactionByClientID(_ context.Context, companyID string, clientID string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if clientID == "" {
		return nil, store.ErrNotFound
	}
	for _, tx := range s.transactionsByID {
		if tx.CompanyID == companyID && tx.ClientID == clientID {
			return cloneTransaction(tx), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetTransactionByID(_ context.Context, companyID string, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactionsByID[id]
	if !ok || tx.CompanyID != companyID {
		return nil, store.ErrNotFound
	}
	return cloneTransaction(tx), nil
}

func (s *Store) ListTransactions(_ context.Context, companyID string, filter store.TransactionFilter) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	transactions := make([]domain.Transaction, 0, len(s.transactionsByID))
	for _, tx := range s.transactionsByID {
		if tx.CompanyID != companyID {
			continue
		}
		if filter.Type != "" && tx.Type != filter.Type {
			continue
		}
		if filter.Status != "" && tx.Status != filter.Status {
			continue
		}
		if filter.CustomerID != "" && tx.CustomerID != filter.CustomerID {
			continue
		}
		transactions = append(transactions, *cloneTransaction(tx))
	}
	slices.SortFunc(transactions, func(a, b domain.Transaction) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if filter.Limit > 0 && len(transactions) > filter.Limit {
		transactions = transactions[:filter.Limit]
	}
	return transactions, nil
}

// CommitBuy applies a buy transaction as one unit: stock items are resolved
// or created, the weighted-average price is recomputed from the pre-credit
// weight, stock is credited, the customer's buy total grows, and the
// transaction is persisted. The store mutex makes the sequence atomic.
func (s *Store) CommitBuy(_ context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.ClientID != "" {
		for _, existing := range s.transactionsByID {
			if existing.CompanyID == tx.CompanyID && existing.ClientID == tx.ClientID {
				return cloneTransaction(existing), nil
			}
		}
	}
	if len(tx.Items) == 0 {
		return nil, store.ErrValidation
	}

	customer, ok := s.customersByID[tx.CustomerID]
	if !ok || customer.CompanyID != tx.CompanyID {
		return nil, store.ErrNotFound
	}

	now := tx.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	for i := range tx.Items {
		line := &tx.Items[i]
		item := s.resolveStockLocked(tx.CompanyID, line.StockItemID, line.StockItemID)
		if item == nil {
			item = s.findStockByNameLocked(tx.CompanyID, line.ItemType, line.ItemName)
		}
		if item == nil {
			item = s.insertStockLocked(domain.StockItem{
				CompanyID:  tx.CompanyID,
				Name:       line.ItemName,
				ItemType:   line.ItemType,
				PricePerKg: line.PricePerKg,
				Active:     true,
				CreatedAt:  now,
				UpdatedAt:  now,
			})
		}
		// Price before weight: the average needs the pre-credit base.
		item.AvgPurchasePrice = domain.WeightedAveragePrice(item.AvgPurchasePrice, item.TotalWeightKg, line.PricePerKg, line.WeightKg)
		item.ApplyDelta(line.WeightKg, line.Bags, domain.DirectionAdd)
		item.UpdatedAt = now

		line.StockItemID = item.ID
		line.ItemName = item.Name
		line.ItemType = item.ItemType
		line.TotalPrice = line.WeightKg * line.PricePerKg
	}

	if tx.ID == "" {
		tx.ID = xid.New("tx")
	}
	tx.Type = domain.TxTypeBuy
	tx.CustomerName = customer.Name
	tx.CreatedAt = now
	tx.UpdatedAt = now
	tx.Active = true
	tx.Recompute()

	customer.TotalBuyAmount += tx.TotalAmount
	customer.RecomputeBalance()
	customer.UpdatedAt = now

	stored := cloneTransaction(&tx)
	s.transactionsByID[tx.ID] = stored
	return cloneTransaction(stored), nil
}

// CommitSell mirrors CommitBuy for the sell direction. Every line must
// reference existing stock, and a pre-flight pass reports all insufficient
// lines before any mutation happens.
func (s *Store) CommitSell(_ context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.ClientID != "" {
		for _, existing := range s.transactionsByID {
			if existing.CompanyID == tx.CompanyID && existing.ClientID == tx.ClientID {
				return cloneTransaction(existing), nil
			}
		}
	}
	if len(tx.Items) == 0 {
		return nil, store.ErrValidation
	}

	customer, ok := s.customersByID[tx.CustomerID]
	if !ok || customer.CompanyID != tx.CompanyID {
		return nil, store.ErrNotFound
	}

	resolved := make([]*domain.StockItem, len(tx.Items))
	var shortages []store.StockShortage
	for i := range tx.Items {
		line := &tx.Items[i]
		item := s.resolveStockLocked(tx.CompanyID, line.StockItemID, line.StockItemID)
		if item == nil {
			return nil, store.ErrNotFound
		}
		resolved[i] = item
		if item.TotalWeightKg < line.WeightKg {
			shortages = append(shortages, store.StockShortage{
				ItemID:      item.ID,
				ItemName:    item.Name,
				RequestedKg: line.WeightKg,
				AvailableKg: item.TotalWeightKg,
			})
		}
	}
	if len(shortages) > 0 {
		return nil, &store.StockShortageError{Lines: shortages}
	}

	now := tx.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	for i := range tx.Items {
		line := &tx.Items[i]
		item := resolved[i]
		item.ApplyDelta(line.WeightKg, line.Bags, domain.DirectionSubtract)
		item.UpdatedAt = now

		line.StockItemID = item.ID
		line.ItemName = item.Name
		line.ItemType = item.ItemType
		line.TotalPrice = line.WeightKg * line.PricePerKg
	}

	if tx.ID == "" {
		tx.ID = xid.New("tx")
	}
	tx.Type = domain.TxTypeSell
	tx.CustomerName = customer.Name
	tx.CreatedAt = now
	tx.UpdatedAt = now
	tx.Active = true
	tx.Recompute()

	customer.TotalSellAmount += tx.TotalAmount
	customer.RecomputeBalance()
	customer.UpdatedAt = now

	stored := cloneTransaction(&tx)
	s.transactionsByID[tx.ID] = stored
	return cloneTransaction(stored), nil
}

func (s *Store) AppendPayment(_ context.Context, companyID string, id string, payment domain.PaymentRecord) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactionsByID[id]
	if !ok || tx.CompanyID != companyID {
		return nil, store.ErrNotFound
	}
	if tx.Status == domain.TxStatusCancelled {
		return nil, store.ErrInvalidState
	}

	tx.PaymentHistory = append(tx.PaymentHistory, payment)
	tx.PaidAmount += payment.Amount
	tx.Recompute()
	tx.UpdatedAt = payment.PaidAt

	return cloneTransaction(tx), nil
}

// CancelTransaction is compensation, not deletion: stock and customer
// effects are reversed and the record stays with its history.
func (s *Store) CancelTransaction(_ context.Context, companyID string, id string, at time.Time) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactionsByID[id]
	if !ok || tx.CompanyID != companyID {
		return nil, store.ErrNotFound
	}
	if tx.Status == domain.TxStatusCancelled {
		return nil, store.ErrInvalidState
	}

	reverse := domain.DirectionSubtract
	if tx.Type == domain.TxTypeSell {
		reverse = domain.DirectionAdd
	}
	for _, line := range tx.Items {
		item, ok := s.stockByID[line.StockItemID]
		if !ok || item.CompanyID != companyID {
			continue
		}
		item.ApplyDelta(line.WeightKg, line.Bags, reverse)
		item.UpdatedAt = at
	}

	if customer, ok := s.customersByID[tx.CustomerID]; ok && customer.CompanyID == companyID {
		switch tx.Type {
		case domain.TxTypeBuy:
			customer.TotalBuyAmount -= tx.TotalAmount
		case domain.TxTypeSell:
			customer.TotalSellAmount -= tx.TotalAmount
		}
		customer.RecomputeBalance()
		customer.UpdatedAt = at
	}

	tx.Status = domain.TxStatusCancelled
	tx.UpdatedAt = at
	return cloneTransaction(tx), nil
}

func (s *Store) UpdateTransaction(_ context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.transactionsByID[tx.ID]
	if !ok || existing.CompanyID != tx.CompanyID {
		return nil, store.ErrNotFound
	}

	tx.CreatedAt = existing.CreatedAt
	if tx.UpdatedAt.IsZero() {
		tx.UpdatedAt = time.Now().UTC()
	}
	stored := cloneTransaction(&tx)
	s.transactionsByID[tx.ID] = stored
	return cloneTransaction(stored), nil
}

// CreateMilling debits paddy unconditionally; rice is credited only for a
// batch arriving already completed.
func (s *Store) CreateMilling(_ context.Context, record domain.MillingRecord) (*domain.MillingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.ClientID != "" {
		for _, existing := range s.millingByID {
			if existing.CompanyID == record.CompanyID && existing.ClientID == record.ClientID {
				return cloneMilling(existing), nil
			}
		}
	}

	paddy, ok := s.stockByID[record.PaddyItemID]
	if !ok || paddy.CompanyID != record.CompanyID || paddy.ItemType != domain.ItemTypePaddy {
		return nil, store.ErrNotFound
	}
	if paddy.TotalWeightKg < record.InputPaddyKg {
		return nil, &store.StockShortageError{Lines: []store.StockShortage{{
			ItemID:      paddy.ID,
			ItemName:    paddy.Name,
			RequestedKg: record.InputPaddyKg,
			AvailableKg: paddy.TotalWeightKg,
		}}}
	}

	now := record.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	paddy.ApplyDelta(record.InputPaddyKg, record.InputPaddyBags, domain.DirectionSubtract)
	paddy.UpdatedAt = now
	record.PaddyItemName = paddy.Name

	if record.Status == domain.MillingStatusCompleted {
		rice := s.creditRiceLocked(record.CompanyID, record.RiceItemName, record.OutputRiceKg, record.OutputRiceBags, record.BatchNumber, now)
		record.RiceItemID = rice.ID
		record.RecomputeYield()
	}

	if record.ID == "" {
		record.ID = xid.New("mil")
	}
	record.CreatedAt = now
	record.UpdatedAt = now
	record.Active = true

	stored := cloneMilling(&record)
	s.millingByID[record.ID] = stored
	return cloneMilling(stored), nil
}

func (s *Store) creditRiceLocked(companyID, name string, weightKg float64, bags int, batch string, at time.Time) *domain.StockItem {
	rice := s.findStockByNameLocked(companyID, domain.ItemTypeRice, name)
	if rice == nil {
		rice = s.insertStockLocked(domain.StockItem{
			CompanyID:   companyID,
			Name:        name,
			ItemType:    domain.ItemTypeRice,
			SourceBatch: batch,
			Active:      true,
			CreatedAt:   at,
			UpdatedAt:   at,
		})
	}
	rice.ApplyDelta(weightKg, bags, domain.DirectionAdd)
	rice.UpdatedAt = at
	return rice
}

func (s *Store) CompleteMilling(_ context.Context, companyID string, id string, output domain.MillingOutput, at time.Time) (*domain.MillingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.millingByID[id]
	if !ok || record.CompanyID != companyID {
		return nil, store.ErrNotFound
	}
	if record.Status != domain.MillingStatusInProgress {
		return nil, store.ErrInvalidState
	}

	rice := s.creditRiceLocked(companyID, output.RiceItemName, output.OutputRiceKg, output.OutputRiceBags, record.BatchNumber, at)

	record.OutputRiceKg = output.OutputRiceKg
	record.OutputRiceBags = output.OutputRiceBags
	record.BrokenRiceKg = output.BrokenRiceKg
	record.HuskKg = output.HuskKg
	record.RiceItemID = rice.ID
	record.RiceItemName = rice.Name
	if output.ExpectedPercent > 0 {
		record.ExpectedPercent = output.ExpectedPercent
	}
	record.Status = domain.MillingStatusCompleted
	record.RecomputeYield()
	record.UpdatedAt = at

	return cloneMilling(record), nil
}

func (s *Store) GetMillingByID(_ context.Context, companyID string, id string) (*domain.MillingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.millingByID[id]
	if !ok || record.CompanyID != companyID {
		return nil, store.ErrNotFound
	}
	return cloneMilling(record), nil
}

func (s *Store) FindMillingByClientID(_ context.Context, companyID string, clientID string) (*domain.MillingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if clientID == "" {
		return nil, store.ErrNotFound
	}
	for _, record := range s.millingByID {
		if record.CompanyID == companyID && record.ClientID == clientID {
			return cloneMilling(record), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListMillingRecords(_ context.Context, companyID string, status string, limit int) ([]domain.MillingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]domain.MillingRecord, 0, len(s.millingByID))
	for _, record := range s.millingByID {
		if record.CompanyID != companyID {
			continue
		}
		if status != "" && record.Status != status {
			continue
		}
		records = append(records, *cloneMilling(record))
	}
	slices.SortFunc(records, func(a, b domain.MillingRecord) int {
		return b.MillingDate.Compare(a.MillingDate)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *Store) UpdateMillingRecord(_ context.Context, record domain.MillingRecord) (*domain.MillingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.millingByID[record.ID]
	if !ok || existing.CompanyID != record.CompanyID {
		return nil, store.ErrNotFound
	}

	record.CreatedAt = existing.CreatedAt
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}
	stored := cloneMilling(&record)
	s.millingByID[record.ID] = stored
	return cloneMilling(stored), nil
}

func (s *Store) GetMillingStats(_ context.Context, companyID string, from time.Time, to time.Time) (*domain.MillingStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := domain.MillingStats{}
	var percentSum float64
	var completed int
	for _, record := range s.millingByID {
		if record.CompanyID != companyID {
			continue
		}
		if !from.IsZero() && record.MillingDate.Before(from) {
			continue
		}
		if !to.IsZero() && record.MillingDate.After(to) {
			continue
		}
		stats.TotalBatches++
		stats.TotalPaddyKg += record.InputPaddyKg
		stats.TotalRiceKg += record.OutputRiceKg
		stats.TotalWastageKg += record.WastageKg
		if record.Status == domain.MillingStatusCompleted {
			percentSum += record.ActualPercent
			completed++
		}
	}
	if completed > 0 {
		stats.AvgActualPercent = percentSum / float64(completed)
	}
	return &stats, nil
}

func (s *Store) GetSyncOperation(_ context.Context, companyID string, clientID string) (*domain.SyncOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	op, ok := s.syncOpsByKey[syncKey(companyID, clientID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSyncOp(op), nil
}

func (s *Store) SaveSyncOperation(_ context.Context, op domain.SyncOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.syncOpsByKey[syncKey(op.CompanyID, op.ClientID)] = cloneSyncOp(&op)
	return nil
}

func (s *Store) ChangesSince(_ context.Context, companyID string, since time.Time) (*domain.ChangeSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	changes := domain.ChangeSet{
		Customers:      []domain.Customer{},
		StockItems:     []domain.StockItem{},
		Transactions:   []domain.Transaction{},
		MillingRecords: []domain.MillingRecord{},
		ServerTime:     time.Now().UTC(),
	}
	for _, customer := range s.customersByID {
		if customer.CompanyID == companyID && customer.UpdatedAt.After(since) {
			changes.Customers = append(changes.Customers, *cloneCustomer(customer))
		}
	}
	for _, item := range s.stockByID {
		if item.CompanyID == companyID && item.UpdatedAt.After(since) {
			changes.StockItems = append(changes.StockItems, *cloneStockItem(item))
		}
	}
	for _, tx := range s.transactionsByID {
		if tx.CompanyID == companyID && tx.UpdatedAt.After(since) {
			changes.Transactions = append(changes.Transactions, *cloneTransaction(tx))
		}
	}
	for _, record := range s.millingByID {
		if record.CompanyID == companyID && record.UpdatedAt.After(since) {
			changes.MillingRecords = append(changes.MillingRecords, *cloneMilling(record))
		}
	}
	slices.SortFunc(changes.Transactions, func(a, b domain.Transaction) int {
		return a.UpdatedAt.Compare(b.UpdatedAt)
	})
	return &changes, nil
}

func (s *Store) GetDailyReport(_ context.Context, companyID string, day time.Time) (*domain.DailyReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	report := domain.DailyReport{Date: start.Format("2006-01-02")}
	for _, tx := range s.transactionsByID {
		if tx.CompanyID != companyID || tx.Status == domain.TxStatusCancelled {
			continue
		}
		if tx.CreatedAt.Before(start) || !tx.CreatedAt.Before(end) {
			continue
		}
		switch tx.Type {
		case domain.TxTypeBuy:
			report.BuyCount++
			report.BuyTotal += tx.TotalAmount
		case domain.TxTypeSell:
			report.SellCount++
			report.SellTotal += tx.TotalAmount
		}
		report.PaidTotal += tx.PaidAmount
		report.OutstandingTotal += tx.Balance
	}
	return &report, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, companyID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if entry.CompanyID != companyID {
			continue
		}
		if !from.IsZero() && entry.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && entry.CreatedAt.After(to) {
			continue
		}
		logs = append(logs, entry)
		if limit > 0 && len(logs) >= limit {
			break
		}
	}
	return logs, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrDuplicate
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.PasswordHash = passwordHash
	s.usersByUsername[username] = user
	return nil
}
